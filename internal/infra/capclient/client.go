// Package capclient connects to one capability server, performs the version
// handshake, and lists and invokes its capabilities. It never caches
// listings; freshness policy belongs to the registry.
package capclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"agentd/internal/domain"
	"agentd/internal/infra/transport"
	"agentd/internal/infra/wire"
)

// ConnectOptions configures Connect.
type ConnectOptions struct {
	Timeout    time.Duration
	ClientName string
	Logger     *zap.Logger
}

// Client is one handshaken connection to a capability server. Invoke calls
// may be issued concurrently; each is correlated independently.
type Client struct {
	conn       *transport.Conn
	serverName string
	logger     *zap.Logger
}

// Connect dials the address and performs the handshake. An unreachable peer
// surfaces as a connection error, an incompatible peer as a protocol error.
func Connect(ctx context.Context, dialer transport.Dialer, address string, opts ConnectOptions) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = time.Duration(domain.DefaultConnectTimeoutSeconds) * time.Second
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := dialer.Dial(dialCtx, address)
	if err != nil {
		return nil, domain.Wrap(domain.CodeConnection, "capclient.connect", err)
	}

	raw, err := conn.Call(dialCtx, wire.MethodHandshake, wire.HandshakeParams{
		Version:    domain.ProtocolVersion,
		ClientName: opts.ClientName,
	})
	if err != nil {
		_ = conn.Close()
		return nil, classifyCallError("capclient.connect", err)
	}
	var result wire.HandshakeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		_ = conn.Close()
		return nil, domain.E(domain.CodeProtocol, "capclient.connect", "decode handshake result", err)
	}
	if result.Version != domain.ProtocolVersion {
		_ = conn.Close()
		return nil, domain.E(domain.CodeProtocol, "capclient.connect",
			fmt.Sprintf("peer speaks protocol %d, want %d", result.Version, domain.ProtocolVersion),
			domain.ErrIncompatibleProtocol)
	}

	return &Client{
		conn:       conn,
		serverName: result.ServerName,
		logger:     logger.Named("capclient"),
	}, nil
}

// ServerName reports the name the server announced during the handshake.
func (c *Client) ServerName() string { return c.serverName }

// ListCapabilities fetches the server's current listing and its ETag.
func (c *Client) ListCapabilities(ctx context.Context) ([]domain.CapabilityDescriptor, string, error) {
	raw, err := c.conn.Call(ctx, wire.MethodList, struct{}{})
	if err != nil {
		return nil, "", classifyCallError("capclient.list", err)
	}
	var result wire.ListResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, "", domain.E(domain.CodeProtocol, "capclient.list", "decode list result", err)
	}
	return wire.DescriptorsFromWire(result.Capabilities), result.ETag, nil
}

// Invoke sends one correlated invocation and waits for its result or the
// timeout. The returned payload is the raw result value.
func (c *Client) Invoke(ctx context.Context, name string, args map[string]any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = time.Duration(domain.DefaultInvokeTimeoutSeconds) * time.Second
	}
	invokeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	raw, err := c.conn.Call(invokeCtx, wire.MethodInvoke, wire.InvokeParams{Name: name, Args: args})
	if err != nil {
		return nil, classifyCallError("capclient.invoke", err)
	}
	var result wire.InvokeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, domain.E(domain.CodeProtocol, "capclient.invoke", "decode invoke result", err)
	}
	if result.Error != nil {
		return nil, wire.ErrorFromBody("capclient.invoke", result.Error)
	}
	return result.Result, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func classifyCallError(op string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return domain.E(domain.CodeTimeout, op, "no response within budget", err)
	case errors.Is(err, context.Canceled):
		return domain.E(domain.CodeCanceled, op, "", err)
	case errors.Is(err, domain.ErrConnectionClosed):
		return domain.E(domain.CodeConnection, op, "", err)
	}
	if code, ok := domain.CodeFrom(err); ok {
		return domain.E(code, op, "", err)
	}
	return domain.E(domain.CodeConnection, op, "", err)
}

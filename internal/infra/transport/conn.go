// Package transport carries wire protocol messages over long-lived
// connections. Requests are correlated by id, so any number of calls may be
// in flight on one connection and completions arrive in any order.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"agentd/internal/domain"
	"agentd/internal/infra/wire"
)

// Conn is the client side of one connection. Concurrent Call invocations
// share the connection; each waits only for its own correlated response.
type Conn struct {
	conn   mcp.Connection
	logger *zap.Logger

	pendingMu sync.Mutex
	pending   map[string]chan callResult
	closeOnce sync.Once
	cancel    context.CancelFunc
	closed    chan struct{}
}

type callResult struct {
	resp *jsonrpc.Response
	err  error
}

// ConnOptions configures a Conn.
type ConnOptions struct {
	Logger *zap.Logger
}

// NewConn wraps an established connection and starts its read loop.
func NewConn(conn mcp.Connection, opts ConnOptions) *Conn {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		conn:    conn,
		logger:  logger,
		pending: make(map[string]chan callResult),
		cancel:  cancel,
		closed:  make(chan struct{}),
	}
	go c.readLoop(ctx)
	return c
}

// Call sends one correlated request and blocks until its response, context
// cancellation, or connection loss.
func (c *Conn) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if c.isClosed() {
		return nil, domain.ErrConnectionClosed
	}
	id, err := jsonrpc.MakeID(uuid.NewString())
	if err != nil {
		return nil, fmt.Errorf("build request id: %w", err)
	}
	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	req := &jsonrpc.Request{ID: id, Method: method, Params: rawParams}

	key, err := idKey(id)
	if err != nil {
		return nil, err
	}
	resultCh := make(chan callResult, 1)
	c.pendingMu.Lock()
	if c.pending == nil {
		c.pendingMu.Unlock()
		return nil, domain.ErrConnectionClosed
	}
	c.pending[key] = resultCh
	c.pendingMu.Unlock()

	if err := c.conn.Write(ctx, req); err != nil {
		c.removePending(key)
		return nil, fmt.Errorf("write request: %w", err)
	}

	select {
	case result := <-resultCh:
		if result.err != nil {
			return nil, result.err
		}
		if result.resp.Error != nil {
			return nil, domain.E(domain.CodeProtocol, method, result.resp.Error.Error(), result.resp.Error)
		}
		return result.resp.Result, nil
	case <-ctx.Done():
		c.removePending(key)
		return nil, ctx.Err()
	}
}

// Close tears the connection down and fails every pending call.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.cancel()
		err = c.conn.Close()
		c.failPending(domain.ErrConnectionClosed)
	})
	return err
}

func (c *Conn) readLoop(ctx context.Context) {
	for {
		msg, err := c.conn.Read(ctx)
		if err != nil {
			c.failPending(fmt.Errorf("%w: read: %w", domain.ErrConnectionClosed, err))
			return
		}
		switch typed := msg.(type) {
		case *jsonrpc.Response:
			c.dispatchResponse(typed)
		case *jsonrpc.Request:
			if typed.ID.IsValid() {
				// The capability protocol has no server-initiated calls.
				if writeErr := c.conn.Write(ctx, NewErrorResponse(typed.ID, wire.CodeMethodNotFound, "method not found")); writeErr != nil {
					c.logger.Warn("reject server call failed", zap.String("method", typed.Method), zap.Error(writeErr))
				}
				continue
			}
			c.logger.Debug("drop notification", zap.String("method", typed.Method))
		}
	}
}

func (c *Conn) dispatchResponse(resp *jsonrpc.Response) {
	key, err := idKey(resp.ID)
	if err != nil {
		c.logger.Debug("drop response with invalid id", zap.Error(err))
		return
	}
	c.pendingMu.Lock()
	ch := c.pending[key]
	delete(c.pending, key)
	c.pendingMu.Unlock()
	if ch == nil {
		c.logger.Debug("drop response with no pending call", zap.String("id", key))
		return
	}
	ch <- callResult{resp: resp}
}

func (c *Conn) failPending(err error) {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = nil
	c.pendingMu.Unlock()
	for _, ch := range pending {
		ch <- callResult{err: err}
	}
}

func (c *Conn) removePending(key string) {
	c.pendingMu.Lock()
	if c.pending != nil {
		delete(c.pending, key)
	}
	c.pendingMu.Unlock()
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func idKey(id jsonrpc.ID) (string, error) {
	if !id.IsValid() {
		return "", errors.New("missing request id")
	}
	raw := id.Raw()
	switch typed := raw.(type) {
	case string:
		return "s:" + typed, nil
	case float64:
		return fmt.Sprintf("n:%v", typed), nil
	case int64:
		return fmt.Sprintf("n:%v", typed), nil
	case json.Number:
		return "n:" + typed.String(), nil
	default:
		return "", fmt.Errorf("unsupported id type %T", raw)
	}
}

// NewErrorResponse builds a JSON-RPC error response with an explicit code.
func NewErrorResponse(id jsonrpc.ID, code int64, message string) *jsonrpc.Response {
	payload := map[string]any{
		"jsonrpc": "2.0",
		"id":      id.Raw(),
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return &jsonrpc.Response{ID: id, Error: errors.New(message)}
	}
	msg, err := jsonrpc.DecodeMessage(raw)
	if err != nil {
		return &jsonrpc.Response{ID: id, Error: errors.New(message)}
	}
	resp, ok := msg.(*jsonrpc.Response)
	if !ok {
		return &jsonrpc.Response{ID: id, Error: errors.New(message)}
	}
	return resp
}

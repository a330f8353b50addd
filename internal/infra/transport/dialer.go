package transport

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"agentd/internal/domain"
)

// Dialer opens one connection to a capability server address.
type Dialer interface {
	Dial(ctx context.Context, address string) (*Conn, error)
}

// TCPDialer reaches servers over plain TCP with newline-delimited JSON-RPC
// framing.
type TCPDialer struct {
	logger *zap.Logger
}

// NewTCPDialer builds a TCP dialer.
func NewTCPDialer(logger *zap.Logger) *TCPDialer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TCPDialer{logger: logger}
}

func (d *TCPDialer) Dial(ctx context.Context, address string) (*Conn, error) {
	var nd net.Dialer
	netConn, err := nd.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, domain.E(domain.CodeConnection, "transport.dial", "", err)
	}
	transport := &mcp.IOTransport{
		Reader: netConn,
		Writer: netConn,
	}
	mcpConn, err := transport.Connect(ctx)
	if err != nil {
		_ = netConn.Close()
		return nil, domain.E(domain.CodeConnection, "transport.dial", "connect io transport", err)
	}
	return NewConn(mcpConn, ConnOptions{Logger: d.logger.Named("tcp_conn")}), nil
}

// StdioDialer launches the address as a child process and speaks the protocol
// over its stdin/stdout.
type StdioDialer struct {
	logger *zap.Logger
}

// NewStdioDialer builds a stdio dialer.
func NewStdioDialer(logger *zap.Logger) *StdioDialer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StdioDialer{logger: logger}
}

func (d *StdioDialer) Dial(ctx context.Context, address string) (*Conn, error) {
	argv := strings.Fields(address)
	if len(argv) == 0 {
		return nil, domain.E(domain.CodeInvalidArgument, "transport.dial", "stdio address requires a command", nil)
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = os.Environ()
	transport := &mcp.CommandTransport{Command: cmd}
	mcpConn, err := transport.Connect(ctx)
	if err != nil {
		return nil, domain.E(domain.CodeConnection, "transport.dial", "connect stdio", err)
	}
	return NewConn(mcpConn, ConnOptions{Logger: d.logger.Named("stdio_conn")}), nil
}

// DialerFactory maps a transport kind to its dialer constructor. Kinds are
// validated when configuration is loaded, so an unknown kind fails before any
// dial is attempted.
type DialerFactory struct {
	constructors map[domain.TransportKind]func(*zap.Logger) Dialer
}

// NewDialerFactory returns the factory with the built-in transports
// registered.
func NewDialerFactory() *DialerFactory {
	f := &DialerFactory{constructors: make(map[domain.TransportKind]func(*zap.Logger) Dialer)}
	f.RegisterKind(domain.TransportTCP, func(logger *zap.Logger) Dialer { return NewTCPDialer(logger) })
	f.RegisterKind(domain.TransportStdio, func(logger *zap.Logger) Dialer { return NewStdioDialer(logger) })
	return f
}

// RegisterKind adds a constructor for a transport kind.
func (f *DialerFactory) RegisterKind(kind domain.TransportKind, ctor func(*zap.Logger) Dialer) {
	f.constructors[kind] = ctor
}

// Supports reports whether the kind resolves to a constructor.
func (f *DialerFactory) Supports(kind domain.TransportKind) bool {
	_, ok := f.constructors[kind]
	return ok
}

// Dialer resolves a transport kind.
func (f *DialerFactory) Dialer(kind domain.TransportKind, logger *zap.Logger) (Dialer, error) {
	ctor, ok := f.constructors[kind]
	if !ok {
		return nil, domain.E(domain.CodeInvalidArgument, "transport.factory", fmt.Sprintf("unknown transport kind %q", kind), nil)
	}
	return ctor(logger), nil
}

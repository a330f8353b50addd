// Package capserver hosts local capabilities and answers listing and
// invocation requests over a transport.
package capserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"agentd/internal/domain"
	"agentd/internal/infra/transport"
	"agentd/internal/infra/wire"
)

// StartConfig configures the listening side of a server.
type StartConfig struct {
	ListenAddress string
	DrainTimeout  time.Duration
}

// Server hosts registered capabilities. Registration is allowed before and
// after Start; a name can be registered once for the life of the server.
type Server struct {
	name    string
	logger  *zap.Logger
	metrics domain.Metrics

	regMu   sync.RWMutex
	entries map[string]entry
	order   []string
	etag    string

	runMu    sync.Mutex
	running  bool
	listener net.Listener
	drain    time.Duration
	cancel   context.CancelFunc

	connMu sync.Mutex
	conns  map[mcp.Connection]struct{}

	inflight sync.WaitGroup
	connWg   sync.WaitGroup
}

type entry struct {
	descriptor domain.CapabilityDescriptor
	handler    domain.CapabilityHandler
}

// Options configures a Server.
type Options struct {
	Name    string
	Logger  *zap.Logger
	Metrics domain.Metrics
}

// New builds an idle server.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = domain.NopMetrics()
	}
	return &Server{
		name:    opts.Name,
		logger:  logger.Named("capserver"),
		metrics: metrics,
		entries: make(map[string]entry),
		conns:   make(map[mcp.Connection]struct{}),
	}
}

// Register publishes a capability. A second registration under the same name
// fails and leaves the first one active.
func (s *Server) Register(descriptor domain.CapabilityDescriptor, handler domain.CapabilityHandler) error {
	if descriptor.Name == "" {
		return domain.E(domain.CodeInvalidArgument, "capserver.register", "capability name is required", nil)
	}
	if handler == nil {
		return domain.E(domain.CodeInvalidArgument, "capserver.register", "handler is required", nil)
	}
	s.regMu.Lock()
	defer s.regMu.Unlock()
	if _, ok := s.entries[descriptor.Name]; ok {
		return domain.E(domain.CodeDuplicateRegistration, "capserver.register", fmt.Sprintf("capability %q already registered", descriptor.Name), domain.ErrDuplicateRegistration)
	}
	descriptor.Origin = domain.Origin{Kind: domain.OriginLocal}
	s.entries[descriptor.Name] = entry{descriptor: domain.CloneCapabilityDescriptor(descriptor), handler: handler}
	s.order = append(s.order, descriptor.Name)
	if etag, err := wire.HashListing(s.descriptorsLocked()); err == nil {
		s.etag = etag
	} else {
		s.logger.Warn("hash listing failed", zap.Error(err))
	}
	return nil
}

// Descriptors returns the published listing in registration order.
func (s *Server) Descriptors() []domain.CapabilityDescriptor {
	s.regMu.RLock()
	defer s.regMu.RUnlock()
	return s.descriptorsLocked()
}

func (s *Server) descriptorsLocked() []domain.CapabilityDescriptor {
	out := make([]domain.CapabilityDescriptor, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, domain.CloneCapabilityDescriptor(s.entries[name].descriptor))
	}
	return out
}

// Start begins accepting connections. Calling Start on a running server
// fails with the already-running error.
func (s *Server) Start(cfg StartConfig) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return domain.E(domain.CodeAlreadyRunning, "capserver.start", "", domain.ErrAlreadyRunning)
	}
	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return domain.E(domain.CodeConnection, "capserver.start", "", err)
	}
	drain := cfg.DrainTimeout
	if drain <= 0 {
		drain = time.Duration(domain.DefaultDrainTimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.listener = listener
	s.drain = drain
	s.cancel = cancel
	s.running = true

	s.connWg.Add(1)
	go s.acceptLoop(ctx, listener)
	s.logger.Info("server started", zap.String("server", s.name), zap.String("address", listener.Addr().String()))
	return nil
}

// Addr returns the bound listen address, empty when not running.
func (s *Server) Addr() string {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop drains in-flight invocations up to the grace timeout, then
// force-closes every connection.
func (s *Server) Stop(ctx context.Context) error {
	s.runMu.Lock()
	if !s.running {
		s.runMu.Unlock()
		return nil
	}
	listener := s.listener
	cancel := s.cancel
	drain := s.drain
	s.running = false
	s.listener = nil
	s.cancel = nil
	s.runMu.Unlock()

	if listener != nil {
		_ = listener.Close()
	}

	drainCtx, drainCancel := context.WithTimeout(ctx, drain)
	defer drainCancel()
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-drainCtx.Done():
		s.logger.Warn("drain timeout exceeded, force closing", zap.Duration("grace", drain))
	}

	cancel()
	s.connMu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.conns = make(map[mcp.Connection]struct{})
	s.connMu.Unlock()

	s.connWg.Wait()
	s.logger.Info("server stopped", zap.String("server", s.name))
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, listener net.Listener) {
	defer s.connWg.Done()
	for {
		netConn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Debug("accept failed", zap.Error(err))
			return
		}
		ioTransport := &mcp.IOTransport{Reader: netConn, Writer: netConn}
		mcpConn, err := ioTransport.Connect(ctx)
		if err != nil {
			s.logger.Warn("connect accepted transport failed", zap.Error(err))
			_ = netConn.Close()
			continue
		}
		s.connWg.Add(1)
		go func() {
			defer s.connWg.Done()
			s.ServeConn(ctx, mcpConn)
		}()
	}
}

// ServeConn answers protocol requests on one established connection until it
// closes. Exposed so stdio-hosted servers and tests can drive a connection
// directly.
func (s *Server) ServeConn(ctx context.Context, conn mcp.Connection) {
	s.connMu.Lock()
	s.conns[conn] = struct{}{}
	s.connMu.Unlock()
	defer func() {
		s.connMu.Lock()
		delete(s.conns, conn)
		s.connMu.Unlock()
		_ = conn.Close()
	}()

	session := &session{conn: conn}
	for {
		msg, err := conn.Read(ctx)
		if err != nil {
			return
		}
		req, ok := msg.(*jsonrpc.Request)
		if !ok {
			continue
		}
		if !req.ID.IsValid() {
			s.logger.Debug("drop notification", zap.String("method", req.Method))
			continue
		}
		// Requests fan out so slow invocations never block the connection;
		// responses complete in handler order, not arrival order.
		s.inflight.Add(1)
		go func(req *jsonrpc.Request) {
			defer s.inflight.Done()
			s.handleRequest(ctx, session, req)
		}(req)
	}
}

type session struct {
	conn    mcp.Connection
	writeMu sync.Mutex

	mu         sync.Mutex
	handshaken bool
}

func (ss *session) markHandshaken() {
	ss.mu.Lock()
	ss.handshaken = true
	ss.mu.Unlock()
}

func (ss *session) ready() bool {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.handshaken
}

func (ss *session) write(ctx context.Context, resp *jsonrpc.Response) error {
	ss.writeMu.Lock()
	defer ss.writeMu.Unlock()
	return ss.conn.Write(ctx, resp)
}

func (s *Server) handleRequest(ctx context.Context, session *session, req *jsonrpc.Request) {
	var resp *jsonrpc.Response
	switch req.Method {
	case wire.MethodHandshake:
		resp = s.handleHandshake(session, req)
	case wire.MethodList:
		resp = s.handleList(session, req)
	case wire.MethodInvoke:
		resp = s.handleInvoke(ctx, session, req)
	default:
		resp = transport.NewErrorResponse(req.ID, wire.CodeMethodNotFound, "method not found")
	}
	if err := session.write(ctx, resp); err != nil {
		s.logger.Warn("write response failed", zap.String("method", req.Method), zap.Error(err))
	}
}

func (s *Server) handleHandshake(session *session, req *jsonrpc.Request) *jsonrpc.Response {
	var params wire.HandshakeParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return transport.NewErrorResponse(req.ID, wire.CodeInvalidParams, "decode handshake params")
	}
	if params.Version != domain.ProtocolVersion {
		s.logger.Warn("handshake rejected",
			zap.Int("clientVersion", params.Version),
			zap.Int("serverVersion", domain.ProtocolVersion))
		return transport.NewErrorResponse(req.ID, wire.CodeIncompatibleVersion,
			fmt.Sprintf("incompatible protocol version %d, server speaks %d", params.Version, domain.ProtocolVersion))
	}
	session.markHandshaken()
	return resultResponse(req.ID, wire.HandshakeResult{
		Version:    domain.ProtocolVersion,
		ServerName: s.name,
	})
}

func (s *Server) handleList(session *session, req *jsonrpc.Request) *jsonrpc.Response {
	if !session.ready() {
		return transport.NewErrorResponse(req.ID, wire.CodeHandshakeRequired, "handshake required")
	}
	s.regMu.RLock()
	descriptors := s.descriptorsLocked()
	etag := s.etag
	s.regMu.RUnlock()
	return resultResponse(req.ID, wire.ListResult{
		Capabilities: wire.DescriptorsToWire(descriptors),
		ETag:         etag,
	})
}

func (s *Server) handleInvoke(ctx context.Context, session *session, req *jsonrpc.Request) *jsonrpc.Response {
	if !session.ready() {
		return transport.NewErrorResponse(req.ID, wire.CodeHandshakeRequired, "handshake required")
	}
	var params wire.InvokeParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return transport.NewErrorResponse(req.ID, wire.CodeInvalidParams, "decode invoke params")
	}

	s.regMu.RLock()
	target, ok := s.entries[params.Name]
	s.regMu.RUnlock()
	if !ok {
		return resultResponse(req.ID, wire.InvokeResult{
			Error: &wire.ErrorBody{
				Code:    string(domain.CodeUnknownCapability),
				Message: fmt.Sprintf("capability %q is not registered", params.Name),
			},
		})
	}

	started := time.Now()
	value, err := s.invoke(ctx, target.handler, params.Args)
	s.metrics.ObserveInvocation(s.name, params.Name, time.Since(started), err)
	if err != nil {
		s.logger.Debug("invocation failed", zap.String("capability", params.Name), zap.Error(err))
		return resultResponse(req.ID, wire.InvokeResult{Error: wire.ErrorBodyFrom(err)})
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return resultResponse(req.ID, wire.InvokeResult{
			Error: &wire.ErrorBody{
				Code:    string(domain.CodeInvocation),
				Message: fmt.Sprintf("encode result: %s", err),
			},
		})
	}
	return resultResponse(req.ID, wire.InvokeResult{Result: raw})
}

// invoke runs one handler, converting a panic into an invocation error so a
// misbehaving capability never takes the server down.
func (s *Server) invoke(ctx context.Context, handler domain.CapabilityHandler, args map[string]any) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = domain.E(domain.CodeInvocation, "capserver.invoke", fmt.Sprintf("handler panic: %v", r), nil)
		}
	}()
	value, err = handler(ctx, args)
	if err != nil {
		err = domain.Wrap(domain.CodeInvocation, "capserver.invoke", err)
	}
	return value, err
}

func resultResponse(id jsonrpc.ID, result any) *jsonrpc.Response {
	raw, err := json.Marshal(result)
	if err != nil {
		return transport.NewErrorResponse(id, wire.CodeInvalidParams, fmt.Sprintf("encode result: %s", err))
	}
	return &jsonrpc.Response{ID: id, Result: raw}
}

package loop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"agentd/internal/domain"
	"agentd/internal/infra/capclient"
	"agentd/internal/infra/transport"
)

// ServerDirectory resolves a server name to its registration. The registry
// satisfies this.
type ServerDirectory interface {
	Lookup(name string) (domain.ServerRegistration, bool)
}

// Dispatcher executes resolved repository entries: local entries call their
// handler in-process, remote entries go through a capability client. Clients
// are kept per server and redialed after connection loss.
type Dispatcher struct {
	directory      ServerDirectory
	factory        *transport.DialerFactory
	logger         *zap.Logger
	metrics        domain.Metrics
	connectTimeout time.Duration
	invokeTimeout  time.Duration

	mu      sync.Mutex
	clients map[string]*capclient.Client
}

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	Directory      ServerDirectory
	Factory        *transport.DialerFactory
	Logger         *zap.Logger
	Metrics        domain.Metrics
	ConnectTimeout time.Duration
	InvokeTimeout  time.Duration
}

// NewDispatcher builds a dispatcher.
func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = domain.NopMetrics()
	}
	factory := opts.Factory
	if factory == nil {
		factory = transport.NewDialerFactory()
	}
	return &Dispatcher{
		directory:      opts.Directory,
		factory:        factory,
		logger:         logger.Named("dispatch"),
		metrics:        metrics,
		connectTimeout: opts.ConnectTimeout,
		invokeTimeout:  opts.InvokeTimeout,
		clients:        make(map[string]*capclient.Client),
	}
}

// Invoke runs one capability call and returns its decoded result.
func (d *Dispatcher) Invoke(ctx context.Context, entry domain.RepositoryEntry, args map[string]any) (any, error) {
	name := entry.Descriptor.Name
	started := time.Now()
	value, err := d.invoke(ctx, entry, args)
	server := entry.Server
	if entry.Local() {
		server = "local"
	}
	d.metrics.ObserveInvocation(server, name, time.Since(started), err)
	return value, err
}

func (d *Dispatcher) invoke(ctx context.Context, entry domain.RepositoryEntry, args map[string]any) (value any, err error) {
	if entry.Local() {
		defer func() {
			if r := recover(); r != nil {
				err = domain.E(domain.CodeInvocation, "dispatch.invoke", fmt.Sprintf("handler panic: %v", r), nil)
			}
		}()
		value, err = entry.Handler(ctx, args)
		if err != nil {
			return nil, domain.Wrap(domain.CodeInvocation, "dispatch.invoke", err)
		}
		return value, nil
	}

	client, err := d.client(ctx, entry.Server)
	if err != nil {
		return nil, err
	}
	raw, err := client.Invoke(ctx, entry.Descriptor.Name, args, d.invokeTimeout)
	if err != nil {
		if code, ok := domain.CodeFrom(err); ok && code == domain.CodeConnection {
			d.evict(entry.Server, client)
		}
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, domain.E(domain.CodeProtocol, "dispatch.invoke", "decode result", err)
	}
	return decoded, nil
}

func (d *Dispatcher) client(ctx context.Context, server string) (*capclient.Client, error) {
	d.mu.Lock()
	if client, ok := d.clients[server]; ok {
		d.mu.Unlock()
		return client, nil
	}
	d.mu.Unlock()

	reg, ok := d.directory.Lookup(server)
	if !ok {
		return nil, domain.E(domain.CodeNotFound, "dispatch.invoke", fmt.Sprintf("server %q", server), domain.ErrServerNotFound)
	}
	dialer, err := d.factory.Dialer(reg.TransportKind, d.logger)
	if err != nil {
		return nil, err
	}
	client, err := capclient.Connect(ctx, dialer, reg.Address, capclient.ConnectOptions{
		Timeout: d.connectTimeout,
		Logger:  d.logger,
	})
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.clients[server]; ok {
		// Lost a dial race; keep the first connection.
		go func() { _ = client.Close() }()
		return existing, nil
	}
	d.clients[server] = client
	return client, nil
}

func (d *Dispatcher) evict(server string, client *capclient.Client) {
	d.mu.Lock()
	if current, ok := d.clients[server]; ok && current == client {
		delete(d.clients, server)
	}
	d.mu.Unlock()
	_ = client.Close()
}

// Close releases every cached client.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	clients := d.clients
	d.clients = make(map[string]*capclient.Client)
	d.mu.Unlock()
	var errs []error
	for _, client := range clients {
		if err := client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ domain.CapabilityInvoker = (*Dispatcher)(nil)

package registry

import (
	"context"
	"time"

	"go.uber.org/zap"

	"agentd/internal/domain"
	"agentd/internal/infra/capclient"
	"agentd/internal/infra/transport"
)

// DialClientFactory opens real capability clients through the transport
// factory.
type DialClientFactory struct {
	factory        *transport.DialerFactory
	logger         *zap.Logger
	connectTimeout time.Duration
	clientName     string
}

// DialClientFactoryOptions configures a DialClientFactory.
type DialClientFactoryOptions struct {
	Factory        *transport.DialerFactory
	Logger         *zap.Logger
	ConnectTimeout time.Duration
	ClientName     string
}

// NewDialClientFactory builds the factory.
func NewDialClientFactory(opts DialClientFactoryOptions) *DialClientFactory {
	factory := opts.Factory
	if factory == nil {
		factory = transport.NewDialerFactory()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DialClientFactory{
		factory:        factory,
		logger:         logger,
		connectTimeout: opts.ConnectTimeout,
		clientName:     opts.ClientName,
	}
}

// Open dials and handshakes a client for the registration.
func (f *DialClientFactory) Open(ctx context.Context, reg domain.ServerRegistration) (Lister, error) {
	dialer, err := f.factory.Dialer(reg.TransportKind, f.logger)
	if err != nil {
		return nil, err
	}
	return capclient.Connect(ctx, dialer, reg.Address, capclient.ConnectOptions{
		Timeout:    f.connectTimeout,
		ClientName: f.clientName,
		Logger:     f.logger,
	})
}

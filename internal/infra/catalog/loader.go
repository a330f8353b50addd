// Package catalog loads and watches the daemon configuration file.
package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"agentd/internal/domain"
)

type Loader struct {
	logger *zap.Logger
}

func NewLoader(logger *zap.Logger) *Loader {
	if logger == nil {
		return &Loader{logger: zap.NewNop()}
	}
	return &Loader{logger: logger.Named("catalog")}
}

func newConfigViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	setConfigDefaults(v)
	return v
}

func setConfigDefaults(v *viper.Viper) {
	v.SetDefault("connectTimeoutSeconds", domain.DefaultConnectTimeoutSeconds)
	v.SetDefault("invokeTimeoutSeconds", domain.DefaultInvokeTimeoutSeconds)
	v.SetDefault("maxIterations", domain.DefaultMaxIterations)
	v.SetDefault("maxRetriesPerCall", domain.DefaultMaxRetriesPerCall)
	v.SetDefault("refreshConcurrency", domain.DefaultRefreshConcurrency)
	v.SetDefault("drainTimeoutSeconds", domain.DefaultDrainTimeoutSeconds)
	v.SetDefault("observability.listenAddress", domain.DefaultObservabilityListenAddress)
}

type rawConfig struct {
	Servers          []rawServerSpec `mapstructure:"servers"`
	Serve            rawServeConfig  `mapstructure:"serve"`
	rawRuntimeConfig `mapstructure:",squash"`
}

type rawServerSpec struct {
	Name       string `mapstructure:"name"`
	Transport  string `mapstructure:"transport"`
	Address    string `mapstructure:"address"`
	Disabled   bool   `mapstructure:"disabled"`
	TTLSeconds int    `mapstructure:"ttlSeconds"`
}

type rawServeConfig struct {
	ListenAddress string `mapstructure:"listenAddress"`
	ServerName    string `mapstructure:"serverName"`
}

type rawRuntimeConfig struct {
	ConnectTimeoutSeconds  int                    `mapstructure:"connectTimeoutSeconds"`
	InvokeTimeoutSeconds   int                    `mapstructure:"invokeTimeoutSeconds"`
	MaxIterations          int                    `mapstructure:"maxIterations"`
	MaxRetriesPerCall      int                    `mapstructure:"maxRetriesPerCall"`
	WallClockBudgetSeconds int                    `mapstructure:"wallClockBudgetSeconds"`
	RefreshSeconds         int                    `mapstructure:"refreshSeconds"`
	RefreshConcurrency     int                    `mapstructure:"refreshConcurrency"`
	DrainTimeoutSeconds    int                    `mapstructure:"drainTimeoutSeconds"`
	Observability          rawObservabilityConfig `mapstructure:"observability"`
	Model                  rawModelConfig         `mapstructure:"model"`
}

type rawObservabilityConfig struct {
	ListenAddress string `mapstructure:"listenAddress"`
}

type rawModelConfig struct {
	Provider     string `mapstructure:"provider"`
	Model        string `mapstructure:"model"`
	APIKey       string `mapstructure:"apiKey"`
	APIKeyEnvVar string `mapstructure:"apiKeyEnvVar"`
	BaseURL      string `mapstructure:"baseURL"`
}

// Load reads, expands, and validates the config file at path. Every
// validation problem is reported at once so one edit cycle fixes them all.
func (l *Loader) Load(ctx context.Context, path string) (domain.Config, error) {
	if path == "" {
		return domain.Config{}, errors.New("config path is required")
	}

	expanded, missing, err := readExpandedConfig(path)
	if err != nil {
		return domain.Config{}, err
	}
	if len(missing) > 0 {
		l.logger.Warn("missing environment variables in config",
			zap.String("path", path), zap.Strings("missing", missing))
	}

	v := newConfigViper()
	if err := v.ReadConfig(bytes.NewBufferString(expanded)); err != nil {
		return domain.Config{}, fmt.Errorf("parse config: %w", err)
	}

	var cfg rawConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return domain.Config{}, fmt.Errorf("decode config: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return domain.Config{}, err
	}

	var validationErrors []string

	runtime, runtimeErrs := normalizeRuntimeConfig(cfg.rawRuntimeConfig)
	validationErrors = append(validationErrors, runtimeErrs...)

	serve, serveErrs := normalizeServeConfig(cfg.Serve)
	validationErrors = append(validationErrors, serveErrs...)

	servers := make([]domain.ServerRegistration, 0, len(cfg.Servers))
	nameSeen := make(map[string]struct{})
	for i, spec := range cfg.Servers {
		reg := normalizeServerSpec(spec)
		if _, exists := nameSeen[reg.Name]; exists {
			validationErrors = append(validationErrors, fmt.Sprintf("servers[%d]: duplicate name %q", i, reg.Name))
		} else if reg.Name != "" {
			nameSeen[reg.Name] = struct{}{}
		}
		if errs := validateServerSpec(reg, i); len(errs) > 0 {
			validationErrors = append(validationErrors, errs...)
			continue
		}
		servers = append(servers, reg)
	}

	if len(validationErrors) > 0 {
		return domain.Config{}, errors.New(strings.Join(validationErrors, "; "))
	}

	return domain.Config{
		Servers: servers,
		Runtime: runtime,
		Serve:   serve,
	}, nil
}

func normalizeServerSpec(raw rawServerSpec) domain.ServerRegistration {
	ttl := raw.TTLSeconds
	if ttl == 0 {
		ttl = domain.DefaultTTLSeconds
	}
	return domain.ServerRegistration{
		Name:          strings.TrimSpace(raw.Name),
		TransportKind: domain.TransportKind(strings.ToLower(strings.TrimSpace(raw.Transport))),
		Address:       strings.TrimSpace(raw.Address),
		Enabled:       !raw.Disabled,
		TTLSeconds:    ttl,
	}
}

func validateServerSpec(reg domain.ServerRegistration, index int) []string {
	var errs []string

	if reg.Name == "" {
		errs = append(errs, fmt.Sprintf("servers[%d]: name is required", index))
	}
	switch reg.TransportKind {
	case domain.TransportTCP:
		if reg.Address == "" {
			errs = append(errs, fmt.Sprintf("servers[%d]: address is required", index))
		} else if _, _, err := net.SplitHostPort(reg.Address); err != nil {
			errs = append(errs, fmt.Sprintf("servers[%d]: address must be host:port for tcp transport", index))
		}
	case domain.TransportStdio:
		if strings.TrimSpace(reg.Address) == "" {
			errs = append(errs, fmt.Sprintf("servers[%d]: address must name a command for stdio transport", index))
		}
	default:
		errs = append(errs, fmt.Sprintf("servers[%d]: transport must be tcp or stdio", index))
	}
	if reg.TTLSeconds < 0 {
		errs = append(errs, fmt.Sprintf("servers[%d]: ttlSeconds must be >= 0", index))
	}
	return errs
}

func normalizeServeConfig(raw rawServeConfig) (domain.ServeConfig, []string) {
	var errs []string

	addr := strings.TrimSpace(raw.ListenAddress)
	if addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			errs = append(errs, "serve.listenAddress must be host:port")
		}
	}
	name := strings.TrimSpace(raw.ServerName)
	if name == "" {
		name = "agentd"
	}
	return domain.ServeConfig{
		ListenAddress: addr,
		ServerName:    name,
	}, errs
}

func normalizeRuntimeConfig(cfg rawRuntimeConfig) (domain.RuntimeConfig, []string) {
	var errs []string

	if cfg.ConnectTimeoutSeconds <= 0 {
		errs = append(errs, "connectTimeoutSeconds must be > 0")
	}
	if cfg.InvokeTimeoutSeconds <= 0 {
		errs = append(errs, "invokeTimeoutSeconds must be > 0")
	}
	if cfg.MaxIterations <= 0 {
		errs = append(errs, "maxIterations must be > 0")
	}
	if cfg.MaxRetriesPerCall <= 0 {
		errs = append(errs, "maxRetriesPerCall must be > 0")
	}
	if cfg.WallClockBudgetSeconds < 0 {
		errs = append(errs, "wallClockBudgetSeconds must be >= 0")
	}
	if cfg.RefreshSeconds < 0 {
		errs = append(errs, "refreshSeconds must be >= 0")
	}

	refreshConcurrency := cfg.RefreshConcurrency
	if refreshConcurrency < 0 {
		errs = append(errs, "refreshConcurrency must be >= 0")
	}
	if refreshConcurrency <= 0 {
		refreshConcurrency = domain.DefaultRefreshConcurrency
	}

	if cfg.DrainTimeoutSeconds < 0 {
		errs = append(errs, "drainTimeoutSeconds must be >= 0")
	}

	observability, observabilityErrs := normalizeObservabilityConfig(cfg.Observability)
	errs = append(errs, observabilityErrs...)

	return domain.RuntimeConfig{
		ConnectTimeoutSeconds:  cfg.ConnectTimeoutSeconds,
		InvokeTimeoutSeconds:   cfg.InvokeTimeoutSeconds,
		MaxIterations:          cfg.MaxIterations,
		MaxRetriesPerCall:      cfg.MaxRetriesPerCall,
		WallClockBudgetSeconds: cfg.WallClockBudgetSeconds,
		RefreshSeconds:         cfg.RefreshSeconds,
		RefreshConcurrency:     refreshConcurrency,
		DrainTimeoutSeconds:    cfg.DrainTimeoutSeconds,
		Observability:          observability,
		Model: domain.ModelConfig{
			Provider:     strings.TrimSpace(cfg.Model.Provider),
			Model:        strings.TrimSpace(cfg.Model.Model),
			APIKey:       cfg.Model.APIKey,
			APIKeyEnvVar: strings.TrimSpace(cfg.Model.APIKeyEnvVar),
			BaseURL:      strings.TrimSpace(cfg.Model.BaseURL),
		},
	}, errs
}

func normalizeObservabilityConfig(cfg rawObservabilityConfig) (domain.ObservabilityConfig, []string) {
	addr := strings.TrimSpace(cfg.ListenAddress)
	if addr == "" {
		addr = domain.DefaultObservabilityListenAddress
	}
	return domain.ObservabilityConfig{ListenAddress: addr}, nil
}

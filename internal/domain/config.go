package domain

const (
	// ProtocolVersion is the single integer carried by the wire handshake.
	// Peers must agree exactly; a mismatch is a protocol error.
	ProtocolVersion = 1

	DefaultTTLSeconds                 = 300
	DefaultConnectTimeoutSeconds      = 5
	DefaultInvokeTimeoutSeconds       = 30
	DefaultMaxIterations              = 10
	DefaultMaxRetriesPerCall          = 2
	DefaultRefreshConcurrency         = 3
	DefaultDrainTimeoutSeconds        = 10
	DefaultObservabilityListenAddress = "127.0.0.1:9464"
)

// RuntimeConfig holds the tunables shared across one process.
type RuntimeConfig struct {
	ConnectTimeoutSeconds  int                 `json:"connectTimeoutSeconds"`
	InvokeTimeoutSeconds   int                 `json:"invokeTimeoutSeconds"`
	MaxIterations          int                 `json:"maxIterations"`
	MaxRetriesPerCall      int                 `json:"maxRetriesPerCall"`
	WallClockBudgetSeconds int                 `json:"wallClockBudgetSeconds"`
	RefreshSeconds         int                 `json:"refreshSeconds"`
	RefreshConcurrency     int                 `json:"refreshConcurrency"`
	DrainTimeoutSeconds    int                 `json:"drainTimeoutSeconds"`
	Observability          ObservabilityConfig `json:"observability"`
	Model                  ModelConfig         `json:"model"`
}

// ObservabilityConfig configures the metrics listener.
type ObservabilityConfig struct {
	ListenAddress string `json:"listenAddress"`
}

// ModelConfig selects and authenticates the chat-model provider.
type ModelConfig struct {
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	APIKey       string `json:"apiKey,omitempty"`
	APIKeyEnvVar string `json:"apiKeyEnvVar,omitempty"`
	BaseURL      string `json:"baseURL,omitempty"`
}

// Config is one loaded configuration document: server seeds plus runtime
// tunables.
type Config struct {
	Servers []ServerRegistration
	Runtime RuntimeConfig
	Serve   ServeConfig
}

// ServeConfig configures the hosting side of the process.
type ServeConfig struct {
	ListenAddress string `json:"listenAddress"`
	ServerName    string `json:"serverName"`
}

package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultScrapeInterval = 10 * time.Second
	DefaultBufferSize     = 5000
	DefaultBatchSize      = 200
	DefaultServerHeader   = "x-api-key"
	DefaultMQTTKeepAlive  = 30
)

// Source types.
const (
	SourceGateway = "gateway"
	SourceMQTT    = "mqtt"
)

// Config is the agent configuration. It is read from the `agent:` section of
// andon.yaml; the `server:` key in the same file is ignored.
type Config struct {
	Agent AgentConfig `yaml:"agent"`
}

// AgentConfig holds all agent-side settings.
type AgentConfig struct {
	// ID identifies this agent in shipped batches. Defaults to the hostname.
	ID string `yaml:"id"`

	// ServerEndpoint is the gRPC address of the andon server (host:port).
	ServerEndpoint string `yaml:"server_endpoint"`

	// ScrapeInterval controls how often each gateway source is polled.
	ScrapeInterval time.Duration `yaml:"scrape_interval"`

	// BufferSize is the maximum number of records held in memory while the
	// server is unreachable. The oldest records are evicted first.
	BufferSize int `yaml:"buffer_size"`

	// BatchSize caps the number of records sent in one SendBatch call.
	BatchSize int `yaml:"batch_size"`

	Sources []Source `yaml:"sources"`

	// ServerAuth configures how the agent authenticates to the server.
	// Supported modes: mtls | apikey | none.
	ServerAuth AuthConfig `yaml:"server_auth"`
}

// Source describes one telemetry source on the shop floor.
type Source struct {
	// ID is a unique, human-readable identifier for this source.
	ID string `yaml:"id"`

	// Type is gateway (Prometheus text exposition over HTTP) or mqtt.
	Type string `yaml:"type"`

	// Endpoint is the gateway metrics URL, or the MQTT broker URL
	// (tcp://host:1883, ssl://host:8883).
	Endpoint string `yaml:"endpoint"`

	// Topic is the MQTT topic filter to subscribe to. mqtt only.
	Topic string `yaml:"topic"`

	// ClientID is the MQTT client identifier. Defaults to "andon-agent-<id>".
	ClientID string `yaml:"client_id"`

	// QoS is the MQTT subscription QoS (0 or 1).
	QoS byte `yaml:"qos"`

	Auth AuthConfig `yaml:"auth"`
	TLS  TLSConfig  `yaml:"tls"`
}

// EffectiveClientID returns ClientID or a name derived from the source ID.
func (s Source) EffectiveClientID() string {
	if s.ClientID != "" {
		return s.ClientID
	}
	return "andon-agent-" + s.ID
}

// AuthConfig specifies the authentication mode for a source or the server.
type AuthConfig struct {
	// Mode is one of: mtls | apikey | bearer | basic | none.
	Mode string `yaml:"mode"`

	// mTLS fields, used when Mode == "mtls".
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CAFile   string `yaml:"ca_file"`

	// Header is the HTTP header (or gRPC metadata key) carrying the API key.
	Header string `yaml:"header"`
	// KeyEnv is the name of the environment variable that holds the key value.
	KeyEnv string `yaml:"key_env"`

	// TokenEnv holds the bearer token variable name.
	TokenEnv string `yaml:"token_env"`

	// Username is the literal basic-auth (or MQTT) username.
	Username string `yaml:"username"`
	// PasswordEnv is the name of the environment variable that holds the password.
	PasswordEnv string `yaml:"password_env"`
}

// Key returns the API key value resolved from the environment.
// Returns empty string if KeyEnv is unset or the variable is not found.
func (a AuthConfig) Key() string {
	if a.KeyEnv == "" {
		return ""
	}
	return os.Getenv(a.KeyEnv)
}

// Token returns the bearer token value resolved from the environment.
func (a AuthConfig) Token() string {
	if a.TokenEnv == "" {
		return ""
	}
	return os.Getenv(a.TokenEnv)
}

// Password returns the basic-auth password resolved from the environment.
func (a AuthConfig) Password() string {
	if a.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(a.PasswordEnv)
}

// EffectiveHeader returns Header or DefaultServerHeader.
func (a AuthConfig) EffectiveHeader() string {
	if a.Header != "" {
		return a.Header
	}
	return DefaultServerHeader
}

// TLSConfig holds per-source TLS dial options.
type TLSConfig struct {
	// InsecureSkipVerify disables TLS certificate verification.
	// Only use this for internal CAs in development environments.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// Load reads and parses the YAML config file at path.
// Missing optional fields are filled with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	if cfg.Agent.ID == "" {
		cfg.Agent.ID = hostname()
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Agent: AgentConfig{
			ScrapeInterval: DefaultScrapeInterval,
			BufferSize:     DefaultBufferSize,
			BatchSize:      DefaultBatchSize,
		},
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "andon-agent"
	}
	return h
}

// validate checks required fields and structural constraints.
func validate(cfg *Config) error {
	a := cfg.Agent
	if a.ServerEndpoint == "" {
		return fmt.Errorf("agent.server_endpoint is required")
	}
	if a.ScrapeInterval <= 0 {
		return fmt.Errorf("agent.scrape_interval must be positive")
	}
	if a.BufferSize <= 0 {
		return fmt.Errorf("agent.buffer_size must be positive")
	}
	if a.BatchSize <= 0 {
		return fmt.Errorf("agent.batch_size must be positive")
	}
	if a.BatchSize > a.BufferSize {
		return fmt.Errorf("agent.batch_size %d exceeds buffer_size %d", a.BatchSize, a.BufferSize)
	}
	switch a.ServerAuth.Mode {
	case "mtls", "apikey", "none", "":
	default:
		return fmt.Errorf("agent.server_auth: unknown mode %q", a.ServerAuth.Mode)
	}

	seen := make(map[string]bool, len(a.Sources))
	for i, src := range a.Sources {
		if src.ID == "" {
			return fmt.Errorf("sources[%d]: id is required", i)
		}
		if seen[src.ID] {
			return fmt.Errorf("sources[%d]: duplicate id %q", i, src.ID)
		}
		seen[src.ID] = true
		if src.Endpoint == "" {
			return fmt.Errorf("sources[%d] %q: endpoint is required", i, src.ID)
		}
		switch src.Type {
		case SourceGateway:
		case SourceMQTT:
			if src.Topic == "" {
				return fmt.Errorf("sources[%d] %q: topic is required for mqtt", i, src.ID)
			}
			if src.QoS > 1 {
				return fmt.Errorf("sources[%d] %q: qos %d not supported", i, src.ID, src.QoS)
			}
			u, err := url.Parse(src.Endpoint)
			if err != nil || u.Host == "" {
				return fmt.Errorf("sources[%d] %q: invalid broker url %q", i, src.ID, src.Endpoint)
			}
		default:
			return fmt.Errorf("sources[%d] %q: unknown type %q", i, src.ID, src.Type)
		}
		switch src.Auth.Mode {
		case "mtls", "apikey", "bearer", "basic", "none", "":
		default:
			return fmt.Errorf("sources[%d] %q: unknown auth mode %q", i, src.ID, src.Auth.Mode)
		}
	}
	return nil
}

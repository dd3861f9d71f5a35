package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Default values for the server configuration.
const (
	DefaultGRPCPort     = 50051
	DefaultHTTPPort     = 8080
	DefaultMachineTTL   = 5 * time.Minute
	DefaultHistoryLimit = 1000

	DefaultVibrationLimit   = 4.0
	DefaultTemperatureLimit = 85.0
	DefaultCurrentLimit     = 15.0
	DefaultRULHours         = 24.0

	DefaultIdleWeight        = 0.3
	DefaultFaultWeight       = 0.4
	DefaultUtilizationWeight = 0.3
	DefaultFlowThreshold     = 0.6
	DefaultFlowWindow        = 120
	DefaultReportSchedule    = "*/15 * * * *"
)

// Escalation channels. Webhooks are grouped into channels; the escalation
// policy decides which channels each severity reaches.
const (
	ChannelDashboard = "dashboard"
	ChannelChat      = "chat"
	ChannelPager     = "pager"
	ChannelStop      = "stop"
)

// Config holds the server-side configuration parsed from the `server:` section
// of andon.yaml. The `agent:` key in the same file is ignored.
type Config struct {
	Server ServerConfig `yaml:"server"`
}

// ServerConfig holds all server-side settings.
type ServerConfig struct {
	// GRPCPort is the port the telemetry receiver listens on (default 50051).
	GRPCPort int `yaml:"grpc_port"`

	// HTTPPort is the port the REST API, WebSocket hub and /metrics listen on (default 8080).
	HTTPPort int `yaml:"http_port"`

	// Auth configures how the server authenticates incoming gRPC and REST clients.
	Auth AuthConfig `yaml:"auth"`

	// Machines controls in-memory machine snapshot retention.
	Machines MachinesConfig `yaml:"machines"`

	Alerts  AlertsConfig  `yaml:"alerts"`
	Flow    FlowConfig    `yaml:"flow"`
	Storage StorageConfig `yaml:"storage"`
}

// AuthConfig controls client authentication on the server side.
type AuthConfig struct {
	// Mode is one of: apikey | none.
	Mode string `yaml:"mode"`

	// KeyEnv is the name of the environment variable that holds the expected API key.
	KeyEnv string `yaml:"key_env"`

	// Header is the gRPC metadata key (and HTTP header name) to read the key from.
	// Defaults to "x-api-key" if empty.
	Header string `yaml:"header"`
}

// Key returns the expected API key resolved from the environment.
func (a AuthConfig) Key() string {
	if a.KeyEnv == "" {
		return ""
	}
	return os.Getenv(a.KeyEnv)
}

// EffectiveHeader returns the configured header name, or the default "x-api-key".
func (a AuthConfig) EffectiveHeader() string {
	if a.Header != "" {
		return a.Header
	}
	return "x-api-key"
}

// MachinesConfig controls how long a silent machine stays on the board.
type MachinesConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// AlertsConfig holds rule thresholds, extra rules, webhook targets and the
// escalation policy.
type AlertsConfig struct {
	Thresholds Thresholds `yaml:"thresholds"`

	// TemperatureSensors and CurrentSensors are the sensor keys checked by the
	// built-in temperature and current rules.
	TemperatureSensors []string `yaml:"temperature_sensors"`
	CurrentSensors     []string `yaml:"current_sensors"`

	// DisableDefaults skips registration of the built-in rules.
	DisableDefaults bool `yaml:"disable_defaults"`

	// Rules are registered after the built-in rules, in file order.
	Rules []RuleConfig `yaml:"rules"`

	Webhooks   []WebhookConfig  `yaml:"webhooks"`
	Escalation EscalationConfig `yaml:"escalation"`
}

// Thresholds parameterise the built-in rules.
type Thresholds struct {
	Vibration    float64 `yaml:"vibration"`
	Temperature  float64 `yaml:"temperature"`
	MotorCurrent float64 `yaml:"motor_current"`
	RULHours     float64 `yaml:"rul_hours"`
}

// RuleConfig defines one additional rule.
type RuleConfig struct {
	ID string `yaml:"id"`

	// Kind is one of: threshold | state | quality | anomaly | rul.
	Kind string `yaml:"kind"`

	// Sensors and Op apply to threshold rules ("vibration_rms", ">").
	Sensors []string `yaml:"sensors"`
	Op      string   `yaml:"op"`

	// Limit is the threshold value, or the hour limit for rul rules.
	Limit float64 `yaml:"limit"`

	// Values is the state (state rules) or set of quality flags (quality rules).
	Values []string `yaml:"values"`

	// Severity is one of: low | medium | high | critical.
	Severity string `yaml:"severity"`

	// Description is a template; {machine} {input} {value} {limit} are substituted.
	Description string `yaml:"description"`
}

// WebhookConfig defines one webhook delivery target.
type WebhookConfig struct {
	Name string `yaml:"name"`

	// Type is one of: teams | slack | pagerduty | http | stop_machine.
	Type string `yaml:"type"`

	// Channel overrides the escalation channel derived from Type.
	Channel string `yaml:"channel"`

	// URLEnv is the name of the environment variable that holds the webhook URL.
	URLEnv string `yaml:"url_env"`

	// Reports opts the target into scheduled bottleneck reports.
	Reports bool `yaml:"reports"`

	// RatePerMinute caps deliveries to this target; 0 means unlimited.
	RatePerMinute float64 `yaml:"rate_per_minute"`
}

// URL returns the webhook URL resolved from the environment.
func (w WebhookConfig) URL() string {
	if w.URLEnv == "" {
		return ""
	}
	return os.Getenv(w.URLEnv)
}

// EffectiveChannel returns the configured channel or the one implied by Type.
func (w WebhookConfig) EffectiveChannel() string {
	if w.Channel != "" {
		return w.Channel
	}
	switch w.Type {
	case "pagerduty":
		return ChannelPager
	case "stop_machine":
		return ChannelStop
	default:
		return ChannelChat
	}
}

// EscalationConfig maps a severity name to the channels it reaches.
type EscalationConfig struct {
	Levels map[string][]string `yaml:"levels"`
}

// Channels returns the channels configured for severity.
func (e EscalationConfig) Channels(severity string) []string {
	return e.Levels[strings.ToLower(severity)]
}

// FlowConfig configures bottleneck scoring and the shop-floor graph.
type FlowConfig struct {
	Weights   WeightsConfig `yaml:"weights"`
	Threshold float64       `yaml:"threshold"`

	// Window is the number of recent readings per machine the tracker keeps.
	Window int `yaml:"window"`

	// Schedule is a five-field cron expression for the bottleneck report.
	// An empty schedule disables the report.
	Schedule string `yaml:"schedule"`

	Nodes []NodeConfig `yaml:"nodes"`
	Edges []EdgeConfig `yaml:"edges"`
}

// WeightsConfig holds the composite score weights; they must sum to 1.
type WeightsConfig struct {
	Idle        float64 `yaml:"idle"`
	Fault       float64 `yaml:"fault"`
	Utilization float64 `yaml:"utilization"`
}

// NodeConfig places a machine on the floor plan.
type NodeConfig struct {
	ID       string  `yaml:"id"`
	Capacity float64 `yaml:"capacity"`
	X        float64 `yaml:"x"`
	Y        float64 `yaml:"y"`
}

// EdgeConfig is a material flow between two machines.
type EdgeConfig struct {
	From   string  `yaml:"from"`
	To     string  `yaml:"to"`
	Volume float64 `yaml:"volume"`

	// Delay is the observed transfer delay in minutes.
	Delay float64 `yaml:"delay"`
}

// StorageConfig selects the alert store.
type StorageConfig struct {
	// Backend is one of: memory | sqlite.
	Backend string `yaml:"backend"`

	// Path is the SQLite database file (sqlite backend only).
	Path string `yaml:"path"`

	// HistoryLimit caps resolved alerts kept by the memory backend.
	HistoryLimit int `yaml:"history_limit"`
}

// Load reads and parses the config file at path, returning the server configuration.
// Missing fields are filled with sensible defaults before validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("server config: read %q: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a configuration document.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("server config: parse yaml: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("server config: %w", err)
	}
	return cfg, nil
}

// Defaults returns a Config pre-populated with default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			GRPCPort: DefaultGRPCPort,
			HTTPPort: DefaultHTTPPort,
			Machines: MachinesConfig{TTL: DefaultMachineTTL},
			Alerts: AlertsConfig{
				Thresholds: Thresholds{
					Vibration:    DefaultVibrationLimit,
					Temperature:  DefaultTemperatureLimit,
					MotorCurrent: DefaultCurrentLimit,
					RULHours:     DefaultRULHours,
				},
				TemperatureSensors: []string{"servo_temp", "oil_temp", "head_temp", "coolant_temp"},
				CurrentSensors:     []string{"motor_current"},
				Escalation: EscalationConfig{Levels: map[string][]string{
					"low":      {ChannelDashboard, ChannelChat},
					"medium":   {ChannelDashboard, ChannelChat},
					"high":     {ChannelDashboard, ChannelChat, ChannelPager},
					"critical": {ChannelDashboard, ChannelChat, ChannelPager, ChannelStop},
				}},
			},
			Flow: FlowConfig{
				Weights: WeightsConfig{
					Idle:        DefaultIdleWeight,
					Fault:       DefaultFaultWeight,
					Utilization: DefaultUtilizationWeight,
				},
				Threshold: DefaultFlowThreshold,
				Window:    DefaultFlowWindow,
				Schedule:  DefaultReportSchedule,
			},
			Storage: StorageConfig{
				Backend:      "memory",
				HistoryLimit: DefaultHistoryLimit,
			},
		},
	}
}

// validate checks structural constraints on the parsed configuration.
// Rule and weight semantics are checked where they are consumed.
func validate(cfg *Config) error {
	s := cfg.Server
	if s.GRPCPort <= 0 || s.GRPCPort > 65535 {
		return fmt.Errorf("server.grpc_port %d is out of range [1, 65535]", s.GRPCPort)
	}
	if s.HTTPPort <= 0 || s.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port %d is out of range [1, 65535]", s.HTTPPort)
	}
	switch s.Auth.Mode {
	case "apikey", "none", "":
	default:
		return fmt.Errorf("server.auth.mode %q unknown: want apikey|none", s.Auth.Mode)
	}
	if s.Machines.TTL < 0 {
		return fmt.Errorf("server.machines.ttl must not be negative")
	}

	for sev, channels := range s.Alerts.Escalation.Levels {
		switch sev {
		case "low", "medium", "high", "critical":
		default:
			return fmt.Errorf("server.alerts.escalation: unknown severity %q", sev)
		}
		for _, ch := range channels {
			if !knownChannel(ch) {
				return fmt.Errorf("server.alerts.escalation.%s: unknown channel %q", sev, ch)
			}
		}
	}
	for i, wh := range s.Alerts.Webhooks {
		switch wh.Type {
		case "slack", "teams", "pagerduty", "http", "stop_machine":
		default:
			return fmt.Errorf("server.alerts.webhooks[%d]: unknown type %q", i, wh.Type)
		}
		if !knownChannel(wh.EffectiveChannel()) || wh.EffectiveChannel() == ChannelDashboard {
			return fmt.Errorf("server.alerts.webhooks[%d]: invalid channel %q", i, wh.Channel)
		}
		if wh.RatePerMinute < 0 {
			return fmt.Errorf("server.alerts.webhooks[%d]: rate_per_minute must not be negative", i)
		}
	}

	if s.Flow.Window <= 0 {
		return fmt.Errorf("server.flow.window must be positive")
	}
	if s.Flow.Threshold < 0 || s.Flow.Threshold > 1 {
		return fmt.Errorf("server.flow.threshold %.2f is out of range [0, 1]", s.Flow.Threshold)
	}
	if s.Flow.Schedule != "" {
		if _, err := cron.ParseStandard(s.Flow.Schedule); err != nil {
			return fmt.Errorf("server.flow.schedule: %w", err)
		}
	}
	seen := make(map[string]bool, len(s.Flow.Nodes))
	for i, n := range s.Flow.Nodes {
		if n.ID == "" {
			return fmt.Errorf("server.flow.nodes[%d]: id is required", i)
		}
		if seen[n.ID] {
			return fmt.Errorf("server.flow.nodes[%d]: duplicate id %q", i, n.ID)
		}
		seen[n.ID] = true
	}
	for i, e := range s.Flow.Edges {
		if e.Volume < 0 {
			return fmt.Errorf("server.flow.edges[%d]: volume must not be negative", i)
		}
	}

	switch s.Storage.Backend {
	case "memory":
	case "sqlite":
		if s.Storage.Path == "" {
			return fmt.Errorf("server.storage.path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("server.storage.backend %q unknown: want memory|sqlite", s.Storage.Backend)
	}
	if s.Storage.HistoryLimit <= 0 {
		return fmt.Errorf("server.storage.history_limit must be positive")
	}
	return nil
}

func knownChannel(ch string) bool {
	switch ch {
	case ChannelDashboard, ChannelChat, ChannelPager, ChannelStop:
		return true
	}
	return false
}

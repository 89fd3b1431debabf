package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the full configuration surface for the application.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Emergency EmergencyConfig `mapstructure:"emergency"`
	Throttle  ThrottleConfig  `mapstructure:"throttle"`
	Provider  ProviderConfig  `mapstructure:"provider"`
	Registry  RegistryConfig  `mapstructure:"registry"`
}

type AppConfig struct {
	Name    string `mapstructure:"name"`
	Env     string `mapstructure:"env"`
	Version string `mapstructure:"version"`
}

type KafkaConfig struct {
	Brokers         []string      `mapstructure:"brokers"`
	ClientID        string        `mapstructure:"client_id"`
	SetupTopic      string        `mapstructure:"setup_topic"`
	OutcomeTopic    string        `mapstructure:"outcome_topic"`
	ConsumerGroupID string        `mapstructure:"consumer_group_id"`
	CommitInterval  time.Duration `mapstructure:"commit_interval"`
}

type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

type TelemetryConfig struct {
	Endpoint        string        `mapstructure:"endpoint"`
	ServiceName     string        `mapstructure:"service_name"`
	SampleRatio     float64       `mapstructure:"sample_ratio"`
	TracingEnabled  bool          `mapstructure:"tracing_enabled"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// EmergencyConfig holds the connect watchdog deadlines. StandardTimeout
// applies while the relay reports voice calling available; ExtendedTimeout
// applies while it does not (radio unavailable).
type EmergencyConfig struct {
	StandardTimeout time.Duration `mapstructure:"standard_timeout"`
	ExtendedTimeout time.Duration `mapstructure:"extended_timeout"`
}

type ThrottleConfig struct {
	MaxActivePerUser int           `mapstructure:"max_active_per_user"`
	SlotTTL          time.Duration `mapstructure:"slot_ttl"`
}

// ProviderConfig tunes the simulated call provider.
type ProviderConfig struct {
	ResponseDelay time.Duration `mapstructure:"response_delay"`
	FailureRate   float64       `mapstructure:"failure_rate"`
}

// RegistryConfig seeds the in-memory account registry.
type RegistryConfig struct {
	SystemRelayComponent string            `mapstructure:"system_relay_component"`
	EmergencyRelays      map[string]string `mapstructure:"emergency_relays"` // user -> "component/id"
	Relays               map[string]string `mapstructure:"relays"`           // user -> "component/id"
	Accounts             []AccountConfig   `mapstructure:"accounts"`
}

type AccountConfig struct {
	Component      string   `mapstructure:"component"`
	ID             string   `mapstructure:"id"`
	User           string   `mapstructure:"user"`
	Slot           *int     `mapstructure:"slot"`
	SubscriptionID *int     `mapstructure:"subscription_id"`
	Capabilities   []string `mapstructure:"capabilities"`
	BindPermitted  bool     `mapstructure:"bind_permitted"`
}

// Load reads configuration from file and environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvPrefix("CALLROUTER")
	v.SetEnvKeyReplacer(NewEnvReplacer())

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: failed to read config file: %w", err)
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// NewEnvReplacer standardizes environment variable names.
func NewEnvReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "_", "-", "_")
}

package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// DefaultExtensionID is the browser extension allowed to connect when
// ALLOWED_EXTENSION_ID is not set.
const DefaultExtensionID = "afhmgkpdmifnmflcaegmjcaaehfklepp"

// Config holds the configuration shared by the daemon, the bridge host and
// the runtime agent. Each binary reads the subset it needs.
type Config struct {
	LogLevel string `mapstructure:"LOG_LEVEL" validate:"oneof=debug info warn error"`

	// Message poller
	PollInterval   time.Duration `mapstructure:"POLL_INTERVAL" validate:"gt=0"`
	Lookback       time.Duration `mapstructure:"LOOKBACK" validate:"gt=0"`
	MessagesDBPath string        `mapstructure:"MESSAGES_DB_PATH" validate:"required"`
	PostgresDSN    string        `mapstructure:"POSTGRES_DSN"`

	// Parser
	ParserType         string `mapstructure:"PARSER_TYPE" validate:"oneof=offline ai"`
	CustomPatternsFile string `mapstructure:"CUSTOM_PATTERNS_FILE"`
	MinCodeLength      int    `mapstructure:"MIN_CODE_LENGTH" validate:"min=3,max=4"`
	OpenAIAPIKey       string `mapstructure:"OPENAI_API_KEY" validate:"required_if=ParserType ai"`
	OpenAIModel        string `mapstructure:"OPENAI_MODEL"`
	OpenAIBaseURL      string `mapstructure:"OPENAI_BASE_URL"`

	// Relay
	SocketDir          string        `mapstructure:"SOCKET_DIR" validate:"required"`
	AllowedExtensionID string        `mapstructure:"ALLOWED_EXTENSION_ID" validate:"required"`
	MaxEventAge        time.Duration `mapstructure:"MAX_EVENT_AGE"`
	NATSURL            string        `mapstructure:"NATS_URL"`

	// Status API
	StatusAPIAddr         string   `mapstructure:"STATUS_API_ADDR"`
	JWTSecret             string   `mapstructure:"JWT_SECRET" validate:"omitempty,min=32"`
	JWTExpiryHours        int      `mapstructure:"JWT_EXPIRY_HOURS" validate:"min=1"`
	StatusAPIPasswordHash string   `mapstructure:"STATUS_API_PASSWORD_HASH"`
	StatusAPICORSOrigins  []string `mapstructure:"STATUS_API_CORS_ORIGINS"`

	// Bridge host
	ReconnectInterval    time.Duration `mapstructure:"RECONNECT_INTERVAL" validate:"gt=0"`
	MaxReconnectAttempts int           `mapstructure:"MAX_RECONNECT_ATTEMPTS" validate:"min=1"`
	HealthCheckInterval  time.Duration `mapstructure:"HEALTH_CHECK_INTERVAL" validate:"gt=0"`
	SendTimeout          time.Duration `mapstructure:"SEND_TIMEOUT" validate:"gt=0"`
	AppLaunchCommand     string        `mapstructure:"APP_LAUNCH_COMMAND"`

	// Runtime agent
	AgentBaseDelay     time.Duration `mapstructure:"AGENT_BASE_DELAY" validate:"gt=0"`
	AgentBackoffFactor float64       `mapstructure:"AGENT_BACKOFF_FACTOR" validate:"gte=1"`
	AgentMaxAttempts   int           `mapstructure:"AGENT_MAX_ATTEMPTS" validate:"min=1"`
	AgentPingInterval  time.Duration `mapstructure:"AGENT_PING_INTERVAL" validate:"gt=0"`
	BridgeHostPath     string        `mapstructure:"BRIDGE_HOST_PATH"`
	PageHubAddr        string        `mapstructure:"PAGE_HUB_ADDR"`
	PageAllowedOrigins []string      `mapstructure:"PAGE_ALLOWED_ORIGINS"`
}

// Load reads config.defaults.yaml (if any), a .env file (if any) and APP_*
// environment variables, in increasing order of precedence.
func Load(serviceName string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("%s: could not load .env file: %v", serviceName, err)
	}

	v := viper.New()
	v.SetConfigName("config.defaults")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath("../configs")
	v.AddConfigPath(".")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.SetEnvPrefix("APP")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the struct tags on Config.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// BrokerSocketPath is the rendezvous endpoint the daemon listens on.
func (c *Config) BrokerSocketPath() string {
	return filepath.Join(c.SocketDir, "broker.sock")
}

func setDefaults(v *viper.Viper) {
	home, _ := os.UserHomeDir()

	v.SetDefault("LOG_LEVEL", "info")

	v.SetDefault("POLL_INTERVAL", time.Second)
	v.SetDefault("LOOKBACK", 24*time.Hour)
	v.SetDefault("MESSAGES_DB_PATH", filepath.Join(home, "Library", "Messages", "chat.db"))
	v.SetDefault("POSTGRES_DSN", "")

	v.SetDefault("PARSER_TYPE", "offline")
	v.SetDefault("CUSTOM_PATTERNS_FILE", "")
	v.SetDefault("MIN_CODE_LENGTH", 4)
	v.SetDefault("OPENAI_API_KEY", "")
	v.SetDefault("OPENAI_MODEL", "gpt-4o-mini")
	v.SetDefault("OPENAI_BASE_URL", "")

	v.SetDefault("SOCKET_DIR", filepath.Join(os.TempDir(), "otprelay"))
	v.SetDefault("ALLOWED_EXTENSION_ID", DefaultExtensionID)
	v.SetDefault("MAX_EVENT_AGE", 10*time.Minute)
	v.SetDefault("NATS_URL", "")

	v.SetDefault("STATUS_API_ADDR", "127.0.0.1:7777")
	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("JWT_EXPIRY_HOURS", 24)
	v.SetDefault("STATUS_API_PASSWORD_HASH", "")
	v.SetDefault("STATUS_API_CORS_ORIGINS", []string{})

	v.SetDefault("RECONNECT_INTERVAL", 2*time.Second)
	v.SetDefault("MAX_RECONNECT_ATTEMPTS", 60)
	v.SetDefault("HEALTH_CHECK_INTERVAL", 5*time.Second)
	v.SetDefault("SEND_TIMEOUT", 5*time.Second)
	v.SetDefault("APP_LAUNCH_COMMAND", "")

	v.SetDefault("AGENT_BASE_DELAY", 2*time.Second)
	v.SetDefault("AGENT_BACKOFF_FACTOR", 1.5)
	v.SetDefault("AGENT_MAX_ATTEMPTS", 10)
	v.SetDefault("AGENT_PING_INTERVAL", 30*time.Second)
	v.SetDefault("BRIDGE_HOST_PATH", "bridge_host")
	v.SetDefault("PAGE_HUB_ADDR", "127.0.0.1:7778")
	v.SetDefault("PAGE_ALLOWED_ORIGINS", []string{})
}

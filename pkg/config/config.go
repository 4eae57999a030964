package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	StorageFirestore = "firestore"
	StorageMemory    = "memory"

	FanoutBroadcast    = "broadcast"
	FanoutParticipants = "participants"
)

type Config struct {
	ServerPort  string `envconfig:"SERVER_PORT" default:"8080"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	StorageDriver              string `envconfig:"STORAGE_DRIVER" default:"firestore"`
	FirebaseProject            string `envconfig:"FIREBASE_PROJECT_ID"`
	FirebaseServiceAccountJSON string `envconfig:"FIREBASE_SERVICE_ACCOUNT_JSON"`
	FirebaseServiceAccountPath string `envconfig:"FIREBASE_SERVICE_ACCOUNT_PATH" default:"./firebase-adminsdk.json"`

	TypingTTL           time.Duration `envconfig:"TYPING_TTL" default:"5s"`
	TypingSweepInterval time.Duration `envconfig:"TYPING_SWEEP_INTERVAL" default:"10s"`

	WSSendBuffer int           `envconfig:"WS_SEND_BUFFER" default:"256"`
	WSWriteWait  time.Duration `envconfig:"WS_WRITE_WAIT" default:"10s"`
	WSPongWait   time.Duration `envconfig:"WS_PONG_WAIT" default:"60s"`

	// WSAllowedOrigins is a comma separated list; "*" allows any origin.
	WSAllowedOrigins []string `envconfig:"WS_ALLOWED_ORIGINS" default:"*"`

	// CreatedFanout selects how conversation_created reaches clients.
	CreatedFanout   string `envconfig:"CONVERSATION_CREATED_FANOUT" default:"broadcast"`
	MessagePageSize int    `envconfig:"MESSAGE_PAGE_SIZE" default:"50"`
}

func Load() (*Config, error) {
	godotenv.Load()

	cfg := &Config{}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StorageDriver {
	case StorageFirestore:
		if c.FirebaseProject == "" {
			return fmt.Errorf("FIREBASE_PROJECT_ID must be set for the firestore driver")
		}
	case StorageMemory:
	default:
		return fmt.Errorf("unknown STORAGE_DRIVER %q", c.StorageDriver)
	}

	switch c.CreatedFanout {
	case FanoutBroadcast, FanoutParticipants:
	default:
		return fmt.Errorf("unknown CONVERSATION_CREATED_FANOUT %q", c.CreatedFanout)
	}

	if c.TypingTTL <= 0 {
		return fmt.Errorf("TYPING_TTL must be positive")
	}
	if c.WSSendBuffer <= 0 {
		return fmt.Errorf("WS_SEND_BUFFER must be positive")
	}
	return nil
}

// PingPeriod is the interval between server pings; it must stay below the pong wait.
func (c *Config) PingPeriod() time.Duration {
	return (c.WSPongWait * 9) / 10
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

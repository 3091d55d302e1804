// Package config loads the notes agent configuration from the environment
// and an optional .env file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store backends
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	AutosaveNamespace string        `mapstructure:"AUTOSAVE_NAMESPACE"`
	AutosaveDelay     time.Duration `mapstructure:"AUTOSAVE_DELAY"`
	RestoreMaxAge     time.Duration `mapstructure:"RESTORE_MAX_AGE"`

	StoreBackend string `mapstructure:"STORE_BACKEND"`
	DatabaseURL  string `mapstructure:"DATABASE_URL"`
	DBMaxConns   int32  `mapstructure:"DB_MAX_CONNS"`

	KafkaBrokers    []string `mapstructure:"KAFKA_BROKERS"`
	TranscriptTopic string   `mapstructure:"TRANSCRIPT_TOPIC"`
	EventsTopic     string   `mapstructure:"EVENTS_TOPIC"`
	ConsumerGroup   string   `mapstructure:"CONSUMER_GROUP"`

	SummarizerURL       string        `mapstructure:"SUMMARIZER_URL"`
	SynthesizerURL      string        `mapstructure:"SYNTHESIZER_URL"`
	CollaboratorTimeout time.Duration `mapstructure:"COLLABORATOR_TIMEOUT"`
	AIWorkers           int           `mapstructure:"AI_WORKERS"`

	TracingEnabled bool    `mapstructure:"TRACING_ENABLED"`
	OTLPEndpoint   string  `mapstructure:"OTLP_ENDPOINT"`
	TraceSampling  float64 `mapstructure:"TRACE_SAMPLING"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"AUTOSAVE_NAMESPACE", "AUTOSAVE_DELAY", "RESTORE_MAX_AGE",
	"STORE_BACKEND", "DATABASE_URL", "DB_MAX_CONNS",
	"KAFKA_BROKERS", "TRANSCRIPT_TOPIC", "EVENTS_TOPIC", "CONSUMER_GROUP",
	"SUMMARIZER_URL", "SYNTHESIZER_URL", "COLLABORATOR_TIMEOUT", "AI_WORKERS",
	"TRACING_ENABLED", "OTLP_ENDPOINT", "TRACE_SAMPLING",
}

// Load reads configuration. A missing .env file is not an error.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8090")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("AUTOSAVE_NAMESPACE", "visitnote")
	v.SetDefault("AUTOSAVE_DELAY", "2s")
	v.SetDefault("RESTORE_MAX_AGE", "24h")
	v.SetDefault("STORE_BACKEND", StoreMemory)
	v.SetDefault("DB_MAX_CONNS", 4)
	v.SetDefault("TRANSCRIPT_TOPIC", "visit.transcripts")
	v.SetDefault("EVENTS_TOPIC", "note.events")
	v.SetDefault("CONSUMER_GROUP", "visitnote-transcripts")
	v.SetDefault("COLLABORATOR_TIMEOUT", "90s")
	v.SetDefault("AI_WORKERS", 2)
	v.SetDefault("OTLP_ENDPOINT", "localhost:4317")
	v.SetDefault("TRACE_SAMPLING", 1.0)

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// env values arrive as one comma-separated string
	if brokers := v.GetString("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitList(brokers)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that would otherwise fail at first use
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND is %q", StorePostgres)
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", StoreMemory, StorePostgres, c.StoreBackend)
	}
	if c.AutosaveDelay <= 0 {
		return fmt.Errorf("AUTOSAVE_DELAY must be positive, got %s", c.AutosaveDelay)
	}
	if c.RestoreMaxAge <= 0 {
		return fmt.Errorf("RESTORE_MAX_AGE must be positive, got %s", c.RestoreMaxAge)
	}
	if c.AIWorkers < 1 {
		return fmt.Errorf("AI_WORKERS must be at least 1, got %d", c.AIWorkers)
	}
	return nil
}

// StreamingEnabled reports whether Redpanda brokers are configured
func (c *Config) StreamingEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

// IsDev reports whether the agent runs in development mode
func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

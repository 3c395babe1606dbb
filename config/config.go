package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/Samcfuchs/mta-viz/model"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Lines    []LineConfig   `yaml:"lines" validate:"unique=ID,dive"`
}

type ServerConfig struct {
	Addr string `yaml:"addr" validate:"required"`
}

type StorageConfig struct {
	// memory, sqlite or postgres
	Backend string `yaml:"backend" validate:"oneof=memory sqlite postgres"`

	// Directory for sqlite (the working directory if blank),
	// connection string for postgres.
	DSN string `yaml:"dsn" validate:"required_if=Backend postgres"`
}

type RealtimeConfig struct {
	PollInterval       time.Duration     `yaml:"poll_interval" validate:"gt=0"`
	FetchTimeout       time.Duration     `yaml:"fetch_timeout" validate:"gt=0,ltfield=PollInterval"`
	StalenessThreshold time.Duration     `yaml:"staleness_threshold" validate:"gt=0"`
	SweepInterval      time.Duration     `yaml:"sweep_interval" validate:"gt=0"`
	MaxSize            int               `yaml:"max_size" validate:"gt=0"`
	Headers            map[string]string `yaml:"headers"`
}

type LineConfig struct {
	ID      string `yaml:"id" validate:"required"`
	FeedURL string `yaml:"feed_url" validate:"required,url"`
}

const mtaFeedBase = "https://api-endpoint.mta.info/Dataservice/mtagtfsfeeds/nyct%2Fgtfs"

// The NYCT subway feeds, one per line group.
func DefaultLines() []LineConfig {
	return []LineConfig{
		{ID: "ace", FeedURL: mtaFeedBase + "-ace"},
		{ID: "bdfm", FeedURL: mtaFeedBase + "-bdfm"},
		{ID: "g", FeedURL: mtaFeedBase + "-g"},
		{ID: "jz", FeedURL: mtaFeedBase + "-jz"},
		{ID: "nqrw", FeedURL: mtaFeedBase + "-nqrw"},
		{ID: "l", FeedURL: mtaFeedBase + "-l"},
		{ID: "irt", FeedURL: mtaFeedBase},
		{ID: "si", FeedURL: mtaFeedBase + "-si"},
	}
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":3000",
		},
		Storage: StorageConfig{
			Backend: "sqlite",
		},
		Realtime: RealtimeConfig{
			PollInterval:       30 * time.Second,
			FetchTimeout:       10 * time.Second,
			StalenessThreshold: 5 * time.Minute,
			SweepInterval:      1 * time.Minute,
			MaxSize:            1 << 20,
			Headers:            map[string]string{},
		},
	}
}

// Loads configuration from a YAML file on top of the defaults, then
// applies environment overrides. A .env file in the working
// directory is loaded into the environment first, if present. An
// empty path skips the file.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if len(cfg.Lines) == 0 {
		cfg.Lines = DefaultLines()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("MTAVIZ_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("MTAVIZ_STORAGE"); v != "" {
		c.Storage.Backend = v
	}
	if v := os.Getenv("MTAVIZ_STORAGE_DSN"); v != "" {
		c.Storage.DSN = v
	}

	for env, d := range map[string]*time.Duration{
		"MTAVIZ_POLL_INTERVAL": &c.Realtime.PollInterval,
		"MTAVIZ_FETCH_TIMEOUT": &c.Realtime.FetchTimeout,
		"MTAVIZ_STALENESS":     &c.Realtime.StalenessThreshold,
	} {
		v := os.Getenv(env)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %q", env, v)
		}
		*d = parsed
	}

	return nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func (c *Config) LineGroups() []model.LineGroup {
	lines := make([]model.LineGroup, 0, len(c.Lines))
	for _, l := range c.Lines {
		lines = append(lines, model.LineGroup{ID: l.ID, FeedURL: l.FeedURL})
	}
	return lines
}

package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Samcfuchs/mta-viz/config"
	"github.com/Samcfuchs/mta-viz/storage"
)

var rootCmd = &cobra.Command{
	Use:               "mta-viz",
	Short:             "MTA realtime trip tool",
	Long:              "Polls NYCT GTFS-rt feeds and serves the fused trip state",
	SilenceUsage:      true,
	PersistentPreRunE: setupLogging,
}

var (
	configPath string
	logLevel   string
	pretty     bool
	headers    []string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML config")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "", "info", "Log level")
	rootCmd.PersistentFlags().BoolVarP(&pretty, "pretty", "", false, "Human readable console logs")
	rootCmd.PersistentFlags().StringSliceVarP(
		&headers,
		"header",
		"",
		[]string{},
		"HTTP header sent with every feed request",
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func setupLogging(cmd *cobra.Command, args []string) error {
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	log.Logger = log.Logger.Level(level)

	return nil
}

func parseHeaders(headers []string) (map[string]string, error) {
	parsed := map[string]string{}
	for _, header := range headers {
		parts := strings.SplitN(header, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("'%s' is not on form <key>:<value>", header)
		}
		parsed[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	return parsed, nil
}

// Loads config, with --header flags merged into the realtime
// headers.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	extra, err := parseHeaders(headers)
	if err != nil {
		return nil, fmt.Errorf("invalid header: %w", err)
	}
	if cfg.Realtime.Headers == nil {
		cfg.Realtime.Headers = map[string]string{}
	}
	for k, v := range extra {
		cfg.Realtime.Headers[k] = v
	}

	return cfg, nil
}

func openStorage(cfg config.StorageConfig) (storage.Storage, error) {
	switch cfg.Backend {
	case "memory":
		return storage.NewMemoryStorage(), nil
	case "sqlite":
		dir := cfg.DSN
		if dir == "" {
			dir = "."
		}
		return storage.NewSQLiteStorage(storage.SQLiteConfig{OnDisk: true, Directory: dir})
	case "postgres":
		return storage.NewPSQLStorage(cfg.DSN, false)
	}
	return nil, fmt.Errorf("unknown storage backend '%s'", cfg.Backend)
}

package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	gtfs "github.com/Samcfuchs/mta-viz"
	"github.com/Samcfuchs/mta-viz/downloader"
)

const defaultStaticURL = "http://web.mta.info/developers/data/nyct/subway/google_transit.zip"

var loadCmd = &cobra.Command{
	Use:   "load [url or path]",
	Short: "Imports a static GTFS archive into storage",
	Long:  "Imports a static GTFS archive into storage. Defaults to the NYCT subway schedule.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  load,
}

func init() {
	rootCmd.AddCommand(loadCmd)
}

func load(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	url := defaultStaticURL
	if len(args) == 1 {
		url = args[0]
	}

	s, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}

	metadata, err := gtfs.ImportStatic(
		context.Background(),
		s,
		&downloader.Filesystem{},
		url,
		cfg.Realtime.Headers,
	)
	if err != nil {
		return err
	}

	log.Info().
		Str("url", metadata.URL).
		Str("sha256", metadata.SHA256).
		Int("stops", metadata.Stops).
		Int("trips", metadata.Trips).
		Int("stop_times", metadata.StopTimes).
		Msg("static feed imported")

	return nil
}

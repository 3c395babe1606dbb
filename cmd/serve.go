package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"

	gtfs "github.com/Samcfuchs/mta-viz"
	"github.com/Samcfuchs/mta-viz/api"
	"github.com/Samcfuchs/mta-viz/metrics"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Polls all line groups and serves trip queries",
	Args:  cobra.NoArgs,
	RunE:  serve,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	s, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}

	static, err := gtfs.LoadStatic(s)
	if errors.Is(err, gtfs.ErrNoFeed) {
		log.Warn().Msg("no static feed loaded, serving realtime data only")
		static = gtfs.EmptyStatic()
	} else if err != nil {
		return fmt.Errorf("loading static feed: %w", err)
	}

	collector := metrics.NewCollector()

	store := gtfs.NewStore(cfg.Realtime.StalenessThreshold)
	store.Metrics = collector

	lines := cfg.LineGroups()
	pollers := make([]*gtfs.Poller, 0, len(lines))
	for _, line := range lines {
		p := gtfs.NewPoller(line, store)
		p.Interval = cfg.Realtime.PollInterval
		p.Timeout = cfg.Realtime.FetchTimeout
		p.MaxSize = cfg.Realtime.MaxSize
		p.Headers = cfg.Realtime.Headers
		p.Metrics = collector
		pollers = append(pollers, p)
	}

	manager := gtfs.NewManager(store, pollers...)
	manager.SweepInterval = cfg.Realtime.SweepInterval

	server := api.NewServer(gtfs.NewRealtime(static, store, lines))
	server.Metrics = collector
	server.MetricsHandler = collector.Handler()
	srv := server.HTTPServer(cfg.Server.Addr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg conc.WaitGroup
	wg.Go(func() { manager.Run(ctx) })

	serveErr := make(chan error, 1)
	wg.Go(func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("listening")
		err := srv.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	})

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutting down http server")
	}

	wg.Wait()

	select {
	case err := <-serveErr:
		return fmt.Errorf("serving: %w", err)
	default:
	}

	return nil
}

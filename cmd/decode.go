package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Samcfuchs/mta-viz/downloader"
	"github.com/Samcfuchs/mta-viz/parse"
)

var decodeCmd = &cobra.Command{
	Use:   "decode <line or url or path>",
	Short: "Fetches and decodes a single realtime feed",
	Args:  cobra.ExactArgs(1),
	RunE:  decode,
}

func init() {
	rootCmd.AddCommand(decodeCmd)
}

func decode(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// A configured line ID selects that line's feed
	url := args[0]
	for _, line := range cfg.Lines {
		if line.ID == args[0] {
			url = line.FeedURL
		}
	}

	body, err := (&downloader.Filesystem{}).Get(context.Background(), url, cfg.Realtime.Headers, downloader.GetOptions{
		Timeout: cfg.Realtime.FetchTimeout,
		MaxSize: cfg.Realtime.MaxSize,
	})
	if err != nil {
		return fmt.Errorf("fetching %s: %w", url, err)
	}

	feed, err := parse.DecodeFeed(body, time.Now())
	if err != nil {
		return err
	}

	fmt.Printf("feed timestamp %s, %d trips, %d skipped, %d ignored\n",
		feed.Timestamp.Format(time.RFC3339), len(feed.Updates), feed.Skipped, feed.Ignored)

	for _, u := range feed.Updates {
		fmt.Printf("%s (route %s, %s)\n", u.TripID, u.RouteID, u.ScheduleRelationship)
		for _, stu := range u.StopTimeUpdates {
			arrival := "-"
			if stu.Arrival != nil && !stu.Arrival.Time.IsZero() {
				arrival = stu.Arrival.Time.Local().Format("15:04:05")
			}
			departure := "-"
			if stu.Departure != nil && !stu.Departure.Time.IsZero() {
				departure = stu.Departure.Time.Local().Format("15:04:05")
			}
			fmt.Printf("  %-8s %s %s\n", stu.StopID, arrival, departure)
		}
	}

	return nil
}

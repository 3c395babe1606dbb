package main

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	gtfs "github.com/Samcfuchs/mta-viz"
	"github.com/Samcfuchs/mta-viz/model"
)

var stopsCmd = &cobra.Command{
	Use:   "stops [name]",
	Short: "Lists stations from the loaded schedule",
	Long: "Lists stations from the loaded schedule, optionally filtered by name. " +
		"With --lat and --lon, the closest stations come first.",
	Args: cobra.MaximumNArgs(1),
	RunE: stops,
}

var (
	stopsLat   float64
	stopsLon   float64
	stopsLimit int
)

func init() {
	stopsCmd.Flags().Float64VarP(&stopsLat, "lat", "", 0, "Latitude to search from")
	stopsCmd.Flags().Float64VarP(&stopsLon, "lon", "", 0, "Longitude to search from")
	stopsCmd.Flags().IntVarP(&stopsLimit, "limit", "n", 0, "Max number of stations (0 for all)")
	rootCmd.AddCommand(stopsCmd)
}

func stops(cmd *cobra.Command, args []string) error {
	near := cmd.Flags().Changed("lat") || cmd.Flags().Changed("lon")
	if near && !(cmd.Flags().Changed("lat") && cmd.Flags().Changed("lon")) {
		return fmt.Errorf("--lat and --lon go together")
	}
	if stopsLimit < 0 {
		return fmt.Errorf("limit must be >= 0")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	s, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}

	static, err := gtfs.LoadStatic(s)
	if err != nil {
		return err
	}

	var candidates []*model.Stop
	if near {
		candidates = static.NearbyStops(stopsLat, stopsLon, 0)
	} else {
		candidates = static.Stops()
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].Name < candidates[j].Name
		})
	}

	filter := ""
	if len(args) == 1 {
		filter = strings.ToLower(args[0])
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	n := 0
	for _, stop := range candidates {
		if filter != "" && !strings.Contains(strings.ToLower(stop.Name), filter) {
			continue
		}
		if stopsLimit > 0 && n == stopsLimit {
			break
		}
		fmt.Fprintf(w, "%s\t%s\t%.5f,%.5f\n", stop.ID, stop.Name, stop.Lat, stop.Lon)
		n++
	}

	return w.Flush()
}

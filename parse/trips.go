package parse

import (
	"fmt"
	"io"
	"strings"

	"github.com/gocarina/gocsv"

	"github.com/Samcfuchs/mta-viz/model"
	"github.com/Samcfuchs/mta-viz/storage"
)

type TripCSV struct {
	ID          string `csv:"trip_id"`
	RouteID     string `csv:"route_id"`
	ServiceID   string `csv:"service_id"`
	Headsign    string `csv:"trip_headsign"`
	DirectionID string `csv:"direction_id"`
	ShapeID     string `csv:"shape_id"`
}

// NYCT publishes direction_id on every trip, but it's optional in
// GTFS. Blank means outbound.
func parseDirectionID(s string) (int8, error) {
	switch strings.TrimSpace(s) {
	case "", "0":
		return 0, nil
	case "1":
		return 1, nil
	}
	return 0, fmt.Errorf("invalid direction_id '%s'", s)
}

// Streams trips.txt into writer. Every trip must reference one of
// routes. Returns the set of trip IDs written.
func ParseTrips(
	writer storage.FeedWriter,
	data io.Reader,
	routes map[string]bool,
) (map[string]bool, error) {
	trips := map[string]bool{}

	row := 0
	err := gocsv.UnmarshalToCallbackWithError(data, func(t *TripCSV) error {
		row++

		id := strings.TrimSpace(t.ID)
		routeID := strings.TrimSpace(t.RouteID)

		switch {
		case id == "":
			return fmt.Errorf("empty trip_id (row %d)", row)
		case trips[id]:
			return fmt.Errorf("repeated trip_id '%s' (row %d)", id, row)
		case routeID == "":
			return fmt.Errorf("empty route_id (row %d)", row)
		case !routes[routeID]:
			return fmt.Errorf("unknown route_id '%s' (row %d)", routeID, row)
		}

		direction, err := parseDirectionID(t.DirectionID)
		if err != nil {
			return fmt.Errorf("%w (row %d)", err, row)
		}

		err = writer.WriteTrip(&model.Trip{
			ID:          id,
			RouteID:     routeID,
			ServiceID:   t.ServiceID,
			Headsign:    t.Headsign,
			DirectionID: direction,
			ShapeID:     t.ShapeID,
		})
		if err != nil {
			return fmt.Errorf("writing trip: %w", err)
		}

		trips[id] = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	return trips, nil
}

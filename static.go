package gtfs

import (
	"fmt"
	"math"
	"sort"

	"github.com/Samcfuchs/mta-viz/model"
	"github.com/Samcfuchs/mta-viz/storage"
)

// In-memory index over one static GTFS feed. Never modified after
// NewStatic returns, so it's safe for concurrent use without
// locking.
type Static struct {
	Metadata *storage.FeedMetadata

	stops     map[string]*model.Stop
	stopIDs   []string
	routes    map[string]*model.Route
	routeIDs  []string
	trips     map[string]*model.Trip
	stopTimes map[string][]*model.StopTime

	// Short (realtime) trip ID to static trip ID.
	shortTripIDs map[string]string
}

func NewStatic(reader storage.FeedReader, metadata *storage.FeedMetadata) (*Static, error) {
	if metadata == nil {
		metadata = &storage.FeedMetadata{}
	}

	s := &Static{
		Metadata:     metadata,
		stops:        map[string]*model.Stop{},
		routes:       map[string]*model.Route{},
		trips:        map[string]*model.Trip{},
		stopTimes:    map[string][]*model.StopTime{},
		shortTripIDs: map[string]string{},
	}

	stops, err := reader.Stops()
	if err != nil {
		return nil, fmt.Errorf("reading stops: %w", err)
	}
	for _, stop := range stops {
		s.stops[stop.ID] = stop
		s.stopIDs = append(s.stopIDs, stop.ID)
	}
	sort.Strings(s.stopIDs)

	routes, err := reader.Routes()
	if err != nil {
		return nil, fmt.Errorf("reading routes: %w", err)
	}
	for _, route := range routes {
		s.routes[route.ID] = route
		s.routeIDs = append(s.routeIDs, route.ID)
	}
	sort.Strings(s.routeIDs)

	trips, err := reader.Trips()
	if err != nil {
		return nil, fmt.Errorf("reading trips: %w", err)
	}
	for _, trip := range trips {
		s.trips[trip.ID] = trip

		short := model.ShortTripID(trip.ID)
		if short == "" {
			continue
		}
		if prev, found := s.shortTripIDs[short]; !found || trip.ID < prev {
			s.shortTripIDs[short] = trip.ID
		}
	}

	stopTimes, err := reader.StopTimes()
	if err != nil {
		return nil, fmt.Errorf("reading stop times: %w", err)
	}
	for _, st := range stopTimes {
		s.stopTimes[st.TripID] = append(s.stopTimes[st.TripID], st)
	}
	for _, sts := range s.stopTimes {
		sort.SliceStable(sts, func(i, j int) bool {
			return sts[i].StopSequence < sts[j].StopSequence
		})
	}

	return s, nil
}

// A Static with no data at all.
func EmptyStatic() *Static {
	return &Static{
		Metadata:     &storage.FeedMetadata{},
		stops:        map[string]*model.Stop{},
		routes:       map[string]*model.Route{},
		trips:        map[string]*model.Trip{},
		stopTimes:    map[string][]*model.StopTime{},
		shortTripIDs: map[string]string{},
	}
}

func (s *Static) Stop(stopID string) (*model.Stop, bool) {
	stop, found := s.stops[stopID]
	return stop, found
}

// All stops, ordered by ID.
func (s *Static) Stops() []*model.Stop {
	stops := make([]*model.Stop, 0, len(s.stopIDs))
	for _, id := range s.stopIDs {
		stops = append(stops, s.stops[id])
	}
	return stops
}

func (s *Static) Route(routeID string) (*model.Route, bool) {
	route, found := s.routes[routeID]
	return route, found
}

// All routes, ordered by ID.
func (s *Static) Routes() []*model.Route {
	routes := make([]*model.Route, 0, len(s.routeIDs))
	for _, id := range s.routeIDs {
		routes = append(routes, s.routes[id])
	}
	return routes
}

// Looks up a trip by its static ID, or by the short form used in
// NYCT realtime feeds (everything after the first underscore).
func (s *Static) Trip(tripID string) (*model.Trip, bool) {
	if trip, found := s.trips[tripID]; found {
		return trip, true
	}
	if id, found := s.shortTripIDs[tripID]; found {
		return s.trips[id], true
	}
	return nil, false
}

// Scheduled stop times for a trip, ordered by stop_sequence. The
// trip ID is resolved as in Trip().
func (s *Static) StopTimes(tripID string) []*model.StopTime {
	trip, found := s.Trip(tripID)
	if !found {
		return nil
	}
	return s.stopTimes[trip.ID]
}

// Returns stops ordered by distance from lat,lon.
//
// If limit is >0, at most limit stops are returned. Stops with a
// parent station are left out, as are entrances and other nodes
// inside stations.
func (s *Static) NearbyStops(lat float64, lon float64, limit int) []*model.Stop {
	type candidate struct {
		stop *model.Stop
		dist float64
	}

	candidates := []candidate{}
	for _, id := range s.stopIDs {
		stop := s.stops[id]
		if stop.ParentStation != "" {
			continue
		}
		if stop.LocationType != model.LocationTypeStop && stop.LocationType != model.LocationTypeStation {
			continue
		}
		candidates = append(candidates, candidate{stop, haversine(lat, lon, stop.Lat, stop.Lon)})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].dist < candidates[j].dist
	})

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	stops := make([]*model.Stop, 0, len(candidates))
	for _, c := range candidates {
		stops = append(stops, c.stop)
	}
	return stops
}

// Great circle distance in meters.
func haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadius = 6371000.0

	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)

	return 2 * earthRadius * math.Asin(math.Sqrt(a))
}

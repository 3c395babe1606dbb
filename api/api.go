package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	gtfs "github.com/Samcfuchs/mta-viz"
	"github.com/Samcfuchs/mta-viz/model"
)

const DefaultNearbyLimit = 20

type RequestMetrics interface {
	Request(route string, code int)
}

// Exposes the realtime queries over HTTP.
type Server struct {
	Realtime *gtfs.Realtime

	// Both optional.
	Metrics        RequestMetrics
	MetricsHandler http.Handler

	Logger  zerolog.Logger
	TimeNow func() time.Time
}

func NewServer(rt *gtfs.Realtime) *Server {
	return &Server{
		Realtime: rt,
		Logger:   log.Logger,
		TimeNow:  time.Now,
	}
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.HandleFunc("/realtime", s.getAll).Methods(http.MethodGet)
	r.HandleFunc("/realtime/{line}", s.getLine).Methods(http.MethodGet)
	r.HandleFunc("/trips/{trip_id}", s.getTrip).Methods(http.MethodGet)
	r.HandleFunc("/stops", s.getStops).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
	if s.MetricsHandler != nil {
		r.Handle("/metrics", s.MetricsHandler).Methods(http.MethodGet)
	}

	return r
}

// Creates an http.Server for addr.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:         addr,
		WriteTimeout: time.Second * 15,
		ReadTimeout:  time.Second * 15,
		IdleTimeout:  time.Second * 60,
		Handler:      s.Handler(),
	}
}

type eventJSON struct {
	Time  int64 `json:"time,omitempty"`
	Delay int64 `json:"delay"`
}

type stopJSON struct {
	StopID               string     `json:"stop_id"`
	StopSequence         uint32     `json:"stop_sequence,omitempty"`
	Name                 string     `json:"name,omitempty"`
	Lat                  float64    `json:"lat,omitempty"`
	Lon                  float64    `json:"lon,omitempty"`
	Arrival              *eventJSON `json:"arrival,omitempty"`
	Departure            *eventJSON `json:"departure,omitempty"`
	ScheduledArrival     string     `json:"scheduled_arrival,omitempty"`
	ScheduledDeparture   string     `json:"scheduled_departure,omitempty"`
	ScheduleRelationship string     `json:"schedule_relationship,omitempty"`
}

type tripJSON struct {
	TripID               string     `json:"trip_id"`
	State                string     `json:"state"`
	RouteID              string     `json:"route_id,omitempty"`
	RouteName            string     `json:"route_name,omitempty"`
	RouteColor           string     `json:"route_color,omitempty"`
	Headsign             string     `json:"headsign,omitempty"`
	DirectionID          *int8      `json:"direction_id,omitempty"`
	LineGroup            string     `json:"line,omitempty"`
	VehicleID            string     `json:"vehicle_id,omitempty"`
	ScheduleRelationship string     `json:"schedule_relationship,omitempty"`
	ObservedAt           int64      `json:"observed_at,omitempty"`
	Sequence             uint64     `json:"sequence,omitempty"`
	Stops                []stopJSON `json:"stops"`
}

type tripsJSON struct {
	Timestamp int64      `json:"timestamp"`
	Line      string     `json:"line,omitempty"`
	Trips     []tripJSON `json:"trips"`
}

type errorJSON struct {
	Error string `json:"error"`
}

func toEventJSON(e *model.StopTimeEvent) *eventJSON {
	if e == nil {
		return nil
	}
	j := &eventJSON{Delay: int64(e.Delay / time.Second)}
	if !e.Time.IsZero() {
		j.Time = e.Time.Unix()
	}
	return j
}

// HHMMSS to HH:MM:SS
func clock(hhmmss string) string {
	if len(hhmmss) != 6 {
		return ""
	}
	return hhmmss[0:2] + ":" + hhmmss[2:4] + ":" + hhmmss[4:6]
}

func toTripJSON(result gtfs.TripResult) tripJSON {
	j := tripJSON{
		TripID: result.TripID,
		State:  result.State.String(),
		Stops:  make([]stopJSON, 0, len(result.Stops)),
	}

	if result.Trip != nil {
		j.RouteID = result.Trip.RouteID
		j.Headsign = result.Trip.Headsign
		direction := result.Trip.DirectionID
		j.DirectionID = &direction
	}
	if result.Route != nil {
		j.RouteID = result.Route.ID
		j.RouteName = result.Route.ShortName()
		j.RouteColor = result.Route.Color()
	}
	if u := result.Update; u != nil {
		if j.RouteID == "" {
			j.RouteID = u.RouteID
		}
		j.LineGroup = u.LineGroup
		j.VehicleID = u.VehicleID
		j.ScheduleRelationship = u.ScheduleRelationship.String()
		j.ObservedAt = u.ObservedAt.Unix()
		j.Sequence = u.SourceSequence
	}

	for _, s := range result.Stops {
		sj := stopJSON{
			StopID:       s.StopID,
			StopSequence: s.StopSequence,
			Arrival:      toEventJSON(s.Arrival),
			Departure:    toEventJSON(s.Departure),
		}
		if s.Stop != nil {
			sj.Name = s.Stop.Name
			sj.Lat = s.Stop.Lat
			sj.Lon = s.Stop.Lon
		}
		if s.Scheduled != nil {
			sj.ScheduledArrival = clock(s.Scheduled.Arrival)
			sj.ScheduledDeparture = clock(s.Scheduled.Departure)
		}
		if result.State == gtfs.TripRealtime {
			sj.ScheduleRelationship = s.ScheduleRelationship.String()
		}
		j.Stops = append(j.Stops, sj)
	}

	return j
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	err := json.NewEncoder(w).Encode(v)
	if err != nil {
		s.Logger.Error().Err(err).Msg("writing response")
	}
}

func (s *Server) trips(line string, results []gtfs.TripResult) tripsJSON {
	j := tripsJSON{
		Timestamp: s.TimeNow().Unix(),
		Line:      line,
		Trips:     make([]tripJSON, 0, len(results)),
	}
	for _, r := range results {
		j.Trips = append(j.Trips, toTripJSON(r))
	}
	return j
}

func (s *Server) getAll(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.trips("", s.Realtime.GetAll()))
}

func (s *Server) getLine(w http.ResponseWriter, r *http.Request) {
	line := mux.Vars(r)["line"]

	results, err := s.Realtime.GetLine(line)
	if errors.Is(err, gtfs.ErrUnknownLineGroup) {
		s.writeJSON(w, http.StatusNotFound, errorJSON{err.Error()})
		return
	}
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, errorJSON{err.Error()})
		return
	}

	s.writeJSON(w, http.StatusOK, s.trips(line, results))
}

func (s *Server) getTrip(w http.ResponseWriter, r *http.Request) {
	result, err := s.Realtime.GetTrip(mux.Vars(r)["trip_id"])
	if errors.Is(err, gtfs.ErrInvalidTripID) {
		s.writeJSON(w, http.StatusBadRequest, errorJSON{err.Error()})
		return
	}
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, errorJSON{err.Error()})
		return
	}

	status := http.StatusOK
	if result.State == gtfs.TripNotFound || result.State == gtfs.TripStale {
		status = http.StatusNotFound
	}
	s.writeJSON(w, status, toTripJSON(result))
}

type stopListJSON struct {
	Stops []stopJSON `json:"stops"`
}

// All stops, or the ones closest to lat/lon when given.
func (s *Server) getStops(w http.ResponseWriter, r *http.Request) {
	static := s.Realtime.Static()
	q := r.URL.Query()

	var stops []*model.Stop
	if q.Get("lat") != "" || q.Get("lon") != "" {
		lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
		lon, errLon := strconv.ParseFloat(q.Get("lon"), 64)
		if errLat != nil || errLon != nil || lat < -90 || lat > 90 || lon < -180 || lon > 180 {
			s.writeJSON(w, http.StatusBadRequest, errorJSON{"lat and lon must be valid coordinates"})
			return
		}

		limit := DefaultNearbyLimit
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				s.writeJSON(w, http.StatusBadRequest, errorJSON{"limit must be a non-negative integer"})
				return
			}
			limit = n
		}

		stops = static.NearbyStops(lat, lon, limit)
	} else {
		stops = static.Stops()
	}

	j := stopListJSON{Stops: make([]stopJSON, 0, len(stops))}
	for _, stop := range stops {
		j.Stops = append(j.Stops, stopJSON{
			StopID: stop.ID,
			Name:   stop.Name,
			Lat:    stop.Lat,
			Lon:    stop.Lon,
		})
	}
	s.writeJSON(w, http.StatusOK, j)
}

type lineHealthJSON struct {
	ID           string `json:"id"`
	LastSequence uint64 `json:"last_sequence"`
	LastApplied  int64  `json:"last_applied,omitempty"`
	Trips        int    `json:"trips"`
}

type healthJSON struct {
	Status string           `json:"status"`
	Lines  []lineHealthJSON `json:"lines"`
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	j := healthJSON{Status: "ok", Lines: []lineHealthJSON{}}
	for _, line := range s.Realtime.Lines() {
		lj := lineHealthJSON{ID: line.ID}
		status, found, err := s.Realtime.LineStatus(line.ID)
		if err == nil && found {
			lj.LastSequence = status.LastSequence
			lj.LastApplied = status.LastApplied.Unix()
			lj.Trips = status.Records
		}
		j.Lines = append(j.Lines, lj)
	}
	s.writeJSON(w, http.StatusOK, j)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}

		var ev *zerolog.Event
		switch {
		case rec.status >= 500:
			ev = s.Logger.Error()
		case rec.status >= 400:
			ev = s.Logger.Warn()
		default:
			ev = s.Logger.Info()
		}
		ev.Int("status", rec.status).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("latency", time.Since(start)).
			Msg("request")

		if s.Metrics != nil {
			s.Metrics.Request(route, rec.status)
		}
	})
}

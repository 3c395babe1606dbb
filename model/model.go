package model

import (
	"strconv"
	"strings"
	"time"
)

// Holds all external facing types and constants.

type LocationType int

const (
	LocationTypeStop LocationType = iota
	LocationTypeStation
	LocationTypeEntranceExit
	LocationTypeGenericNode
	LocationTypeBoardingArea
)

type Stop struct {
	ID            string
	Name          string
	Lat           float64
	Lon           float64
	ZoneID        string
	LocationType  LocationType
	ParentStation string
}

// A route as published in routes.txt. Fields holds every column of
// the row, including route_id.
type Route struct {
	ID     string
	Fields map[string]string
}

func (r *Route) ShortName() string { return r.Fields["route_short_name"] }
func (r *Route) LongName() string  { return r.Fields["route_long_name"] }
func (r *Route) Color() string     { return r.Fields["route_color"] }

type Trip struct {
	ID          string
	RouteID     string
	ServiceID   string
	Headsign    string
	DirectionID int8
	ShapeID     string
}

// The part of a trip ID following its first underscore. NYCT
// realtime feeds identify trips by this suffix of the static
// trip_id.
func ShortTripID(tripID string) string {
	_, short, found := strings.Cut(tripID, "_")
	if !found {
		return ""
	}
	return short
}

type StopTime struct {
	TripID       string
	StopID       string
	StopSequence uint32
	Arrival      string
	Departure    string
}

func (st *StopTime) ArrivalTime() time.Duration {
	return hhmmss(st.Arrival)
}

func (st *StopTime) DepartureTime() time.Duration {
	return hhmmss(st.Departure)
}

func hhmmss(s string) time.Duration {
	if len(s) != 6 {
		return 0
	}
	h, _ := strconv.Atoi(s[0:2])
	m, _ := strconv.Atoi(s[2:4])
	sec, _ := strconv.Atoi(s[4:6])
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(sec)*time.Second
}

// A set of routes sharing one upstream realtime feed.
type LineGroup struct {
	ID      string
	FeedURL string
}

type ScheduleRelationship int

const (
	ScheduleRelationshipScheduled ScheduleRelationship = iota
	ScheduleRelationshipSkipped
	ScheduleRelationshipNoData
	ScheduleRelationshipUnscheduled
)

func (s ScheduleRelationship) String() string {
	switch s {
	case ScheduleRelationshipScheduled:
		return "SCHEDULED"
	case ScheduleRelationshipSkipped:
		return "SKIPPED"
	case ScheduleRelationshipNoData:
		return "NO_DATA"
	case ScheduleRelationshipUnscheduled:
		return "UNSCHEDULED"
	}
	return "UNKNOWN"
}

type TripScheduleRelationship int

const (
	TripScheduled TripScheduleRelationship = iota
	TripAdded
	TripUnscheduled
	TripCanceled
	TripDuplicated
)

func (s TripScheduleRelationship) String() string {
	switch s {
	case TripScheduled:
		return "SCHEDULED"
	case TripAdded:
		return "ADDED"
	case TripUnscheduled:
		return "UNSCHEDULED"
	case TripCanceled:
		return "CANCELED"
	case TripDuplicated:
		return "DUPLICATED"
	}
	return "UNKNOWN"
}

// A realtime arrival or departure estimate. Time is zero when the
// feed only provided a delay.
type StopTimeEvent struct {
	Time  time.Time
	Delay time.Duration
}

// A realtime estimate for one stop along a trip. A nil Arrival or
// Departure means the estimate is unknown.
type StopTimeUpdate struct {
	StopID               string
	StopSequence         uint32
	HasStopSequence      bool
	Arrival              *StopTimeEvent
	Departure            *StopTimeEvent
	ScheduleRelationship ScheduleRelationship
}

// The most recently observed state of one trip.
type TripUpdate struct {
	TripID               string
	RouteID              string
	StartDate            string
	StartTime            string
	VehicleID            string
	ScheduleRelationship TripScheduleRelationship
	StopTimeUpdates      []StopTimeUpdate

	LineGroup      string
	ObservedAt     time.Time
	SourceSequence uint64
}

// Returns a deep copy of the update.
func (u *TripUpdate) Clone() *TripUpdate {
	c := *u
	c.StopTimeUpdates = make([]StopTimeUpdate, len(u.StopTimeUpdates))
	for i, stu := range u.StopTimeUpdates {
		if stu.Arrival != nil {
			a := *stu.Arrival
			stu.Arrival = &a
		}
		if stu.Departure != nil {
			d := *stu.Departure
			stu.Departure = &d
		}
		c.StopTimeUpdates[i] = stu
	}
	return &c
}

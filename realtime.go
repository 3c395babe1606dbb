package gtfs

import (
	"errors"
	"fmt"
	"sort"
	"unicode"
	"unicode/utf8"

	"github.com/Samcfuchs/mta-viz/model"
)

const MaxTripIDLength = 256

var (
	ErrInvalidTripID    = errors.New("invalid trip id")
	ErrUnknownLineGroup = errors.New("unknown line group")
)

type TripState int

const (
	// Never observed, or forgotten since, and not in the schedule.
	TripNotFound TripState = iota

	// Fresh realtime data is available.
	TripRealtime

	// Scheduled, but no realtime data has been seen recently.
	TripScheduleOnly

	// Realtime data was seen, but is older than the staleness
	// threshold.
	TripStale
)

func (s TripState) String() string {
	switch s {
	case TripNotFound:
		return "not_found"
	case TripRealtime:
		return "realtime"
	case TripScheduleOnly:
		return "schedule_only"
	case TripStale:
		return "stale"
	}
	return "unknown"
}

// One stop along a trip. For realtime results there's one StopView
// per stop time update. For schedule-only results there's one per
// scheduled stop time, with no estimates.
type StopView struct {
	StopID       string
	StopSequence uint32

	// Nil if the stop isn't in the static schedule.
	Stop *model.Stop

	// Nil if the trip has no scheduled time at this stop.
	Scheduled *model.StopTime

	Arrival              *model.StopTimeEvent
	Departure            *model.StopTimeEvent
	ScheduleRelationship model.ScheduleRelationship
}

type TripResult struct {
	TripID string
	State  TripState

	// Static records, nil when unknown.
	Trip  *model.Trip
	Route *model.Route

	// Set for TripRealtime only. Must not be modified.
	Update *model.TripUpdate

	Stops []StopView
}

// Realtime answers queries by joining the store's current trip
// updates against the static schedule. It holds no state of its
// own and never triggers a fetch.
type Realtime struct {
	static  *Static
	store   *Store
	lines   map[string]model.LineGroup
	lineIDs []string
}

func NewRealtime(static *Static, store *Store, lines []model.LineGroup) *Realtime {
	if static == nil {
		static = EmptyStatic()
	}

	rt := &Realtime{
		static: static,
		store:  store,
		lines:  map[string]model.LineGroup{},
	}
	for _, line := range lines {
		if _, found := rt.lines[line.ID]; found {
			continue
		}
		rt.lines[line.ID] = line
		rt.lineIDs = append(rt.lineIDs, line.ID)
	}
	sort.Strings(rt.lineIDs)

	return rt
}

func (rt *Realtime) Static() *Static {
	return rt.static
}

// Configured line groups, ordered by ID.
func (rt *Realtime) Lines() []model.LineGroup {
	lines := make([]model.LineGroup, 0, len(rt.lineIDs))
	for _, id := range rt.lineIDs {
		lines = append(lines, rt.lines[id])
	}
	return lines
}

// Most recent submission from a configured line group. Found is
// false until the line's first successful poll.
func (rt *Realtime) LineStatus(lineID string) (status LineStatus, found bool, err error) {
	if _, known := rt.lines[lineID]; !known {
		return LineStatus{}, false, fmt.Errorf("%w: %q", ErrUnknownLineGroup, lineID)
	}
	status, found = rt.store.LineStatus(lineID)
	return status, found, nil
}

func validateTripID(tripID string) error {
	if tripID == "" {
		return fmt.Errorf("%w: empty", ErrInvalidTripID)
	}
	if len(tripID) > MaxTripIDLength {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidTripID, MaxTripIDLength)
	}
	if !utf8.ValidString(tripID) {
		return fmt.Errorf("%w: not utf-8", ErrInvalidTripID)
	}
	for _, r := range tripID {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("%w: contains %q", ErrInvalidTripID, r)
		}
	}
	return nil
}

// Looks up a single trip. Only a malformed trip ID is an error. The
// result's State tells apart fresh data, stale data, a trip known
// only from the schedule and one never heard of.
func (rt *Realtime) GetTrip(tripID string) (TripResult, error) {
	err := validateTripID(tripID)
	if err != nil {
		return TripResult{}, err
	}

	update, seen := rt.store.Get(tripID)
	if update != nil {
		return rt.join(update), nil
	}

	result := TripResult{TripID: tripID, State: TripNotFound}
	switch {
	case seen:
		result.State = TripStale
	case rt.hasSchedule(tripID):
		result.State = TripScheduleOnly
	default:
		return result, nil
	}

	if trip, found := rt.static.Trip(tripID); found {
		result.Trip = trip
		result.Route, _ = rt.static.Route(trip.RouteID)
		result.Stops = rt.scheduledStops(trip.ID)
	}

	return result, nil
}

func (rt *Realtime) hasSchedule(tripID string) bool {
	_, found := rt.static.Trip(tripID)
	return found
}

// Current trips of a line group, ordered by trip ID. An empty
// result means no recent updates, not a failure.
func (rt *Realtime) GetLine(lineID string) ([]TripResult, error) {
	if _, found := rt.lines[lineID]; !found {
		return nil, fmt.Errorf("%w: %q", ErrUnknownLineGroup, lineID)
	}
	return rt.joinAll(rt.store.Line(lineID)), nil
}

// Current trips of all line groups, ordered by trip ID.
func (rt *Realtime) GetAll() []TripResult {
	return rt.joinAll(rt.store.Snapshot())
}

func (rt *Realtime) joinAll(updates []*model.TripUpdate) []TripResult {
	results := make([]TripResult, 0, len(updates))
	for _, update := range updates {
		results = append(results, rt.join(update))
	}
	return results
}

func (rt *Realtime) join(update *model.TripUpdate) TripResult {
	result := TripResult{
		TripID: update.TripID,
		State:  TripRealtime,
		Update: update,
		Stops:  make([]StopView, 0, len(update.StopTimeUpdates)),
	}

	var scheduled []*model.StopTime
	routeID := update.RouteID
	if trip, found := rt.static.Trip(update.TripID); found {
		result.Trip = trip
		scheduled = rt.static.StopTimes(trip.ID)
		if routeID == "" {
			routeID = trip.RouteID
		}
	}
	result.Route, _ = rt.static.Route(routeID)

	bySeq := map[uint32]*model.StopTime{}
	byStop := map[string]*model.StopTime{}
	for _, st := range scheduled {
		bySeq[st.StopSequence] = st
		if _, found := byStop[st.StopID]; !found {
			byStop[st.StopID] = st
		}
	}

	for _, stu := range update.StopTimeUpdates {
		view := StopView{
			StopID:               stu.StopID,
			StopSequence:         stu.StopSequence,
			Arrival:              stu.Arrival,
			Departure:            stu.Departure,
			ScheduleRelationship: stu.ScheduleRelationship,
		}

		if stu.HasStopSequence {
			view.Scheduled = bySeq[stu.StopSequence]
		} else {
			view.Scheduled = byStop[stu.StopID]
		}
		if view.Scheduled != nil {
			if view.StopID == "" {
				view.StopID = view.Scheduled.StopID
			}
			if !stu.HasStopSequence {
				view.StopSequence = view.Scheduled.StopSequence
			}
		}

		view.Stop, _ = rt.static.Stop(view.StopID)
		result.Stops = append(result.Stops, view)
	}

	return result
}

func (rt *Realtime) scheduledStops(tripID string) []StopView {
	stopTimes := rt.static.StopTimes(tripID)
	views := make([]StopView, 0, len(stopTimes))
	for _, st := range stopTimes {
		view := StopView{
			StopID:       st.StopID,
			StopSequence: st.StopSequence,
			Scheduled:    st,
		}
		view.Stop, _ = rt.static.Stop(st.StopID)
		views = append(views, view)
	}
	return views
}

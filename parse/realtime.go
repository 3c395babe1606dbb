package parse

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	gtfsproto "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/encoding/protowire"
	proto "google.golang.org/protobuf/proto"

	"github.com/Samcfuchs/mta-viz/model"
)

var (
	ErrMalformed          = errors.New("malformed feed message")
	ErrTruncated          = errors.New("truncated feed message")
	ErrUnsupportedVersion = errors.New("unsupported feed version")
)

// Returned by DecodeFeed when the message as a whole can't be
// used. Kind is one of ErrMalformed, ErrTruncated or
// ErrUnsupportedVersion.
type DecodeError struct {
	Kind error
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Err)
}

func (e *DecodeError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// A decoded GTFS-rt message.
type Feed struct {
	// Header timestamp, as reported by the producer.
	Timestamp time.Time

	// One record per trip, in order of first appearance.
	Updates []*model.TripUpdate

	// Number of trip update entities dropped as malformed.
	Skipped int

	// Number of entities carrying no trip update.
	Ignored int
}

// Decodes a single GTFS-rt FeedMessage into normalized trip
// updates, all stamped with observedAt.
//
// Individual malformed entities are skipped and counted. Only a
// broken message as a whole yields an error, always a *DecodeError.
func DecodeFeed(buf []byte, observedAt time.Time) (*Feed, error) {
	if len(buf) == 0 {
		return nil, &DecodeError{Kind: ErrTruncated, Err: fmt.Errorf("empty payload")}
	}

	// Required fields are checked below, per entity, so that one
	// incomplete entity doesn't take the whole message down.
	f := &gtfsproto.FeedMessage{}
	err := proto.UnmarshalOptions{AllowPartial: true}.Unmarshal(buf, f)
	if err != nil {
		kind := ErrMalformed
		if truncated(buf) {
			kind = ErrTruncated
		}
		return nil, &DecodeError{Kind: kind, Err: fmt.Errorf("unmarshaling protobuf: %w", err)}
	}

	header := f.GetHeader()
	if header == nil {
		return nil, &DecodeError{Kind: ErrMalformed, Err: fmt.Errorf("missing header")}
	}

	version := header.GetGtfsRealtimeVersion()
	if version != "2.0" && version != "1.0" {
		return nil, &DecodeError{Kind: ErrUnsupportedVersion, Err: fmt.Errorf("version %q", version)}
	}

	if header.GetIncrementality() != gtfsproto.FeedHeader_FULL_DATASET {
		return nil, &DecodeError{
			Kind: ErrUnsupportedVersion,
			Err:  fmt.Errorf("incrementality %s", header.GetIncrementality()),
		}
	}

	feed := &Feed{
		Updates: []*model.TripUpdate{},
	}
	if ts := header.GetTimestamp(); ts != 0 {
		feed.Timestamp = time.Unix(int64(ts), 0).UTC()
	}

	byTrip := map[string]*model.TripUpdate{}
	for _, entity := range f.GetEntity() {
		if entity.TripUpdate == nil || entity.GetIsDeleted() {
			feed.Ignored++
			continue
		}

		update, err := decodeTripUpdate(entity.TripUpdate)
		if err != nil {
			feed.Skipped++
			continue
		}
		update.ObservedAt = observedAt

		// The same trip can show up in several entities. Fold
		// them into one record, later entities winning.
		if prev, found := byTrip[update.TripID]; found {
			mergeTripUpdate(prev, update)
			continue
		}
		byTrip[update.TripID] = update
		feed.Updates = append(feed.Updates, update)
	}

	for _, update := range feed.Updates {
		orderStopTimeUpdates(update.StopTimeUpdates)
	}

	return feed, nil
}

// Reports whether the top level fields of buf run past its end. A
// message cut short anywhere leaves the enclosing top level field
// incomplete.
func truncated(buf []byte) bool {
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return errors.Is(protowire.ParseError(n), io.ErrUnexpectedEOF)
		}
		buf = buf[n:]

		n = protowire.ConsumeFieldValue(num, typ, buf)
		if n < 0 {
			return errors.Is(protowire.ParseError(n), io.ErrUnexpectedEOF)
		}
		buf = buf[n:]
	}
	return false
}

func decodeTripUpdate(tu *gtfsproto.TripUpdate) (*model.TripUpdate, error) {
	trip := tu.GetTrip()
	if trip == nil {
		return nil, fmt.Errorf("trip_update missing trip")
	}

	// Blank trip IDs are legal for frequency based trips, but
	// there's nothing to key them on.
	if trip.GetTripId() == "" {
		return nil, fmt.Errorf("trip_update missing trip_id")
	}

	update := &model.TripUpdate{
		TripID:          trip.GetTripId(),
		RouteID:         trip.GetRouteId(),
		StartDate:       trip.GetStartDate(),
		StartTime:       trip.GetStartTime(),
		VehicleID:       tu.GetVehicle().GetId(),
		StopTimeUpdates: make([]model.StopTimeUpdate, 0, len(tu.GetStopTimeUpdate())),
	}

	switch sr := trip.GetScheduleRelationship(); sr {
	case gtfsproto.TripDescriptor_SCHEDULED:
		update.ScheduleRelationship = model.TripScheduled
	case gtfsproto.TripDescriptor_ADDED:
		update.ScheduleRelationship = model.TripAdded
	case gtfsproto.TripDescriptor_UNSCHEDULED:
		update.ScheduleRelationship = model.TripUnscheduled
	case gtfsproto.TripDescriptor_CANCELED:
		update.ScheduleRelationship = model.TripCanceled
	case gtfsproto.TripDescriptor_DUPLICATED:
		update.ScheduleRelationship = model.TripDuplicated
	default:
		return nil, fmt.Errorf("trip %s: unknown schedule_relationship %d", trip.GetTripId(), sr)
	}

	for _, stu := range tu.GetStopTimeUpdate() {
		decoded, err := decodeStopTimeUpdate(stu)
		if err != nil {
			return nil, fmt.Errorf("trip %s: %w", trip.GetTripId(), err)
		}
		update.StopTimeUpdates = append(update.StopTimeUpdates, decoded)
	}

	return update, nil
}

func decodeStopTimeUpdate(stu *gtfsproto.TripUpdate_StopTimeUpdate) (model.StopTimeUpdate, error) {
	update := model.StopTimeUpdate{
		StopID:          stu.GetStopId(),
		StopSequence:    stu.GetStopSequence(),
		HasStopSequence: stu.StopSequence != nil,
	}

	if update.StopID == "" && !update.HasStopSequence {
		return update, fmt.Errorf("stop_time_update missing stop_id and stop_sequence")
	}

	var err error
	update.Arrival, err = decodeStopTimeEvent(stu.GetArrival())
	if err != nil {
		return update, fmt.Errorf("arrival: %w", err)
	}
	update.Departure, err = decodeStopTimeEvent(stu.GetDeparture())
	if err != nil {
		return update, fmt.Errorf("departure: %w", err)
	}

	switch sr := stu.GetScheduleRelationship(); sr {
	case gtfsproto.TripUpdate_StopTimeUpdate_SCHEDULED:
		update.ScheduleRelationship = model.ScheduleRelationshipScheduled
	case gtfsproto.TripUpdate_StopTimeUpdate_SKIPPED:
		update.ScheduleRelationship = model.ScheduleRelationshipSkipped
	case gtfsproto.TripUpdate_StopTimeUpdate_NO_DATA:
		update.ScheduleRelationship = model.ScheduleRelationshipNoData
	case gtfsproto.TripUpdate_StopTimeUpdate_UNSCHEDULED:
		update.ScheduleRelationship = model.ScheduleRelationshipUnscheduled
	default:
		return update, fmt.Errorf("unknown schedule_relationship %d", sr)
	}

	return update, nil
}

// Absent events are unknown (nil), never zero.
func decodeStopTimeEvent(ev *gtfsproto.TripUpdate_StopTimeEvent) (*model.StopTimeEvent, error) {
	if ev == nil {
		return nil, nil
	}
	if ev.Time == nil && ev.Delay == nil {
		return nil, fmt.Errorf("event has neither time nor delay")
	}

	event := &model.StopTimeEvent{
		Delay: time.Duration(ev.GetDelay()) * time.Second,
	}
	if ev.Time != nil {
		event.Time = time.Unix(ev.GetTime(), 0).UTC()
	}
	return event, nil
}

type stopKey struct {
	seq    uint32
	hasSeq bool
	stopID string
}

func keyOf(stu model.StopTimeUpdate) stopKey {
	if stu.HasStopSequence {
		return stopKey{seq: stu.StopSequence, hasSeq: true}
	}
	return stopKey{stopID: stu.StopID}
}

// Folds next into prev. Stop time updates for the same stop are
// replaced, new ones appended.
func mergeTripUpdate(prev *model.TripUpdate, next *model.TripUpdate) {
	idx := map[stopKey]int{}
	for i, stu := range prev.StopTimeUpdates {
		idx[keyOf(stu)] = i
	}
	for _, stu := range next.StopTimeUpdates {
		if i, found := idx[keyOf(stu)]; found {
			prev.StopTimeUpdates[i] = stu
			continue
		}
		idx[keyOf(stu)] = len(prev.StopTimeUpdates)
		prev.StopTimeUpdates = append(prev.StopTimeUpdates, stu)
	}

	prev.ScheduleRelationship = next.ScheduleRelationship
	if next.RouteID != "" {
		prev.RouteID = next.RouteID
	}
	if next.VehicleID != "" {
		prev.VehicleID = next.VehicleID
	}
	if next.StartDate != "" {
		prev.StartDate = next.StartDate
	}
	if next.StartTime != "" {
		prev.StartTime = next.StartTime
	}
}

// GTFS-rt requires updates sorted by stop_sequence, but not all
// producers comply. Only reorder when every update has one.
func orderStopTimeUpdates(updates []model.StopTimeUpdate) {
	for _, u := range updates {
		if !u.HasStopSequence {
			return
		}
	}
	sort.SliceStable(updates, func(i, j int) bool {
		return updates[i].StopSequence < updates[j].StopSequence
	})
}

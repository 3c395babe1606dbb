package gtfs

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Samcfuchs/mta-viz/model"
)

const DefaultStalenessThreshold = 5 * time.Minute

var ErrInconsistentBatch = errors.New("inconsistent batch")

const (
	ViolationTie        = "tie"
	ViolationRegression = "regression"
)

// Receives store events. All methods must be safe for concurrent
// use.
type StoreMetrics interface {
	ConsistencyViolation(line string, kind string)
	Evicted(n int)
	Trips(n int)
}

// Outcome of a single Apply.
type ApplyResult struct {
	Inserted int

	// Replaced a record from the same line group.
	Replaced int

	// Took over a trip previously held by another line group.
	Migrated int

	// Records dropped for not having a higher sequence than the
	// one already stored.
	Ties        int
	Regressions int
}

func (r ApplyResult) Applied() int {
	return r.Inserted + r.Replaced + r.Migrated
}

func (r ApplyResult) Dropped() int {
	return r.Ties + r.Regressions
}

// Most recent submission from a line group.
type LineStatus struct {
	LastSequence uint64
	LastApplied  time.Time
	Records      int
}

// Holds the current best known state of every trip.
//
// Stored records are immutable. Apply swaps in new pointers, so a
// reader holding a record never sees it change. Records returned by
// the store must not be modified.
type Store struct {
	Metrics StoreMetrics
	Logger  zerolog.Logger
	TimeNow func() time.Time

	threshold time.Duration

	mutex sync.RWMutex
	trips map[string]*model.TripUpdate

	// Observation times of trip IDs removed by EvictStale. A trip
	// is remembered until two thresholds past its last observation,
	// whether or not it has been swept, so lookups can tell "stale"
	// from "never seen".
	tombstones map[string]time.Time

	lines map[string]LineStatus
}

// Creates a store treating records older than threshold as
// absent. A non-positive threshold selects the default.
func NewStore(threshold time.Duration) *Store {
	if threshold <= 0 {
		threshold = DefaultStalenessThreshold
	}
	return &Store{
		Logger:     log.Logger,
		TimeNow:    time.Now,
		threshold:  threshold,
		trips:      map[string]*model.TripUpdate{},
		tombstones: map[string]time.Time{},
		lines:      map[string]LineStatus{},
	}
}

func (s *Store) Threshold() time.Duration {
	return s.threshold
}

func (s *Store) stale(u *model.TripUpdate, now time.Time) bool {
	return now.Sub(u.ObservedAt) > s.threshold
}

func (s *Store) remembered(observedAt time.Time, now time.Time) bool {
	return now.Sub(observedAt) <= 2*s.threshold
}

// Merges a batch of records decoded from one submission of line.
//
// A record replaces the stored one for its trip if there is none,
// if the stored one came from another line group, or if seq is
// strictly greater than the stored sequence. Anything else is
// dropped and reported as a consistency violation.
//
// If the batch itself is inconsistent, nothing is applied and
// ErrInconsistentBatch is returned.
func (s *Store) Apply(records []*model.TripUpdate, line string, seq uint64) (ApplyResult, error) {
	result := ApplyResult{}

	if line == "" {
		return result, fmt.Errorf("%w: no line group", ErrInconsistentBatch)
	}
	if seq == 0 {
		return result, fmt.Errorf("%w: sequence 0 from %s", ErrInconsistentBatch, line)
	}

	// Validate and stamp copies before taking the lock.
	batch := make([]*model.TripUpdate, 0, len(records))
	seen := make(map[string]bool, len(records))
	for _, r := range records {
		if r == nil || r.TripID == "" {
			return result, fmt.Errorf("%w: record without trip_id", ErrInconsistentBatch)
		}
		if r.LineGroup != "" && r.LineGroup != line {
			return result, fmt.Errorf("%w: trip %s claims line %s, batch is from %s", ErrInconsistentBatch, r.TripID, r.LineGroup, line)
		}
		if seen[r.TripID] {
			return result, fmt.Errorf("%w: trip %s repeated", ErrInconsistentBatch, r.TripID)
		}
		seen[r.TripID] = true

		c := r.Clone()
		c.LineGroup = line
		c.SourceSequence = seq
		batch = append(batch, c)
	}

	now := s.TimeNow()
	violations := map[string]string{}

	s.mutex.Lock()
	for _, r := range batch {
		prev, found := s.trips[r.TripID]
		switch {
		case !found:
			result.Inserted++
		case prev.LineGroup != line:
			result.Migrated++
		case seq > prev.SourceSequence:
			result.Replaced++
		case seq == prev.SourceSequence:
			result.Ties++
			violations[r.TripID] = ViolationTie
			continue
		default:
			result.Regressions++
			violations[r.TripID] = ViolationRegression
			continue
		}
		s.trips[r.TripID] = r
		delete(s.tombstones, r.TripID)
	}

	status := s.lines[line]
	if seq > status.LastSequence {
		status.LastSequence = seq
	}
	status.LastApplied = now
	status.Records = len(batch)
	s.lines[line] = status

	count := len(s.trips)
	s.mutex.Unlock()

	for tripID, kind := range violations {
		s.Logger.Warn().
			Str("line", line).
			Str("trip_id", tripID).
			Uint64("sequence", seq).
			Str("kind", kind).
			Msg("dropping out of order trip update")
		if s.Metrics != nil {
			s.Metrics.ConsistencyViolation(line, kind)
		}
	}
	if s.Metrics != nil {
		s.Metrics.Trips(count)
	}

	return result, nil
}

// Returns all non-stale records, ordered by trip ID.
func (s *Store) Snapshot() []*model.TripUpdate {
	return s.collect(func(*model.TripUpdate) bool { return true })
}

// Returns the non-stale records of a line group, ordered by trip ID.
func (s *Store) Line(line string) []*model.TripUpdate {
	return s.collect(func(u *model.TripUpdate) bool { return u.LineGroup == line })
}

func (s *Store) collect(include func(*model.TripUpdate) bool) []*model.TripUpdate {
	now := s.TimeNow()

	s.mutex.RLock()
	updates := make([]*model.TripUpdate, 0, len(s.trips))
	for _, u := range s.trips {
		if include(u) && !s.stale(u, now) {
			updates = append(updates, u)
		}
	}
	s.mutex.RUnlock()

	sort.Slice(updates, func(i, j int) bool {
		return updates[i].TripID < updates[j].TripID
	})
	return updates
}

// Returns the current record for a trip. If there is none, seen
// reports whether the trip was observed recently enough to be
// remembered.
func (s *Store) Get(tripID string) (update *model.TripUpdate, seen bool) {
	now := s.TimeNow()

	s.mutex.RLock()
	defer s.mutex.RUnlock()

	u, found := s.trips[tripID]
	if found {
		if !s.stale(u, now) {
			return u, true
		}
		return nil, s.remembered(u.ObservedAt, now)
	}

	observedAt, found := s.tombstones[tripID]
	return nil, found && s.remembered(observedAt, now)
}

// Removes records observed more than threshold before now. Returns
// the number of records removed.
func (s *Store) EvictStale(now time.Time, threshold time.Duration) int {
	s.mutex.Lock()
	evicted := 0
	for tripID, u := range s.trips {
		if now.Sub(u.ObservedAt) > threshold {
			delete(s.trips, tripID)
			s.tombstones[tripID] = u.ObservedAt
			evicted++
		}
	}
	for tripID, observedAt := range s.tombstones {
		if !s.remembered(observedAt, now) {
			delete(s.tombstones, tripID)
		}
	}
	count := len(s.trips)
	s.mutex.Unlock()

	if evicted > 0 {
		s.Logger.Debug().Int("evicted", evicted).Int("remaining", count).Msg("evicted stale trips")
	}
	if s.Metrics != nil {
		s.Metrics.Evicted(evicted)
		s.Metrics.Trips(count)
	}

	return evicted
}

func (s *Store) LineStatus(line string) (LineStatus, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	status, found := s.lines[line]
	return status, found
}

// Number of records held, stale or not.
func (s *Store) Len() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return len(s.trips)
}

package gtfs

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Samcfuchs/mta-viz/model"
)

type storeMetricsRecorder struct {
	mutex      sync.Mutex
	violations map[string]int
	evicted    int
	trips      int
}

func (r *storeMetricsRecorder) ConsistencyViolation(line string, kind string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.violations[line+"/"+kind]++
}

func (r *storeMetricsRecorder) Evicted(n int) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.evicted += n
}

func (r *storeMetricsRecorder) Trips(n int) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.trips = n
}

var t0 = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

type fakeClock struct {
	mutex sync.Mutex
	now   time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.now = t
}

func storeFixture(threshold time.Duration) (*Store, *fakeClock, *storeMetricsRecorder) {
	clock := &fakeClock{now: t0}
	metrics := &storeMetricsRecorder{violations: map[string]int{}}
	s := NewStore(threshold)
	s.TimeNow = clock.Now
	s.Metrics = metrics
	return s, clock, metrics
}

// A trip update with one arrival (unix seconds) per stop, at stops
// A, B, C and so on.
func tripUpdate(tripID string, observedAt time.Time, arrivals ...int64) *model.TripUpdate {
	u := &model.TripUpdate{
		TripID:     tripID,
		ObservedAt: observedAt,
	}
	for i, a := range arrivals {
		u.StopTimeUpdates = append(u.StopTimeUpdates, model.StopTimeUpdate{
			StopID:          string(rune('A' + i)),
			StopSequence:    uint32(i + 1),
			HasStopSequence: true,
			Arrival:         &model.StopTimeEvent{Time: time.Unix(a, 0).UTC()},
		})
	}
	return u
}

func arrivals(u *model.TripUpdate) []int64 {
	out := []int64{}
	for _, stu := range u.StopTimeUpdates {
		out = append(out, stu.Arrival.Time.Unix())
	}
	return out
}

func TestStoreApplyNewerWins(t *testing.T) {
	s, _, _ := storeFixture(5 * time.Minute)

	result, err := s.Apply([]*model.TripUpdate{tripUpdate("T1", t0, 100, 200)}, "X", 1)
	require.NoError(t, err)
	assert.Equal(t, ApplyResult{Inserted: 1}, result)

	result, err = s.Apply([]*model.TripUpdate{tripUpdate("T1", t0, 110, 200)}, "X", 2)
	require.NoError(t, err)
	assert.Equal(t, ApplyResult{Replaced: 1}, result)

	u, seen := s.Get("T1")
	require.NotNil(t, u)
	assert.True(t, seen)
	assert.Equal(t, []int64{110, 200}, arrivals(u))
	assert.Equal(t, uint64(2), u.SourceSequence)
	assert.Equal(t, "X", u.LineGroup)
	assert.Equal(t, 1, s.Len())
}

func TestStoreApplyOutOfOrder(t *testing.T) {
	s, _, metrics := storeFixture(5 * time.Minute)

	_, err := s.Apply([]*model.TripUpdate{tripUpdate("T1", t0, 110)}, "X", 2)
	require.NoError(t, err)
	before := s.Snapshot()

	result, err := s.Apply([]*model.TripUpdate{tripUpdate("T1", t0, 100)}, "X", 1)
	require.NoError(t, err)
	assert.Equal(t, ApplyResult{Regressions: 1}, result)
	assert.Equal(t, 1, result.Dropped())

	assert.Equal(t, before, s.Snapshot())
	assert.Equal(t, 1, metrics.violations["X/regression"])
}

func TestStoreApplyTie(t *testing.T) {
	s, _, metrics := storeFixture(5 * time.Minute)

	_, err := s.Apply([]*model.TripUpdate{tripUpdate("T1", t0, 100)}, "X", 7)
	require.NoError(t, err)

	result, err := s.Apply([]*model.TripUpdate{tripUpdate("T1", t0, 999)}, "X", 7)
	require.NoError(t, err)
	assert.Equal(t, ApplyResult{Ties: 1}, result)

	u, _ := s.Get("T1")
	require.NotNil(t, u)
	assert.Equal(t, []int64{100}, arrivals(u))
	assert.Equal(t, 1, metrics.violations["X/tie"])
}

func TestStoreApplyViolationDropsOnlyOffendingRecord(t *testing.T) {
	s, _, _ := storeFixture(5 * time.Minute)

	_, err := s.Apply([]*model.TripUpdate{tripUpdate("T1", t0, 100)}, "X", 5)
	require.NoError(t, err)

	result, err := s.Apply([]*model.TripUpdate{
		tripUpdate("T1", t0, 50),
		tripUpdate("T2", t0, 300),
	}, "X", 3)
	require.NoError(t, err)
	assert.Equal(t, ApplyResult{Inserted: 1, Regressions: 1}, result)

	snapshot := s.Snapshot()
	require.Equal(t, 2, len(snapshot))
	assert.Equal(t, "T1", snapshot[0].TripID)
	assert.Equal(t, []int64{100}, arrivals(snapshot[0]))
	assert.Equal(t, "T2", snapshot[1].TripID)
	assert.Equal(t, uint64(3), snapshot[1].SourceSequence)
}

func TestStoreApplyMigration(t *testing.T) {
	s, _, metrics := storeFixture(5 * time.Minute)

	_, err := s.Apply([]*model.TripUpdate{tripUpdate("T1", t0, 100)}, "X", 40)
	require.NoError(t, err)

	// Another line group's sequence is unrelated, so a lower value
	// still takes over the trip.
	result, err := s.Apply([]*model.TripUpdate{tripUpdate("T1", t0, 120)}, "Y", 1)
	require.NoError(t, err)
	assert.Equal(t, ApplyResult{Migrated: 1}, result)

	u, _ := s.Get("T1")
	require.NotNil(t, u)
	assert.Equal(t, "Y", u.LineGroup)
	assert.Equal(t, uint64(1), u.SourceSequence)
	assert.Equal(t, []int64{120}, arrivals(u))

	assert.Equal(t, 0, len(s.Line("X")))
	assert.Equal(t, 1, len(s.Line("Y")))
	assert.Equal(t, 0, len(metrics.violations))
}

func TestStoreApplyInconsistentBatch(t *testing.T) {
	for _, tc := range []struct {
		name    string
		records []*model.TripUpdate
		line    string
		seq     uint64
	}{
		{"zero sequence", []*model.TripUpdate{tripUpdate("T9", t0, 1)}, "X", 0},
		{"no line", []*model.TripUpdate{tripUpdate("T9", t0, 1)}, "", 3},
		{"nil record", []*model.TripUpdate{tripUpdate("T9", t0, 1), nil}, "X", 3},
		{"empty trip id", []*model.TripUpdate{tripUpdate("T9", t0, 1), tripUpdate("", t0, 1)}, "X", 3},
		{"foreign line", []*model.TripUpdate{tripUpdate("T9", t0, 1), {TripID: "T8", LineGroup: "Y", ObservedAt: t0}}, "X", 3},
		{"repeated trip", []*model.TripUpdate{tripUpdate("T9", t0, 1), tripUpdate("T9", t0, 2)}, "X", 3},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s, _, _ := storeFixture(5 * time.Minute)
			_, err := s.Apply([]*model.TripUpdate{tripUpdate("T1", t0, 100)}, "X", 2)
			require.NoError(t, err)
			before := s.Snapshot()

			result, err := s.Apply(tc.records, tc.line, tc.seq)
			assert.ErrorIs(t, err, ErrInconsistentBatch)
			assert.Equal(t, ApplyResult{}, result)
			assert.Equal(t, before, s.Snapshot())

			status, _ := s.LineStatus("X")
			assert.Equal(t, uint64(2), status.LastSequence)
		})
	}
}

func TestStoreApplyCopiesRecords(t *testing.T) {
	s, _, _ := storeFixture(5 * time.Minute)

	in := tripUpdate("T1", t0, 100, 200)
	_, err := s.Apply([]*model.TripUpdate{in}, "X", 1)
	require.NoError(t, err)

	in.StopTimeUpdates[0].Arrival.Time = time.Unix(5, 0)
	in.StopTimeUpdates = append(in.StopTimeUpdates, model.StopTimeUpdate{StopID: "Z"})

	u, _ := s.Get("T1")
	require.NotNil(t, u)
	assert.Equal(t, []int64{100, 200}, arrivals(u))

	// Input isn't stamped either.
	assert.Equal(t, "", in.LineGroup)
	assert.Equal(t, uint64(0), in.SourceSequence)
}

func TestStoreStaleness(t *testing.T) {
	s, clock, _ := storeFixture(300 * time.Second)

	_, err := s.Apply([]*model.TripUpdate{tripUpdate("T2", t0, 100)}, "X", 1)
	require.NoError(t, err)

	clock.Set(t0.Add(299 * time.Second))
	u, seen := s.Get("T2")
	assert.NotNil(t, u)
	assert.True(t, seen)
	assert.Equal(t, 1, len(s.Snapshot()))

	clock.Set(t0.Add(300 * time.Second))
	u, _ = s.Get("T2")
	assert.NotNil(t, u)

	clock.Set(t0.Add(301 * time.Second))
	u, seen = s.Get("T2")
	assert.Nil(t, u)
	assert.True(t, seen)
	assert.Equal(t, 0, len(s.Snapshot()))
	assert.Equal(t, 0, len(s.Line("X")))

	// Lazily hidden, but still held until swept.
	assert.Equal(t, 1, s.Len())

	// Forgotten two thresholds after it was observed.
	clock.Set(t0.Add(601 * time.Second))
	_, seen = s.Get("T2")
	assert.False(t, seen)
}

func TestStoreEvictStale(t *testing.T) {
	s, clock, metrics := storeFixture(300 * time.Second)

	_, err := s.Apply([]*model.TripUpdate{
		tripUpdate("old", t0, 100),
		tripUpdate("new", t0.Add(200*time.Second), 100),
	}, "X", 1)
	require.NoError(t, err)

	now := t0.Add(400 * time.Second)
	clock.Set(now)

	assert.Equal(t, 1, s.EvictStale(now, s.Threshold()))
	first := s.Snapshot()
	assert.Equal(t, 0, s.EvictStale(now, s.Threshold()))
	second := s.Snapshot()

	assert.Equal(t, first, second)
	require.Equal(t, 1, len(second))
	assert.Equal(t, "new", second[0].TripID)
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, 1, metrics.evicted)
	assert.Equal(t, 1, metrics.trips)

	// Evicted trips are remembered for a while.
	u, seen := s.Get("old")
	assert.Nil(t, u)
	assert.True(t, seen)

	// And then forgotten.
	later := now.Add(301 * time.Second)
	clock.Set(later)
	s.EvictStale(later, s.Threshold())
	_, seen = s.Get("old")
	assert.False(t, seen)
	assert.Equal(t, 0, s.Len())
}

func TestStoreRememberedRegardlessOfSweep(t *testing.T) {
	for _, sweeps := range [][]time.Duration{
		nil,
		{301 * time.Second},
		{301 * time.Second, 599 * time.Second},
		{450 * time.Second, 700 * time.Second},
	} {
		s, clock, _ := storeFixture(300 * time.Second)

		_, err := s.Apply([]*model.TripUpdate{tripUpdate("T1", t0, 100)}, "X", 1)
		require.NoError(t, err)

		seenAt := func(d time.Duration) bool {
			now := t0.Add(d)
			for _, sweep := range sweeps {
				if sweep <= d {
					s.EvictStale(t0.Add(sweep), s.Threshold())
				}
			}
			clock.Set(now)
			u, seen := s.Get("T1")
			assert.Nil(t, u)
			return seen
		}

		assert.True(t, seenAt(301*time.Second), "sweeps %v", sweeps)
		assert.True(t, seenAt(600*time.Second), "sweeps %v", sweeps)
		assert.False(t, seenAt(601*time.Second), "sweeps %v", sweeps)
		assert.False(t, seenAt(700*time.Second), "sweeps %v", sweeps)
	}
}

func TestStoreReinsertAfterEviction(t *testing.T) {
	s, clock, _ := storeFixture(300 * time.Second)

	_, err := s.Apply([]*model.TripUpdate{tripUpdate("T1", t0, 100)}, "X", 1)
	require.NoError(t, err)

	now := t0.Add(time.Hour)
	clock.Set(now)
	s.EvictStale(now, s.Threshold())

	_, err = s.Apply([]*model.TripUpdate{tripUpdate("T1", now, 4000)}, "X", 2)
	require.NoError(t, err)

	u, seen := s.Get("T1")
	require.NotNil(t, u)
	assert.True(t, seen)
	assert.Equal(t, []int64{4000}, arrivals(u))

	// Tombstone is gone, so once stale and swept it's only
	// remembered from this new eviction.
	s.mutex.RLock()
	_, tombstoned := s.tombstones["T1"]
	s.mutex.RUnlock()
	assert.False(t, tombstoned)
}

func TestStoreLineStatus(t *testing.T) {
	s, clock, _ := storeFixture(5 * time.Minute)

	_, found := s.LineStatus("X")
	assert.False(t, found)

	_, err := s.Apply([]*model.TripUpdate{tripUpdate("T1", t0, 100)}, "X", 1)
	require.NoError(t, err)

	// An empty batch still counts as a submission.
	clock.Set(t0.Add(30 * time.Second))
	_, err = s.Apply([]*model.TripUpdate{}, "X", 2)
	require.NoError(t, err)

	status, found := s.LineStatus("X")
	assert.True(t, found)
	assert.Equal(t, LineStatus{
		LastSequence: 2,
		LastApplied:  t0.Add(30 * time.Second),
		Records:      0,
	}, status)

	// The trip itself is untouched.
	u, _ := s.Get("T1")
	require.NotNil(t, u)
	assert.Equal(t, uint64(1), u.SourceSequence)
}

func TestStoreConcurrentLines(t *testing.T) {
	s, _, _ := storeFixture(5 * time.Minute)

	const rounds = 200
	const tripsPerLine = 10

	stop := make(chan struct{})
	readerDone := make(chan struct{})

	// Each record carries its sequence in every arrival. A reader
	// must never see a mix.
	torn := 0
	go func() {
		defer close(readerDone)
		for {
			select {
			case <-stop:
				return
			default:
			}
			for _, u := range s.Snapshot() {
				for _, stu := range u.StopTimeUpdates {
					if stu.Arrival.Time.Unix() != int64(u.SourceSequence) {
						torn++
					}
				}
			}
		}
	}()

	var wg sync.WaitGroup
	for _, line := range []string{"X", "Y"} {
		line := line
		wg.Add(1)
		go func() {
			defer wg.Done()
			for seq := uint64(1); seq <= rounds; seq++ {
				batch := []*model.TripUpdate{}
				for i := 0; i < tripsPerLine; i++ {
					a := int64(seq)
					batch = append(batch, tripUpdate(fmt.Sprintf("%s-%d", line, i), t0, a, a, a))
				}
				_, err := s.Apply(batch, line, seq)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()
	close(stop)
	<-readerDone

	assert.Equal(t, 0, torn)

	snapshot := s.Snapshot()
	require.Equal(t, 2*tripsPerLine, len(snapshot))
	for _, u := range snapshot {
		assert.Equal(t, uint64(rounds), u.SourceSequence, u.TripID)
		assert.Equal(t, []int64{rounds, rounds, rounds}, arrivals(u))
	}
	assert.Equal(t, tripsPerLine, len(s.Line("X")))
	assert.Equal(t, tripsPerLine, len(s.Line("Y")))
}

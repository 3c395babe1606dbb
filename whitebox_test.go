package gtfs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Samcfuchs/mta-viz/downloader"
)

func TestFetchTimeout(t *testing.T) {
	for _, tc := range []struct {
		interval time.Duration
		timeout  time.Duration
		expected time.Duration
	}{
		{30 * time.Second, 10 * time.Second, 10 * time.Second},
		{30 * time.Second, 0, 22500 * time.Millisecond},
		{30 * time.Second, 30 * time.Second, 22500 * time.Millisecond},
		{30 * time.Second, time.Minute, 22500 * time.Millisecond},
		{0, 5 * time.Second, 5 * time.Second},
		{0, 0, 22500 * time.Millisecond},
		{-time.Second, time.Minute, 22500 * time.Millisecond},
	} {
		p := &Poller{Interval: tc.interval, Timeout: tc.timeout}
		assert.Equal(t, tc.expected, p.fetchTimeout(), "interval %s timeout %s", tc.interval, tc.timeout)
		assert.True(t, p.fetchTimeout() < p.interval())
	}
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

var _ net.Error = timeoutError{}

func TestClassifyFetchError(t *testing.T) {
	assert.Equal(t, FailureStatus, classifyFetchError(&downloader.StatusError{StatusCode: 500}))
	assert.Equal(t, FailureStatus, classifyFetchError(fmt.Errorf("get: %w", &downloader.StatusError{StatusCode: 404})))
	assert.Equal(t, FailureTimeout, classifyFetchError(fmt.Errorf("making request: %w", context.DeadlineExceeded)))
	assert.Equal(t, FailureTimeout, classifyFetchError(&net.OpError{Op: "read", Err: timeoutError{}}))
	assert.Equal(t, FailureNetwork, classifyFetchError(&net.OpError{Op: "dial", Err: errors.New("connection refused")}))
	assert.Equal(t, FailureNetwork, classifyFetchError(downloader.ErrTooLarge))
}

func TestHaversine(t *testing.T) {
	// Times Sq to Grand Central, roughly
	d := haversine(40.755290, -73.987495, 40.752726, -73.977229)
	assert.InDelta(t, 910, d, 20)

	assert.Equal(t, 0.0, haversine(40.7, -73.9, 40.7, -73.9))
}

func TestTripStateString(t *testing.T) {
	assert.Equal(t, "realtime", TripRealtime.String())
	assert.Equal(t, "schedule_only", TripScheduleOnly.String())
	assert.Equal(t, "stale", TripStale.String())
	assert.Equal(t, "not_found", TripNotFound.String())
	assert.Equal(t, "unknown", TripState(42).String())
}

package gtfs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Samcfuchs/mta-viz/downloader"
	"github.com/Samcfuchs/mta-viz/model"
	"github.com/Samcfuchs/mta-viz/parse"
)

const (
	DefaultPollInterval    = 30 * time.Second
	DefaultRealtimeMaxSize = 1 << 20 // 1 MB
)

type FailureKind string

const (
	FailureTimeout FailureKind = "timeout"
	FailureStatus  FailureKind = "status"
	FailureNetwork FailureKind = "network"
	FailureDecode  FailureKind = "decode"
	FailureStore   FailureKind = "store"
)

// A failed poll cycle for one line group.
type FetchError struct {
	Line string
	Kind FailureKind
	Err  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("polling %s: %s: %s", e.Line, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

type PollerMetrics interface {
	PollSucceeded(line string, duration time.Duration, entities int, skipped int, seq uint64)
	PollFailed(line string, kind string, duration time.Duration)
	TickSkipped(line string, n int)
}

// Receives decoded batches. Implemented by Store.
type Submitter interface {
	Apply(records []*model.TripUpdate, line string, seq uint64) (ApplyResult, error)
}

// Polls the realtime feed of a single line group.
type Poller struct {
	Line       model.LineGroup
	Interval   time.Duration
	Timeout    time.Duration
	MaxSize    int
	Headers    map[string]string
	Downloader downloader.Downloader
	Store      Submitter
	Metrics    PollerMetrics
	Logger     zerolog.Logger
	TimeNow    func() time.Time

	seq atomic.Uint64
}

func NewPoller(line model.LineGroup, store Submitter) *Poller {
	return &Poller{
		Line:       line,
		Interval:   DefaultPollInterval,
		MaxSize:    DefaultRealtimeMaxSize,
		Headers:    map[string]string{},
		Downloader: downloader.HTTP{},
		Store:      store,
		Logger:     log.Logger.With().Str("line", line.ID).Logger(),
		TimeNow:    time.Now,
	}
}

// Sequence number of the most recent successful decode. Zero
// before the first one.
func (p *Poller) Sequence() uint64 {
	return p.seq.Load()
}

func (p *Poller) interval() time.Duration {
	if p.Interval <= 0 {
		return DefaultPollInterval
	}
	return p.Interval
}

// The fetch timeout must stay below the interval, so that a hung
// upstream can't run into the next tick.
func (p *Poller) fetchTimeout() time.Duration {
	interval := p.interval()
	if p.Timeout <= 0 || p.Timeout >= interval {
		return interval * 3 / 4
	}
	return p.Timeout
}

func (p *Poller) now() time.Time {
	if p.TimeNow == nil {
		return time.Now()
	}
	return p.TimeNow()
}

// Runs one fetch, decode and submit cycle. Failures are logged and
// counted before being returned as a *FetchError.
func (p *Poller) PollOnce(ctx context.Context) error {
	start := time.Now()

	timeout := p.fetchTimeout()
	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := p.Downloader.Get(fetchCtx, p.Line.FeedURL, p.Headers, downloader.GetOptions{
		MaxSize: p.MaxSize,
		Timeout: timeout,
	})
	if err != nil {
		// Shutting down isn't an upstream failure.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return p.failed(classifyFetchError(err), err, start)
	}

	feed, err := parse.DecodeFeed(body, p.now())
	if err != nil {
		return p.failed(FailureDecode, err, start)
	}

	// Every successful decode gets a new sequence, empty or not.
	seq := p.seq.Add(1)

	result, err := p.Store.Apply(feed.Updates, p.Line.ID, seq)
	if err != nil {
		return p.failed(FailureStore, err, start)
	}

	duration := time.Since(start)
	p.Logger.Debug().
		Uint64("sequence", seq).
		Int("entities", len(feed.Updates)).
		Int("skipped", feed.Skipped).
		Int("applied", result.Applied()).
		Int("dropped", result.Dropped()).
		Dur("duration", duration).
		Msg("polled feed")
	if feed.Skipped > 0 {
		p.Logger.Info().Int("skipped", feed.Skipped).Msg("skipped malformed entities")
	}
	if p.Metrics != nil {
		p.Metrics.PollSucceeded(p.Line.ID, duration, len(feed.Updates), feed.Skipped, seq)
	}

	return nil
}

func (p *Poller) failed(kind FailureKind, err error, start time.Time) error {
	duration := time.Since(start)
	p.Logger.Warn().
		Str("kind", string(kind)).
		Err(err).
		Dur("duration", duration).
		Msg("poll failed")
	if p.Metrics != nil {
		p.Metrics.PollFailed(p.Line.ID, string(kind), duration)
	}
	return &FetchError{Line: p.Line.ID, Kind: kind, Err: err}
}

func classifyFetchError(err error) FailureKind {
	var statusErr *downloader.StatusError
	if errors.As(err, &statusErr) {
		return FailureStatus
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FailureTimeout
	}
	return FailureNetwork
}

// Polls immediately and then once per interval until ctx is done.
//
// Fetches run on the calling goroutine, so there's never more than
// one in flight. Ticks that pass while a fetch is running are
// dropped.
func (p *Poller) Run(ctx context.Context) {
	interval := p.interval()

	p.Logger.Info().
		Str("url", p.Line.FeedURL).
		Dur("interval", interval).
		Dur("timeout", p.fetchTimeout()).
		Msg("starting poller")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.poll(ctx, ticker, interval)
	for {
		select {
		case <-ctx.Done():
			p.Logger.Info().Msg("stopping poller")
			return
		case <-ticker.C:
			p.poll(ctx, ticker, interval)
		}
	}
}

func (p *Poller) poll(ctx context.Context, ticker *time.Ticker, interval time.Duration) {
	start := time.Now()
	p.PollOnce(ctx)

	skipped := int(time.Since(start) / interval)
	select {
	case <-ticker.C:
		if skipped == 0 {
			skipped = 1
		}
	default:
	}

	if skipped > 0 {
		p.Logger.Warn().Int("ticks", skipped).Msg("fetch overran poll interval")
		if p.Metrics != nil {
			p.Metrics.TickSkipped(p.Line.ID, skipped)
		}
	}
}

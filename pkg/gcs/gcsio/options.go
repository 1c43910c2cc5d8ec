package gcsio

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/go-units"

	"github.com/hail-is/gcs-connector/pkg/gcs"
	"github.com/hail-is/gcs-connector/pkg/gcs/backoff"
	"github.com/hail-is/gcs-connector/pkg/logging"
)

// FadviseMode is the advisory access-pattern hint that selects the
// range-request strategy.
type FadviseMode int

const (
	// FadviseSequential streams the object with a single unbounded range
	// request per open. Terminal.
	FadviseSequential FadviseMode = iota
	// FadviseRandom issues bounded range requests sized to the read. Terminal.
	FadviseRandom
	// FadviseAuto behaves sequentially until the access pattern proves
	// random, then permanently switches to FadviseRandom.
	FadviseAuto
)

func (m FadviseMode) String() string {
	switch m {
	case FadviseSequential:
		return "sequential"
	case FadviseRandom:
		return "random"
	case FadviseAuto:
		return "auto"
	default:
		return fmt.Sprintf("fadvise(%d)", int(m))
	}
}

// ParseFadviseMode parses "sequential", "random", or "auto".
func ParseFadviseMode(s string) (FadviseMode, error) {
	switch s {
	case "sequential":
		return FadviseSequential, nil
	case "random":
		return FadviseRandom, nil
	case "auto":
		return FadviseAuto, nil
	default:
		return 0, fmt.Errorf("%w: unknown fadvise mode %q", gcs.ErrInvalidArgument, s)
	}
}

const (
	// DefaultInplaceSeekLimit is the largest forward seek distance that
	// drains the current stream instead of opening a new one.
	DefaultInplaceSeekLimit = 8 * units.MiB
	// DefaultMinRangeRequestSize is the lower bound on the span of a bounded
	// range request, and on the footer prefetch size.
	DefaultMinRangeRequestSize = 2 * units.MiB
)

type options struct {
	backoff             backoff.Config
	failOnNotFound      bool
	supportGzip         bool
	inplaceSeekLimit    int64
	fadvise             FadviseMode
	minRangeRequestSize int64
	footerPrefetchSize  int64
	logger              logging.Logger
	stats               StatsSink
	clock               backoff.Clock
	rnd                 func() float64
	sleep               func(ctx context.Context, d time.Duration) error
}

func defaultOptions() options {
	return options{
		failOnNotFound:      true,
		supportGzip:         false,
		inplaceSeekLimit:    DefaultInplaceSeekLimit,
		fadvise:             FadviseSequential,
		minRangeRequestSize: DefaultMinRangeRequestSize,
		logger:              logging.NullLogger(),
		stats:               nopStats{},
		clock:               backoff.SystemClock(),
		sleep:               sleepContext,
	}
}

func (o *options) validate() error {
	if o.inplaceSeekLimit < 0 {
		return fmt.Errorf("%w: negative inplace seek limit %d", gcs.ErrInvalidArgument, o.inplaceSeekLimit)
	}
	if o.minRangeRequestSize < 0 {
		return fmt.Errorf("%w: negative min range request size %d", gcs.ErrInvalidArgument, o.minRangeRequestSize)
	}
	if o.footerPrefetchSize < 0 {
		return fmt.Errorf("%w: negative footer prefetch size %d", gcs.ErrInvalidArgument, o.footerPrefetchSize)
	}
	switch o.fadvise {
	case FadviseSequential, FadviseRandom, FadviseAuto:
	default:
		return fmt.Errorf("%w: unknown fadvise mode %d", gcs.ErrInvalidArgument, int(o.fadvise))
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Option configures a read channel.
type Option func(*options)

// WithBackoffConfig sets the retry backoff parameters.
func WithBackoffConfig(cfg backoff.Config) Option {
	return func(o *options) { o.backoff = cfg }
}

// WithFailOnNotFound controls when metadata is resolved. True (the default)
// resolves eagerly at channel construction so a missing object fails the
// open; false defers resolution to the first size-dependent operation.
func WithFailOnNotFound(v bool) Option {
	return func(o *options) { o.failOnNotFound = v }
}

// WithSupportGzip allows reading objects the server decompresses
// transparently. Such channels are purely sequential and report an unknown
// size until fully drained. When false (the default), opening a gzip object
// fails.
func WithSupportGzip(v bool) Option {
	return func(o *options) { o.supportGzip = v }
}

// WithInplaceSeekLimit sets how far forward a seek may drain the live
// stream before the channel opens a new one instead.
func WithInplaceSeekLimit(n int64) Option {
	return func(o *options) { o.inplaceSeekLimit = n }
}

// WithFadvise sets the initial fadvise mode.
func WithFadvise(m FadviseMode) Option {
	return func(o *options) { o.fadvise = m }
}

// WithMinRangeRequestSize sets the lower bound on bounded range-request
// spans and on the footer prefetch size.
func WithMinRangeRequestSize(n int64) Option {
	return func(o *options) { o.minRangeRequestSize = n }
}

// WithFooterPrefetchSize sets the preferred footer prefetch size. The
// effective footer size is max(minRangeRequestSize, footerPrefetchSize),
// capped at the object size.
func WithFooterPrefetchSize(n int64) Option {
	return func(o *options) { o.footerPrefetchSize = n }
}

// WithLogger sets the channel logger.
func WithLogger(log logging.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.logger = log
		}
	}
}

// WithStats installs a statistics sink observing channel activity.
func WithStats(sink StatsSink) Option {
	return func(o *options) {
		if sink != nil {
			o.stats = sink
		}
	}
}

// WithClock overrides the wall clock used for backoff bookkeeping.
func WithClock(c backoff.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

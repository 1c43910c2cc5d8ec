// Package backoff produces retry delays following truncated exponential
// backoff with jitter and a wall-clock ceiling.
package backoff

import (
	"math/rand"
	"time"
)

// Defaults for retry loops over storage operations.
const (
	DefaultInitialInterval     = 200 * time.Millisecond
	DefaultMaxInterval         = 10 * time.Second
	DefaultMultiplier          = 1.5
	DefaultRandomizationFactor = 0.5
	DefaultMaxElapsedTime      = 120 * time.Second
)

// Clock abstracts wall-clock access for backoff bookkeeping so tests can
// fake time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock { return systemClock{} }

// Config parameterizes a Sequencer. Zero values fall back to the defaults.
type Config struct {
	// InitialInterval is the base delay before the first retry.
	InitialInterval time.Duration
	// MaxInterval caps the un-jittered interval.
	MaxInterval time.Duration
	// Multiplier grows the interval between consecutive retries.
	Multiplier float64
	// RandomizationFactor f perturbs each interval uniformly within
	// [interval*(1-f), interval*(1+f)].
	RandomizationFactor float64
	// MaxElapsedTime is the wall-clock ceiling: once the cumulative elapsed
	// time would exceed it, the sequencer gives up.
	MaxElapsedTime time.Duration
}

func (c Config) withDefaults() Config {
	if c.InitialInterval <= 0 {
		c.InitialInterval = DefaultInitialInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = DefaultMaxInterval
	}
	if c.Multiplier <= 0 {
		c.Multiplier = DefaultMultiplier
	}
	if c.RandomizationFactor <= 0 {
		c.RandomizationFactor = DefaultRandomizationFactor
	}
	if c.MaxElapsedTime <= 0 {
		c.MaxElapsedTime = DefaultMaxElapsedTime
	}
	return c
}

// Sequencer yields the next sleep duration on each retry. A fresh Sequencer
// is constructed per retry loop; sequencers are not reused across operations.
type Sequencer struct {
	cfg     Config
	clock   Clock
	rnd     func() float64
	start   time.Time
	current time.Duration
}

// New returns a Sequencer over the system clock.
func New(cfg Config) *Sequencer {
	return NewWithClock(cfg, SystemClock(), rand.Float64)
}

// NewWithClock returns a Sequencer over the given clock and randomness
// source. rnd must return values in [0, 1).
func NewWithClock(cfg Config, clock Clock, rnd func() float64) *Sequencer {
	return &Sequencer{
		cfg:     cfg.withDefaults(),
		clock:   clock,
		rnd:     rnd,
		start:   clock.Now(),
		current: 0,
	}
}

// Next returns the delay to sleep before the next attempt. ok is false when
// the cumulative elapsed wall time would exceed the configured ceiling, in
// which case the caller must give up and surface the last error.
func (s *Sequencer) Next() (d time.Duration, ok bool) {
	if s.current == 0 {
		s.current = s.cfg.InitialInterval
	} else {
		s.current = time.Duration(float64(s.current) * s.cfg.Multiplier)
		if s.current > s.cfg.MaxInterval {
			s.current = s.cfg.MaxInterval
		}
	}

	f := s.cfg.RandomizationFactor
	d = s.current
	if f > 0 {
		delta := f * float64(s.current)
		lo := float64(s.current) - delta
		d = time.Duration(lo + s.rnd()*(2*delta))
	}

	elapsed := s.clock.Now().Sub(s.start)
	if elapsed+d > s.cfg.MaxElapsedTime {
		return 0, false
	}
	return d, true
}

// Elapsed returns the wall time since the sequencer was constructed.
func (s *Sequencer) Elapsed() time.Duration {
	return s.clock.Now().Sub(s.start)
}

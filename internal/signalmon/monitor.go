// Package signalmon samples tuner lock and signal strength at a bounded rate.
package signalmon

import (
	"context"
	"time"

	"tvcard/internal/hardware/tuner"
	"tvcard/internal/logging"
	"tvcard/pkg/types"
)

// DefaultInterval is the minimum time between two hardware queries.
const DefaultInterval = 5 * time.Second

// Source is the part of a tuner the monitor queries.
type Source interface {
	CheckLock(ctx context.Context) tuner.Status
	SignalQuality(ctx context.Context) (level, quality int, st tuner.Status)
}

// Monitor caches the last reading and only queries the hardware once the
// interval has elapsed. It is not safe for concurrent use; the owning card
// loop calls it.
type Monitor struct {
	src      Source
	interval time.Duration
	now      func() time.Time

	last    types.SignalReading
	sampled bool
	logger  *logging.Logger
}

type Option func(*Monitor)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

func WithLogger(l *logging.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

func New(src Source, interval time.Duration, opts ...Option) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	m := &Monitor{
		src:      src,
		interval: interval,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = logging.GetLogger("signal")
	}
	return m
}

// Read returns the current reading. When active is false (no pipeline, no
// channel) it returns the zero reading without touching the hardware.
func (m *Monitor) Read(ctx context.Context, active bool) types.SignalReading {
	if !active {
		return types.SignalReading{}
	}

	now := m.now()
	if m.sampled && now.Sub(m.last.SampledAt) < m.interval {
		return m.last
	}

	locked := m.src.CheckLock(ctx).OK()
	level, quality, st := m.src.SignalQuality(ctx)
	if !st.OK() {
		m.logger.Warn("Signal query failed", "status", st.String())
		level, quality = 0, 0
	}

	m.last = types.SignalReading{
		Locked:    locked,
		Level:     clamp(level),
		Quality:   clamp(quality),
		SampledAt: now,
	}
	m.sampled = true
	return m.last
}

// Last returns the cached reading without sampling.
func (m *Monitor) Last() types.SignalReading { return m.last }

// Invalidate forces the next Read to sample.
func (m *Monitor) Invalidate() {
	m.sampled = false
}

func clamp(v int) int {
	return min(max(v, 0), 100)
}

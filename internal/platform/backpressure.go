// Package platform adapts the teacher's container-aware CPU sampling
// (internal/single/platform/cgroup_cpu.go) from a WebSocket connection
// gate into a deferred-task queue backpressure signal: fiopost has no
// client connections to reject, but it has the same shape of problem —
// decide whether the process is too loaded to keep accepting publishes
// at full rate.
package platform

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
)

// QueueStatsFunc reports the deferred-task queue's current depth and
// capacity, matching pubsub.PostOffice.QueueStats's first two return
// values.
type QueueStatsFunc func() (depth, capacity int)

// BackpressureLevel classifies how loaded the process currently is.
type BackpressureLevel int

const (
	LevelNormal BackpressureLevel = iota
	LevelElevated
	LevelCritical
)

func (l BackpressureLevel) String() string {
	switch l {
	case LevelElevated:
		return "elevated"
	case LevelCritical:
		return "critical"
	default:
		return "normal"
	}
}

// Thresholds, expressed as queue occupancy fractions combined with host
// CPU percent, at which the Monitor escalates. Publish callers use the
// resulting level to decide whether to shed non-essential work; the
// core itself (spec §1 Non-goals: "flow control/backpressure beyond
// what the underlying stream socket provides") never drops a publish on
// this basis.
const (
	elevatedQueueFraction  = 0.5
	criticalQueueFraction  = 0.85
	elevatedCPUPercent     = 75.0
	criticalCPUPercent     = 90.0
	sampleInterval         = 2 * time.Second
	cpuMeasurementDuration = 200 * time.Millisecond
)

// Monitor periodically samples host CPU usage and deferred-task queue
// occupancy, exposing a coarse BackpressureLevel for operators and
// lifecycle code (e.g. deciding whether to keep accepting new worker
// connections).
type Monitor struct {
	queueStats QueueStatsFunc
	logger     zerolog.Logger

	level BackpressureLevel
}

// NewMonitor constructs a Monitor. queueStats is typically
// pubsub.PostOffice.QueueStats adapted to drop its third (overflow)
// return value.
func NewMonitor(queueStats QueueStatsFunc, logger zerolog.Logger) *Monitor {
	return &Monitor{
		queueStats: queueStats,
		logger:     logger.With().Str("component", "backpressure").Logger(),
	}
}

// Level returns the most recently sampled BackpressureLevel.
func (m *Monitor) Level() BackpressureLevel { return m.level }

// Run samples on a fixed interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *Monitor) sample() {
	cpuPercent := 0.0
	if pcts, err := cpu.Percent(cpuMeasurementDuration, false); err == nil && len(pcts) > 0 {
		cpuPercent = pcts[0]
	} else if err != nil {
		m.logger.Debug().Err(err).Msg("cpu sample failed, treating as 0%")
	}

	depth, capacity := m.queueStats()
	level := classify(cpuPercent, depth, capacity)

	if level != m.level {
		queueFraction := 0.0
		if capacity > 0 {
			queueFraction = float64(depth) / float64(capacity)
		}
		m.logger.Info().
			Str("from", m.level.String()).
			Str("to", level.String()).
			Float64("cpu_percent", cpuPercent).
			Float64("queue_fraction", queueFraction).
			Msg("backpressure level changed")
	}
	m.level = level
}

func classify(cpuPercent float64, depth, capacity int) BackpressureLevel {
	queueFraction := 0.0
	if capacity > 0 {
		queueFraction = float64(depth) / float64(capacity)
	}
	switch {
	case cpuPercent >= criticalCPUPercent || queueFraction >= criticalQueueFraction:
		return LevelCritical
	case cpuPercent >= elevatedCPUPercent || queueFraction >= elevatedQueueFraction:
		return LevelElevated
	default:
		return LevelNormal
	}
}

package tui

import (
	"time"

	"github.com/pior/redis/reliability/workload"
)

// series is a bounded list of data points.
type series struct {
	points []float64
	limit  int
}

func (s *series) add(v float64) {
	s.points = append(s.points, v)
	if len(s.points) > s.limit {
		s.points = s.points[len(s.points)-s.limit:]
	}
}

// values returns a copy: the Plot widget keeps a reference to its data.
func (s *series) values() []float64 {
	return append([]float64{}, s.points...)
}

// history turns cumulative workload stats into per-interval rates.
type history struct {
	opsPerSec series // thousands
	errorPct  series

	currentOpsPerSec float64
	currentErrorRate float64

	lastTotalOps  int64
	lastFailedOps int64
	lastTimestamp time.Time
}

func newHistory(limit int) *history {
	return &history{
		opsPerSec: series{limit: limit},
		errorPct:  series{limit: limit},
	}
}

func (h *history) resize(limit int) {
	h.opsPerSec.limit = limit
	h.errorPct.limit = limit
}

func (h *history) add(ts time.Time, stats workload.WorkloadStats) {
	defer func() {
		h.lastTotalOps = stats.TotalOps
		h.lastFailedOps = stats.FailedOps
		h.lastTimestamp = ts
	}()

	if h.lastTimestamp.IsZero() {
		return
	}
	elapsed := ts.Sub(h.lastTimestamp).Seconds()
	if elapsed <= 0 {
		return
	}

	ops := stats.TotalOps - h.lastTotalOps
	failed := stats.FailedOps - h.lastFailedOps

	h.currentOpsPerSec = float64(ops) / elapsed
	h.currentErrorRate = 0
	if ops > 0 {
		h.currentErrorRate = float64(failed) / float64(ops)
	}

	h.opsPerSec.add(h.currentOpsPerSec / 1000)
	h.errorPct.add(h.currentErrorRate * 100)
}

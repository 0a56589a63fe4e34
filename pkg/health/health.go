// Package health tracks fill levels of the tunable I/O read buffers
// against warn/critical thresholds and publishes a three-level status.
package health

import (
	"sync"

	"github.com/herakles-io/herakles-proc-mem-exporter/pkg/procsource"
)

// Status is a buffer health level.
type Status string

const (
	StatusOK       Status = "ok"
	StatusWarn     Status = "warn"
	StatusCritical Status = "critical"
)

func worse(a, b Status) Status {
	rank := map[Status]int{StatusOK: 0, StatusWarn: 1, StatusCritical: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// Threshold configures one monitored buffer.
type Threshold struct {
	CapacityKB      int
	WarnPercent     float64
	CriticalPercent float64
	// LargerIsBetter inverts the comparison for buffers where underrun
	// is worse than overrun.
	LargerIsBetter bool
}

// Buffer is the published state of one monitored buffer.
type Buffer struct {
	Name        string  `json:"name"`
	CapacityKB  int     `json:"capacity_kb"`
	UsedKB      int     `json:"used_kb"`
	FillPercent float64 `json:"fill_percent"`
	Status      Status  `json:"status"`
}

// Report is the full health view.
type Report struct {
	Buffers       []Buffer `json:"buffers"`
	OverallStatus Status   `json:"overall_status"`
}

// Monitor records instantaneous buffer fill levels. It is safe for
// concurrent use: Update and Get take the same short lock, so Get sees a
// consistent view.
type Monitor struct {
	mu         sync.Mutex
	thresholds map[procsource.BufferKind]Threshold
	used       map[procsource.BufferKind]int
	order      []procsource.BufferKind
}

// NewMonitor creates a monitor for the given buffers. Iteration order of
// the report follows registration order.
func NewMonitor(thresholds map[procsource.BufferKind]Threshold) *Monitor {
	m := &Monitor{
		thresholds: make(map[procsource.BufferKind]Threshold, len(thresholds)),
		used:       make(map[procsource.BufferKind]int, len(thresholds)),
	}
	for _, kind := range []procsource.BufferKind{procsource.BufferIO, procsource.BufferSmaps, procsource.BufferSmapsRollup} {
		if t, ok := thresholds[kind]; ok {
			m.thresholds[kind] = t
			m.order = append(m.order, kind)
		}
	}
	// Any remaining non-standard kinds.
	for kind, t := range thresholds {
		if _, ok := m.thresholds[kind]; !ok {
			m.thresholds[kind] = t
			m.order = append(m.order, kind)
		}
	}
	return m
}

// Observe implements procsource.BufferObserver.
func (m *Monitor) Observe(kind procsource.BufferKind, usedKB int) {
	m.Update(kind, usedKB)
}

// Update records the latest fill level for one buffer. Unknown kinds are
// ignored.
func (m *Monitor) Update(kind procsource.BufferKind, usedKB int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.thresholds[kind]; !ok {
		return
	}
	m.used[kind] = usedKB
}

// Get computes per-buffer status and the overall worst.
func (m *Monitor) Get() Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	report := Report{OverallStatus: StatusOK}
	for _, kind := range m.order {
		t := m.thresholds[kind]
		usedKB := m.used[kind]

		fill := 0.0
		if t.CapacityKB > 0 {
			fill = 100 * float64(usedKB) / float64(t.CapacityKB)
		}

		status := statusFor(fill, t)
		report.Buffers = append(report.Buffers, Buffer{
			Name:        string(kind),
			CapacityKB:  t.CapacityKB,
			UsedKB:      usedKB,
			FillPercent: fill,
			Status:      status,
		})
		report.OverallStatus = worse(report.OverallStatus, status)
	}
	return report
}

func statusFor(fill float64, t Threshold) Status {
	if t.LargerIsBetter {
		switch {
		case fill < t.CriticalPercent:
			return StatusCritical
		case fill < t.WarnPercent:
			return StatusWarn
		default:
			return StatusOK
		}
	}
	switch {
	case fill >= t.CriticalPercent:
		return StatusCritical
	case fill >= t.WarnPercent:
		return StatusWarn
	default:
		return StatusOK
	}
}

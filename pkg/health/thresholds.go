package health

import "github.com/herakles-io/herakles-proc-mem-exporter/pkg/procsource"

// Default alert thresholds as percent of buffer capacity.
const (
	DefaultWarnPercent     = 80
	DefaultCriticalPercent = 95
)

// DefaultThresholds builds the standard monitor configuration for the
// three tunable read buffers.
func DefaultThresholds(ioKB, smapsKB, rollupKB int) map[procsource.BufferKind]Threshold {
	return map[procsource.BufferKind]Threshold{
		procsource.BufferIO: {
			CapacityKB:      ioKB,
			WarnPercent:     DefaultWarnPercent,
			CriticalPercent: DefaultCriticalPercent,
		},
		procsource.BufferSmaps: {
			CapacityKB:      smapsKB,
			WarnPercent:     DefaultWarnPercent,
			CriticalPercent: DefaultCriticalPercent,
		},
		procsource.BufferSmapsRollup: {
			CapacityKB:      rollupKB,
			WarnPercent:     DefaultWarnPercent,
			CriticalPercent: DefaultCriticalPercent,
		},
	}
}

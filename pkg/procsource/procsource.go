// Package procsource abstracts the kernel process inventory. It enumerates
// process ids and reads raw per-process files, backed either by the live
// process pseudo-filesystem or by a synthetic test-data source.
package procsource

import (
	"os"
	"strconv"
)

// CPUStat holds the cumulative CPU accounting fields of one process,
// in kernel clock ticks.
type CPUStat struct {
	Utime     uint64
	Stime     uint64
	StartTime uint64
}

// BufferKind names one of the tunable read buffers.
type BufferKind string

const (
	BufferIO          BufferKind = "io"
	BufferSmaps       BufferKind = "smaps"
	BufferSmapsRollup BufferKind = "smaps_rollup"
)

// BufferObserver receives the observed fill level of a read buffer after
// each read. Implemented by the health monitor.
type BufferObserver interface {
	Observe(kind BufferKind, usedKB int)
}

// Source is the process inventory consumed by the scanner.
type Source interface {
	// ListPIDs enumerates the numeric directory entries under the process
	// root. Ordering is irrelevant.
	ListPIDs() ([]int, error)

	// ReadName returns the short command name with the trailing newline
	// stripped.
	ReadName(pid int) (string, error)

	// ReadCmdline returns the argument vector joined with single spaces.
	// The empty string is valid (kernel threads).
	ReadCmdline(pid int) (string, error)

	// ReadMemorySummary returns the raw consolidated mapping summary
	// (smaps_rollup). Returns ErrNoSummary when the kernel does not
	// expose it, ErrMissing when the pid exited.
	ReadMemorySummary(pid int) ([]byte, error)

	// ReadMemoryDetail returns the raw full per-mapping file (smaps).
	ReadMemoryDetail(pid int) ([]byte, error)

	// ReadCPUStat parses the process status line.
	ReadCPUStat(pid int) (CPUStat, error)
}

// ClockTicks returns the number of jiffies (clock ticks) per second.
// It first checks the env var CLK_TCK (useful for testing), otherwise
// falls back to 100 (common default).
//
// Note: On real systems, the authoritative way is `sysconf(_SC_CLK_TCK)`,
// but calling that requires cgo. For portability in a pure-Go exporter,
// this simplified approach is acceptable.
func ClockTicks() int {
	v, _ := strconv.Atoi(os.Getenv("CLK_TCK"))
	if v > 0 {
		return v
	}
	return 100
}

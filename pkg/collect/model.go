// Package collect implements the per-process collection pipeline: memory
// footprint parsing, CPU delta sampling, and the parallel scan that
// assembles process records.
package collect

// ProcessRecord is one live pid observed in a scan. Records live only for
// one snapshot.
type ProcessRecord struct {
	PID      int
	Name     string
	Cmdline  string
	Group    string
	Subgroup string

	RSSBytes uint64
	PSSBytes uint64
	USSBytes uint64

	// CPUTimeSeconds is cumulative user+system CPU since process start.
	CPUTimeSeconds float64
	// CPUPercent is the fraction of one core used since the previous
	// observation of this pid, as percent. 0 on first observation.
	CPUPercent float64
}

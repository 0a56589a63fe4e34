package procsource

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
)

// SyntheticProcess is one process entry in a test-data file. Memory values
// are in kB, matching the units of the kernel mapping summaries the live
// source reads.
type SyntheticProcess struct {
	PID            int    `json:"pid"`
	Name           string `json:"name"`
	Cmdline        string `json:"cmdline"`
	RssKB          uint64 `json:"rss_kb"`
	PssKB          uint64 `json:"pss_kb"`
	PrivateCleanKB uint64 `json:"private_clean_kb"`
	PrivateDirtyKB uint64 `json:"private_dirty_kb"`
	CPUTicks       uint64 `json:"cpu_ticks"`
	StartTimeTicks uint64 `json:"start_time_ticks"`

	// NoSummary forces the detailed-mapping fallback path for this pid.
	NoSummary bool `json:"no_summary,omitempty"`
}

// SyntheticData is the on-disk shape of a test-data file.
type SyntheticData struct {
	Processes []SyntheticProcess `json:"processes"`
}

// Synthetic serves a fixed process table instead of the live filesystem.
// It renders the same raw file formats the kernel produces, so the full
// parsing pipeline is exercised.
type Synthetic struct {
	mu    sync.RWMutex
	procs map[int]SyntheticProcess
}

// NewSynthetic creates a synthetic source from in-memory entries.
func NewSynthetic(procs ...SyntheticProcess) *Synthetic {
	s := &Synthetic{procs: make(map[int]SyntheticProcess, len(procs))}
	for _, p := range procs {
		s.procs[p.PID] = p
	}
	return s
}

// LoadSynthetic creates a synthetic source from a test-data JSON file.
func LoadSynthetic(path string) (*Synthetic, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read test data %s: %w", path, err)
	}
	var data SyntheticData
	if err := json.Unmarshal(b, &data); err != nil {
		return nil, fmt.Errorf("parse test data %s: %w", path, err)
	}
	return NewSynthetic(data.Processes...), nil
}

// Set inserts or replaces a process entry.
func (s *Synthetic) Set(p SyntheticProcess) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.procs[p.PID] = p
}

// Remove deletes a process entry, simulating process exit.
func (s *Synthetic) Remove(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.procs, pid)
}

// AdvanceCPU adds ticks to a process's cumulative CPU counter.
func (s *Synthetic) AdvanceCPU(pid int, ticks uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.procs[pid]; ok {
		p.CPUTicks += ticks
		s.procs[pid] = p
	}
}

func (s *Synthetic) ListPIDs() ([]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pids := make([]int, 0, len(s.procs))
	for pid := range s.procs {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids, nil
}

func (s *Synthetic) get(pid int) (SyntheticProcess, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.procs[pid]
	if !ok {
		return SyntheticProcess{}, ErrMissing
	}
	return p, nil
}

func (s *Synthetic) ReadName(pid int) (string, error) {
	p, err := s.get(pid)
	if err != nil {
		return "", err
	}
	return p.Name, nil
}

func (s *Synthetic) ReadCmdline(pid int) (string, error) {
	p, err := s.get(pid)
	if err != nil {
		return "", err
	}
	return p.Cmdline, nil
}

func (s *Synthetic) ReadMemorySummary(pid int) ([]byte, error) {
	p, err := s.get(pid)
	if err != nil {
		return nil, err
	}
	if p.NoSummary {
		return nil, ErrNoSummary
	}
	out := fmt.Sprintf(
		"Rss:     %8d kB\nPss:     %8d kB\nShared_Clean:   0 kB\nPrivate_Clean: %8d kB\nPrivate_Dirty: %8d kB\n",
		p.RssKB, p.PssKB, p.PrivateCleanKB, p.PrivateDirtyKB,
	)
	return []byte(out), nil
}

// ReadMemoryDetail renders two mapping blocks whose fields sum to the same
// totals as the summary, so fallback parsing must agree with the fast path.
func (s *Synthetic) ReadMemoryDetail(pid int) ([]byte, error) {
	p, err := s.get(pid)
	if err != nil {
		return nil, err
	}
	block := func(addr string, rss, pss, pc, pd uint64) string {
		return fmt.Sprintf(
			"%s r-xp 00000000 08:01 1234 /synthetic\nSize: %d kB\nRss:  %8d kB\nPss:  %8d kB\nPrivate_Clean: %8d kB\nPrivate_Dirty: %8d kB\n",
			addr, rss, rss, pss, pc, pd,
		)
	}
	half := func(v uint64) (uint64, uint64) { return v - v/2, v / 2 }
	r1, r2 := half(p.RssKB)
	ps1, ps2 := half(p.PssKB)
	pc1, pc2 := half(p.PrivateCleanKB)
	pd1, pd2 := half(p.PrivateDirtyKB)
	out := block("55d000000000-55d000100000", r1, ps1, pc1, pd1) +
		block("7f0000000000-7f0000200000", r2, ps2, pc2, pd2)
	return []byte(out), nil
}

func (s *Synthetic) ReadCPUStat(pid int) (CPUStat, error) {
	p, err := s.get(pid)
	if err != nil {
		return CPUStat{}, err
	}
	// Ticks split across utime/stime the way a real process would report.
	return CPUStat{
		Utime:     p.CPUTicks - p.CPUTicks/3,
		Stime:     p.CPUTicks / 3,
		StartTime: p.StartTimeTicks,
	}, nil
}

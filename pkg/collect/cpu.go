package collect

import (
	"runtime"
	"sync"
	"time"

	"github.com/herakles-io/herakles-proc-mem-exporter/pkg/procsource"
)

// CPUSample is the result of sampling one pid.
type CPUSample struct {
	TimeSeconds float64
	Percent     float64
}

// prior carries one pid's previous observation across scans. A changed
// start time means the pid was reused and invalidates the prior.
type prior struct {
	startTime uint64
	prevTicks uint64
	prevWall  time.Time
}

type cpuShard struct {
	mu     sync.Mutex
	priors map[int]prior
	seen   map[int]struct{}
}

// CPUSampler computes cumulative CPU seconds and delta percent per pid.
// The prior map is sharded by pid so parallel scan workers never contend
// on a single lock; each pid is handled by exactly one worker per scan.
type CPUSampler struct {
	hz     float64
	ncpu   int
	shards []*cpuShard
}

// NewCPUSampler creates a sampler with the given shard count (normally the
// scan parallelism). Tick rate comes from the runtime environment.
func NewCPUSampler(shards int) *CPUSampler {
	if shards < 1 {
		shards = 1
	}
	s := &CPUSampler{
		hz:     float64(procsource.ClockTicks()),
		ncpu:   runtime.NumCPU(),
		shards: make([]*cpuShard, shards),
	}
	for i := range s.shards {
		s.shards[i] = &cpuShard{
			priors: make(map[int]prior),
			seen:   make(map[int]struct{}),
		}
	}
	return s
}

func (s *CPUSampler) shard(pid int) *cpuShard {
	return s.shards[pid%len(s.shards)]
}

// Sample folds a fresh CPU stat into the prior map and returns cumulative
// seconds plus delta percent. First observation, pid reuse and backward
// wallclock all report 0 percent.
func (s *CPUSampler) Sample(pid int, st procsource.CPUStat, now time.Time) CPUSample {
	ticks := st.Utime + st.Stime
	seconds := float64(ticks) / s.hz

	sh := s.shard(pid)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sh.seen[pid] = struct{}{}

	percent := 0.0
	if p, ok := sh.priors[pid]; ok && p.startTime == st.StartTime {
		dt := now.Sub(p.prevWall).Seconds()
		if dt > 0 && ticks >= p.prevTicks {
			percent = 100 * float64(ticks-p.prevTicks) / (s.hz * dt)
			if max := 100 * float64(s.ncpu); percent > max {
				percent = max
			}
		}
	}

	sh.priors[pid] = prior{startTime: st.StartTime, prevTicks: ticks, prevWall: now}
	return CPUSample{TimeSeconds: seconds, Percent: percent}
}

// GC drops priors for pids not observed since the last GC and resets the
// observation marks for the next scan.
func (s *CPUSampler) GC() {
	for _, sh := range s.shards {
		sh.mu.Lock()
		for pid := range sh.priors {
			if _, ok := sh.seen[pid]; !ok {
				delete(sh.priors, pid)
			}
		}
		sh.seen = make(map[int]struct{}, len(sh.priors))
		sh.mu.Unlock()
	}
}

// PriorCount returns the number of pids currently carried across scans.
func (s *CPUSampler) PriorCount() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.priors)
		sh.mu.Unlock()
	}
	return n
}

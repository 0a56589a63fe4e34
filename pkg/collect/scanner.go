package collect

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/herakles-io/herakles-proc-mem-exporter/pkg/classify"
	"github.com/herakles-io/herakles-proc-mem-exporter/pkg/procsource"
)

// Scanner orchestrates one full collection pass: enumerate pids, fan out
// per-pid work across a bounded worker pool, assemble records. All
// collaborators are injected; nothing here is a singleton.
type Scanner struct {
	source     procsource.Source
	classifier *classify.Classifier
	filter     classify.Filter
	memory     *MemoryParser
	cpu        *CPUSampler

	parallelism  int
	maxProcesses int
	logger       *zap.Logger
}

// ScannerOption configures a Scanner.
type ScannerOption func(*Scanner)

// WithParallelism bounds the per-pid worker pool. 0 means NumCPU.
func WithParallelism(n int) ScannerOption {
	return func(s *Scanner) {
		if n > 0 {
			s.parallelism = n
		}
	}
}

// WithMaxProcesses caps the number of pids scanned per pass. 0 means all.
func WithMaxProcesses(n int) ScannerOption {
	return func(s *Scanner) { s.maxProcesses = n }
}

// NewScanner wires the collection pipeline.
func NewScanner(
	source procsource.Source,
	classifier *classify.Classifier,
	filter classify.Filter,
	memory *MemoryParser,
	cpu *CPUSampler,
	logger *zap.Logger,
	opts ...ScannerOption,
) *Scanner {
	s := &Scanner{
		source:      source,
		classifier:  classifier,
		filter:      filter,
		memory:      memory,
		cpu:         cpu,
		parallelism: runtime.NumCPU(),
		logger:      logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Parallelism returns the effective worker pool size.
func (s *Scanner) Parallelism() int { return s.parallelism }

// Scan performs one pass and returns the filtered records. The error is
// non-nil only when enumeration itself failed; per-pid failures drop the
// pid and are never fatal.
func (s *Scanner) Scan(ctx context.Context) ([]ProcessRecord, error) {
	pids, err := s.source.ListPIDs()
	if err != nil {
		return nil, fmt.Errorf("enumerate pids: %w", err)
	}
	if s.maxProcesses > 0 && len(pids) > s.maxProcesses {
		pids = pids[:s.maxProcesses]
	}

	results := make([]*ProcessRecord, len(pids))
	var permissionDenied, malformed atomic.Int64

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)
	for i, pid := range pids {
		g.Go(func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			rec, err := s.collectOne(pid)
			switch {
			case err == nil:
				results[i] = rec
			case errors.Is(err, procsource.ErrPermission):
				permissionDenied.Add(1)
			case errors.Is(err, procsource.ErrMalformed):
				malformed.Add(1)
			case errors.Is(err, procsource.ErrMissing):
				// pid exited between enumeration and read
			default:
				s.logger.Debug("pid dropped", zap.Int("pid", pid), zap.Error(err))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Permission problems are systemic; report once per scan, not per pid.
	if n := permissionDenied.Load(); n > 0 {
		s.logger.Warn("permission denied reading process files", zap.Int64("pids", n))
	}
	if n := malformed.Load(); n > 0 {
		s.logger.Debug("malformed process files", zap.Int64("pids", n))
	}

	records := make([]ProcessRecord, 0, len(pids))
	for _, rec := range results {
		if rec == nil {
			continue
		}
		if !s.filter.Keep(classify.Tag{Group: rec.Group, Subgroup: rec.Subgroup}, rec.USSBytes) {
			continue
		}
		records = append(records, *rec)
	}

	s.cpu.GC()
	return records, nil
}

func (s *Scanner) collectOne(pid int) (*ProcessRecord, error) {
	name, err := s.source.ReadName(pid)
	if err != nil {
		return nil, err
	}
	cmdline, err := s.source.ReadCmdline(pid)
	if err != nil {
		return nil, err
	}

	tag := s.classifier.Classify(name, cmdline)

	mem, err := s.memory.MemoryFor(pid)
	if err != nil {
		return nil, err
	}

	st, err := s.source.ReadCPUStat(pid)
	if err != nil {
		return nil, err
	}
	cpu := s.cpu.Sample(pid, st, time.Now())

	return &ProcessRecord{
		PID:            pid,
		Name:           name,
		Cmdline:        cmdline,
		Group:          tag.Group,
		Subgroup:       tag.Subgroup,
		RSSBytes:       mem.RSSBytes,
		PSSBytes:       mem.PSSBytes,
		USSBytes:       mem.USSBytes,
		CPUTimeSeconds: cpu.TimeSeconds,
		CPUPercent:     cpu.Percent,
	}, nil
}

package collect

import (
	"bufio"
	"bytes"
	"errors"
	"strconv"
	"strings"

	"github.com/herakles-io/herakles-proc-mem-exporter/pkg/procsource"
)

// MemStats is the memory footprint of one process in bytes.
type MemStats struct {
	RSSBytes uint64
	PSSBytes uint64
	USSBytes uint64
}

// MemoryParser extracts RSS/PSS/USS from the consolidated mapping summary
// when the kernel exposes it, falling back to summing the detailed mapping
// file. The preferred path is decided once by probing a known pid.
type MemoryParser struct {
	source        procsource.Source
	preferSummary bool
}

// NewMemoryParser probes probePID (normally the exporter's own pid) to
// select the fast path for the process lifetime.
func NewMemoryParser(source procsource.Source, probePID int) *MemoryParser {
	p := &MemoryParser{source: source, preferSummary: true}
	if _, err := source.ReadMemorySummary(probePID); errors.Is(err, procsource.ErrNoSummary) {
		p.preferSummary = false
	}
	return p
}

// PrefersSummary reports whether the consolidated summary path was selected.
func (p *MemoryParser) PrefersSummary() bool { return p.preferSummary }

// MemoryFor returns the memory footprint of pid. When the preferred summary
// path reports ErrNoSummary for a specific pid the detailed file is used as
// a per-pid fallback.
func (p *MemoryParser) MemoryFor(pid int) (MemStats, error) {
	if p.preferSummary {
		raw, err := p.source.ReadMemorySummary(pid)
		if err == nil {
			return parseMappingFields(raw), nil
		}
		if !errors.Is(err, procsource.ErrNoSummary) {
			return MemStats{}, err
		}
	}
	raw, err := p.source.ReadMemoryDetail(pid)
	if err != nil {
		return MemStats{}, err
	}
	return parseMappingFields(raw), nil
}

// parseMappingFields sums Rss/Pss/Private_Clean/Private_Dirty lines. The
// summary carries each field once; the detailed file repeats them per
// mapping block, so summing handles both formats. Values are kB on the
// wire. Missing fields stay 0 (PSS is absent on some kernels).
func parseMappingFields(raw []byte) MemStats {
	var rssKB, pssKB, cleanKB, dirtyKB uint64

	sc := bufio.NewScanner(bytes.NewReader(raw))
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "Rss:"):
			rssKB += parseKBValue(line[len("Rss:"):])
		case strings.HasPrefix(line, "Pss:"):
			pssKB += parseKBValue(line[len("Pss:"):])
		case strings.HasPrefix(line, "Private_Clean:"):
			cleanKB += parseKBValue(line[len("Private_Clean:"):])
		case strings.HasPrefix(line, "Private_Dirty:"):
			dirtyKB += parseKBValue(line[len("Private_Dirty:"):])
		}
	}

	return MemStats{
		RSSBytes: rssKB * 1024,
		PSSBytes: pssKB * 1024,
		USSBytes: (cleanKB + dirtyKB) * 1024,
	}
}

func parseKBValue(v string) uint64 {
	fields := strings.Fields(v)
	if len(fields) == 0 {
		return 0
	}
	n, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// Package aggregate turns the records of one scan into an immutable
// snapshot: per-subgroup sums, top-N selections and percent-of-subgroup
// shares.
package aggregate

import (
	"sort"
	"time"

	"github.com/herakles-io/herakles-proc-mem-exporter/pkg/collect"
)

// SubgroupAggregate is the rollup of one (group, subgroup) pair.
type SubgroupAggregate struct {
	Group    string
	Subgroup string

	RSSSum        uint64
	PSSSum        uint64
	USSSum        uint64
	CPUPercentSum float64
	CPUTimeSum    float64

	// Members are the subgroup's records ordered by USS descending,
	// pid ascending.
	Members []collect.ProcessRecord
}

// TopEntry is one ranked member of a subgroup top list.
type TopEntry struct {
	Group    string
	Subgroup string
	Rank     int
	PID      int
	Name     string

	RSSBytes       uint64
	PSSBytes       uint64
	USSBytes       uint64
	CPUPercent     float64
	CPUTimeSeconds float64

	PctOfSubgroupRSS float64
	PctOfSubgroupPSS float64
	PctOfSubgroupUSS float64
	PctOfSubgroupCPU float64
}

// Snapshot is the published result of one scan. Immutable once built.
type Snapshot struct {
	GeneratedAt time.Time
	Duration    time.Duration

	PerProcess  []collect.ProcessRecord
	PerSubgroup []SubgroupAggregate

	// TopMemory is ranked by USS descending; TopCPU by cumulative CPU
	// time descending. Ties break toward the smaller pid.
	TopMemory []TopEntry
	TopCPU    []TopEntry

	Success      bool
	ProcessCount int
}

// Limits carries the top-N selection bounds.
type Limits struct {
	TopNSubgroup int
	TopNOthers   int
}

// Build assembles a snapshot from filtered scan records.
func Build(records []collect.ProcessRecord, limits Limits, generatedAt time.Time, duration time.Duration) *Snapshot {
	byTag := make(map[[2]string][]collect.ProcessRecord)
	for _, r := range records {
		key := [2]string{r.Group, r.Subgroup}
		byTag[key] = append(byTag[key], r)
	}

	snap := &Snapshot{
		GeneratedAt:  generatedAt,
		Duration:     duration,
		PerProcess:   append([]collect.ProcessRecord(nil), records...),
		Success:      true,
		ProcessCount: len(records),
	}
	sort.Slice(snap.PerProcess, func(i, j int) bool {
		return snap.PerProcess[i].PID < snap.PerProcess[j].PID
	})

	for key, members := range byTag {
		agg := SubgroupAggregate{Group: key[0], Subgroup: key[1]}
		for _, m := range members {
			agg.RSSSum += m.RSSBytes
			agg.PSSSum += m.PSSBytes
			agg.USSSum += m.USSBytes
			agg.CPUPercentSum += m.CPUPercent
			agg.CPUTimeSum += m.CPUTimeSeconds
		}

		limit := limits.TopNSubgroup
		if key[0] == "other" && key[1] == "other" {
			limit = limits.TopNOthers
		}

		byUSS := append([]collect.ProcessRecord(nil), members...)
		sort.Slice(byUSS, func(i, j int) bool {
			if byUSS[i].USSBytes != byUSS[j].USSBytes {
				return byUSS[i].USSBytes > byUSS[j].USSBytes
			}
			return byUSS[i].PID < byUSS[j].PID
		})
		agg.Members = byUSS

		byCPU := append([]collect.ProcessRecord(nil), members...)
		sort.Slice(byCPU, func(i, j int) bool {
			if byCPU[i].CPUTimeSeconds != byCPU[j].CPUTimeSeconds {
				return byCPU[i].CPUTimeSeconds > byCPU[j].CPUTimeSeconds
			}
			return byCPU[i].PID < byCPU[j].PID
		})

		snap.TopMemory = append(snap.TopMemory, topEntries(byUSS, limit, agg)...)
		snap.TopCPU = append(snap.TopCPU, topEntries(byCPU, limit, agg)...)
		snap.PerSubgroup = append(snap.PerSubgroup, agg)
	}

	sort.Slice(snap.PerSubgroup, func(i, j int) bool {
		a, b := snap.PerSubgroup[i], snap.PerSubgroup[j]
		if a.Group != b.Group {
			return a.Group < b.Group
		}
		return a.Subgroup < b.Subgroup
	})
	sortTop(snap.TopMemory)
	sortTop(snap.TopCPU)

	return snap
}

func topEntries(ordered []collect.ProcessRecord, limit int, agg SubgroupAggregate) []TopEntry {
	if limit < 1 {
		limit = 1
	}
	if limit > len(ordered) {
		limit = len(ordered)
	}
	entries := make([]TopEntry, 0, limit)
	for i := 0; i < limit; i++ {
		m := ordered[i]
		entries = append(entries, TopEntry{
			Group:            agg.Group,
			Subgroup:         agg.Subgroup,
			Rank:             i + 1,
			PID:              m.PID,
			Name:             m.Name,
			RSSBytes:         m.RSSBytes,
			PSSBytes:         m.PSSBytes,
			USSBytes:         m.USSBytes,
			CPUPercent:       m.CPUPercent,
			CPUTimeSeconds:   m.CPUTimeSeconds,
			PctOfSubgroupRSS: pctOf(float64(m.RSSBytes), float64(agg.RSSSum)),
			PctOfSubgroupPSS: pctOf(float64(m.PSSBytes), float64(agg.PSSSum)),
			PctOfSubgroupUSS: pctOf(float64(m.USSBytes), float64(agg.USSSum)),
			PctOfSubgroupCPU: pctOf(m.CPUTimeSeconds, agg.CPUTimeSum),
		})
	}
	return entries
}

// pctOf is 100·part/total, 0 when the total is 0.
func pctOf(part, total float64) float64 {
	if total <= 0 {
		return 0
	}
	return 100 * part / total
}

func sortTop(entries []TopEntry) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Group != b.Group {
			return a.Group < b.Group
		}
		if a.Subgroup != b.Subgroup {
			return a.Subgroup < b.Subgroup
		}
		return a.Rank < b.Rank
	})
}

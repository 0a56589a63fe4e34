package aggregate

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/herakles-io/herakles-proc-mem-exporter/pkg/collect"
)

func pg(pid int, uss uint64, cpuTime float64) collect.ProcessRecord {
	return collect.ProcessRecord{
		PID: pid, Name: "postgres", Group: "db", Subgroup: "postgres",
		RSSBytes: uss * 2, PSSBytes: uss + uss/2, USSBytes: uss,
		CPUTimeSeconds: cpuTime, CPUPercent: cpuTime / 10,
	}
}

func limits() Limits { return Limits{TopNSubgroup: 3, TopNOthers: 10} }

func TestBuildEmpty(t *testing.T) {
	snap := Build(nil, limits(), time.Now(), time.Millisecond)
	assert.True(t, snap.Success)
	assert.Zero(t, snap.ProcessCount)
	assert.Empty(t, snap.PerProcess)
	assert.Empty(t, snap.PerSubgroup)
	assert.Empty(t, snap.TopMemory)
}

func TestBuildSumsMatchMembers(t *testing.T) {
	records := []collect.ProcessRecord{
		pg(1, 300, 30), pg(2, 150, 10), pg(3, 100, 20),
		{PID: 4, Name: "nginx", Group: "web", Subgroup: "nginx", USSBytes: 50, RSSBytes: 70, CPUTimeSeconds: 5},
	}
	snap := Build(records, limits(), time.Now(), 0)
	require.Len(t, snap.PerSubgroup, 2)

	for _, agg := range snap.PerSubgroup {
		var rss, pss, uss uint64
		var cpuTime, cpuPct float64
		for _, r := range snap.PerProcess {
			if r.Group == agg.Group && r.Subgroup == agg.Subgroup {
				rss += r.RSSBytes
				pss += r.PSSBytes
				uss += r.USSBytes
				cpuTime += r.CPUTimeSeconds
				cpuPct += r.CPUPercent
			}
		}
		assert.Equal(t, rss, agg.RSSSum)
		assert.Equal(t, pss, agg.PSSSum)
		assert.Equal(t, uss, agg.USSSum)
		assert.InDelta(t, cpuTime, agg.CPUTimeSum, 1e-9)
		assert.InDelta(t, cpuPct, agg.CPUPercentSum, 1e-9)
	}
}

func TestTopNMemoryRanksAndPercentages(t *testing.T) {
	records := []collect.ProcessRecord{pg(1234, 300, 1), pg(1235, 150, 2), pg(1236, 100, 3)}
	snap := Build(records, limits(), time.Now(), 0)

	require.Len(t, snap.TopMemory, 3)
	assert.Equal(t, []int{1234, 1235, 1236}, []int{snap.TopMemory[0].PID, snap.TopMemory[1].PID, snap.TopMemory[2].PID})
	for i, e := range snap.TopMemory {
		assert.Equal(t, i+1, e.Rank)
	}

	round1 := func(v float64) float64 { return math.Round(v*10) / 10 }
	assert.Equal(t, 54.5, round1(snap.TopMemory[0].PctOfSubgroupUSS))
	assert.Equal(t, 27.3, round1(snap.TopMemory[1].PctOfSubgroupUSS))
	assert.Equal(t, 18.2, round1(snap.TopMemory[2].PctOfSubgroupUSS))
}

func TestTopCPURankedByCPUTime(t *testing.T) {
	records := []collect.ProcessRecord{pg(1, 300, 5), pg(2, 150, 50), pg(3, 100, 20)}
	snap := Build(records, limits(), time.Now(), 0)

	require.Len(t, snap.TopCPU, 3)
	assert.Equal(t, 2, snap.TopCPU[0].PID)
	assert.Equal(t, 3, snap.TopCPU[1].PID)
	assert.Equal(t, 1, snap.TopCPU[2].PID)
}

func TestTopNTieBreaksOnSmallerPID(t *testing.T) {
	records := []collect.ProcessRecord{pg(20, 100, 7), pg(10, 100, 7), pg(30, 100, 7)}

	first := Build(records, limits(), time.Now(), 0)
	second := Build(records, limits(), time.Now(), 0)

	assert.Equal(t, []int{10, 20, 30}, topPIDs(first.TopMemory))
	assert.Equal(t, topPIDs(first.TopMemory), topPIDs(second.TopMemory))
	assert.Equal(t, []int{10, 20, 30}, topPIDs(first.TopCPU))
}

func topPIDs(entries []TopEntry) []int {
	out := make([]int, len(entries))
	for i, e := range entries {
		out[i] = e.PID
	}
	return out
}

func TestTopNLimit(t *testing.T) {
	var records []collect.ProcessRecord
	for pid := 1; pid <= 8; pid++ {
		records = append(records, pg(pid, uint64(1000-pid), float64(pid)))
	}
	snap := Build(records, limits(), time.Now(), 0)
	assert.Len(t, snap.TopMemory, 3)
	assert.Len(t, snap.TopCPU, 3)
}

func TestOtherBucketUsesOwnLimit(t *testing.T) {
	var records []collect.ProcessRecord
	for pid := 1; pid <= 15; pid++ {
		records = append(records, collect.ProcessRecord{
			PID: pid, Name: "misc", Group: "other", Subgroup: "other",
			USSBytes: uint64(100 + pid),
		})
	}
	snap := Build(records, limits(), time.Now(), 0)
	assert.Len(t, snap.TopMemory, 10)
}

func TestZeroSumsYieldZeroPercent(t *testing.T) {
	records := []collect.ProcessRecord{
		{PID: 1, Name: "idle", Group: "other", Subgroup: "other"},
	}
	snap := Build(records, limits(), time.Now(), 0)
	require.Len(t, snap.TopMemory, 1)
	e := snap.TopMemory[0]
	assert.Zero(t, e.PctOfSubgroupRSS)
	assert.Zero(t, e.PctOfSubgroupPSS)
	assert.Zero(t, e.PctOfSubgroupUSS)
	assert.Zero(t, e.PctOfSubgroupCPU)
}

func TestPerProcessSortedAndUnique(t *testing.T) {
	records := []collect.ProcessRecord{pg(3, 10, 1), pg(1, 20, 2), pg(2, 30, 3)}
	snap := Build(records, limits(), time.Now(), 0)

	seen := map[int]bool{}
	last := -1
	for _, r := range snap.PerProcess {
		assert.False(t, seen[r.PID])
		seen[r.PID] = true
		assert.Greater(t, r.PID, last)
		last = r.PID
	}
}

func TestMembersOrderedByUSS(t *testing.T) {
	records := []collect.ProcessRecord{pg(1, 10, 0), pg(2, 30, 0), pg(3, 20, 0)}
	snap := Build(records, limits(), time.Now(), 0)
	require.Len(t, snap.PerSubgroup, 1)
	members := snap.PerSubgroup[0].Members
	require.Len(t, members, 3)
	assert.Equal(t, []int{2, 3, 1}, []int{members[0].PID, members[1].PID, members[2].PID})
}

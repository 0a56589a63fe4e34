// Package system publishes host-wide load, memory and CPU gauges next to
// the per-process families.
package system

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

// Collector samples host-wide state on each scrape. CPU usage ratios are
// deltas against the previous scrape's counters.
type Collector struct {
	logger *zap.Logger

	load1  prometheus.Gauge
	load5  prometheus.Gauge
	load15 prometheus.Gauge

	memTotal     prometheus.Gauge
	memAvailable prometheus.Gauge
	memUsedRatio prometheus.Gauge

	cpuRatio *prometheus.GaugeVec

	mu   sync.Mutex
	prev map[string]cpu.TimesStat
}

// NewCollector registers the system gauges on the given registry.
func NewCollector(reg *prometheus.Registry, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger,
		load1: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "herakles_system_load1", Help: "System load average over 1 minute"}),
		load5: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "herakles_system_load5", Help: "System load average over 5 minutes"}),
		load15: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "herakles_system_load15", Help: "System load average over 15 minutes"}),
		memTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "herakles_system_memory_total_bytes", Help: "Total system memory in bytes"}),
		memAvailable: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "herakles_system_memory_available_bytes", Help: "Available system memory in bytes"}),
		memUsedRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "herakles_system_memory_used_ratio", Help: "Memory used ratio: 1 - (available / total)"}),
		cpuRatio: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "herakles_system_cpu_usage_ratio",
			Help: "CPU usage ratio per core and total, delta over previous scrape"},
			[]string{"cpu"}),
		prev: make(map[string]cpu.TimesStat),
	}
	reg.MustRegister(c.load1, c.load5, c.load15, c.memTotal, c.memAvailable, c.memUsedRatio, c.cpuRatio)
	return c
}

// Update refreshes all system gauges. Probe failures are logged and leave
// the previous values in place; they never fail a scrape.
func (c *Collector) Update() {
	if avg, err := load.Avg(); err == nil {
		c.load1.Set(avg.Load1)
		c.load5.Set(avg.Load5)
		c.load15.Set(avg.Load15)
	} else {
		c.logger.Warn("read load average", zap.Error(err))
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		c.memTotal.Set(float64(vm.Total))
		c.memAvailable.Set(float64(vm.Available))
		if vm.Total > 0 {
			c.memUsedRatio.Set(1 - float64(vm.Available)/float64(vm.Total))
		}
	} else {
		c.logger.Warn("read memory info", zap.Error(err))
	}

	c.updateCPURatios()
}

func (c *Collector) updateCPURatios() {
	perCore, err := cpu.Times(true)
	if err != nil {
		c.logger.Warn("read per-core cpu times", zap.Error(err))
		return
	}
	total, err := cpu.Times(false)
	if err != nil {
		c.logger.Warn("read total cpu times", zap.Error(err))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, stat := range append(perCore, total...) {
		if prev, ok := c.prev[stat.CPU]; ok {
			if ratio, ok := usageRatio(prev, stat); ok {
				c.cpuRatio.WithLabelValues(stat.CPU).Set(ratio)
			}
		}
		c.prev[stat.CPU] = stat
	}
}

// usageRatio computes busy/total over the delta between two counter
// samples. Returns false when the window is empty.
func usageRatio(prev, cur cpu.TimesStat) (float64, bool) {
	prevBusy := busy(prev)
	curBusy := busy(cur)
	prevTotal := prevBusy + prev.Idle + prev.Iowait
	curTotal := curBusy + cur.Idle + cur.Iowait

	dTotal := curTotal - prevTotal
	dBusy := curBusy - prevBusy
	if dTotal <= 0 || dBusy < 0 {
		return 0, false
	}
	return dBusy / dTotal, true
}

func busy(t cpu.TimesStat) float64 {
	return t.User + t.Nice + t.System + t.Irq + t.Softirq + t.Steal
}

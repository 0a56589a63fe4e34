// Package metrics owns the Prometheus registry and materializes snapshots
// into gauge families for scraping.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/herakles-io/herakles-proc-mem-exporter/pkg/aggregate"
	"github.com/herakles-io/herakles-proc-mem-exporter/pkg/cache"
)

const namespace = "herakles"

// Flags gate which metric families are emitted.
type Flags struct {
	RSS       bool
	PSS       bool
	USS       bool
	CPU       bool
	Telemetry bool
}

// Metrics is the gauge family set backing /metrics.
type Metrics struct {
	registry *prometheus.Registry
	flags    Flags

	rss        *prometheus.GaugeVec
	pss        *prometheus.GaugeVec
	uss        *prometheus.GaugeVec
	cpuPercent *prometheus.GaugeVec
	cpuTime    *prometheus.GaugeVec

	aggRSS        *prometheus.GaugeVec
	aggPSS        *prometheus.GaugeVec
	aggUSS        *prometheus.GaugeVec
	aggCPUPercent *prometheus.GaugeVec
	aggCPUTime    *prometheus.GaugeVec

	topRSS        *prometheus.GaugeVec
	topPSS        *prometheus.GaugeVec
	topUSS        *prometheus.GaugeVec
	topCPUPercent *prometheus.GaugeVec
	topCPUTime    *prometheus.GaugeVec

	topRSSPct *prometheus.GaugeVec
	topPSSPct *prometheus.GaugeVec
	topUSSPct *prometheus.GaugeVec
	topCPUPct *prometheus.GaugeVec

	scrapeDuration      prometheus.Gauge
	processesTotal      prometheus.Gauge
	cacheUpdateDuration prometheus.Gauge
	cacheUpdateSuccess  prometheus.Gauge
	cacheUpdating       prometheus.Gauge
}

var (
	processLabels = []string{"pid", "name", "group", "subgroup"}
	groupLabels   = []string{"group", "subgroup"}
	topLabels     = []string{"group", "subgroup", "rank", "pid", "name"}
)

func gaugeVec(name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labels)
}

func gauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
}

// New builds and registers all families on a fresh registry.
func New(flags Flags) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		flags:    flags,

		rss:        gaugeVec(namespace+"_proc_mem_rss_bytes", "Resident Set Size per process in bytes", processLabels),
		pss:        gaugeVec(namespace+"_proc_mem_pss_bytes", "Proportional Set Size per process in bytes", processLabels),
		uss:        gaugeVec(namespace+"_proc_mem_uss_bytes", "Unique Set Size per process in bytes", processLabels),
		cpuPercent: gaugeVec(namespace+"_proc_mem_cpu_percent", "CPU usage per process in percent (delta over last scan)", processLabels),
		cpuTime:    gaugeVec(namespace+"_proc_mem_cpu_time_seconds", "Total CPU time used per process", processLabels),

		aggRSS:        gaugeVec(namespace+"_proc_mem_group_rss_bytes_sum", "Sum of RSS bytes per subgroup", groupLabels),
		aggPSS:        gaugeVec(namespace+"_proc_mem_group_pss_bytes_sum", "Sum of PSS bytes per subgroup", groupLabels),
		aggUSS:        gaugeVec(namespace+"_proc_mem_group_uss_bytes_sum", "Sum of USS bytes per subgroup", groupLabels),
		aggCPUPercent: gaugeVec(namespace+"_proc_mem_group_cpu_percent_sum", "Sum of CPU percent per subgroup", groupLabels),
		aggCPUTime:    gaugeVec(namespace+"_proc_mem_group_cpu_time_seconds_sum", "Sum of CPU time seconds per subgroup", groupLabels),

		topRSS:        gaugeVec(namespace+"_proc_mem_top_rss_bytes", "Top-N RSS per subgroup", topLabels),
		topPSS:        gaugeVec(namespace+"_proc_mem_top_pss_bytes", "Top-N PSS per subgroup", topLabels),
		topUSS:        gaugeVec(namespace+"_proc_mem_top_uss_bytes", "Top-N USS per subgroup", topLabels),
		topCPUPercent: gaugeVec(namespace+"_proc_mem_top_cpu_percent", "Top-N CPU percent per subgroup", topLabels),
		topCPUTime:    gaugeVec(namespace+"_proc_mem_top_cpu_time_seconds", "Top-N CPU time seconds per subgroup", topLabels),

		topRSSPct: gaugeVec(namespace+"_proc_mem_top_rss_percent_of_subgroup", "Top-N RSS as percentage of subgroup total RSS", topLabels),
		topPSSPct: gaugeVec(namespace+"_proc_mem_top_pss_percent_of_subgroup", "Top-N PSS as percentage of subgroup total PSS", topLabels),
		topUSSPct: gaugeVec(namespace+"_proc_mem_top_uss_percent_of_subgroup", "Top-N USS as percentage of subgroup total USS", topLabels),
		topCPUPct: gaugeVec(namespace+"_proc_mem_top_cpu_percent_of_subgroup", "Top-N CPU time as percentage of subgroup total CPU time", topLabels),

		scrapeDuration:      gauge(namespace+"_scrape_duration_seconds", "Duration of the last scrape"),
		processesTotal:      gauge(namespace+"_processes_total", "Number of processes in the published snapshot"),
		cacheUpdateDuration: gauge(namespace+"_cache_update_duration_seconds", "Duration of the last cache update"),
		cacheUpdateSuccess:  gauge(namespace+"_cache_update_success", "Whether the last cache update succeeded (1/0)"),
		cacheUpdating:       gauge(namespace+"_cache_updating", "Whether a cache update is in flight (1/0)"),
	}

	if flags.RSS {
		m.registry.MustRegister(m.rss, m.aggRSS, m.topRSS, m.topRSSPct)
	}
	if flags.PSS {
		m.registry.MustRegister(m.pss, m.aggPSS, m.topPSS, m.topPSSPct)
	}
	if flags.USS {
		m.registry.MustRegister(m.uss, m.aggUSS, m.topUSS, m.topUSSPct)
	}
	if flags.CPU {
		m.registry.MustRegister(m.cpuPercent, m.cpuTime, m.aggCPUPercent, m.aggCPUTime, m.topCPUPercent, m.topCPUTime, m.topCPUPct)
	}
	if flags.Telemetry {
		m.registry.MustRegister(m.scrapeDuration, m.processesTotal,
			m.cacheUpdateDuration, m.cacheUpdateSuccess, m.cacheUpdating)
	}
	return m
}

// Registry exposes the underlying registry for the HTTP handler and for
// auxiliary collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Render resets all families and repopulates them from a snapshot. The
// registry gathers a consistent view afterwards because scrape handlers
// serialize rendering.
func (m *Metrics) Render(snap *aggregate.Snapshot, stats cache.Stats) {
	m.reset()

	for _, p := range snap.PerProcess {
		labels := prometheus.Labels{
			"pid":      strconv.Itoa(p.PID),
			"name":     p.Name,
			"group":    p.Group,
			"subgroup": p.Subgroup,
		}
		if m.flags.RSS {
			m.rss.With(labels).Set(float64(p.RSSBytes))
		}
		if m.flags.PSS {
			m.pss.With(labels).Set(float64(p.PSSBytes))
		}
		if m.flags.USS {
			m.uss.With(labels).Set(float64(p.USSBytes))
		}
		if m.flags.CPU {
			m.cpuPercent.With(labels).Set(p.CPUPercent)
			m.cpuTime.With(labels).Set(p.CPUTimeSeconds)
		}
	}

	for _, a := range snap.PerSubgroup {
		labels := prometheus.Labels{"group": a.Group, "subgroup": a.Subgroup}
		if m.flags.RSS {
			m.aggRSS.With(labels).Set(float64(a.RSSSum))
		}
		if m.flags.PSS {
			m.aggPSS.With(labels).Set(float64(a.PSSSum))
		}
		if m.flags.USS {
			m.aggUSS.With(labels).Set(float64(a.USSSum))
		}
		if m.flags.CPU {
			m.aggCPUPercent.With(labels).Set(a.CPUPercentSum)
			m.aggCPUTime.With(labels).Set(a.CPUTimeSum)
		}
	}

	for _, t := range snap.TopMemory {
		labels := topEntryLabels(t)
		if m.flags.RSS {
			m.topRSS.With(labels).Set(float64(t.RSSBytes))
			m.topRSSPct.With(labels).Set(t.PctOfSubgroupRSS)
		}
		if m.flags.PSS {
			m.topPSS.With(labels).Set(float64(t.PSSBytes))
			m.topPSSPct.With(labels).Set(t.PctOfSubgroupPSS)
		}
		if m.flags.USS {
			m.topUSS.With(labels).Set(float64(t.USSBytes))
			m.topUSSPct.With(labels).Set(t.PctOfSubgroupUSS)
		}
	}
	if m.flags.CPU {
		for _, t := range snap.TopCPU {
			labels := topEntryLabels(t)
			m.topCPUPercent.With(labels).Set(t.CPUPercent)
			m.topCPUTime.With(labels).Set(t.CPUTimeSeconds)
			m.topCPUPct.With(labels).Set(t.PctOfSubgroupCPU)
		}
	}

	m.processesTotal.Set(float64(snap.ProcessCount))
	m.cacheUpdateDuration.Set(stats.UpdateDurationSeconds)
	m.cacheUpdateSuccess.Set(boolGauge(stats.UpdateSuccess))
	m.cacheUpdating.Set(boolGauge(stats.Updating))
}

// ObserveScrape records the scrape handler's own duration.
func (m *Metrics) ObserveScrape(seconds float64) {
	m.scrapeDuration.Set(seconds)
}

func topEntryLabels(t aggregate.TopEntry) prometheus.Labels {
	return prometheus.Labels{
		"group":    t.Group,
		"subgroup": t.Subgroup,
		"rank":     strconv.Itoa(t.Rank),
		"pid":      strconv.Itoa(t.PID),
		"name":     t.Name,
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func (m *Metrics) reset() {
	m.rss.Reset()
	m.pss.Reset()
	m.uss.Reset()
	m.cpuPercent.Reset()
	m.cpuTime.Reset()

	m.aggRSS.Reset()
	m.aggPSS.Reset()
	m.aggUSS.Reset()
	m.aggCPUPercent.Reset()
	m.aggCPUTime.Reset()

	m.topRSS.Reset()
	m.topPSS.Reset()
	m.topUSS.Reset()
	m.topCPUPercent.Reset()
	m.topCPUTime.Reset()

	m.topRSSPct.Reset()
	m.topPSSPct.Reset()
	m.topUSSPct.Reset()
	m.topCPUPct.Reset()
}

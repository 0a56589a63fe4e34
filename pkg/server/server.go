// Package server exposes the scrape endpoints over HTTP or HTTPS.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/herakles-io/herakles-proc-mem-exporter/pkg/cache"
	"github.com/herakles-io/herakles-proc-mem-exporter/pkg/classify"
	"github.com/herakles-io/herakles-proc-mem-exporter/pkg/config"
	"github.com/herakles-io/herakles-proc-mem-exporter/pkg/health"
	"github.com/herakles-io/herakles-proc-mem-exporter/pkg/metrics"
	"github.com/herakles-io/herakles-proc-mem-exporter/pkg/system"
)

// Server wires the scrape endpoints to the snapshot cache. Scrape readers
// only take a snapshot reference; they never block a refresh.
type Server struct {
	cfg        *config.Config
	logger     *zap.Logger
	cache      *cache.Cache
	metrics    *metrics.Metrics
	system     *system.Collector
	monitor    *health.Monitor
	classifier *classify.Classifier

	httpServer *http.Server

	// renderMu serializes snapshot rendering into the shared registry so
	// concurrent scrapes gather a consistent view.
	renderMu sync.Mutex
}

// New assembles the HTTP surface. system and monitor may be nil when the
// corresponding features are disabled.
func New(
	cfg *config.Config,
	logger *zap.Logger,
	c *cache.Cache,
	m *metrics.Metrics,
	sys *system.Collector,
	monitor *health.Monitor,
	classifier *classify.Classifier,
) *Server {
	s := &Server{
		cfg:        cfg,
		logger:     logger,
		cache:      c,
		metrics:    m,
		system:     sys,
		monitor:    monitor,
		classifier: classifier,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", s.handleMetrics)
	if cfg.EnableHealth {
		mux.HandleFunc("/health", s.handleHealth)
	}
	mux.HandleFunc("/config", s.handleConfig)
	mux.HandleFunc("/subgroups", s.handleSubgroups)
	mux.HandleFunc("/doc", s.handleDoc)

	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled, then shuts down gracefully within
// grace. The listener stops accepting scrapes immediately on shutdown.
func (s *Server) Run(ctx context.Context, grace time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.cfg.EnableTLS {
			s.logger.Info("listening with TLS", zap.String("addr", s.httpServer.Addr))
			err = s.httpServer.ListenAndServeTLS(s.cfg.TLSCertPath, s.cfg.TLSKeyPath)
		} else {
			s.logger.Info("listening", zap.String("addr", s.httpServer.Addr))
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("listen on %s: %w", s.httpServer.Addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	snap, err := s.cache.Get(r.Context())
	if err != nil {
		s.logger.Error("scrape failed", zap.Error(err))
		http.Error(w, "no snapshot available", http.StatusServiceUnavailable)
		return
	}

	s.renderMu.Lock()
	s.metrics.Render(snap, s.cache.Stats())
	if s.system != nil {
		s.system.Update()
	}
	s.metrics.ObserveScrape(time.Since(start).Seconds())
	handler := promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{})
	handler.ServeHTTP(w, r)
	s.renderMu.Unlock()
}

type healthResponse struct {
	Status string        `json:"status"`
	Cache  cacheHealth   `json:"cache"`
	Report health.Report `json:"buffer_health"`
}

type cacheHealth struct {
	LastUpdated     string  `json:"last_updated,omitempty"`
	UpdateDuration  float64 `json:"update_duration_seconds"`
	UpdateSuccess   bool    `json:"update_success"`
	Updating        bool    `json:"updating"`
	ProcessesCached int     `json:"processes_cached"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	stats := s.cache.Stats()

	resp := healthResponse{
		Status: "ok",
		Cache: cacheHealth{
			UpdateDuration: stats.UpdateDurationSeconds,
			UpdateSuccess:  stats.UpdateSuccess,
			Updating:       stats.Updating,
		},
	}
	if !stats.LastRefresh.IsZero() {
		resp.Cache.LastUpdated = stats.LastRefresh.UTC().Format(time.RFC3339)
	}
	if snap := s.cache.Current(); snap != nil {
		resp.Cache.ProcessesCached = snap.ProcessCount
	}
	if s.monitor != nil {
		resp.Report = s.monitor.Get()
		if resp.Report.OverallStatus != health.StatusOK {
			resp.Status = string(resp.Report.OverallStatus)
		}
	}

	code := http.StatusOK
	if !stats.HasCurrent {
		resp.Status = "starting"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Debug("encode health response", zap.Error(err))
	}
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	out, err := yaml.Marshal(s.cfg)
	if err != nil {
		http.Error(w, "failed to render config", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "# effective configuration\n%s", out)
}

func (s *Server) handleSubgroups(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "LOADED SUBGROUP RULES (%d families)\n\n", s.classifier.RuleCount())
	verbose := r.URL.Query().Get("verbose") != ""
	for _, f := range s.classifier.Families() {
		fmt.Fprintf(w, "%-16s %-20s names=%d cmdline_patterns=%d\n",
			f.Group, f.Subgroup, len(f.Matches), len(f.CmdlineMatches))
		if verbose {
			for _, m := range f.Matches {
				fmt.Fprintf(w, "    name: %s\n", m)
			}
			for _, p := range f.CmdlineMatches {
				fmt.Fprintf(w, "    cmdline: %s\n", p)
			}
		}
	}
}

func (s *Server) handleDoc(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, docText)
}

const docText = `herakles-proc-mem-exporter

Per-process memory and CPU telemetry for Linux.

Endpoints
  /metrics    Prometheus text format
  /health     cache and buffer health (JSON)
  /config     effective configuration (YAML)
  /subgroups  loaded classification rules (add ?verbose=1 for match lists)
  /doc        this document

Metric families
  herakles_proc_mem_rss_bytes                     RSS per process
  herakles_proc_mem_pss_bytes                     PSS per process
  herakles_proc_mem_uss_bytes                     USS per process
  herakles_proc_mem_cpu_percent                   CPU percent since last scan
  herakles_proc_mem_cpu_time_seconds              cumulative CPU seconds
  herakles_proc_mem_group_*_sum                   per-subgroup sums
  herakles_proc_mem_top_*                         top-N per subgroup
  herakles_proc_mem_top_*_percent_of_subgroup     top-N share of subgroup
  herakles_system_*                               host-wide load/memory/CPU
  herakles_scrape_duration_seconds                internal telemetry
  herakles_processes_total
  herakles_cache_update_duration_seconds
  herakles_cache_update_success
  herakles_cache_updating
`

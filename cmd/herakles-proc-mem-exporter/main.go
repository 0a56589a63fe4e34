//go:build linux

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/herakles-io/herakles-proc-mem-exporter/pkg/aggregate"
	"github.com/herakles-io/herakles-proc-mem-exporter/pkg/cache"
	"github.com/herakles-io/herakles-proc-mem-exporter/pkg/classify"
	"github.com/herakles-io/herakles-proc-mem-exporter/pkg/collect"
	"github.com/herakles-io/herakles-proc-mem-exporter/pkg/config"
	"github.com/herakles-io/herakles-proc-mem-exporter/pkg/health"
	"github.com/herakles-io/herakles-proc-mem-exporter/pkg/logging"
	"github.com/herakles-io/herakles-proc-mem-exporter/pkg/metrics"
	"github.com/herakles-io/herakles-proc-mem-exporter/pkg/procsource"
	"github.com/herakles-io/herakles-proc-mem-exporter/pkg/server"
	"github.com/herakles-io/herakles-proc-mem-exporter/pkg/system"
	"github.com/herakles-io/herakles-proc-mem-exporter/pkg/types"
)

// shutdownGrace bounds how long an in-flight refresh may delay exit.
const shutdownGrace = 30 * time.Second

func main() {
	var configFile string

	root := &cobra.Command{
		Use:   "herakles-proc-mem-exporter",
		Short: "Prometheus exporter for per-process RSS/PSS/USS and CPU metrics",
		Long: `Prometheus exporter for per-process memory and CPU metrics on Linux.
Scans the process pseudo-filesystem, classifies processes into groups and
subgroups, and serves aggregated RSS/PSS/USS and CPU usage over HTTP(S).`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(configFile, cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()
			return runServe(cmd.Context(), cfg, logger)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&configFile, "config", "c", "", "config file (YAML/JSON/TOML)")

	f := root.Flags()
	f.IntP("port", "p", config.DefaultPort, "HTTP listen port")
	f.String("bind", config.DefaultBind, "bind to specific interface/IP")
	f.Int("cache_ttl", config.DefaultCacheTTL, "cache metrics for N seconds")
	f.Int("parallelism", 0, "parallel scan workers (0 = logical CPU count)")
	f.Int("max_processes", 0, "maximum number of processes to scan (0 = all)")
	f.Int("io_buffer_kb", 256, "buffer size (KB) for generic per-pid readers")
	f.Int("smaps_buffer_kb", 512, "buffer size (KB) for smaps")
	f.Int("smaps_rollup_buffer_kb", 256, "buffer size (KB) for smaps_rollup")
	f.Uint64("min_uss_kb", 0, "minimum USS in KB to include a process")
	f.Int("top_n_subgroup", 3, "top-N processes to export per subgroup")
	f.Int("top_n_others", 10, "top-N processes to export for the other bucket")
	f.String("search_mode", "off", "group filter mode: off, include or exclude")
	f.StringSlice("search_groups", nil, "groups for search_mode")
	f.StringSlice("search_subgroups", nil, "subgroups for search_mode")
	f.Bool("disable_others", false, "drop unclassified processes entirely")
	f.Bool("enable_tls", false, "serve HTTPS")
	f.String("tls_cert_path", "", "TLS certificate path")
	f.String("tls_key_path", "", "TLS key path")
	f.String("log_level", "info", "log level (debug, info, warn, error)")
	f.String("test_data_file", "", "JSON test data file (synthetic data instead of /proc)")

	root.AddCommand(
		newCheckCmd(&configFile),
		newConfigCmd(&configFile),
		newSubgroupsCmd(),
		newTestCmd(&configFile),
		newGenerateTestdataCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// setup resolves configuration and builds the logger. Both are fatal on
// error, matching the startup error policy.
func setup(configFile string, cmd *cobra.Command) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// pipeline bundles the collection stack assembled from one config.
type pipeline struct {
	classifier *classify.Classifier
	monitor    *health.Monitor
	scanner    *collect.Scanner
	cache      *cache.Cache
}

func buildPipeline(cfg *config.Config, logger *zap.Logger) (*pipeline, error) {
	classifier, err := classify.Load()
	if err != nil {
		return nil, err
	}

	monitor := health.NewMonitor(health.DefaultThresholds(
		cfg.IOBufferKB, cfg.SmapsBufferKB, cfg.SmapsRollupBufferKB))

	var source procsource.Source
	if cfg.TestDataFile != "" {
		synthetic, err := procsource.LoadSynthetic(cfg.TestDataFile)
		if err != nil {
			return nil, err
		}
		logger.Info("using synthetic test data", zap.String("file", cfg.TestDataFile))
		source = synthetic
	} else {
		source = procsource.NewFS(cfg.ProcRoot,
			procsource.WithBuffers(cfg.IOBufferKB, cfg.SmapsBufferKB, cfg.SmapsRollupBufferKB),
			procsource.WithObserver(monitor),
		)
	}

	parallelism := cfg.Parallelism
	if parallelism <= 0 {
		parallelism = runtime.NumCPU()
	}

	memory := collect.NewMemoryParser(source, os.Getpid())
	sampler := collect.NewCPUSampler(parallelism)
	filter := classify.NewFilter(cfg.SearchMode, cfg.SearchGroups, cfg.SearchSubgroups,
		cfg.DisableOthers, cfg.MinUSSKB)

	scanner := collect.NewScanner(source, classifier, filter, memory, sampler, logger,
		collect.WithParallelism(parallelism),
		collect.WithMaxProcesses(cfg.MaxProcesses),
	)

	limits := aggregate.Limits{TopNSubgroup: cfg.TopNSubgroup, TopNOthers: cfg.TopNOthers}
	refresh := func(ctx context.Context) (*aggregate.Snapshot, error) {
		start := time.Now()
		records, err := scanner.Scan(ctx)
		if err != nil {
			return nil, err
		}
		return aggregate.Build(records, limits, start, time.Since(start)), nil
	}

	return &pipeline{
		classifier: classifier,
		monitor:    monitor,
		scanner:    scanner,
		cache:      cache.New(refresh, cfg.CacheTTL(), logger),
	}, nil
}

func runServe(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	p, err := buildPipeline(cfg, logger)
	if err != nil {
		return err
	}

	m := metrics.New(metrics.Flags{
		RSS:       cfg.EnableRSS,
		PSS:       cfg.EnablePSS,
		USS:       cfg.EnableUSS,
		CPU:       cfg.EnableCPU,
		Telemetry: cfg.EnableTelemetry,
	})

	var sys *system.Collector
	if cfg.TestDataFile == "" {
		sys = system.NewCollector(m.Registry(), logger)
	}

	var monitor *health.Monitor
	if cfg.EnableHealth {
		monitor = p.monitor
	}

	p.cache.StartBackground(cfg.CacheTTL())
	defer p.cache.Close(shutdownGrace)

	srv := server.New(cfg, logger, p.cache, m, sys, monitor, p.classifier)
	logger.Info("starting exporter",
		zap.String("addr", cfg.ListenAddr()),
		zap.Int("parallelism", p.scanner.Parallelism()),
		zap.Duration("cache_ttl", cfg.CacheTTL()),
		zap.Int("rule_families", p.classifier.RuleCount()),
	)
	return srv.Run(ctx, shutdownGrace)
}

func newCheckCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate configuration and system requirements",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configFile, nil)
			if err != nil {
				return err
			}
			fmt.Println("config: ok")

			if _, err := classify.Load(); err != nil {
				return fmt.Errorf("subgroup rules: %w", err)
			}
			fmt.Println("subgroup rules: ok")

			source := procsource.NewFS(cfg.ProcRoot)
			pids, err := source.ListPIDs()
			if err != nil {
				return fmt.Errorf("process filesystem %s: %w", cfg.ProcRoot, err)
			}
			fmt.Printf("process filesystem: ok (%d pids visible)\n", len(pids))

			parser := collect.NewMemoryParser(source, os.Getpid())
			if _, err := parser.MemoryFor(os.Getpid()); err != nil {
				return fmt.Errorf("memory accounting: %w", err)
			}
			if parser.PrefersSummary() {
				fmt.Println("memory accounting: ok (smaps_rollup)")
			} else {
				fmt.Println("memory accounting: ok (smaps fallback)")
			}
			return nil
		},
	}
}

func newConfigCmd(configFile *string) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective merged configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configFile, nil)
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			if output != "" {
				return os.WriteFile(output, out, 0o644)
			}
			fmt.Print(string(out))
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write config to file instead of stdout")
	return cmd
}

func newSubgroupsCmd() *cobra.Command {
	var group string
	var verbose bool
	cmd := &cobra.Command{
		Use:   "subgroups",
		Short: "List available process subgroups",
		RunE: func(cmd *cobra.Command, _ []string) error {
			classifier, err := classify.Load()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "GROUP\tSUBGROUP\tNAMES\tCMDLINE PATTERNS")
			for _, f := range classifier.Families() {
				if group != "" && f.Group != group {
					continue
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\n", f.Group, f.Subgroup, len(f.Matches), len(f.CmdlineMatches))
				if verbose {
					for _, m := range f.Matches {
						fmt.Fprintf(w, "\t  name: %s\t\t\n", m)
					}
					for _, p := range f.CmdlineMatches {
						fmt.Fprintf(w, "\t  cmdline: %s\t\t\n", p)
					}
				}
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVarP(&group, "group", "g", "", "filter by group name")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "show detailed matching rules")
	return cmd
}

func newTestCmd(configFile *string) *cobra.Command {
	var iterations int
	var verbose bool
	cmd := &cobra.Command{
		Use:   "test",
		Short: "Run collection passes and print a summary",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(*configFile, cmd.Root())
			if err != nil {
				return err
			}
			defer logger.Sync()

			p, err := buildPipeline(cfg, logger)
			if err != nil {
				return err
			}
			limits := aggregate.Limits{TopNSubgroup: cfg.TopNSubgroup, TopNOthers: cfg.TopNOthers}

			for i := 0; i < iterations; i++ {
				start := time.Now()
				records, err := p.scanner.Scan(cmd.Context())
				if err != nil {
					return err
				}
				snap := aggregate.Build(records, limits, start, time.Since(start))

				fmt.Printf("iteration %d: %d processes, %d subgroups, %s\n",
					i+1, snap.ProcessCount, len(snap.PerSubgroup), snap.Duration.Round(time.Millisecond))

				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "GROUP\tSUBGROUP\tPROCS\tRSS\tPSS\tUSS\tCPU%\tCPU TIME")
				for _, a := range snap.PerSubgroup {
					fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\t%.1f\t%.1fs\n",
						a.Group, a.Subgroup, len(a.Members),
						types.Bytes(a.RSSSum).Humanized(),
						types.Bytes(a.PSSSum).Humanized(),
						types.Bytes(a.USSSum).Humanized(),
						a.CPUPercentSum, a.CPUTimeSum)
				}
				w.Flush()

				if verbose {
					for _, t := range snap.TopMemory {
						fmt.Printf("  top %s/%s #%d pid=%d %s uss=%s (%.1f%%)\n",
							t.Group, t.Subgroup, t.Rank, t.PID, t.Name,
							types.Bytes(t.USSBytes).Humanized(), t.PctOfSubgroupUSS)
					}
				}
				if i+1 < iterations {
					time.Sleep(time.Second)
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&iterations, "iterations", "n", 1, "number of test iterations")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "show top processes per subgroup")
	return cmd
}

func newGenerateTestdataCmd() *cobra.Command {
	var output string
	var minPerSubgroup, othersCount int
	var seed int64
	cmd := &cobra.Command{
		Use:   "generate-testdata",
		Short: "Generate a synthetic test data JSON file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			classifier, err := classify.Load()
			if err != nil {
				return err
			}

			rng := rand.New(rand.NewSource(seed))
			var data procsource.SyntheticData
			pid := 1000

			for _, f := range classifier.Families() {
				if len(f.Matches) == 0 {
					continue
				}
				for i := 0; i < minPerSubgroup; i++ {
					data.Processes = append(data.Processes,
						randomProcess(rng, &pid, f.Matches[i%len(f.Matches)]))
				}
			}
			for i := 0; i < othersCount; i++ {
				data.Processes = append(data.Processes,
					randomProcess(rng, &pid, fmt.Sprintf("custom-daemon-%d", i)))
			}

			out, err := json.MarshalIndent(data, "", "  ")
			if err != nil {
				return err
			}
			if err := os.WriteFile(output, out, 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %d processes to %s\n", len(data.Processes), output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "testdata.json", "output file path")
	cmd.Flags().IntVar(&minPerSubgroup, "min-per-subgroup", 6, "processes to generate per subgroup with name matches")
	cmd.Flags().IntVar(&othersCount, "others-count", 12, "number of unclassified processes")
	cmd.Flags().Int64Var(&seed, "seed", 1, "random seed for reproducible output")
	return cmd
}

func randomProcess(rng *rand.Rand, pid *int, name string) procsource.SyntheticProcess {
	*pid++
	rssKB := uint64(rng.Intn(1<<20) + 1024)
	cleanKB := rssKB / uint64(rng.Intn(6)+2)
	dirtyKB := rssKB / uint64(rng.Intn(6)+2)
	return procsource.SyntheticProcess{
		PID:            *pid,
		Name:           name,
		Cmdline:        "/usr/bin/" + name,
		RssKB:          rssKB,
		PssKB:          rssKB / 2,
		PrivateCleanKB: cleanKB,
		PrivateDirtyKB: dirtyKB,
		CPUTicks:       uint64(rng.Intn(1_000_000)),
		StartTimeTicks: uint64(rng.Intn(100_000)),
	}
}

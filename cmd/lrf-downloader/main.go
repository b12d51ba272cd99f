package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/aluiziolira/go-lrf-downloader/config"
	"github.com/aluiziolira/go-lrf-downloader/models"
	"github.com/aluiziolira/go-lrf-downloader/pipeline"
	"github.com/aluiziolira/go-lrf-downloader/progress"
	"github.com/aluiziolira/go-lrf-downloader/scraper"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, err := newRootCmd()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := cmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

// newRootCmd builds the command with defaults taken from the environment.
func newRootCmd() (*cobra.Command, error) {
	cfg := config.DefaultConfig()

	if value, ok, err := config.EnvInt("LRF_INITIAL_YEAR"); err != nil {
		return nil, fmt.Errorf("invalid LRF_INITIAL_YEAR: %w", err)
	} else if ok {
		cfg.InitialYear = value
	}
	if value, ok, err := config.EnvInt("LRF_PARALLEL"); err != nil {
		return nil, fmt.Errorf("invalid LRF_PARALLEL: %w", err)
	} else if ok {
		cfg.Parallelism = value
	}
	if value, ok := config.EnvString("LRF_OUTPUT_DIR"); ok {
		cfg.OutputDir = value
	}
	if value, ok := config.EnvString("LRF_METRICS_ADDR"); ok {
		cfg.MetricsAddr = value
	}

	cmd := &cobra.Command{
		Use:           "lrf-downloader",
		Short:         "Downloads every fiscal-responsibility report published on the TCE-RJ portal.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg.Progress = strings.ToLower(cfg.Progress)
			return run(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&cfg.InitialYear, "initial-year", cfg.InitialYear, "First fiscal year to download")
	flags.StringVar(&cfg.OutputDir, "output", cfg.OutputDir, "Directory reports are written to")
	flags.IntVar(&cfg.Parallelism, "parallel", cfg.Parallelism, "Number of concurrent report downloads")
	flags.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Timeout for each HTTP request")
	flags.IntVar(&cfg.MaxRetries, "max-retries", cfg.MaxRetries, "Retry attempts for transient failures (0 disables retries)")
	flags.DurationVar(&cfg.RetryBackoff, "retry-backoff", cfg.RetryBackoff, "Initial retry backoff")
	flags.DurationVar(&cfg.RetryBackoffMax, "retry-backoff-max", cfg.RetryBackoffMax, "Maximum retry backoff")
	flags.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Prometheus metrics listen address (e.g. :9090)")
	flags.StringVar(&cfg.Progress, "progress", cfg.Progress, "Progress output: bar, log, or none")
	flags.BoolVarP(&cfg.Verbose, "verbose", "v", cfg.Verbose, "Enable verbose logging")

	return cmd, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	logger, level := newLogger(cfg.Verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		return err
	}

	slog.Info("starting download",
		slog.String("base_url", cfg.BaseURL),
		slog.Int("initial_year", cfg.InitialYear),
		slog.String("output", cfg.OutputDir),
		slog.Int("workers", cfg.Parallelism),
	)

	s, err := scraper.NewScraper(cfg)
	if err != nil {
		slog.Error("initialising scraper", slog.Any("error", err))
		return err
	}

	sink, err := pipeline.NewFileSink(cfg.OutputDir, cfg.SlugCacheSize)
	if err != nil {
		slog.Error("creating file sink", slog.Any("error", err))
		return err
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received, waiting for in-flight downloads to finish")
	}()

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" && s.Metrics != nil {
		metricsServer = &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: promhttp.HandlerFor(s.Metrics.Registry, promhttp.HandlerOpts{}),
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		slog.Info("metrics server enabled", slog.String("addr", cfg.MetricsAddr))
	}

	reporter := newReporter(cfg.Progress)
	s.SetReporter(reporter)

	p := pipeline.NewPipeline(ctx, s.Session(), sink, cfg)
	p.SetReporter(reporter)
	p.Start(cfg.Parallelism)
	if cfg.Verbose {
		p.StartMetricsReporting(10 * time.Second)
	}

	result, runErr := s.Run(ctx, p)
	closeErr := p.Close()
	reporter.Done()
	if runErr == nil && closeErr != nil {
		s.RecordError(closeErr)
	}
	s.Summarize(result)

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("metrics server shutdown failed", slog.Any("error", err))
		}
		cancel()
	}

	fillPipelineCounters(result, p.GetMetrics())
	printSummary(os.Stdout, result, cfg.OutputDir)

	switch {
	case runErr != nil:
		slog.Error("download failed", slog.Any("error", runErr))
		return runErr
	case closeErr != nil:
		slog.Error("pipeline shutdown failed", slog.Any("error", closeErr))
		return closeErr
	}
	return nil
}

func newReporter(mode string) progress.Reporter {
	switch mode {
	case config.ProgressBar:
		return progress.NewBarReporter(os.Stderr)
	case config.ProgressNone:
		return progress.Nop{}
	default:
		return progress.NewLogReporter(slog.Default())
	}
}

func fillPipelineCounters(result *models.RunResult, metrics map[string]interface{}) {
	if saved, ok := metrics["saved_reports"].(int64); ok {
		result.ReportsSaved = int(saved)
	}
	if written, ok := metrics["bytes_written"].(int64); ok {
		result.BytesWritten = written
	}
	if byCity, ok := metrics["saved_by_city"].(map[string]int); ok {
		result.ReportsByCity = byCity
	}
}

func printSummary(out io.Writer, result *models.RunResult, outputDir string) {
	duration := result.EndTime.Sub(result.StartTime)
	if duration < 0 {
		duration = 0
	}

	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetTitle("Download summary")
	t.AppendHeader(table.Row{"Metric", "Value"})
	t.AppendRows([]table.Row{
		{"Cities", result.Cities},
		{"Listings", result.Listings},
		{"Reports listed", result.RowsDiscovered},
		{"Reports saved", result.ReportsSaved},
		{"Bytes written", result.BytesWritten},
		{"Requests", result.RequestCount},
		{"Retries", result.RetryCount},
		{"Errors", result.ErrorCount},
		{"Duration", duration.Round(time.Millisecond)},
		{"Output dir", outputDir},
	})

	if len(result.ErrorsByType) > 0 {
		t.AppendSeparator()
		for _, label := range sortedKeys(result.ErrorsByType) {
			t.AppendRow(table.Row{"Errors: " + label, result.ErrorsByType[label]})
		}
	}
	if len(result.ReportsByCity) > 0 {
		t.AppendSeparator()
		for _, city := range sortedKeys(result.ReportsByCity) {
			t.AppendRow(table.Row{city, result.ReportsByCity[city]})
		}
	}

	t.SetStyle(table.StyleRounded)
	t.Render()
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func newLogger(verbose bool) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if isTerminal(os.Stdout) {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

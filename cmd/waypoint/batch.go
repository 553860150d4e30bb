package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/semaphore"

	"github.com/openmeridian/waypoint/internal/cache"
	"github.com/openmeridian/waypoint/internal/config"
	"github.com/openmeridian/waypoint/internal/metrics"
	"github.com/openmeridian/waypoint/pkg/batch"
	"github.com/openmeridian/waypoint/pkg/geocode"
)

var (
	batchInput         string
	batchOutput        string
	batchAPIKey        string
	batchWorkers       int
	batchRetries       int
	batchTimeout       time.Duration
	batchColumns       []int
	batchFields        []string
	batchOnError       string
	batchPreserveOrder bool
	batchProgress      bool
	batchLimit         int
	batchParams        map[string]string
	batchForce         string
	batchRate          float64
	batchMaxInflight   int64
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Geocode a CSV file through the concurrent batch pipeline",
	Long: `Reads rows from a CSV file, geocodes them concurrently, and writes the
original columns plus the selected result fields back out.

Rows with exactly two numeric columns are reverse geocoded; everything
else is joined into a forward query. Use "-" for stdin or stdout.

Examples:
  # Forward geocode a two-column file, keeping input order
  waypoint batch --input places.csv --output coords.csv --preserve-order

  # Reverse geocode columns 3 and 4 of a headerless file
  waypoint batch --input points.csv --columns 3,4 --force reverse --output out.csv`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		cfg := config.MustLoad()
		logger := setupLogger(cfg.Env, debug)
		slog.SetDefault(logger)

		opts, err := buildOptions(cfg, logger)
		if err != nil {
			return err
		}

		apiKey := batchAPIKey
		if apiKey == "" {
			apiKey = cfg.APIKey
		}

		clientOpts := []geocode.Option{geocode.WithLogger(logger)}
		if batchRate > 0 {
			clientOpts = append(clientOpts, geocode.WithRateLimit(batchRate))
		}
		client, err := geocode.NewClient(apiKey, clientOpts...)
		if err != nil {
			return err
		}

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
		reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		appMetrics := metrics.NewMetrics(reg)
		if cfg.MetricsPort > 0 {
			go startMonitoringServer(ctx, logger, reg, cfg.MetricsPort)
		}

		if cfg.CachePath != "" {
			respCache, cacheErr := cache.Open(cfg.CachePath, cfg.CacheTTL, logger)
			if cacheErr != nil {
				return cacheErr
			}
			defer respCache.Close()
			opts.Cache = respCache
		}

		input, closeInput, err := openInput(batchInput)
		if err != nil {
			return err
		}
		defer closeInput()

		output, closeOutput, err := openOutput(batchOutput)
		if err != nil {
			return err
		}
		defer closeOutput()

		return batch.New(logger, client, appMetrics, *opts).Run(ctx, input, output)
	},
}

// buildOptions folds flags and environment defaults into batch options.
func buildOptions(cfg *config.Config, logger *slog.Logger) (*batch.Options, error) {
	policy, err := batch.ParsePolicy(batchOnError)
	if err != nil {
		return nil, err
	}

	force := batch.CommandNone
	switch batchForce {
	case "":
	case "forward":
		force = batch.CommandForward
	case "reverse":
		force = batch.CommandReverse
	default:
		return nil, fmt.Errorf("unknown forced command %q, want forward or reverse", batchForce)
	}

	workers := batchWorkers
	if workers == 0 {
		workers = cfg.Workers
	}
	retries := batchRetries
	if retries < 0 {
		retries = cfg.Retries
	}
	timeout := batchTimeout
	if timeout == 0 {
		timeout = cfg.Timeout
	}

	opts := &batch.Options{
		Workers:       workers,
		Retries:       retries,
		Timeout:       timeout,
		InputColumns:  batchColumns,
		OutputFields:  batchFields,
		OnError:       policy,
		PreserveOrder: batchPreserveOrder,
		Progress:      batchProgress,
		RowLimit:      batchLimit,
		ExtraParams:   batchParams,
		ForceCommand:  force,
		Logger:        logger,
	}
	if batchMaxInflight > 0 {
		opts.Gate = semaphore.NewWeighted(batchMaxInflight)
	}

	return opts, nil
}

func openInput(path string) (io.Reader, func(), error) {
	if path == "-" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open input: %w", err)
	}
	return f, func() { f.Close() }, nil
}

func openOutput(path string) (io.Writer, func(), error) {
	if path == "-" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("create output: %w", err)
	}
	return f, func() { f.Close() }, nil
}

func init() {
	batchCmd.Flags().StringVar(&batchInput, "input", "-", "input CSV file, or - for stdin")
	batchCmd.Flags().StringVar(&batchOutput, "output", "-", "output CSV file, or - for stdout")
	batchCmd.Flags().StringVar(&batchAPIKey, "api-key", "", "API key (defaults to WAYPOINT_API_KEY)")
	batchCmd.Flags().IntVar(&batchWorkers, "workers", 0, "concurrent workers (0 = environment default)")
	batchCmd.Flags().IntVar(&batchRetries, "retries", -1, "retries per request (-1 = environment default)")
	batchCmd.Flags().DurationVar(&batchTimeout, "timeout", 0, "per-request timeout (0 = environment default)")
	batchCmd.Flags().IntSliceVar(&batchColumns, "columns", nil, "1-based input columns forming the query (implies a headerless file)")
	batchCmd.Flags().StringSliceVar(&batchFields, "fields", nil, "output result fields (dotted paths)")
	batchCmd.Flags().StringVar(&batchOnError, "on-error", "log", "per-row error policy: log, skip, or fail")
	batchCmd.Flags().BoolVar(&batchPreserveOrder, "preserve-order", false, "emit rows in input order")
	batchCmd.Flags().BoolVar(&batchProgress, "progress", false, "log periodic progress")
	batchCmd.Flags().IntVar(&batchLimit, "limit", 0, "stop after this many rows (0 = all)")
	batchCmd.Flags().StringToStringVar(&batchParams, "param", nil, "extra query parameters sent with every request")
	batchCmd.Flags().StringVar(&batchForce, "force", "", "force forward or reverse for every row")
	batchCmd.Flags().Float64Var(&batchRate, "rate", 0, "client-side requests per second cap (0 = uncapped)")
	batchCmd.Flags().Int64Var(&batchMaxInflight, "max-inflight", 0, "bound concurrent in-flight requests (0 = unbounded)")
	rootCmd.AddCommand(batchCmd)
}

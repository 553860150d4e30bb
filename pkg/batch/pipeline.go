package batch

import (
	"context"
	"encoding/csv"
	"io"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/openmeridian/waypoint/internal/metrics"
	"github.com/openmeridian/waypoint/pkg/geocode"
)

// queueCap bounds both the job and result channels. A full job queue
// suspends the reader; a full result queue suspends workers. That is the
// pipeline's only backpressure mechanism.
const queueCap = 1000

// ResponseCache is consulted before a request and populated after a
// successful one. Keys are the worker's "command:query" strings.
type ResponseCache interface {
	Get(ctx context.Context, key string) (*geocode.Response, bool)
	Put(ctx context.Context, key string, resp *geocode.Response) error
}

// progress tracks rows through the run. Updates are funneled through a
// single owner per counter: the reader writes queued, the writer writes
// written, and total is fixed before the tasks start. No counter ever
// decreases. inputWidth is set by the reader before the first job is
// enqueued, so the writer observes it through the channel chain before it
// can see any result.
type progress struct {
	total      int64 // Estimated row total; 0 when the input is not seekable.
	queued     int64
	written    int64
	inputWidth int // Width of the first accepted input row.
}

// Pipeline runs a batch geocoding job: one reader, one writer, and a pool
// of workers wired through bounded channels, supervised until either the
// input drains or a fatal condition aborts the run.
type Pipeline struct {
	log      *slog.Logger
	geocoder geocode.Querier
	metrics  *metrics.Metrics
	opts     Options
}

// New creates a pipeline over the given geocoder. Metrics may be nil, in
// which case unregistered collectors are used. Option validation happens
// in Run so callers get exactly one terminal error per run.
func New(log *slog.Logger, geocoder geocode.Querier, m *metrics.Metrics, opts Options) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		m = metrics.NewMetrics(nil)
	}
	opts.Logger = log

	return &Pipeline{
		log:      log,
		geocoder: geocoder,
		metrics:  m,
		opts:     opts,
	}
}

// Run processes the whole input stream and writes results to output. It
// returns nil on completion or exactly one aggregated error on failure.
// In unordered mode, rows flushed before a failure remain in the output.
func (p *Pipeline) Run(ctx context.Context, input io.Reader, output io.Writer) error {
	if err := p.opts.Validate(); err != nil {
		return err
	}
	opts := p.opts.withDefaults()

	// Probe the credential tier while the input is being sized.
	type verdict struct {
		constrained geocode.Tristate
		warning     string
	}
	probe := make(chan verdict, 1)
	go func() {
		constrained, warning := geocode.Preflight(ctx, p.geocoder, p.log)
		probe <- verdict{constrained, warning}
	}()

	prog := &progress{}
	if opts.Progress {
		prog.total = estimateTotal(input, len(opts.InputColumns) == 0)
	}

	v := <-probe
	if v.warning != "" {
		return geocode.NewError(geocode.KindBatchProcessing, "preflight: %s", v.warning)
	}
	if v.constrained == geocode.TriYes && opts.Workers > 1 {
		p.log.Warn("Free-tier API key detected, clamping worker count to 1",
			"configured_workers", opts.Workers)
		opts.Workers = 1
	}

	params := p.requestParams(opts)
	exec := &geocode.Executor{Retries: opts.Retries, Log: p.log}

	p.log.Info("Starting batch pipeline",
		"workers", opts.Workers, "on_error", opts.OnError.String(),
		"preserve_order", opts.PreserveOrder, "estimated_rows", prog.total)

	group, gctx := errgroup.WithContext(ctx)
	jobs := make(chan Job, queueCap)
	results := make(chan Result, queueCap)

	var workers sync.WaitGroup
	workers.Add(opts.Workers)
	for i := 1; i <= opts.Workers; i++ {
		group.Go(func() error {
			defer workers.Done()
			return p.worker(gctx, i, &opts, exec, params, jobs, results)
		})
	}

	group.Go(func() error {
		defer close(jobs)
		return p.read(gctx, &opts, prog, input, jobs)
	})

	// The result stream closes once every worker has observed job-stream
	// closure and finished its in-flight work.
	go func() {
		workers.Wait()
		close(results)
	}()

	group.Go(func() error {
		return p.write(gctx, &opts, prog, output, results)
	})

	if err := group.Wait(); err != nil {
		return wrapFatal(err)
	}

	p.log.Info("Batch pipeline finished", "rows_written", prog.written)
	return nil
}

// requestParams derives the per-request parameters from the output
// projection: a single result is always enough, and annotations are only
// fetched when some output field projects into them.
func (p *Pipeline) requestParams(opts Options) geocode.Params {
	params := geocode.Params{
		Limit:         1,
		NoAnnotations: true,
		Extra:         opts.ExtraParams,
	}
	for _, field := range opts.OutputFields {
		if field == "annotations" || strings.HasPrefix(field, "annotations.") {
			params.NoAnnotations = false
			break
		}
	}
	return params
}

// wrapFatal folds the first fatal condition into a single batch-level
// error; configuration errors surfaced by Validate are already of that
// kind and pass through untouched.
func wrapFatal(err error) error {
	apiErr := geocode.Classify(err)
	if apiErr.Kind == geocode.KindBatchProcessing {
		return apiErr
	}
	return &geocode.APIError{
		Kind:    geocode.KindBatchProcessing,
		Message: "batch run aborted",
		Err:     apiErr,
	}
}

// estimateTotal counts data rows upfront for seekable inputs so progress
// can be reported against a known total. Counting goes through a CSV
// reader so quoted fields containing newlines still count as one row.
// Streamed inputs stay unknown.
func estimateTotal(input io.Reader, hasHeader bool) int64 {
	seeker, ok := input.(io.ReadSeeker)
	if !ok {
		return 0
	}

	reader := csv.NewReader(seeker)
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = true

	var rows int64
	for {
		if _, err := reader.Read(); err != nil {
			break
		}
		rows++
	}
	if _, err := seeker.Seek(0, io.SeekStart); err != nil {
		return 0
	}

	if hasHeader && rows > 0 {
		rows--
	}
	return rows
}

package batch

import (
	"context"
	"time"

	"github.com/openmeridian/waypoint/pkg/geocode"
)

// worker consumes jobs until the job stream closes or the run is
// cancelled. A nil result from processJob means the row was dropped
// (skip policy); a non-nil error is pipeline-fatal and halts the pool.
func (p *Pipeline) worker(ctx context.Context, idx int, opts *Options, exec *geocode.Executor, params geocode.Params, jobs <-chan Job, results chan<- Result) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case job, ok := <-jobs:
			if !ok {
				return nil
			}

			result, err := p.processJob(ctx, idx, opts, exec, params, job)
			if err != nil {
				return err
			}
			if result == nil {
				continue
			}

			select {
			case results <- *result:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// processJob runs one geocoding lookup and applies the error policy.
func (p *Pipeline) processJob(ctx context.Context, idx int, opts *Options, exec *geocode.Executor, params geocode.Params, job Job) (*Result, error) {
	p.metrics.ActiveWorkers.Inc()
	defer p.metrics.ActiveWorkers.Dec()

	p.log.DebugContext(ctx, "Processing row",
		"worker", idx, "row", job.RowID, "command", job.Command.String())

	resp, err := p.lookup(ctx, opts, exec, params, job)

	if err != nil {
		apiErr := geocode.Classify(err)
		p.metrics.APIErrors.Inc()

		switch opts.OnError {
		case PolicyFail:
			p.metrics.RowsProcessed.WithLabelValues("failure").Inc()
			return nil, apiErr
		case PolicySkip:
			p.metrics.RowsProcessed.WithLabelValues("skipped").Inc()
			return nil, nil
		default: // PolicyLog
			p.log.ErrorContext(ctx, "Failed to geocode row",
				"worker", idx, "row", job.RowID, "kind", apiErr.Kind.String(), "error", apiErr)
			p.metrics.RowsProcessed.WithLabelValues("failure").Inc()
			return &Result{RowID: job.RowID, OK: false, Err: apiErr, Row: job.Row}, nil
		}
	}

	// A successful reply with no matches is a distinguished per-row
	// outcome, not a skip and not a policy-controlled error.
	if len(resp.Results) == 0 {
		p.metrics.RowsProcessed.WithLabelValues("failure").Inc()
		zero := geocode.NewError(geocode.KindZeroResults, "no results for query")
		return &Result{RowID: job.RowID, OK: false, Err: zero, Row: job.Row}, nil
	}

	p.metrics.RowsProcessed.WithLabelValues("success").Inc()
	first := resp.Results[0]
	return &Result{RowID: job.RowID, OK: true, Res: &first, Row: job.Row}, nil
}

// lookup resolves one job, consulting the cache first and holding an
// admission-gate permit for the duration of the remote call. The permit is
// released on every path, success or failure.
func (p *Pipeline) lookup(ctx context.Context, opts *Options, exec *geocode.Executor, params geocode.Params, job Job) (*geocode.Response, error) {
	cacheKey := job.Command.String() + ":" + job.Query
	if opts.Cache != nil {
		if resp, ok := opts.Cache.Get(ctx, cacheKey); ok {
			p.log.DebugContext(ctx, "Cache hit", "row", job.RowID)
			return resp, nil
		}
	}

	if opts.Gate != nil {
		if err := opts.Gate.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer opts.Gate.Release(1)
	}

	resp, err := exec.Do(ctx, func(ctx context.Context) (*geocode.Response, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
		defer cancel()

		start := time.Now()
		var resp *geocode.Response
		var reqErr error
		if job.Command == CommandReverse {
			resp, reqErr = p.geocoder.Reverse(attemptCtx, job.Query, &params)
		} else {
			resp, reqErr = p.geocoder.Geocode(attemptCtx, job.Query, &params)
		}
		p.metrics.RequestSeconds.Observe(time.Since(start).Seconds())

		return resp, reqErr
	})
	if err != nil {
		return nil, err
	}

	if opts.Cache != nil {
		if cacheErr := opts.Cache.Put(ctx, cacheKey, resp); cacheErr != nil {
			p.log.WarnContext(ctx, "Failed to cache response", "row", job.RowID, "error", cacheErr)
		}
	}

	return resp, nil
}

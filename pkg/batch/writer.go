package batch

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"slices"
)

// progressLogEvery is how many written rows pass between progress reports.
const progressLogEvery = 100

// write consumes results and renders output rows: the original input
// fields followed by the projected output fields. With PreserveOrder, out-
// of-order arrivals are held in a pending map and flushed in ascending
// row-id order; whatever remains buffered at stream end is flushed sorted.
func (p *Pipeline) write(ctx context.Context, opts *Options, prog *progress, output io.Writer, results <-chan Result) error {
	writer := csv.NewWriter(output)
	defer writer.Flush()

	headerWritten := false
	nextID := int64(1)
	pending := make(map[int64]Result)

	flush := func(r Result) error {
		if !headerWritten {
			// The placeholder count comes from the first row the reader
			// accepted, not from whichever result arrives first, so the
			// header does not depend on completion order.
			if err := writer.Write(headerRow(prog.inputWidth, opts.OutputFields)); err != nil {
				return fmt.Errorf("write output header: %w", err)
			}
			headerWritten = true
		}

		row := make([]string, 0, len(r.Row)+len(opts.OutputFields))
		row = append(row, r.Row...)
		for _, field := range opts.OutputFields {
			row = append(row, projectField(r, field))
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("write output row %d: %w", r.RowID, err)
		}

		prog.written++
		if opts.Progress && prog.written%progressLogEvery == 0 {
			p.log.Info("Batch progress", "written", prog.written, "total", prog.total)
		}
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r, ok := <-results:
			if !ok {
				// Stream end: drain whatever is still buffered, in order.
				ids := make([]int64, 0, len(pending))
				for id := range pending {
					ids = append(ids, id)
				}
				slices.Sort(ids)
				for _, id := range ids {
					if err := flush(pending[id]); err != nil {
						return err
					}
				}
				writer.Flush()
				return writer.Error()
			}

			if !opts.PreserveOrder {
				if err := flush(r); err != nil {
					return err
				}
				continue
			}

			pending[r.RowID] = r
			for {
				next, ok := pending[nextID]
				if !ok {
					break
				}
				delete(pending, nextID)
				nextID++
				if err := flush(next); err != nil {
					return err
				}
			}
		}
	}
}

// headerRow builds the output header: placeholder names for the original
// columns followed by the configured output field names.
func headerRow(inputCols int, fields []string) []string {
	header := make([]string, 0, inputCols+len(fields))
	for i := 1; i <= inputCols; i++ {
		header = append(header, fmt.Sprintf("input_%d", i))
	}
	return append(header, fields...)
}

// projectField renders one output cell. "status_message" is synthesized
// from the outcome; every other name is a dotted-path lookup into the
// result, with absent paths rendering as an empty cell. Failed rows leave
// all value cells empty.
func projectField(r Result, field string) string {
	if field == "status_message" {
		switch {
		case r.OK:
			return "OK"
		case r.Err != nil:
			return r.Err.Kind.String()
		default:
			return ""
		}
	}

	if !r.OK || r.Res == nil {
		return ""
	}

	value, _ := r.Res.Field(field)
	return value
}

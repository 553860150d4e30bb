package batch

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
)

// read streams input rows, parses them into jobs, and feeds the bounded
// job channel. Row ids are assigned only to accepted rows, so the writer
// never waits on a row that was skipped at parse time. A malformed input
// stream is pipeline-fatal; malformed individual rows are not.
func (p *Pipeline) read(ctx context.Context, opts *Options, prog *progress, input io.Reader, jobs chan<- Job) error {
	reader := csv.NewReader(input)
	reader.FieldsPerRecord = -1

	// Explicit column indices imply a headerless stream; otherwise the
	// first record is a header and is consumed here.
	if len(opts.InputColumns) == 0 {
		if _, err := reader.Read(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read input header: %w", err)
		}
	}

	var rowNum, accepted int64
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read input row %d: %w", rowNum+1, err)
		}
		rowNum++

		query, command := parseRow(record, opts, p.log, rowNum)
		if query == "" {
			continue
		}

		accepted++
		if accepted == 1 {
			prog.inputWidth = len(record)
		}
		job := Job{
			RowID:   accepted,
			Query:   query,
			Row:     record,
			Command: command,
		}

		select {
		case jobs <- job:
			prog.queued = accepted
		case <-ctx.Done():
			return ctx.Err()
		}

		if opts.RowLimit > 0 && accepted >= int64(opts.RowLimit) {
			p.log.Info("Row limit reached, stopping reader", "limit", opts.RowLimit)
			return nil
		}
	}
}

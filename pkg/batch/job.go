// Package batch implements the concurrent batch-geocoding pipeline: a
// reader streaming tabular rows into a bounded job queue, a pool of
// workers dispatching lookups under rate-limit and error-policy
// constraints, and a writer projecting results back out, optionally in
// input order.
package batch

import "github.com/openmeridian/waypoint/pkg/geocode"

// Command tells a worker which lookup a job needs.
type Command int

const (
	// CommandNone means no command was forced; the row parser infers one.
	CommandNone Command = iota
	// CommandForward resolves a free-text place description.
	CommandForward
	// CommandReverse resolves a "lat,lng" coordinate pair.
	CommandReverse
	// commandSkip is the parser verdict for rows that produce no job.
	commandSkip
)

func (c Command) String() string {
	switch c {
	case CommandForward:
		return "forward"
	case CommandReverse:
		return "reverse"
	case commandSkip:
		return "skip"
	default:
		return "none"
	}
}

// Job is one accepted input row, normalized and ready to geocode.
// Jobs are immutable after creation and consumed by exactly one worker.
type Job struct {
	RowID   int64    // 1-based, monotonically increasing over accepted rows.
	Query   string   // Normalized forward query or "lat,lng" pair.
	Row     []string // The raw input fields, carried through to the output.
	Command Command  // CommandForward or CommandReverse.
}

// Result is the outcome of one job, consumed by exactly one writer.
// When OK is true Res holds the first geocoding match; otherwise Err holds
// the classified failure (including the synthesized ZERO_RESULTS case).
type Result struct {
	RowID int64
	OK    bool
	Res   *geocode.Result
	Err   *geocode.APIError
	Row   []string
}

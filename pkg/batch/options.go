package batch

import (
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/openmeridian/waypoint/pkg/geocode"
)

// ErrorPolicy controls what a worker does with a classified per-row error.
type ErrorPolicy int

const (
	// PolicyLog records the failure as an unsuccessful output row.
	PolicyLog ErrorPolicy = iota
	// PolicySkip drops the row silently.
	PolicySkip
	// PolicyFail aborts the whole pipeline on the first failure.
	PolicyFail
)

func (p ErrorPolicy) String() string {
	switch p {
	case PolicyLog:
		return "log"
	case PolicySkip:
		return "skip"
	case PolicyFail:
		return "fail"
	default:
		return fmt.Sprintf("ErrorPolicy(%d)", int(p))
	}
}

// ParsePolicy converts the configuration surface spelling ("log", "skip",
// "fail") into an ErrorPolicy.
func ParsePolicy(s string) (ErrorPolicy, error) {
	switch s {
	case "log":
		return PolicyLog, nil
	case "skip":
		return PolicySkip, nil
	case "fail":
		return PolicyFail, nil
	default:
		return 0, geocode.NewError(geocode.KindBatchProcessing, "unknown error policy %q", s)
	}
}

// DefaultOutputFields is the projection used when none is configured.
var DefaultOutputFields = []string{
	"formatted",
	"geometry.lat",
	"geometry.lng",
	"confidence",
	"components._type",
	"status_message",
}

// Options configure one pipeline run. The struct is treated as immutable
// once the pipeline is constructed.
type Options struct {
	// Workers is the number of concurrent workers. Default: 4. The
	// pipeline clamps it to 1 when preflight detects a free-tier key.
	Workers int

	// Retries is the per-request retry budget handed to the executor.
	Retries int

	// Timeout bounds each individual request attempt. Default: 30s.
	Timeout time.Duration

	// InputColumns selects which 1-based input columns form the query.
	// When empty, all columns are used and the first input record is
	// treated as a header.
	InputColumns []int

	// OutputFields is the ordered list of dotted result paths projected
	// into the output, plus the synthesized "status_message" field.
	// Default: DefaultOutputFields.
	OutputFields []string

	// OnError selects the per-row failure policy.
	OnError ErrorPolicy

	// PreserveOrder makes the writer emit rows in input order, buffering
	// out-of-order completions. Without it rows appear in completion order.
	PreserveOrder bool

	// Progress enables periodic progress logging from the writer.
	Progress bool

	// RowLimit stops the reader after this many accepted rows. 0 = all.
	RowLimit int

	// ExtraParams are raw query parameters added to every request.
	ExtraParams map[string]string

	// Gate, when set, bounds concurrent in-flight requests across all
	// workers. Shared gates let several pipelines respect one ceiling.
	Gate *semaphore.Weighted

	// ForceCommand overrides per-row command inference.
	ForceCommand Command

	// Cache, when set, is consulted before each request and populated
	// after successful ones.
	Cache ResponseCache

	// Logger receives pipeline diagnostics. Default: slog.Default.
	Logger *slog.Logger
}

// Validate rejects configurations the pipeline cannot run with. Violations
// are pipeline-fatal regardless of OnError.
func (o *Options) Validate() error {
	switch o.OnError {
	case PolicyLog, PolicySkip, PolicyFail:
	default:
		return geocode.NewError(geocode.KindBatchProcessing,
			"invalid error policy %d", int(o.OnError))
	}

	switch o.ForceCommand {
	case CommandNone, CommandForward, CommandReverse:
	default:
		return geocode.NewError(geocode.KindBatchProcessing,
			"invalid forced command %d", int(o.ForceCommand))
	}

	for _, col := range o.InputColumns {
		if col < 1 {
			return geocode.NewError(geocode.KindBatchProcessing,
				"input columns are 1-based, got %d", col)
		}
	}

	return nil
}

// withDefaults returns a copy with unset fields filled in.
func (o Options) withDefaults() Options {
	if o.Workers < 1 {
		o.Workers = 4
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if len(o.OutputFields) == 0 {
		o.OutputFields = DefaultOutputFields
	}
	if o.Retries < 0 {
		o.Retries = 0
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

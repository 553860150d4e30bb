package geocode

import (
	"context"
	"log/slog"
)

// FreeTierDailyLimit is the rate ceiling that identifies a constrained
// (free tier) API key: such keys are also throttled to one concurrent
// request, which the batch pipeline must respect.
const FreeTierDailyLimit = 2500

// Tristate is a yes/no answer that may also be unknown, for probes that
// cannot always reach a verdict.
type Tristate int

const (
	TriUnknown Tristate = iota
	TriYes
	TriNo
)

// probe coordinates: a fixed landmark, cheap for the API to resolve.
const (
	probeLat = 48.8584
	probeLng = 2.2945
)

// Preflight issues one minimal reverse lookup to detect a constrained-tier
// key before the pipeline starts its workers. It reports TriYes when the
// key's rate ceiling equals the known free-tier value, TriNo for any other
// ceiling or when no rate info is returned. Failures never escalate: the
// check returns TriUnknown plus an explanatory message and leaves the
// decision to the caller.
func Preflight(ctx context.Context, q Querier, log *slog.Logger) (Tristate, string) {
	resp, err := q.Reverse(ctx, FormatReverseQuery(probeLat, probeLng), &Params{
		Limit:         1,
		NoAnnotations: true,
	})
	if err != nil {
		apiErr := Classify(err)
		switch apiErr.Kind {
		case KindNotAuthorized, KindForbidden:
			return TriUnknown, "API key was rejected during preflight: " + apiErr.Error()
		default:
			return TriUnknown, "preflight request failed: " + apiErr.Error()
		}
	}

	if resp.Rate != nil && resp.Rate.Limit == FreeTierDailyLimit {
		log.DebugContext(ctx, "Preflight detected free-tier key", "rate_limit", resp.Rate.Limit)
		return TriYes, ""
	}

	return TriNo, ""
}

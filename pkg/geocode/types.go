package geocode

import (
	"strconv"
	"strings"
)

// Response is the decoded body of a geocoding API reply. It carries the
// matched results, the request status echoed by the API, and the rate
// information the API reports for key-limited plans.
type Response struct {
	Results      []Result `json:"results"`
	Status       Status   `json:"status"`
	Rate         *Rate    `json:"rate,omitempty"`
	TotalResults int      `json:"total_results"`
}

// Status mirrors the status object the API includes in every reply.
type Status struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Rate describes the remaining request allowance of the API key.
// It is absent for keys without a hard ceiling.
type Rate struct {
	Limit     int64 `json:"limit"`     // Daily request ceiling for the key.
	Remaining int64 `json:"remaining"` // Requests left in the current window.
	Reset     int64 `json:"reset"`     // Unix time at which the window resets.
}

// Geometry is the coordinate pair of a single result.
type Geometry struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Result is one geocoding match. Components and Annotations are kept as
// generic maps since their keys vary by place type and requested options.
type Result struct {
	Formatted   string         `json:"formatted"`
	Geometry    Geometry       `json:"geometry"`
	Confidence  int            `json:"confidence"`
	Components  map[string]any `json:"components,omitempty"`
	Annotations map[string]any `json:"annotations,omitempty"`
}

// Field resolves a dotted path (for example "geometry.lat" or
// "components.country") against the result and renders the value as a
// string. The second return is false when the path does not resolve;
// callers render absent values as an empty cell rather than failing.
func (r *Result) Field(path string) (string, bool) {
	head, rest, _ := strings.Cut(path, ".")

	switch head {
	case "formatted":
		if rest != "" {
			return "", false
		}
		return r.Formatted, true
	case "confidence":
		if rest != "" {
			return "", false
		}
		return strconv.Itoa(r.Confidence), true
	case "geometry":
		switch rest {
		case "lat":
			return formatFloat(r.Geometry.Lat), true
		case "lng":
			return formatFloat(r.Geometry.Lng), true
		default:
			return "", false
		}
	case "components":
		return lookupMap(r.Components, rest)
	case "annotations":
		return lookupMap(r.Annotations, rest)
	default:
		return "", false
	}
}

// lookupMap walks a dotted path through nested maps decoded from JSON.
func lookupMap(m map[string]any, path string) (string, bool) {
	if m == nil || path == "" {
		return "", false
	}

	head, rest, more := strings.Cut(path, ".")
	val, ok := m[head]
	if !ok {
		return "", false
	}

	if more {
		nested, isMap := val.(map[string]any)
		if !isMap {
			return "", false
		}
		return lookupMap(nested, rest)
	}

	return renderValue(val)
}

// renderValue converts a decoded JSON scalar to its output cell form.
// Nested objects and arrays do not project into a single cell.
func renderValue(val any) (string, bool) {
	switch v := val.(type) {
	case string:
		return v, true
	case float64:
		return formatFloat(v), true
	case bool:
		return strconv.FormatBool(v), true
	case nil:
		return "", true
	default:
		return "", false
	}
}

// formatFloat renders a float the way JSON numbers round-trip: shortest
// representation that parses back exactly, so "51.5074" stays "51.5074".
func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

package geocode

import (
	"math"
	"strconv"
	"strings"
)

// FormatReverseQuery renders a coordinate pair as the canonical "lat,lng"
// query string. Integral values keep exactly one decimal place ("51.0") so
// the API never mistakes a bare integer for something else; non-integral
// values use their shortest exact rendering.
func FormatReverseQuery(lat, lng float64) string {
	return formatCoord(lat) + "," + formatCoord(lng)
}

// JoinReverseQuery joins two numeric-looking strings into a "lat,lng"
// query. The parts are validated as finite decimal numbers but joined
// verbatim, without the trailing-".0" normalization FormatReverseQuery
// applies to numeric input. The asymmetry is deliberate: pre-validated
// strings pass through untouched.
func JoinReverseQuery(lat, lng string) (string, error) {
	lat = strings.TrimSpace(lat)
	lng = strings.TrimSpace(lng)

	if !IsFiniteNumber(lat) {
		return "", NewError(KindInvalidInput, "latitude %q is not a finite number", lat)
	}
	if !IsFiniteNumber(lng) {
		return "", NewError(KindInvalidInput, "longitude %q is not a finite number", lng)
	}

	return lat + "," + lng, nil
}

func formatCoord(f float64) string {
	if f == math.Trunc(f) {
		return strconv.FormatFloat(f, 'f', 1, 64)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// IsFiniteNumber reports whether s parses as a finite decimal number.
// The batch row parser uses this to decide between forward and reverse
// commands for two-column rows.
// ParseFloat accepts "NaN" and "Inf" spellings, so those are rejected
// explicitly.
func IsFiniteNumber(s string) bool {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return false
	}
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

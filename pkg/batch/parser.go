package batch

import (
	"log/slog"
	"strings"

	"github.com/openmeridian/waypoint/pkg/geocode"
)

// minQueryLen is the shortest trimmed query worth sending to the API.
const minQueryLen = 2

// parseRow turns one raw input row into a normalized query and a command.
// An empty query means the row is skipped; every skip here is a non-fatal
// per-row condition, never a pipeline error.
func parseRow(row []string, opts *Options, log *slog.Logger, rowNum int64) (string, Command) {
	fields, ok := extractFields(row, opts)
	if !ok {
		log.Warn("Skipping row with missing input columns",
			"row", rowNum, "columns", opts.InputColumns, "width", len(row))
		return "", commandSkip
	}

	command := opts.ForceCommand
	if command == CommandNone {
		command = inferCommand(fields)
	}

	if allEmpty(fields) {
		return "", command
	}

	switch command {
	case CommandReverse:
		if len(fields) != 2 {
			log.Warn("Skipping reverse row without exactly two parts",
				"row", rowNum, "parts", len(fields))
			return "", command
		}
		query, err := geocode.JoinReverseQuery(fields[0], fields[1])
		if err != nil {
			log.Warn("Skipping reverse row with malformed coordinates",
				"row", rowNum, "error", err)
			return "", command
		}
		return query, command
	default:
		query := joinForwardQuery(fields)
		if len(query) < minQueryLen {
			log.Warn("Skipping row with too-short query", "row", rowNum, "query", query)
			return "", command
		}
		return query, CommandForward
	}
}

// extractFields picks the configured 1-based columns, or all columns when
// none are configured, trimming surrounding whitespace. It reports false
// when a configured column is missing from the row.
func extractFields(row []string, opts *Options) ([]string, bool) {
	if len(opts.InputColumns) == 0 {
		fields := make([]string, len(row))
		for i, f := range row {
			fields[i] = strings.TrimSpace(f)
		}
		return fields, true
	}

	fields := make([]string, 0, len(opts.InputColumns))
	for _, col := range opts.InputColumns {
		if col > len(row) {
			return nil, false
		}
		fields = append(fields, strings.TrimSpace(row[col-1]))
	}
	return fields, true
}

// inferCommand picks reverse geocoding when the row is exactly a numeric
// coordinate pair, forward otherwise.
func inferCommand(fields []string) Command {
	if len(fields) == 2 &&
		geocode.IsFiniteNumber(fields[0]) &&
		geocode.IsFiniteNumber(fields[1]) {
		return CommandReverse
	}
	return CommandForward
}

func allEmpty(fields []string) bool {
	for _, f := range fields {
		if f != "" {
			return false
		}
	}
	return true
}

// joinForwardQuery joins the non-empty parts into one free-text query.
func joinForwardQuery(fields []string) string {
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		if f != "" {
			parts = append(parts, f)
		}
	}
	return strings.TrimSpace(strings.Join(parts, ", "))
}

package scan

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/vjranagit/tsreport/pkg/grid"
	"github.com/vjranagit/tsreport/pkg/types"
)

// Marker keywords, matched case-insensitively on the text before the first ':'.
const (
	keywordDate      = "#date"
	keywordStartDate = "#startdate"
	keywordTimeOfDay = "#timeofday"
	keywordTime      = "#time"
	keywordDay       = "#day"
	keywordData      = "#data"
)

// Classify maps cell text to its kind and the marker payload (the text after
// the first ':', trimmed). Formulas return the expression without '='.
func Classify(text string) (grid.Kind, string) {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "=") && len(trimmed) > 1 {
		return grid.KindFormula, trimmed[1:]
	}
	if !strings.HasPrefix(trimmed, "#") {
		return grid.KindPlain, ""
	}

	keyword, payload, _ := strings.Cut(trimmed, ":")
	payload = strings.TrimSpace(payload)
	switch strings.ToLower(strings.TrimSpace(keyword)) {
	case keywordDate:
		return grid.KindDateMarker, payload
	case keywordStartDate:
		return grid.KindStartDateMarker, payload
	case keywordTimeOfDay:
		return grid.KindTimeOfDayMarker, payload
	case keywordTime:
		return grid.KindTimeMarker, payload
	case keywordDay:
		return grid.KindDayMarker, payload
	case keywordData:
		return grid.KindDataMarker, payload
	}
	return grid.KindPlain, ""
}

// SeriesID extracts the series id of a data marker, or "" when the text is
// not a data marker.
func SeriesID(text string) string {
	kind, payload := Classify(text)
	if kind != grid.KindDataMarker {
		return ""
	}
	return payload
}

// ParseDate parses a date marker payload.
func ParseDate(payload string, loc *time.Location) (time.Time, error) {
	d, err := time.ParseInLocation(types.DateLayout, payload, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", payload, err)
	}
	return d, nil
}

// ParseDay parses a day marker payload: a 1-based day offset from the base
// date.
func ParseDay(payload string) (int, error) {
	n, err := strconv.Atoi(payload)
	if err != nil || n < 1 || n > 366 {
		return 0, fmt.Errorf("invalid day %q", payload)
	}
	return n, nil
}

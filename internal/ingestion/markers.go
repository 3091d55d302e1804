package ingestion

import (
	"regexp"
	"strings"
)

const (
	MarkerStart = "--- Chart Prep ---"
	MarkerEnd   = "--- End Chart Prep ---"
)

// chartPrepBlock matches a whole marker block and the newlines after it
var chartPrepBlock = regexp.MustCompile(`--- Chart Prep ---[\s\S]*?--- End Chart Prep ---\n*`)

// StripChartPrep removes every chart-prep block from value
func StripChartPrep(value string) string {
	return chartPrepBlock.ReplaceAllString(value, "")
}

// WrapChartPrep surrounds content with the chart-prep markers
func WrapChartPrep(content string) string {
	return MarkerStart + "\n" + content + "\n" + MarkerEnd
}

// InsertChartPrep replaces any previous chart-prep block in value with a
// block holding suggestion, appended after the clinician's own text.
// Inserting the same suggestion twice yields the same value as once.
func InsertChartPrep(value, suggestion string) string {
	base := strings.TrimRight(StripChartPrep(value), " \t\r\n")
	block := WrapChartPrep(strings.TrimSpace(suggestion))
	if base == "" {
		return block
	}
	return base + "\n\n" + block
}

package aggregator

import (
	"fmt"
	"strings"

	"voice-intake-go/internal/types"
)

// DefaultPageLines is the number of report lines sent per message.
const DefaultPageLines = 40

type Summary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	// FailuresByReason counts failed items per reason.
	FailuresByReason map[string]int `json:"failures_by_reason"`
}

func Aggregate(outcomes []types.Outcome) Summary {
	s := Summary{Total: len(outcomes), FailuresByReason: map[string]int{}}
	for _, o := range outcomes {
		if o.OK() {
			s.Succeeded++
			continue
		}
		s.Failed++
		s.FailuresByReason[o.Reason]++
	}
	return s
}

// Header is the summary line that opens a report.
func (s Summary) Header() string {
	return fmt.Sprintf("Processed %d files: %d succeeded, %d failed", s.Total, s.Succeeded, s.Failed)
}

// Lines renders the summary followed by one line per outcome, in the order
// given (folder enumeration order).
func Lines(outcomes []types.Outcome) []string {
	lines := make([]string, 0, len(outcomes)+1)
	lines = append(lines, Aggregate(outcomes).Header())
	for _, o := range outcomes {
		if o.OK() {
			lines = append(lines, fmt.Sprintf("✅ %d. %s: row %d", o.Index+1, o.Name, o.RowNumber))
		} else {
			lines = append(lines, fmt.Sprintf("❌ %d. %s: %s", o.Index+1, o.Name, o.Reason))
		}
	}
	return lines
}

// Paginate joins lines into messages of at most perPage lines each.
func Paginate(lines []string, perPage int) []string {
	if perPage <= 0 {
		perPage = DefaultPageLines
	}
	var pages []string
	for start := 0; start < len(lines); start += perPage {
		end := start + perPage
		if end > len(lines) {
			end = len(lines)
		}
		pages = append(pages, strings.Join(lines[start:end], "\n"))
	}
	return pages
}

package aggregator

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"voice-intake-go/internal/types"
)

func TestAggregate(t *testing.T) {
	outcomes := []types.Outcome{
		types.Success(0, "a.mp3", 2),
		types.Failure(1, "b.mp3", "too short", errors.New("x")),
		types.Success(2, "c.mp3", 3),
		types.Failure(3, "d.mp3", "too short", errors.New("x")),
	}
	s := Aggregate(outcomes)
	if s.Total != 4 || s.Succeeded != 2 || s.Failed != 2 {
		t.Fatalf("summary = %+v", s)
	}
	if s.FailuresByReason["too short"] != 2 {
		t.Errorf("reasons = %v", s.FailuresByReason)
	}
}

func TestLines_SummaryFirstThenEnumerationOrder(t *testing.T) {
	lines := Lines([]types.Outcome{
		types.Success(0, "a.mp3", 7),
		types.Failure(1, "b.mp3", "not found", errors.New("x")),
	})
	if len(lines) != 3 {
		t.Fatalf("lines = %v", lines)
	}
	if !strings.HasPrefix(lines[0], "Processed 2 files: 1 succeeded, 1 failed") {
		t.Errorf("header = %q", lines[0])
	}
	if !strings.Contains(lines[1], "1. a.mp3: row 7") || !strings.Contains(lines[2], "2. b.mp3: not found") {
		t.Errorf("items = %v", lines[1:])
	}
}

func TestPaginate(t *testing.T) {
	var lines []string
	for i := 0; i < 85; i++ {
		lines = append(lines, fmt.Sprintf("line %d", i))
	}
	pages := Paginate(lines, 40)
	if len(pages) != 3 {
		t.Fatalf("pages = %d", len(pages))
	}
	if n := strings.Count(pages[0], "\n") + 1; n != 40 {
		t.Errorf("first page has %d lines", n)
	}
	if pages[2] != "line 80\nline 81\nline 82\nline 83\nline 84" {
		t.Errorf("last page = %q", pages[2])
	}
	if Paginate(nil, 40) != nil {
		t.Error("no lines should give no pages")
	}
}

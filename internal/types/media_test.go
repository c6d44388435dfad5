package types

import (
	"strings"
	"testing"
	"time"
)

func TestTranscriptText_SinglePartIsUnlabelled(t *testing.T) {
	tr := TranscriptText{Parts: []string{"hello there"}}
	if tr.Text() != "hello there" {
		t.Fatalf("unexpected text %q", tr.Text())
	}
}

func TestTranscriptText_LabelsPartsInOrder(t *testing.T) {
	tr := TranscriptText{Parts: []string{"first", "second"}}
	got := tr.Text()

	i1 := strings.Index(got, "[Part 1/2]")
	i2 := strings.Index(got, "[Part 2/2]")
	if i1 < 0 || i2 < 0 || i1 > i2 {
		t.Fatalf("labels missing or out of order: %q", got)
	}
	if strings.Index(got, "first") > strings.Index(got, "second") {
		t.Fatalf("parts out of order: %q", got)
	}
}

func TestResultRow_ValuesFollowColumnOrder(t *testing.T) {
	row := ResultRow{
		Timestamp:       time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC),
		Transcript:      "tx",
		Analysis:        "an",
		FileName:        "call.mp3",
		SubmitterHandle: "@alex",
		SubmitterLink:   "https://t.me/alex",
		WorkflowID:      "asst_1",
		DurationSeconds: 61,
		Fields:          FileNameFields{Phone: "+79990001122", Day: "04", Month: "03", Year: "2026"},
	}
	vals := row.Values()
	if len(vals) != len(ResultColumns) {
		t.Fatalf("got %d values for %d columns", len(vals), len(ResultColumns))
	}
	want := []string{"2026-03-04 05:06:07", "tx", "an", "call.mp3", "@alex", "https://t.me/alex", "asst_1", "61", "+79990001122", "04", "03", "2026"}
	for i := range want {
		if vals[i] != want[i] {
			t.Errorf("column %s = %q, want %q", ResultColumns[i], vals[i], want[i])
		}
	}
}

func TestSubmitter_HandleFallsBackToID(t *testing.T) {
	s := Submitter{UserID: 77}
	if s.Handle() != "77" || s.ProfileLink() != "tg://user?id=77" {
		t.Fatalf("unexpected handle/link: %s %s", s.Handle(), s.ProfileLink())
	}
}

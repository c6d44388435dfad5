package types

import (
	"fmt"
	"strconv"
	"time"
)

// Submitter identifies the chat user a job runs for.
type Submitter struct {
	UserID   int64  `json:"user_id"`
	ChatID   int64  `json:"chat_id"`
	Username string `json:"username,omitempty"`
}

// Handle is "@username" when known, otherwise the numeric id.
func (s Submitter) Handle() string {
	if s.Username != "" {
		return "@" + s.Username
	}
	return strconv.FormatInt(s.UserID, 10)
}

// ProfileLink points at the submitter's chat profile.
func (s Submitter) ProfileLink() string {
	if s.Username != "" {
		return "https://t.me/" + s.Username
	}
	return fmt.Sprintf("tg://user?id=%d", s.UserID)
}

// FileNameFields are structured values derived from a media file name.
type FileNameFields struct {
	Phone string `json:"phone"`
	Day   string `json:"day"`
	Month string `json:"month"`
	Year  string `json:"year"`
}

// ResultColumns is the fixed sink column order.
var ResultColumns = []string{
	"timestamp",
	"transcript",
	"analysis",
	"file_name",
	"submitter_handle",
	"submitter_link",
	"workflow_id",
	"duration_seconds",
	"phone",
	"day",
	"month",
	"year",
}

// ResultRow is one append-only sink record.
type ResultRow struct {
	Timestamp       time.Time      `json:"timestamp"`
	Transcript      string         `json:"transcript"`
	Analysis        string         `json:"analysis"`
	FileName        string         `json:"file_name"`
	SubmitterHandle string         `json:"submitter_handle"`
	SubmitterLink   string         `json:"submitter_link"`
	WorkflowID      string         `json:"workflow_id"`
	SinkID          string         `json:"sink_id"`
	DurationSeconds int            `json:"duration_seconds"`
	Fields          FileNameFields `json:"fields"`
}

// Values returns the row in ResultColumns order.
func (r ResultRow) Values() []string {
	return []string{
		r.Timestamp.Format("2006-01-02 15:04:05"),
		r.Transcript,
		r.Analysis,
		r.FileName,
		r.SubmitterHandle,
		r.SubmitterLink,
		r.WorkflowID,
		strconv.Itoa(r.DurationSeconds),
		r.Fields.Phone,
		r.Fields.Day,
		r.Fields.Month,
		r.Fields.Year,
	}
}

// Outcome is the result of one folder item.
type Outcome struct {
	Index     int    `json:"index"`
	Name      string `json:"name"`
	RowNumber int    `json:"row_number,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Err       error  `json:"-"`
}

// OK reports whether the item was persisted.
func (o Outcome) OK() bool { return o.Err == nil }

// Success builds a successful outcome.
func Success(index int, name string, row int) Outcome {
	return Outcome{Index: index, Name: name, RowNumber: row}
}

// Failure builds a failed outcome.
func Failure(index int, name string, reason string, err error) Outcome {
	return Outcome{Index: index, Name: name, Reason: reason, Err: err}
}

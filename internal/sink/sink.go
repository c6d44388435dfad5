// Package sink persists result rows to an append-only tabular store.
//
// A sink id names one logical table: a workbook file for the xlsx driver, a
// partition of the result_rows table for the SQL drivers. Rows are only ever
// appended.
package sink

import (
	"context"
	"fmt"
	"regexp"

	"voice-intake-go/internal/errs"
)

// Sink appends rows and reports the row number of the appended row.
type Sink interface {
	AppendRow(ctx context.Context, sinkID, sheet string, values []string) (int, error)
	Close() error
}

// Options selects and configures a driver.
type Options struct {
	Driver string // xlsx | sqlite | postgres
	Dir    string
	DSN    string
}

// Open builds the configured driver.
func Open(ctx context.Context, opts Options) (Sink, error) {
	switch opts.Driver {
	case "", "xlsx":
		return NewXLSX(opts.Dir)
	case "sqlite", "postgres":
		return OpenSQL(ctx, opts.Driver, opts.DSN)
	}
	return nil, fmt.Errorf("sink: unknown driver %q", opts.Driver)
}

var validID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidID reports whether id is usable as a sink id.
func ValidID(id string) bool {
	return validID.MatchString(id) && id != "." && id != ".."
}

func checkID(op, id string) error {
	if !ValidID(id) {
		return errs.E(errs.KindSink, op, fmt.Sprintf("invalid sink id %q", id))
	}
	return nil
}

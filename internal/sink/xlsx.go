package sink

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/xuri/excelize/v2"

	"voice-intake-go/internal/errs"
	"voice-intake-go/internal/logger"
	"voice-intake-go/internal/types"
)

// XLSX stores each sink id as <dir>/<sinkID>.xlsx. Workbook files are not
// safe for concurrent writers, so appends to one file are serialized.
type XLSX struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	log   *logger.Logger
}

func NewXLSX(dir string) (*XLSX, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("sink: create dir: %w", err)
	}
	return &XLSX{dir: dir, locks: make(map[string]*sync.Mutex), log: logger.Component("sink.xlsx")}, nil
}

// Path is the workbook file backing sinkID.
func (x *XLSX) Path(sinkID string) string {
	return filepath.Join(x.dir, sinkID+".xlsx")
}

func (x *XLSX) lock(sinkID string) *sync.Mutex {
	x.mu.Lock()
	defer x.mu.Unlock()
	l, ok := x.locks[sinkID]
	if !ok {
		l = &sync.Mutex{}
		x.locks[sinkID] = l
	}
	return l
}

// AppendRow writes values below the last used row of sheet, creating the
// workbook, the sheet and a header row as needed.
func (x *XLSX) AppendRow(ctx context.Context, sinkID, sheet string, values []string) (int, error) {
	const op = "sink.xlsx.append"
	if err := checkID(op, sinkID); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if sheet == "" {
		sheet = "Results"
	}

	l := x.lock(sinkID)
	l.Lock()
	defer l.Unlock()

	path := x.Path(sinkID)
	f, err := openOrCreate(path, sheet)
	if err != nil {
		return 0, errs.Wrap(errs.KindSink, op, err)
	}
	defer f.Close()

	rows, err := f.GetRows(sheet)
	if err != nil {
		return 0, errs.Wrap(errs.KindSink, op, fmt.Errorf("read rows: %w", err))
	}
	next := len(rows) + 1
	if len(rows) == 0 {
		if err := setRow(f, sheet, 1, types.ResultColumns); err != nil {
			return 0, errs.Wrap(errs.KindSink, op, err)
		}
		next = 2
	}
	if err := setRow(f, sheet, next, values); err != nil {
		return 0, errs.Wrap(errs.KindSink, op, err)
	}
	if err := f.SaveAs(path); err != nil {
		return 0, errs.Wrap(errs.KindSink, op, fmt.Errorf("save: %w", err))
	}

	x.log.WithField("sink_id", sinkID).WithField("row", next).Debug("row appended")
	return next, nil
}

// Rows returns every row of sheet, header included.
func (x *XLSX) Rows(sinkID, sheet string) ([][]string, error) {
	if err := checkID("sink.xlsx.rows", sinkID); err != nil {
		return nil, err
	}
	l := x.lock(sinkID)
	l.Lock()
	defer l.Unlock()

	f, err := excelize.OpenFile(x.Path(sinkID))
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("read rows: %w", err)
	}
	return rows, nil
}

func (x *XLSX) Close() error { return nil }

func openOrCreate(path, sheet string) (*excelize.File, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		f := excelize.NewFile()
		if err := f.SetSheetName(f.GetSheetName(0), sheet); err != nil {
			f.Close()
			return nil, fmt.Errorf("name sheet: %w", err)
		}
		return f, nil
	}

	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	idx, err := f.GetSheetIndex(sheet)
	if err != nil {
		f.Close()
		return nil, err
	}
	if idx == -1 {
		if _, err := f.NewSheet(sheet); err != nil {
			f.Close()
			return nil, fmt.Errorf("new sheet: %w", err)
		}
	}
	return f, nil
}

func setRow(f *excelize.File, sheet string, row int, values []string) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	vals := make([]any, len(values))
	for i, v := range values {
		vals[i] = v
	}
	if err := f.SetSheetRow(sheet, cell, &vals); err != nil {
		return fmt.Errorf("write row %d: %w", row, err)
	}
	return nil
}

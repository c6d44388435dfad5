package sink

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"voice-intake-go/internal/errs"
	"voice-intake-go/internal/types"
)

// SQL stores rows in one result_rows table, partitioned by sink id and
// sheet. The returned row number counts rows of that partition.
type SQL struct {
	db      *sql.DB
	dialect string
}

// OpenSQL connects with driver "sqlite" or "postgres" and ensures the schema.
func OpenSQL(ctx context.Context, dialect, dsn string) (*SQL, error) {
	db, err := sql.Open(dialect, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s, err := NewSQL(ctx, db, dialect)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQL wraps an open database.
func NewSQL(ctx context.Context, db *sql.DB, dialect string) (*SQL, error) {
	if dialect == "sqlite" {
		// a single writer avoids SQLITE_BUSY and keeps :memory: databases shared
		db.SetMaxOpenConns(1)
	}
	s := &SQL{db: db, dialect: dialect}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQL) migrate(ctx context.Context) error {
	id := "id INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.dialect == "postgres" {
		id = "id BIGSERIAL PRIMARY KEY"
	}
	cols := make([]string, len(types.ResultColumns))
	for i, c := range types.ResultColumns {
		cols[i] = fmt.Sprintf("%q TEXT NOT NULL DEFAULT ''", c)
	}
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS result_rows (
			%s,
			sink_id TEXT NOT NULL,
			sheet TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			%s
		)`, id, strings.Join(cols, ",\n\t\t\t")),
		`CREATE INDEX IF NOT EXISTS result_rows_sink ON result_rows (sink_id, sheet, id)`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// AppendRow inserts values in types.ResultColumns order.
func (s *SQL) AppendRow(ctx context.Context, sinkID, sheet string, values []string) (int, error) {
	const op = "sink.sql.append"
	if err := checkID(op, sinkID); err != nil {
		return 0, err
	}
	if len(values) != len(types.ResultColumns) {
		return 0, errs.E(errs.KindSink, op,
			fmt.Sprintf("got %d values, want %d", len(values), len(types.ResultColumns)))
	}

	names := make([]string, 0, len(values)+2)
	args := make([]any, 0, len(values)+2)
	names = append(names, "sink_id", "sheet")
	args = append(args, sinkID, sheet)
	for i, c := range types.ResultColumns {
		names = append(names, fmt.Sprintf("%q", c))
		args = append(args, values[i])
	}

	insert := fmt.Sprintf("INSERT INTO result_rows (%s) VALUES (%s) RETURNING id",
		strings.Join(names, ", "), s.placeholders(1, len(args)))
	var id int64
	if err := s.db.QueryRowContext(ctx, insert, args...).Scan(&id); err != nil {
		return 0, errs.Wrap(errs.KindSink, op, err)
	}

	count := fmt.Sprintf("SELECT COUNT(*) FROM result_rows WHERE sink_id = %s AND sheet = %s AND id <= %s",
		s.placeholder(1), s.placeholder(2), s.placeholder(3))
	var n int
	if err := s.db.QueryRowContext(ctx, count, sinkID, sheet, id).Scan(&n); err != nil {
		return 0, errs.Wrap(errs.KindSink, op, err)
	}
	return n, nil
}

// Rows returns the stored values of one partition in insertion order.
func (s *SQL) Rows(ctx context.Context, sinkID, sheet string) ([][]string, error) {
	cols := make([]string, len(types.ResultColumns))
	for i, c := range types.ResultColumns {
		cols[i] = fmt.Sprintf("%q", c)
	}
	q := fmt.Sprintf("SELECT %s FROM result_rows WHERE sink_id = %s AND sheet = %s ORDER BY id",
		strings.Join(cols, ", "), s.placeholder(1), s.placeholder(2))
	rows, err := s.db.QueryContext(ctx, q, sinkID, sheet)
	if err != nil {
		return nil, fmt.Errorf("query rows: %w", err)
	}
	defer rows.Close()

	var out [][]string
	for rows.Next() {
		vals := make([]string, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, vals)
	}
	return out, rows.Err()
}

func (s *SQL) Close() error { return s.db.Close() }

func (s *SQL) placeholder(n int) string {
	if s.dialect == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (s *SQL) placeholders(from, n int) string {
	ps := make([]string, n)
	for i := range ps {
		ps[i] = s.placeholder(from + i)
	}
	return strings.Join(ps, ", ")
}

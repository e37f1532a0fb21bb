package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Dialect selects SQL syntax and driver.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

func (d Dialect) driver() (string, error) {
	switch d {
	case DialectSQLite:
		return "sqlite", nil
	case DialectPostgres:
		return "pgx", nil
	default:
		return "", fmt.Errorf("audit: unknown dialect %q", d)
	}
}

func (d Dialect) schema() []string {
	seqCol := "seq INTEGER PRIMARY KEY AUTOINCREMENT"
	if d == DialectPostgres {
		seqCol = "seq BIGSERIAL PRIMARY KEY"
	}
	return []string{
		`CREATE TABLE IF NOT EXISTS decision_records (
	` + seqCol + `,
	ts TEXT NOT NULL,
	trace_id TEXT NOT NULL,
	decision_type TEXT NOT NULL,
	stage TEXT NOT NULL DEFAULT '',
	target TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL DEFAULT '',
	plan_id TEXT NOT NULL DEFAULT '',
	details TEXT NOT NULL DEFAULT ''
)`,
		`CREATE INDEX IF NOT EXISTS idx_decision_records_trace ON decision_records (trace_id, seq)`,
	}
}

// rebind turns ? placeholders into $n for postgres.
func (d Dialect) rebind(q string) string {
	if d != DialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLStore is the durable, queryable audit backend. Writes are serialized
// through one mutex so the connection has a single writer.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	logger  *zap.Logger
	mu      sync.Mutex
}

// OpenSQL opens a database for dialect and migrates it. For sqlite the dsn
// is a file path (or ":memory:").
func OpenSQL(ctx context.Context, dialect Dialect, dsn string, logger *zap.Logger) (*SQLStore, error) {
	driver, err := dialect.driver()
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// An in-memory sqlite database exists per connection.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: ping %s: %w", dialect, err)
	}
	s, err := NewSQLStore(ctx, db, dialect, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStore wraps an open database and creates the schema if needed.
func NewSQLStore(ctx context.Context, db *sql.DB, dialect Dialect, logger *zap.Logger) (*SQLStore, error) {
	if _, err := dialect.driver(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, stmt := range dialect.schema() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("audit: migrate: %w", err)
		}
	}
	return &SQLStore{db: db, dialect: dialect, logger: logger}, nil
}

const insertRecord = `INSERT INTO decision_records (ts, trace_id, decision_type, stage, target, reason, plan_id, details)
VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING seq`

// Append inserts rec and returns it with the assigned sequence number.
func (s *SQLStore) Append(ctx context.Context, rec DecisionRecord) (DecisionRecord, error) {
	stamp(&rec)
	details := ""
	if len(rec.Details) > 0 {
		b, err := json.Marshal(rec.Details)
		if err != nil {
			return DecisionRecord{}, fmt.Errorf("audit: marshal details: %w", err)
		}
		details = string(b)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(insertRecord),
		rec.Timestamp, rec.TraceID, string(rec.DecisionType), rec.Stage,
		rec.Target, rec.Reason, rec.PlanID, details,
	).Scan(&rec.Seq)
	if err != nil {
		s.logger.Error("audit insert failed", zap.String("trace_id", rec.TraceID), zap.Error(err))
		return DecisionRecord{}, fmt.Errorf("audit: insert: %w", err)
	}
	return rec, nil
}

const selectHistory = `SELECT seq, ts, trace_id, decision_type, stage, target, reason, plan_id, details
FROM decision_records WHERE trace_id = ? ORDER BY seq`

const selectTail = `SELECT seq, ts, trace_id, decision_type, stage, target, reason, plan_id, details
FROM decision_records ORDER BY seq DESC LIMIT ?`

// History returns every record for traceID ordered by write time.
func (s *SQLStore) History(ctx context.Context, traceID string) ([]DecisionRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(selectHistory), traceID)
	if err != nil {
		return nil, fmt.Errorf("audit: query history: %w", err)
	}
	return scanRecords(rows)
}

// Tail returns the last n records across all traces, oldest first.
func (s *SQLStore) Tail(ctx context.Context, n int) ([]DecisionRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(selectTail), n)
	if err != nil {
		return nil, fmt.Errorf("audit: query tail: %w", err)
	}
	recs, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
	return recs, nil
}

func scanRecords(rows *sql.Rows) ([]DecisionRecord, error) {
	defer rows.Close()
	var out []DecisionRecord
	for rows.Next() {
		var (
			rec     DecisionRecord
			dt      string
			details string
		)
		if err := rows.Scan(&rec.Seq, &rec.Timestamp, &rec.TraceID, &dt,
			&rec.Stage, &rec.Target, &rec.Reason, &rec.PlanID, &details); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		rec.DecisionType = DecisionType(dt)
		if details != "" {
			if err := json.Unmarshal([]byte(details), &rec.Details); err != nil {
				return nil, fmt.Errorf("audit: decode details for seq %d: %w", rec.Seq, err)
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: rows: %w", err)
	}
	return out, nil
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

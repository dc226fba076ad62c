package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/ispchecker/ispchecker/internal/model"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// SQL stores runs in a single runs table. The report column holds the
// Result as JSON, timestamps are unix nanoseconds.
type SQL struct {
	db      *sql.DB
	dialect dialect
}

const sqliteSchema = `CREATE TABLE IF NOT EXISTS runs (
	run_id TEXT PRIMARY KEY,
	owner TEXT NOT NULL DEFAULT '',
	ts INTEGER NOT NULL,
	target TEXT NOT NULL,
	mode TEXT NOT NULL,
	status TEXT NOT NULL,
	score REAL NOT NULL DEFAULT 0,
	summary TEXT NOT NULL DEFAULT '',
	report TEXT DEFAULT NULL
)`

const postgresSchema = `CREATE TABLE IF NOT EXISTS runs (
	run_id TEXT PRIMARY KEY,
	owner TEXT NOT NULL DEFAULT '',
	ts BIGINT NOT NULL,
	target TEXT NOT NULL,
	mode TEXT NOT NULL,
	status TEXT NOT NULL,
	score DOUBLE PRECISION NOT NULL DEFAULT 0,
	summary TEXT NOT NULL DEFAULT '',
	report JSONB DEFAULT NULL
)`

const indexDDL = `CREATE INDEX IF NOT EXISTS runs_target_ts ON runs (target, ts)`

// OpenSQLite opens (and creates) a sqlite database, dsn is a file path or a
// modernc.org/sqlite URI such as "file::memory:".
func OpenSQLite(ctx context.Context, dsn string) (*SQL, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// sqlite serializes writers anyway, one connection avoids SQLITE_BUSY
	// and keeps in-memory databases alive
	db.SetMaxOpenConns(1)
	return initSQL(ctx, db, dialectSQLite)
}

// OpenPostgres connects through the pgx database/sql driver.
func OpenPostgres(ctx context.Context, dsn string) (*SQL, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return initSQL(ctx, db, dialectPostgres)
}

func initSQL(ctx context.Context, db *sql.DB, d dialect) (*SQL, error) {
	schema := sqliteSchema
	if d == dialectPostgres {
		schema = postgresSchema
	}
	for _, stmt := range []string{schema, indexDDL} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("creating schema: %w", err)
		}
	}
	return &SQL{db: db, dialect: d}, nil
}

// rebind turns ? placeholders into $n for postgres.
func (s *SQL) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (s *SQL) reportParam() string {
	if s.dialect == dialectPostgres {
		return "CAST(? AS JSONB)"
	}
	return "?"
}

func (s *SQL) Save(ctx context.Context, rec model.Record) error {
	var report sql.NullString
	if rec.Result != nil {
		b, err := json.Marshal(rec.Result)
		if err != nil {
			return fmt.Errorf("marshalling report: %w", err)
		}
		report = sql.NullString{String: string(b), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func(ctx context.Context, runID string) {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			slog.ErrorContext(ctx, "Calling `tx.Rollback()` failed.", slog.String("run_id", runID))
		}
	}(ctx, rec.RunID)

	_, err = tx.ExecContext(ctx, s.rebind(
		`INSERT INTO runs (run_id, owner, ts, target, mode, status, score, summary, report)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, `+s.reportParam()+`)
		ON CONFLICT (run_id) DO UPDATE SET
			owner = excluded.owner,
			ts = excluded.ts,
			target = excluded.target,
			mode = excluded.mode,
			status = excluded.status,
			score = excluded.score,
			summary = excluded.summary,
			report = excluded.report`),
		rec.RunID, rec.Owner, rec.Timestamp.UnixNano(), rec.Target, rec.Mode,
		string(rec.Status), rec.Score, rec.Summary, report,
	)
	if err != nil {
		return fmt.Errorf("executing sql upsert failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

const selectColumns = `SELECT run_id, owner, ts, target, mode, status, score, summary, report FROM runs`

func (s *SQL) Fetch(ctx context.Context, runID string) (model.Record, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(selectColumns+` WHERE run_id = ?`), runID)
	rec, err := scanRecord(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return model.Record{}, ErrNotFound
	case err != nil:
		return model.Record{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	return rec, nil
}

func (s *SQL) List(ctx context.Context, filter Filter, limit, offset int) ([]model.Record, error) {
	var where []string
	var args []any
	if filter.Target != "" {
		where = append(where, "target = ?")
		args = append(args, filter.Target)
	}
	if filter.Owner != "" {
		where = append(where, "owner = ?")
		args = append(args, filter.Owner)
	}
	query := selectColumns
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts DESC, run_id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer rows.Close()

	out := []model.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning row failed: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQL) Delete(ctx context.Context, runID string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM runs WHERE run_id = ?`), runID)
	if err != nil {
		return fmt.Errorf("executing sql delete failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQL) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQL) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (model.Record, error) {
	var rec model.Record
	var ts int64
	var status string
	var report sql.NullString
	err := row.Scan(
		&rec.RunID,
		&rec.Owner,
		&ts,
		&rec.Target,
		&rec.Mode,
		&status,
		&rec.Score,
		&rec.Summary,
		&report,
	)
	if err != nil {
		return model.Record{}, err
	}
	rec.Timestamp = time.Unix(0, ts).UTC()
	rec.Status = model.JobStatus(status)
	if report.Valid {
		var res model.Result
		if err := json.Unmarshal([]byte(report.String), &res); err != nil {
			return model.Record{}, fmt.Errorf("decoding report of %s: %w", rec.RunID, err)
		}
		rec.Result = &res
	}
	return rec, nil
}

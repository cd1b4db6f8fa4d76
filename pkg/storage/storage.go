package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/egsclaim/egsclaim/pkg/offers"
)

type DB struct {
	sql *sql.DB
}

func Open(path string) (*DB, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	// Ensure schema exists for convenience.
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS runs (
  id           TEXT PRIMARY KEY,
  started_at   TEXT NOT NULL,
  finished_at  TEXT NOT NULL,
  status       TEXT NOT NULL,
  warnings     TEXT
);
CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
CREATE TABLE IF NOT EXISTS claims (
  id           INTEGER PRIMARY KEY,
  run_id       TEXT NOT NULL REFERENCES runs(id),
  occurred_at  TEXT NOT NULL,
  namespace    TEXT NOT NULL,
  title        TEXT NOT NULL,
  url          TEXT NOT NULL,
  outcome      TEXT NOT NULL,
  attempts     INTEGER NOT NULL DEFAULT 0,
  error        TEXT
);
CREATE INDEX IF NOT EXISTS idx_claims_namespace ON claims(namespace, outcome);
CREATE INDEX IF NOT EXISTS idx_claims_time ON claims(occurred_at);
    `); err != nil {
		return nil, err
	}
	return &DB{sql: db}, nil
}

func (d *DB) Close() error {
	if d == nil || d.sql == nil {
		return nil
	}
	return d.sql.Close()
}

// RecordRun stores a finished run and one claim row per summary entry.
func (d *DB) RecordRun(ctx context.Context, s *offers.RunSummary) (err error) {
	if s == nil || s.RunID == "" {
		return fmt.Errorf("run summary without id")
	}

	tx, err := d.sql.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `INSERT INTO runs(id, started_at, finished_at, status, warnings) VALUES(?,?,?,?,?)`,
		s.RunID, formatTime(s.StartedAt), formatTime(s.FinishedAt), string(s.Status), nullIfEmpty(strings.Join(s.Warnings, "\n")))
	if err != nil {
		return err
	}

	for _, e := range s.Entries {
		_, err = tx.ExecContext(ctx, `INSERT INTO claims(run_id, occurred_at, namespace, title, url, outcome, attempts, error) VALUES(?,?,?,?,?,?,?,?)`,
			s.RunID, formatTime(s.FinishedAt), e.Namespace, e.Title, e.URL, string(e.Outcome), e.Attempts, nullIfEmpty(e.Error))
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// ListClaimsOptions controls selection when listing claims.
type ListClaimsOptions struct {
	Outcome offers.ClaimOutcome
	Since   time.Time
	Limit   int
}

// ListClaims returns claim rows, most recent first.
func (d *DB) ListClaims(ctx context.Context, opts ListClaimsOptions) ([]Claim, error) {
	where := "WHERE 1=1"
	args := []interface{}{}
	if opts.Outcome != "" {
		where += " AND outcome = ?"
		args = append(args, string(opts.Outcome))
	}
	if !opts.Since.IsZero() {
		where += " AND occurred_at >= ?"
		args = append(args, formatTime(opts.Since))
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)

	q := "SELECT run_id, occurred_at, namespace, title, url, outcome, attempts, error FROM claims " + where + " ORDER BY occurred_at DESC, id DESC LIMIT ?"
	rows, err := d.sql.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Claim
	for rows.Next() {
		var (
			c          Claim
			occurredAt string
			outcome    string
			errNS      sql.NullString
		)
		if err := rows.Scan(&c.RunID, &occurredAt, &c.Namespace, &c.Title, &c.URL, &outcome, &c.Attempts, &errNS); err != nil {
			return nil, err
		}
		c.OccurredAt = parseTime(occurredAt)
		c.Outcome = offers.ClaimOutcome(outcome)
		c.Error = errNS.String
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ClaimedNamespaces returns a ledger built from local history: every
// namespace a past run claimed or found already owned.
func (d *DB) ClaimedNamespaces(ctx context.Context) ([]offers.OwnedOfferRecord, error) {
	rows, err := d.sql.QueryContext(ctx, "SELECT DISTINCT namespace FROM claims WHERE outcome IN (?, ?) ORDER BY namespace",
		string(offers.OutcomeClaimed), string(offers.OutcomeAlreadyOwned))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []offers.OwnedOfferRecord
	for rows.Next() {
		var ns string
		if err := rows.Scan(&ns); err != nil {
			return nil, err
		}
		out = append(out, offers.OwnedOfferRecord{Namespace: ns})
	}
	return out, rows.Err()
}

// ListRuns returns the most recent runs.
func (d *DB) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	q := `SELECT r.id, r.started_at, r.finished_at, r.status, r.warnings, COUNT(c.id)
		FROM runs r LEFT JOIN claims c ON c.run_id = r.id
		GROUP BY r.id ORDER BY r.started_at DESC LIMIT ?`
	rows, err := d.sql.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		var (
			r                 Run
			started, finished string
			status            string
			warnings          sql.NullString
		)
		if err := rows.Scan(&r.ID, &started, &finished, &status, &warnings, &r.Entries); err != nil {
			return nil, err
		}
		r.StartedAt, r.FinishedAt = parseTime(started), parseTime(finished)
		r.Status = offers.RunStatus(status)
		if warnings.String != "" {
			r.Warnings = strings.Split(warnings.String, "\n")
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return runs, nil
}

func (d *DB) GetStats(ctx context.Context) (*Stats, error) {
	st := &Stats{}

	var last sql.NullString
	if err := d.sql.QueryRowContext(ctx, "SELECT COUNT(*), MAX(started_at) FROM runs").Scan(&st.Runs, &last); err != nil {
		return nil, err
	}
	if last.Valid {
		st.LastRun = parseTime(last.String)
	}

	query := `
		SELECT
			outcome,
			COUNT(*),
			COUNT(DISTINCT namespace)
		FROM
			claims
		GROUP BY
			outcome
		ORDER BY
			outcome;
	`
	rows, err := d.sql.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			s       OutcomeStats
			outcome string
		)
		if err := rows.Scan(&outcome, &s.Count, &s.Offers); err != nil {
			return nil, err
		}
		s.Outcome = offers.ClaimOutcome(outcome)
		st.ByOutcome = append(st.ByOutcome, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return st, nil
}

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	if t, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
		return t
	}
	return time.Time{}
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"mailrun/dispatch"
)

//go:embed schema.sql
var schema string

// ErrCampaignNotFound is returned by lookups for an unknown campaign id.
var ErrCampaignNotFound = errors.New("campaign not found")

// Store records campaign runs in SQLite.
type Store struct {
	db *sql.DB
}

// RunRecord is one dispatcher run to persist.
type RunRecord struct {
	CampaignID string
	Subject    string
	Sender     string
	Jobs       int
	Result     *dispatch.Result
}

// CampaignStats aggregates every run stored for a campaign.
type CampaignStats struct {
	ID          string
	Subject     string
	Total       int
	Sent        int
	Failed      int
	Skipped     int
	Unaccounted int
	Runs        int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// LogEntry is one stored outcome.
type LogEntry struct {
	Sender    string
	Recipient string
	Status    string
	Detail    string
	SentAt    time.Time
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA busy_timeout = 5000")
	_, _ = db.ExecContext(ctx, "PRAGMA foreign_keys = ON")

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveRun adds the run's counts to its campaign and stores every outcome, all
// in one transaction.
func (s *Store) SaveRun(ctx context.Context, rec RunRecord) error {
	if rec.CampaignID == "" {
		return errors.New("campaign id is required")
	}
	if rec.Result == nil {
		return errors.New("run result is required")
	}
	res := rec.Result
	now := time.Now().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO campaigns(id, subject, total, sent, failed, skipped, unaccounted, runs, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,1,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   total = total + excluded.total,
		   sent = sent + excluded.sent,
		   failed = failed + excluded.failed,
		   skipped = skipped + excluded.skipped,
		   unaccounted = unaccounted + excluded.unaccounted,
		   runs = runs + 1,
		   updated_at = excluded.updated_at`,
		rec.CampaignID, rec.Subject, rec.Jobs, res.Sent, res.Failed, res.Skipped, res.Unaccounted, now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert campaign: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO email_logs(campaign_id, sender, recipient, status, detail, sent_at) VALUES(?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, o := range res.Outcomes {
		if _, err := stmt.ExecContext(ctx,
			rec.CampaignID, rec.Sender, o.Destination, o.Status.String(), nullStr(o.Detail),
			o.CompletedAt.UTC().Format(time.RFC3339Nano),
		); err != nil {
			return fmt.Errorf("insert outcome: %w", err)
		}
	}
	return tx.Commit()
}

// Stats returns the aggregate for campaign id.
func (s *Store) Stats(ctx context.Context, id string) (CampaignStats, error) {
	var (
		st               CampaignStats
		created, updated string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, subject, total, sent, failed, skipped, unaccounted, runs, created_at, updated_at
		 FROM campaigns WHERE id = ?`, id,
	).Scan(&st.ID, &st.Subject, &st.Total, &st.Sent, &st.Failed, &st.Skipped, &st.Unaccounted, &st.Runs, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return CampaignStats{}, fmt.Errorf("%w: %s", ErrCampaignNotFound, id)
	}
	if err != nil {
		return CampaignStats{}, err
	}
	st.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	st.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return st, nil
}

// Logs returns the stored outcomes of campaign id in insertion order.
func (s *Store) Logs(ctx context.Context, id string) ([]LogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sender, recipient, status, detail, sent_at FROM email_logs WHERE campaign_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var (
			e      LogEntry
			detail sql.NullString
			sentAt string
		)
		if err := rows.Scan(&e.Sender, &e.Recipient, &e.Status, &detail, &sentAt); err != nil {
			return nil, err
		}
		e.Detail = detail.String
		e.SentAt, _ = time.Parse(time.RFC3339Nano, sentAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

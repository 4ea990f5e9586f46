// Package history archives finished jobs in SQLite so they outlive registry
// retention and process restarts.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"ansible-mcp/internal/domain"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Archive stores terminal jobs in a SQLite database.
type Archive struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the archive at dbPath and runs the schema migration.
func Open(dbPath string, logger *slog.Logger) (*Archive, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	// One connection: the archive has a single writer and pragmas are per connection.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("history db %q: %w", pragma, err)
		}
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history db: %w", err)
	}
	return &Archive{db: db, logger: logger}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			id           TEXT PRIMARY KEY,
			kind         TEXT NOT NULL,
			state        TEXT NOT NULL,
			exit_code    INTEGER,
			argv         TEXT NOT NULL DEFAULT '[]',
			reason       TEXT NOT NULL DEFAULT '',
			created_at   TEXT NOT NULL,
			started_at   TEXT,
			ended_at     TEXT,
			output_bytes INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS jobs_ended_at ON jobs (ended_at);
	`)
	return err
}

// Close closes the underlying database connection.
func (a *Archive) Close() error {
	return a.db.Close()
}

// Record stores a terminal job, replacing any earlier row with the same id.
func (a *Archive) Record(ctx context.Context, job domain.Job) error {
	if !job.State.Terminal() {
		return domain.NewSubSystemError("history", "Archive.Record", domain.ErrInvalidInput,
			fmt.Sprintf("job %s is %s, not terminal", job.ID, job.State))
	}
	argv, err := json.Marshal(job.Argv)
	if err != nil {
		return fmt.Errorf("marshal argv: %w", err)
	}
	var exitCode sql.NullInt64
	if job.ExitCode != nil {
		exitCode = sql.NullInt64{Int64: int64(*job.ExitCode), Valid: true}
	}
	_, err = a.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO jobs
			(id, kind, state, exit_code, argv, reason, created_at, started_at, ended_at, output_bytes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, string(job.Kind), string(job.State), exitCode, string(argv), job.Reason,
		formatTime(&job.CreatedAt), nullTime(job.StartedAt), nullTime(job.EndedAt), job.OutputBytes,
	)
	return err
}

// Recent returns up to limit archived jobs, most recently finished first.
func (a *Archive) Recent(ctx context.Context, limit int) ([]domain.Job, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, kind, state, exit_code, argv, reason, created_at, started_at, ended_at, output_bytes
		FROM jobs ORDER BY ended_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := []domain.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Subscribe archives every job.finished event published on bus. It returns
// the unsubscribe function.
func (a *Archive) Subscribe(bus domain.EventBus) func() {
	return bus.Subscribe(domain.EventJobFinished, func(ctx context.Context, ev domain.Event) {
		var job domain.Job
		if err := json.Unmarshal(ev.Payload, &job); err != nil {
			a.logger.Warn("history: decode job event", "job_id", ev.JobID, "error", err)
			return
		}
		if err := a.Record(ctx, job); err != nil {
			a.logger.Warn("history: record job", "job_id", job.ID, "error", err)
			return
		}
		a.logger.Debug("job archived", "job_id", job.ID, "state", job.State)
	})
}

func scanJob(rows *sql.Rows) (domain.Job, error) {
	var (
		job                        domain.Job
		kind, state, argv, created string
		exitCode                   sql.NullInt64
		started, ended             sql.NullString
	)
	if err := rows.Scan(&job.ID, &kind, &state, &exitCode, &argv, &job.Reason,
		&created, &started, &ended, &job.OutputBytes); err != nil {
		return domain.Job{}, err
	}
	job.Kind = domain.JobKind(kind)
	job.State = domain.JobState(state)
	if exitCode.Valid {
		code := int(exitCode.Int64)
		job.ExitCode = &code
	}
	if err := json.Unmarshal([]byte(argv), &job.Argv); err != nil {
		return domain.Job{}, fmt.Errorf("decode argv of %s: %w", job.ID, err)
	}
	job.CreatedAt, _ = time.Parse(timeLayout, created)
	job.StartedAt = parseTime(started)
	job.EndedAt = parseTime(ended)
	return job, nil
}

func formatTime(t *time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}

func parseTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(timeLayout, s.String)
	if err != nil {
		return nil
	}
	return &t
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

var ErrNotFound = errors.New("not found")

// timeLayout sorts lexicographically in chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store keeps job history and schedules in sqlite.
type Store struct {
	DB *sql.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// Batch jobs record concurrently; sqlite takes one writer at a time.
	db.SetMaxOpenConns(1)

	// Create tables if not exist
	queries := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			batch_id TEXT NOT NULL DEFAULT '',
			topic TEXT NOT NULL,
			variant TEXT NOT NULL,
			status TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL DEFAULT '',
			tags TEXT NOT NULL DEFAULT '[]',
			images TEXT NOT NULL DEFAULT '[]',
			publish_status TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			steps TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			finished_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at);`,
		`CREATE TABLE IF NOT EXISTS schedules (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			cron TEXT NOT NULL,
			topics TEXT NOT NULL,
			variant TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			last_run TEXT,
			next_run TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
	}
	for _, q := range queries {
		if _, err = db.Exec(q); err != nil {
			db.Close()
			return nil, err
		}
	}

	return &Store{DB: db}, nil
}

func (s *Store) Close() error {
	return s.DB.Close()
}

// RecordJob inserts job or replaces the existing row with the same id.
func (s *Store) RecordJob(ctx context.Context, job Job) error {
	if job.ID == "" {
		return errors.New("job id is required")
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	if job.FinishedAt.IsZero() {
		job.FinishedAt = job.CreatedAt
	}
	query := `INSERT INTO jobs (id, batch_id, topic, variant, status, title, content, tags, images, publish_status, error, steps, created_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			batch_id = excluded.batch_id,
			topic = excluded.topic,
			variant = excluded.variant,
			status = excluded.status,
			title = excluded.title,
			content = excluded.content,
			tags = excluded.tags,
			images = excluded.images,
			publish_status = excluded.publish_status,
			error = excluded.error,
			steps = excluded.steps,
			finished_at = excluded.finished_at`
	_, err := s.DB.ExecContext(ctx, query,
		job.ID, job.BatchID, job.Topic, job.Variant, job.Status, job.Title, job.Content,
		encodeList(job.Tags), encodeList(job.Images), job.PublishStatus, job.Error, string(job.Steps),
		formatTime(job.CreatedAt), formatTime(job.FinishedAt))
	if err != nil {
		return fmt.Errorf("record job %s: %w", job.ID, err)
	}
	return nil
}

const jobColumns = `id, batch_id, topic, variant, status, title, content, tags, images, publish_status, error, steps, created_at, finished_at`

func (s *Store) GetJob(ctx context.Context, id string) (Job, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return job, err
}

// ListJobs returns matching jobs, newest first.
func (s *Store) ListJobs(ctx context.Context, f JobFilter) ([]Job, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.Variant != "" {
		where = append(where, "variant = ?")
		args = append(args, f.Variant)
	}
	if f.BatchID != "" {
		where = append(where, "batch_id = ?")
		args = append(args, f.BatchID)
	}
	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, max(f.Offset, 0))

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *Store) DeleteJob(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	st := Stats{ByVariant: map[string]int{}}
	rows, err := s.DB.QueryContext(ctx, `SELECT variant, status, COUNT(*) FROM jobs GROUP BY variant, status`)
	if err != nil {
		return st, err
	}
	defer rows.Close()

	for rows.Next() {
		var variant, status string
		var n int
		if err := rows.Scan(&variant, &status, &n); err != nil {
			return st, err
		}
		st.Total += n
		st.ByVariant[variant] += n
		if status == StatusSucceeded {
			st.Succeeded += n
		} else {
			st.Failed += n
		}
	}
	if st.Total > 0 {
		st.SuccessRate = float64(st.Succeeded) / float64(st.Total)
	}
	return st, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(sc scanner) (Job, error) {
	var (
		job                   Job
		tags, images, steps   string
		createdAt, finishedAt string
	)
	err := sc.Scan(&job.ID, &job.BatchID, &job.Topic, &job.Variant, &job.Status, &job.Title, &job.Content,
		&tags, &images, &job.PublishStatus, &job.Error, &steps, &createdAt, &finishedAt)
	if err != nil {
		return Job{}, err
	}
	job.Tags = decodeList(tags)
	job.Images = decodeList(images)
	if steps != "" {
		job.Steps = json.RawMessage(steps)
	}
	job.CreatedAt = parseTime(createdAt)
	job.FinishedAt = parseTime(finishedAt)
	return job, nil
}

func encodeList(l []string) string {
	if l == nil {
		l = []string{}
	}
	data, _ := json.Marshal(l)
	return string(data)
}

func decodeList(s string) []string {
	var l []string
	if err := json.Unmarshal([]byte(s), &l); err != nil || len(l) == 0 {
		return nil
	}
	return l
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

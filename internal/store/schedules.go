package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

func (s *Store) AddSchedule(ctx context.Context, sc Schedule) (Schedule, error) {
	if sc.ID == "" {
		sc.ID = uuid.NewString()
	}
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = time.Now()
	}
	query := `INSERT INTO schedules (id, name, cron, topics, variant, enabled, last_run, next_run, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.DB.ExecContext(ctx, query,
		sc.ID, sc.Name, sc.Cron, encodeList(sc.Topics), sc.Variant, sc.Enabled,
		nullableTime(sc.LastRun), formatTime(sc.NextRun), formatTime(sc.CreatedAt))
	if err != nil {
		return Schedule{}, fmt.Errorf("add schedule %s: %w", sc.Name, err)
	}
	return sc, nil
}

const scheduleColumns = `id, name, cron, topics, variant, enabled, last_run, next_run, created_at`

func (s *Store) GetSchedule(ctx context.Context, id string) (Schedule, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	sc, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Schedule{}, fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	return sc, err
}

func (s *Store) ListSchedules(ctx context.Context) ([]Schedule, error) {
	return s.querySchedules(ctx, `SELECT `+scheduleColumns+` FROM schedules ORDER BY created_at`)
}

// DueSchedules returns enabled schedules whose next run is at or before now.
func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]Schedule, error) {
	return s.querySchedules(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE enabled = 1 AND next_run <= ? ORDER BY next_run`,
		formatTime(now))
}

// MarkScheduleRun records a run and the next due time.
func (s *Store) MarkScheduleRun(ctx context.Context, id string, ranAt, next time.Time) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE schedules SET last_run = ?, next_run = ? WHERE id = ?`,
		formatTime(ranAt), formatTime(next), id)
	if err != nil {
		return err
	}
	return affected(res, "schedule", id)
}

func (s *Store) SetScheduleEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE schedules SET enabled = ? WHERE id = ?`, enabled, id)
	if err != nil {
		return err
	}
	return affected(res, "schedule", id)
}

func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return affected(res, "schedule", id)
}

func (s *Store) querySchedules(ctx context.Context, query string, args ...any) ([]Schedule, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func scanSchedule(sc scanner) (Schedule, error) {
	var (
		s                  Schedule
		topics             string
		enabled            int
		lastRun            sql.NullString
		nextRun, createdAt string
	)
	if err := sc.Scan(&s.ID, &s.Name, &s.Cron, &topics, &s.Variant, &enabled, &lastRun, &nextRun, &createdAt); err != nil {
		return Schedule{}, err
	}
	s.Topics = decodeList(topics)
	s.Enabled = enabled != 0
	if lastRun.Valid {
		t := parseTime(lastRun.String)
		s.LastRun = &t
	}
	s.NextRun = parseTime(nextRun)
	s.CreatedAt = parseTime(createdAt)
	return s, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func affected(res sql.Result, kind, id string) error {
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}

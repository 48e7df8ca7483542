package store

import (
	"encoding/json"
	"time"
)

const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Job is one recorded generation outcome.
type Job struct {
	ID            string          `json:"id"`
	BatchID       string          `json:"batch_id,omitempty"`
	Topic         string          `json:"topic"`
	Variant       string          `json:"variant"`
	Status        string          `json:"status"`
	Title         string          `json:"title,omitempty"`
	Content       string          `json:"content,omitempty"`
	Tags          []string        `json:"tags,omitempty"`
	Images        []string        `json:"images,omitempty"`
	PublishStatus string          `json:"publish_status,omitempty"`
	Error         string          `json:"error,omitempty"`
	Steps         json.RawMessage `json:"steps,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	FinishedAt    time.Time       `json:"finished_at"`
}

// JobFilter narrows ListJobs. Zero values match everything.
type JobFilter struct {
	Status  string
	Variant string
	BatchID string
	Limit   int
	Offset  int
}

type Stats struct {
	Total       int            `json:"total"`
	Succeeded   int            `json:"succeeded"`
	Failed      int            `json:"failed"`
	SuccessRate float64        `json:"success_rate"`
	ByVariant   map[string]int `json:"by_variant"`
}

// Schedule runs a batch of topics on a cron expression.
type Schedule struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Cron      string     `json:"cron"`
	Topics    []string   `json:"topics"`
	Variant   string     `json:"variant"`
	Enabled   bool       `json:"enabled"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	NextRun   time.Time  `json:"next_run"`
	CreatedAt time.Time  `json:"created_at"`
}

package observability

import (
	"sort"
	"sync"
	"time"
)

// Phase is what a running job is doing right now.
type Phase string

const (
	PhaseQueued     Phase = "queued"
	PhasePlanning   Phase = "planning"
	PhaseStep       Phase = "step"
	PhasePublishing Phase = "publishing"
)

// JobStatus is a point-in-time view of one running job.
type JobStatus struct {
	JobID   string    `json:"job_id"`
	Topic   string    `json:"topic"`
	Phase   Phase     `json:"phase"`
	Step    string    `json:"step,omitempty"`
	Started time.Time `json:"started"`
	Updated time.Time `json:"updated"`
}

// Status tracks running jobs for the status endpoint and the terminal.
type Status struct {
	mu      sync.RWMutex
	started time.Time
	jobs    map[string]*JobStatus
}

func NewStatus() *Status {
	return &Status{started: time.Now(), jobs: make(map[string]*JobStatus)}
}

func (s *Status) Begin(jobID, topic string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.jobs[jobID] = &JobStatus{JobID: jobID, Topic: topic, Phase: PhaseQueued, Started: now, Updated: now}
}

func (s *Status) Update(jobID string, phase Phase, step string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return
	}
	j.Phase = phase
	j.Step = step
	j.Updated = time.Now()
}

func (s *Status) End(jobID string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobID)
}

// Snapshot returns running jobs, oldest first.
func (s *Status) Snapshot() []JobStatus {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Started.Before(out[k].Started) })
	return out
}

func (s *Status) Uptime() time.Duration {
	if s == nil {
		return 0
	}
	return time.Since(s.started)
}

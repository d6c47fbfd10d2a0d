package domain

import (
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	Pending    Status = "pending"
	Processing Status = "processing"
	Completed  Status = "completed"
	Failed     Status = "failed"
	Retry      Status = "retry"
	Cancelled  Status = "cancelled"
)

// transitions lists the statuses reachable from each status. A status
// moving to itself is handled separately as an idempotent update.
var transitions = map[Status][]Status{
	Pending:    {Processing, Failed, Cancelled},
	Retry:      {Pending, Processing, Failed, Cancelled},
	Processing: {Completed, Failed},
	Failed:     {Retry},
	Completed:  nil,
	Cancelled:  nil,
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool { return s == Completed || s == Cancelled }

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether a job in status s may move to next.
func (s Status) CanTransition(next Status) bool {
	for _, to := range transitions[s] {
		if to == next {
			return true
		}
	}
	return false
}

// Priority orders jobs within a queue. Higher values are dequeued first.
type Priority int

const (
	Low      Priority = 1
	Normal   Priority = 2
	High     Priority = 3
	Critical Priority = 4
)

// Priorities is ordered highest first, the order dequeue inspects lists in.
var Priorities = []Priority{Critical, High, Normal, Low}

func (p Priority) String() string {
	switch p {
	case Low:
		return "low"
	case Normal:
		return "normal"
	case High:
		return "high"
	case Critical:
		return "critical"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

func (p Priority) Valid() bool { return p >= Low && p <= Critical }

// ParsePriority accepts either the name or the numeric ordinal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal", "2":
		return Normal, nil
	case "low", "1":
		return Low, nil
	case "high", "3":
		return High, nil
	case "critical", "4":
		return Critical, nil
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

const DefaultQueue = "default"

const DefaultMaxRetries = 3

type Job struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Payload      map[string]any `json:"payload"`
	Status       Status         `json:"status"`
	Priority     Priority       `json:"priority"`
	Queue        string         `json:"queue"`
	CreatedAt    time.Time      `json:"created_at"`
	ScheduledAt  time.Time      `json:"scheduled_at"`
	MaxRetries   int            `json:"max_retries"`
	RetryCount   int            `json:"retry_count"`
	StartedAt    *time.Time     `json:"started_at"`
	CompletedAt  *time.Time     `json:"completed_at"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Result       map[string]any `json:"result"`
}

// CanRetry reports whether the retry budget allows another attempt.
func (j *Job) CanRetry() bool { return j.RetryCount < j.MaxRetries }

// UserID returns the payload's user_id when it is a non-empty string.
func (j *Job) UserID() string {
	if v, ok := j.Payload["user_id"].(string); ok {
		return v
	}
	return ""
}

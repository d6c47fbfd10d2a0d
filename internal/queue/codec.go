package queue

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/SirClappington/sentinel/internal/domain"
)

// The store only holds flat field/value pairs, so payload and result are
// embedded as JSON text and absent timestamps are stored as "".

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func parseTimePtr(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	return &t
}

func encodeJSON(v map[string]any) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeJSON(s string) (map[string]any, error) {
	if s == "" || s == "null" {
		return nil, nil
	}
	out := map[string]any{}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func jobToMap(j *domain.Job) (map[string]any, error) {
	payload, err := encodeJSON(j.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	result, err := encodeJSON(j.Result)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return map[string]any{
		"id":            j.ID,
		"type":          j.Type,
		"payload":       payload,
		"status":        string(j.Status),
		"priority":      strconv.Itoa(int(j.Priority)),
		"queue":         j.Queue,
		"created_at":    formatTime(j.CreatedAt),
		"scheduled_at":  formatTime(j.ScheduledAt),
		"max_retries":   strconv.Itoa(j.MaxRetries),
		"retry_count":   strconv.Itoa(j.RetryCount),
		"started_at":    formatTimePtr(j.StartedAt),
		"completed_at":  formatTimePtr(j.CompletedAt),
		"error_message": j.ErrorMessage,
		"result":        result,
	}, nil
}

func mapToJob(m map[string]string) (*domain.Job, error) {
	payload, err := decodeJSON(m["payload"])
	if err != nil {
		return nil, fmt.Errorf("decode payload of job %s: %w", m["id"], err)
	}
	result, err := decodeJSON(m["result"])
	if err != nil {
		return nil, fmt.Errorf("decode result of job %s: %w", m["id"], err)
	}

	priority, _ := strconv.Atoi(m["priority"])
	maxRetries, _ := strconv.Atoi(m["max_retries"])
	retryCount, _ := strconv.Atoi(m["retry_count"])

	j := &domain.Job{
		ID:           m["id"],
		Type:         m["type"],
		Payload:      payload,
		Status:       domain.Status(m["status"]),
		Priority:     domain.Priority(priority),
		Queue:        m["queue"],
		MaxRetries:   maxRetries,
		RetryCount:   retryCount,
		StartedAt:    parseTimePtr(m["started_at"]),
		CompletedAt:  parseTimePtr(m["completed_at"]),
		ErrorMessage: m["error_message"],
		Result:       result,
	}
	if t := parseTimePtr(m["created_at"]); t != nil {
		j.CreatedAt = *t
	}
	if t := parseTimePtr(m["scheduled_at"]); t != nil {
		j.ScheduledAt = *t
	}
	return j, nil
}

package jobs

import (
	"context"
	"time"

	"github.com/SirClappington/sentinel/internal/queue"
)

// Enqueuer is the slice of the queue service the scheduler needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType string, payload map[string]any, opts ...queue.EnqueueOption) (string, error)
}

// Scheduler builds the payloads for the common background jobs.
type Scheduler struct {
	q Enqueuer
}

func NewScheduler(q Enqueuer) *Scheduler { return &Scheduler{q: q} }

type CostSyncRequest struct {
	UserID    string
	AccountID string
	StartDate string
	EndDate   string
	Delay     time.Duration
}

func (s *Scheduler) ScheduleCostSync(ctx context.Context, req CostSyncRequest) (string, error) {
	return s.q.Enqueue(ctx, TypeCostSync, withUser(req.UserID, map[string]any{
		"account_id": req.AccountID,
		"start_date": nullable(req.StartDate),
		"end_date":   nullable(req.EndDate),
	}), queue.WithDelay(req.Delay))
}

type WasteScanRequest struct {
	UserID     string
	AccountID  string
	Categories []string
	Delay      time.Duration
}

func (s *Scheduler) ScheduleWasteScan(ctx context.Context, req WasteScanRequest) (string, error) {
	return s.q.Enqueue(ctx, TypeWasteScan, withUser(req.UserID, map[string]any{
		"account_id": req.AccountID,
		"categories": stringsOrNil(req.Categories),
	}), queue.WithDelay(req.Delay))
}

type BulkCostSyncRequest struct {
	UserID     string
	AccountIDs []string
	StartDate  string
	EndDate    string
	Delay      time.Duration
}

func (s *Scheduler) ScheduleBulkCostSync(ctx context.Context, req BulkCostSyncRequest) (string, error) {
	return s.q.Enqueue(ctx, TypeBulkCostSync, withUser(req.UserID, map[string]any{
		"account_ids": stringsOrNil(req.AccountIDs),
		"start_date":  nullable(req.StartDate),
		"end_date":    nullable(req.EndDate),
	}), queue.WithDelay(req.Delay))
}

type RecommendationsRequest struct {
	UserID              string
	AccountID           string
	RecommendationTypes []string
	Delay               time.Duration
}

func (s *Scheduler) ScheduleRecommendations(ctx context.Context, req RecommendationsRequest) (string, error) {
	return s.q.Enqueue(ctx, TypeGenerateRecommendations, withUser(req.UserID, map[string]any{
		"account_id":           nullable(req.AccountID),
		"recommendation_types": stringsOrNil(req.RecommendationTypes),
	}), queue.WithDelay(req.Delay))
}

func (s *Scheduler) ScheduleHealthCheck(ctx context.Context, userID, accountID string) (string, error) {
	return s.q.Enqueue(ctx, TypeAccountHealthCheck, withUser(userID, map[string]any{
		"account_id": accountID,
	}))
}

func withUser(userID string, payload map[string]any) map[string]any {
	if userID != "" {
		payload["user_id"] = userID
	}
	return payload
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// stringsOrNil converts to []any so the payload matches what a JSON round
// trip through the store produces.
func stringsOrNil(ss []string) any {
	if len(ss) == 0 {
		return nil
	}
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// Package handlers implements the job types the workers execute against
// connected cloud accounts.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/sentinel/internal/events"
	"github.com/SirClappington/sentinel/internal/jobs"
	"github.com/SirClappington/sentinel/internal/provider"
	"github.com/SirClappington/sentinel/internal/storage"
)

var ErrAccountRequired = errors.New("account_id is required")

const (
	defaultSyncWindow = 30 * 24 * time.Hour
	defaultDaysToKeep = 365
)

type Accounts interface {
	GetAccount(ctx context.Context, id string) (storage.Account, error)
	GetAccounts(ctx context.Context, ids []string) ([]storage.Account, error)
	ListActiveAccounts(ctx context.Context) ([]storage.Account, error)
	SetAccountStatus(ctx context.Context, id, status, errMsg string) error
	MarkSynced(ctx context.Context, id string, at time.Time) error
	SaveCosts(ctx context.Context, accountID string, recs []storage.CostRecord) (storage.UpsertResult, error)
	SaveWasteItems(ctx context.Context, accountID string, items []storage.WasteItem) (storage.UpsertResult, error)
	ReplaceRecommendations(ctx context.Context, accountID string, recs []storage.Recommendation) (int, error)
	DeleteCostRecordsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type Provider interface {
	FetchCosts(ctx context.Context, acct provider.Account, start, end time.Time) ([]provider.CostRecord, error)
	ScanWaste(ctx context.Context, acct provider.Account, categories []string) ([]provider.WasteItem, error)
	Recommendations(ctx context.Context, acct provider.Account, types []string) ([]provider.Recommendation, error)
	CheckHealth(ctx context.Context, acct provider.Account) (provider.Health, error)
}

type Events interface {
	Dispatch(ctx context.Context, eventType string, data map[string]any) bool
	NotifyRecommendationsReady(ctx context.Context, userID, accountID string, recs []any) bool
}

// JobCleaner drops finished job records from the queue store.
type JobCleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (int, error)
}

type Handlers struct {
	accounts Accounts
	provider Provider
	events   Events
	jobs     JobCleaner
	log      *zap.Logger
	now      func() time.Time
}

type Option func(*Handlers)

func WithLogger(l *zap.Logger) Option { return func(h *Handlers) { h.log = l } }
func WithClock(now func() time.Time) Option { return func(h *Handlers) { h.now = now } }
func WithJobCleaner(c JobCleaner) Option { return func(h *Handlers) { h.jobs = c } }

func New(accounts Accounts, p Provider, ev Events, opts ...Option) *Handlers {
	h := &Handlers{
		accounts: accounts,
		provider: p,
		events:   ev,
		log:      zap.NewNop(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(h)
	}
	h.log = h.log.Named("handlers")
	return h
}

// Register binds every job type to reg.
func (h *Handlers) Register(reg *jobs.Registry) {
	reg.RegisterFunc(jobs.TypeCostSync, h.CostSync)
	reg.RegisterFunc(jobs.TypeWasteScan, h.WasteScan)
	reg.RegisterFunc(jobs.TypeGenerateRecommendations, h.GenerateRecommendations)
	reg.RegisterFunc(jobs.TypeBulkCostSync, h.BulkCostSync)
	reg.RegisterFunc(jobs.TypeAccountHealthCheck, h.AccountHealthCheck)
	reg.RegisterFunc(jobs.TypeCleanupOldData, h.CleanupOldData)
}

func (h *Handlers) CostSync(ctx context.Context, payload map[string]any) (map[string]any, error) {
	acct, err := h.requireAccount(ctx, jobs.TypeCostSync, payload)
	if err != nil {
		return nil, err
	}
	start, end, err := h.window(payload)
	if err != nil {
		return nil, err
	}
	h.log.Info("processing cost sync", zap.String("account_id", acct.ID))

	sum, err := h.syncCosts(ctx, acct, start, end)
	if err != nil {
		return nil, err
	}
	h.events.Dispatch(ctx, events.SyncCompleted, map[string]any{
		"user_id":    ownerOf(payload, acct),
		"account_id": acct.ID,
		"sync_type":  "cost",
		"results": map[string]any{
			"records_processed": sum.Total(),
			"total_cost":        sum.cost,
			"sync_completed_at": h.now().UTC().Format(time.RFC3339),
		},
	})
	return map[string]any{
		"account_id":        acct.ID,
		"records_processed": sum.Total(),
		"records_created":   sum.Created,
		"records_updated":   sum.Updated,
		"total_cost":        sum.cost,
		"status":            "completed",
	}, nil
}

type costSummary struct {
	storage.UpsertResult
	cost float64
}

func (h *Handlers) syncCosts(ctx context.Context, acct storage.Account, start, end time.Time) (costSummary, error) {
	recs, err := h.provider.FetchCosts(ctx, providerAccount(acct), start, end)
	if err != nil {
		return costSummary{}, fmt.Errorf("fetch costs for %s: %w", acct.ID, err)
	}
	rows := make([]storage.CostRecord, 0, len(recs))
	var sum costSummary
	for _, r := range recs {
		day, err := time.Parse(time.DateOnly, r.UsageDate)
		if err != nil {
			h.log.Warn("skipping cost record", zap.String("account_id", acct.ID), zap.String("usage_date", r.UsageDate))
			continue
		}
		rows = append(rows, storage.CostRecord{Date: day, Service: r.Service, Region: acct.Region, Cost: r.Amount, Currency: r.Currency})
		sum.cost += r.Amount
	}
	res, err := h.accounts.SaveCosts(ctx, acct.ID, rows)
	if err != nil {
		return costSummary{}, err
	}
	sum.UpsertResult = res
	if err := h.accounts.MarkSynced(ctx, acct.ID, h.now()); err != nil {
		return costSummary{}, err
	}
	return sum, nil
}

func (h *Handlers) WasteScan(ctx context.Context, payload map[string]any) (map[string]any, error) {
	acct, err := h.requireAccount(ctx, jobs.TypeWasteScan, payload)
	if err != nil {
		return nil, err
	}
	h.log.Info("processing waste scan", zap.String("account_id", acct.ID))

	found, err := h.provider.ScanWaste(ctx, providerAccount(acct), stringList(payload, "categories"))
	if err != nil {
		return nil, fmt.Errorf("scan waste for %s: %w", acct.ID, err)
	}
	rows := make([]storage.WasteItem, 0, len(found))
	items := make([]any, 0, len(found))
	for _, it := range found {
		rows = append(rows, storage.WasteItem{
			ResourceID:     it.ResourceID,
			ResourceType:   it.ResourceType,
			Category:       it.Category,
			Region:         it.Region,
			MonthlySavings: it.EstimatedMonthlySavings,
			Details:        it.Details,
		})
		items = append(items, map[string]any{
			"resource_id":               it.ResourceID,
			"resource_type":             it.ResourceType,
			"category":                  it.Category,
			"region":                    it.Region,
			"estimated_monthly_savings": it.EstimatedMonthlySavings,
		})
	}
	res, err := h.accounts.SaveWasteItems(ctx, acct.ID, rows)
	if err != nil {
		return nil, err
	}
	h.events.Dispatch(ctx, events.SyncCompleted, map[string]any{
		"user_id":    ownerOf(payload, acct),
		"account_id": acct.ID,
		"sync_type":  "waste",
		"results":    map[string]any{"items": items},
	})
	return map[string]any{
		"account_id":    acct.ID,
		"items_found":   len(found),
		"items_created": res.Created,
		"items_updated": res.Updated,
		"status":        "completed",
	}, nil
}

// GenerateRecommendations works on one account, or on every active account
// when the payload names none.
func (h *Handlers) GenerateRecommendations(ctx context.Context, payload map[string]any) (map[string]any, error) {
	types := stringList(payload, "recommendation_types")
	accountID := str(payload, "account_id")

	var accts []storage.Account
	if accountID != "" {
		acct, err := h.accounts.GetAccount(ctx, accountID)
		if err != nil {
			return nil, err
		}
		accts = []storage.Account{acct}
	} else {
		all, err := h.accounts.ListActiveAccounts(ctx)
		if err != nil {
			return nil, err
		}
		accts = all
	}
	h.log.Info("processing recommendations", zap.String("account_id", accountID), zap.Int("accounts", len(accts)))

	var out []any
	for _, acct := range accts {
		recs, err := h.provider.Recommendations(ctx, providerAccount(acct), types)
		if err != nil {
			return nil, fmt.Errorf("recommendations for %s: %w", acct.ID, err)
		}
		rows := make([]storage.Recommendation, 0, len(recs))
		for _, r := range recs {
			rows = append(rows, storage.Recommendation{
				Type:           r.Type,
				ResourceID:     r.ResourceID,
				Title:          r.Title,
				Description:    r.Description,
				MonthlySavings: r.EstimatedSavings,
			})
			out = append(out, map[string]any{
				"account_id":        acct.ID,
				"type":              r.Type,
				"resource_id":       r.ResourceID,
				"title":             r.Title,
				"estimated_savings": r.EstimatedSavings,
			})
		}
		if _, err := h.accounts.ReplaceRecommendations(ctx, acct.ID, rows); err != nil {
			return nil, err
		}
	}

	userID := str(payload, "user_id")
	if userID == "" && len(accts) == 1 {
		userID = accts[0].UserID
	}
	if userID != "" {
		h.events.NotifyRecommendationsReady(ctx, userID, accountID, out)
	}
	return map[string]any{
		"account_id":                nullable(accountID),
		"recommendations_generated": len(out),
		"status":                    "completed",
	}, nil
}

// BulkCostSync syncs the listed accounts, or every active account. One
// account failing does not fail the job.
func (h *Handlers) BulkCostSync(ctx context.Context, payload map[string]any) (map[string]any, error) {
	start, end, err := h.window(payload)
	if err != nil {
		return nil, err
	}
	var accts []storage.Account
	if ids := stringList(payload, "account_ids"); len(ids) > 0 {
		accts, err = h.accounts.GetAccounts(ctx, ids)
	} else {
		accts, err = h.accounts.ListActiveAccounts(ctx)
	}
	if err != nil {
		return nil, err
	}
	h.log.Info("processing bulk cost sync", zap.Int("accounts", len(accts)))

	results := make([]any, 0, len(accts))
	ok := 0
	for _, acct := range accts {
		sum, err := h.syncCosts(ctx, acct, start, end)
		if err != nil {
			h.log.Error("account sync failed", zap.String("account_id", acct.ID), zap.Error(err))
			results = append(results, map[string]any{"account_id": acct.ID, "status": "error", "error_message": err.Error()})
			continue
		}
		ok++
		h.events.Dispatch(ctx, events.SyncCompleted, map[string]any{
			"user_id":    ownerOf(payload, acct),
			"account_id": acct.ID,
			"sync_type":  "cost",
			"results":    map[string]any{"records_processed": sum.Total(), "total_cost": sum.cost},
		})
		results = append(results, map[string]any{"account_id": acct.ID, "status": "success", "records_processed": sum.Total()})
	}
	return map[string]any{
		"accounts_processed": len(accts),
		"successful_syncs":   ok,
		"failed_syncs":       len(accts) - ok,
		"results":            results,
		"status":             "completed",
	}, nil
}

func (h *Handlers) AccountHealthCheck(ctx context.Context, payload map[string]any) (map[string]any, error) {
	acct, err := h.requireAccount(ctx, jobs.TypeAccountHealthCheck, payload)
	if err != nil {
		return nil, err
	}
	h.log.Info("processing account health check", zap.String("account_id", acct.ID))

	health, err := h.provider.CheckHealth(ctx, providerAccount(acct))
	status, errMsg := storage.AccountConnected, ""
	switch {
	case err != nil:
		status, errMsg = storage.AccountError, err.Error()
	case health.Status != "healthy":
		status, errMsg = storage.AccountError, health.Message
	}
	if err := h.accounts.SetAccountStatus(ctx, acct.ID, status, errMsg); err != nil {
		return nil, err
	}

	data := map[string]any{"status": health.Status, "checks": health.Checks}
	if errMsg != "" {
		data["error_message"] = errMsg
	}
	h.events.Dispatch(ctx, events.AccountStatusChanged, map[string]any{
		"user_id":     ownerOf(payload, acct),
		"account_id":  acct.ID,
		"status":      status,
		"health_data": data,
	})
	return map[string]any{
		"account_id":    acct.ID,
		"health_status": status,
		"error_message": nullable(errMsg),
		"status":        "completed",
	}, nil
}

func (h *Handlers) CleanupOldData(ctx context.Context, payload map[string]any) (map[string]any, error) {
	days := defaultDaysToKeep
	if n, ok := number(payload["days_to_keep"]); ok && n > 0 {
		days = int(n)
	}
	kinds := stringList(payload, "data_types")
	if kinds == nil {
		kinds = []string{"cost_data", "jobs"}
	}
	h.log.Info("processing data cleanup", zap.Int("days_to_keep", days), zap.Strings("data_types", kinds))

	keep := time.Duration(days) * 24 * time.Hour
	results := map[string]any{}
	for _, k := range kinds {
		switch k {
		case "cost_data":
			n, err := h.accounts.DeleteCostRecordsBefore(ctx, h.now().Add(-keep))
			if err != nil {
				return nil, err
			}
			results[k] = n
		case "jobs":
			if h.jobs == nil {
				continue
			}
			n, err := h.jobs.Cleanup(ctx, keep)
			if err != nil {
				return nil, err
			}
			results[k] = n
		default:
			h.log.Warn("unknown cleanup data type", zap.String("data_type", k))
		}
	}
	return map[string]any{"cleanup_results": results, "status": "completed"}, nil
}

func (h *Handlers) requireAccount(ctx context.Context, jobType string, payload map[string]any) (storage.Account, error) {
	id := str(payload, "account_id")
	if id == "" {
		return storage.Account{}, fmt.Errorf("%s: %w", jobType, ErrAccountRequired)
	}
	return h.accounts.GetAccount(ctx, id)
}

// window reads start_date/end_date, defaulting to the trailing 30 days.
func (h *Handlers) window(payload map[string]any) (time.Time, time.Time, error) {
	end := h.now().UTC()
	if s := str(payload, "end_date"); s != "" {
		t, err := parseDate(s)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("end_date: %w", err)
		}
		end = t
	}
	start := end.Add(-defaultSyncWindow)
	if s := str(payload, "start_date"); s != "" {
		t, err := parseDate(s)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("start_date: %w", err)
		}
		start = t
	}
	if start.After(end) {
		return time.Time{}, time.Time{}, fmt.Errorf("start_date %s after end_date %s", start.Format(time.DateOnly), end.Format(time.DateOnly))
	}
	return start, end, nil
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

func providerAccount(a storage.Account) provider.Account {
	return provider.Account{ExternalID: a.ExternalID, Region: a.Region, RoleARN: a.RoleARN}
}

// ownerOf prefers the requesting user over the account owner.
func ownerOf(payload map[string]any, a storage.Account) string {
	if u := str(payload, "user_id"); u != "" {
		return u
	}
	return a.UserID
}

func str(m map[string]any, k string) string {
	s, _ := m[k].(string)
	return s
}

func stringList(m map[string]any, k string) []string {
	raw, ok := m[k].([]any)
	if !ok {
		if ss, ok := m[k].([]string); ok {
			return ss
		}
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

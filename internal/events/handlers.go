package events

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var ErrMissingFields = errors.New("events: missing required fields")

func (d *Dispatcher) registerBuiltins() {
	d.handlers[CostDataUpdated] = d.onCostDataUpdated
	d.handlers[WasteItemsDetected] = d.onWasteItemsDetected
	d.handlers[RecommendationsGenerated] = d.onRecommendationsGenerated
	d.handlers[JobStatusChanged] = d.onJobStatusChanged
	d.handlers[AccountStatusChanged] = d.onAccountStatusChanged
	d.handlers[SyncCompleted] = d.onSyncCompleted
	d.handlers[ErrorOccurred] = d.onErrorOccurred
}

func str(data map[string]any, key string) string {
	s, _ := data[key].(string)
	return s
}

func obj(data map[string]any, key string) map[string]any {
	m, _ := data[key].(map[string]any)
	return m
}

func list(data map[string]any, key string) []any {
	switch v := data[key].(type) {
	case []any:
		return v
	case []map[string]any:
		out := make([]any, len(v))
		for i, m := range v {
			out[i] = m
		}
		return out
	}
	return nil
}

func requireFields(data map[string]any, keys ...string) error {
	for _, k := range keys {
		if str(data, k) == "" {
			return fmt.Errorf("%w: %s", ErrMissingFields, k)
		}
	}
	return nil
}

func (d *Dispatcher) onCostDataUpdated(ctx context.Context, data map[string]any) error {
	if err := requireFields(data, "user_id", "account_id"); err != nil {
		return err
	}
	userID, acct := str(data, "user_id"), str(data, "account_id")
	costData := obj(data, "cost_data")
	if costData == nil {
		costData = map[string]any{}
	}
	d.notify.SendCostUpdate(ctx, userID, acct, costData)
	d.invalidate(ctx, acct)
	d.log.Info("cost data update processed", zap.String("user_id", userID), zap.String("account_id", acct))
	return nil
}

func (d *Dispatcher) onWasteItemsDetected(ctx context.Context, data map[string]any) error {
	if err := requireFields(data, "user_id", "account_id"); err != nil {
		return err
	}
	userID, acct := str(data, "user_id"), str(data, "account_id")
	items := list(data, "waste_items")
	d.notify.SendWasteDetection(ctx, userID, acct, items)

	if d.cache != nil {
		if items == nil {
			items = []any{}
		}
		err := d.cache.CacheWasteScan(ctx, acct, map[string]any{
			"items":       items,
			"detected_at": d.now().UTC(),
			"total_items": len(items),
		})
		if err != nil {
			d.log.Warn("cache waste scan", zap.String("account_id", acct), zap.Error(err))
		}
	}
	d.log.Info("waste detection processed",
		zap.String("user_id", userID),
		zap.String("account_id", acct),
		zap.Int("items", len(items)))
	return nil
}

func (d *Dispatcher) onRecommendationsGenerated(ctx context.Context, data map[string]any) error {
	if err := requireFields(data, "user_id"); err != nil {
		return err
	}
	userID, acct := str(data, "user_id"), str(data, "account_id")
	recs := list(data, "recommendations")

	target := acct
	if target == "" {
		target = "all"
	}
	d.notify.SendRecommendationUpdate(ctx, userID, target, recs)

	if acct != "" && d.cache != nil {
		if recs == nil {
			recs = []any{}
		}
		if err := d.cache.CacheRecommendations(ctx, acct, recs); err != nil {
			d.log.Warn("cache recommendations", zap.String("account_id", acct), zap.Error(err))
		}
	}
	d.log.Info("recommendations processed",
		zap.String("user_id", userID),
		zap.String("account_id", acct),
		zap.Int("count", len(recs)))
	return nil
}

// onJobStatusChanged accepts an explicit progress object or builds one from
// the job fields the worker attaches.
func (d *Dispatcher) onJobStatusChanged(ctx context.Context, data map[string]any) error {
	if err := requireFields(data, "user_id", "job_id", "status"); err != nil {
		return err
	}
	progress := obj(data, "progress")
	if progress == nil {
		progress = map[string]any{}
		for _, k := range []string{"job_type", "account_id", "error_message", "result"} {
			if v, ok := data[k]; ok {
				progress[k] = v
			}
		}
	}
	d.notify.SendJobStatusUpdate(ctx, str(data, "user_id"), str(data, "job_id"), str(data, "status"), progress)
	d.log.Info("job status change processed",
		zap.String("user_id", str(data, "user_id")),
		zap.String("job_id", str(data, "job_id")),
		zap.String("status", str(data, "status")))
	return nil
}

func (d *Dispatcher) onAccountStatusChanged(ctx context.Context, data map[string]any) error {
	if err := requireFields(data, "user_id", "account_id", "status"); err != nil {
		return err
	}
	userID, acct, status := str(data, "user_id"), str(data, "account_id"), str(data, "status")
	d.notify.SendAccountStatusUpdate(ctx, userID, acct, status, obj(data, "health_data"))
	if status == "error" || status == "disconnected" {
		d.invalidate(ctx, acct)
	}
	d.log.Info("account status change processed",
		zap.String("user_id", userID),
		zap.String("account_id", acct),
		zap.String("status", status))
	return nil
}

// onSyncCompleted fans a finished sync into the matching data event.
func (d *Dispatcher) onSyncCompleted(ctx context.Context, data map[string]any) error {
	if err := requireFields(data, "user_id", "account_id"); err != nil {
		return err
	}
	userID, acct := str(data, "user_id"), str(data, "account_id")
	syncType := str(data, "sync_type")
	if syncType == "" {
		syncType = "cost"
	}
	results := obj(data, "results")
	if results == nil {
		results = map[string]any{}
	}

	switch syncType {
	case "cost":
		d.Dispatch(ctx, CostDataUpdated, map[string]any{
			"user_id":    userID,
			"account_id": acct,
			"cost_data":  results,
		})
	case "waste":
		d.Dispatch(ctx, WasteItemsDetected, map[string]any{
			"user_id":     userID,
			"account_id":  acct,
			"waste_items": list(results, "items"),
		})
	default:
		d.log.Warn("unknown sync type", zap.String("sync_type", syncType))
	}
	return nil
}

func (d *Dispatcher) onErrorOccurred(ctx context.Context, data map[string]any) error {
	if err := requireFields(data, "user_id"); err != nil {
		return err
	}
	userID := str(data, "user_id")
	details := obj(data, "context")
	d.notify.SendError(ctx, userID, str(data, "error_type"), str(data, "error_message"), details)
	d.log.Warn("error event processed",
		zap.String("user_id", userID),
		zap.String("error_type", str(data, "error_type")),
		zap.String("error_message", str(data, "error_message")))
	return nil
}

func (d *Dispatcher) invalidate(ctx context.Context, accountID string) {
	if d.cache == nil {
		return
	}
	if _, err := d.cache.InvalidateAccount(ctx, accountID); err != nil {
		d.log.Warn("invalidate account cache", zap.String("account_id", accountID), zap.Error(err))
	}
}

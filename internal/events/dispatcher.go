// Package events routes domain events raised by jobs to the realtime
// notifiers and the account cache.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/sentinel/internal/metrics"
)

const (
	CostDataUpdated          = "cost_data_updated"
	WasteItemsDetected       = "waste_items_detected"
	RecommendationsGenerated = "recommendations_generated"
	JobStatusChanged         = "job_status_changed"
	AccountStatusChanged     = "account_status_changed"
	SyncCompleted            = "sync_completed"
	ErrorOccurred            = "error_occurred"

	recentTTL  = time.Hour
	recentKeep = 100
)

// Handler reacts to one event. Returned errors are logged by the dispatcher
// and never reach the caller of Dispatch.
type Handler func(ctx context.Context, data map[string]any) error

// Notifier pushes messages to users' live connections.
type Notifier interface {
	SendCostUpdate(ctx context.Context, userID, accountID string, costData map[string]any)
	SendWasteDetection(ctx context.Context, userID, accountID string, items []any)
	SendRecommendationUpdate(ctx context.Context, userID, accountID string, recs []any)
	SendJobStatusUpdate(ctx context.Context, userID, jobID, status string, progress map[string]any)
	SendAccountStatusUpdate(ctx context.Context, userID, accountID, status string, health map[string]any)
	SendError(ctx context.Context, userID, errorType, text string, details map[string]any)
}

// Cache is the slice of the result cache the built-in handlers maintain.
type Cache interface {
	InvalidateAccount(ctx context.Context, accountID string) (int64, error)
	CacheWasteScan(ctx context.Context, accountID string, results map[string]any) error
	CacheRecommendations(ctx context.Context, accountID string, recs []any) error
	Push(ctx context.Context, key string, v any, keep int64, ttl time.Duration) error
	Range(ctx context.Context, key string, limit int64) ([]json.RawMessage, error)
}

// Event is one entry of the recent event log.
type Event struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

// BatchEvent is an input to DispatchBatch.
type BatchEvent struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

type Dispatcher struct {
	notify  Notifier
	cache   Cache
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu       sync.RWMutex
	handlers map[string]Handler
}

type Option func(*Dispatcher)

func WithCache(c Cache) Option { return func(d *Dispatcher) { d.cache = c } }
func WithLogger(l *zap.Logger) Option { return func(d *Dispatcher) { d.log = l } }
func WithMetrics(m *metrics.Metrics) Option { return func(d *Dispatcher) { d.metrics = m } }
func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }

// New builds a dispatcher with the built-in handlers registered.
func New(n Notifier, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		notify:   n,
		log:      zap.NewNop(),
		now:      time.Now,
		handlers: map[string]Handler{},
	}
	for _, o := range opts {
		o(d)
	}
	d.log = d.log.Named("events")
	d.registerBuiltins()
	return d
}

// Register adds or replaces the handler for eventType.
func (d *Dispatcher) Register(eventType string, h Handler) {
	d.mu.Lock()
	_, existed := d.handlers[eventType]
	d.handlers[eventType] = h
	d.mu.Unlock()
	if existed {
		d.log.Warn("event handler replaced", zap.String("event_type", eventType))
	}
}

func (d *Dispatcher) Types() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.handlers))
	for t := range d.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Dispatch runs the handler for eventType and reports whether it succeeded.
// Unknown events, handler errors and panics are logged and swallowed.
func (d *Dispatcher) Dispatch(ctx context.Context, eventType string, data map[string]any) (ok bool) {
	d.mu.RLock()
	h, found := d.handlers[eventType]
	d.mu.RUnlock()
	if !found {
		d.log.Warn("no handler registered for event", zap.String("event_type", eventType))
		d.metrics.EventDispatched(eventType, false)
		return false
	}
	if data == nil {
		data = map[string]any{}
	}

	defer func() {
		if rec := recover(); rec != nil {
			d.log.Error("event handler panicked", zap.String("event_type", eventType), zap.Any("panic", rec))
			ok = false
		}
		d.metrics.EventDispatched(eventType, ok)
	}()

	if err := h(ctx, data); err != nil {
		d.log.Error("event handler failed", zap.String("event_type", eventType), zap.Error(err))
		return false
	}
	d.record(ctx, eventType, data)
	return true
}

// DispatchBatch dispatches every event concurrently and waits for all of
// them. It returns how many succeeded.
func (d *Dispatcher) DispatchBatch(ctx context.Context, batch []BatchEvent) int {
	var (
		g  errgroup.Group
		mu sync.Mutex
		n  int
	)
	for _, ev := range batch {
		if ev.Type == "" {
			continue
		}
		g.Go(func() error {
			if d.Dispatch(ctx, ev.Type, ev.Data) {
				mu.Lock()
				n++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return n
}

func recentKey(eventType string) string { return "recent_events:" + eventType }

func (d *Dispatcher) record(ctx context.Context, eventType string, data map[string]any) {
	if d.cache == nil {
		return
	}
	ev := Event{Type: eventType, Data: data, Timestamp: d.now().UTC()}
	if err := d.cache.Push(ctx, recentKey(eventType), ev, recentKeep, recentTTL); err != nil {
		d.log.Warn("cache recent event", zap.String("event_type", eventType), zap.Error(err))
	}
}

// RecentEvents returns up to limit logged events, newest first. An empty
// eventType reads the log of every registered type.
func (d *Dispatcher) RecentEvents(ctx context.Context, eventType string, limit int) ([]Event, error) {
	if d.cache == nil || limit <= 0 {
		return nil, nil
	}
	types := []string{eventType}
	if eventType == "" {
		types = d.Types()
	}

	var out []Event
	for _, t := range types {
		raw, err := d.cache.Range(ctx, recentKey(t), int64(limit))
		if err != nil {
			return nil, err
		}
		for _, b := range raw {
			var ev Event
			if err := json.Unmarshal(b, &ev); err != nil {
				return nil, fmt.Errorf("events: decode recent %s: %w", t, err)
			}
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (d *Dispatcher) NotifyCostSyncCompleted(ctx context.Context, userID, accountID string, summary map[string]any) bool {
	return d.Dispatch(ctx, CostDataUpdated, map[string]any{
		"user_id":    userID,
		"account_id": accountID,
		"cost_data":  summary,
	})
}

func (d *Dispatcher) NotifyWasteScanCompleted(ctx context.Context, userID, accountID string, items []any) bool {
	return d.Dispatch(ctx, WasteItemsDetected, map[string]any{
		"user_id":     userID,
		"account_id":  accountID,
		"waste_items": items,
	})
}

// NotifyRecommendationsReady accepts an empty accountID for cross-account
// recommendations.
func (d *Dispatcher) NotifyRecommendationsReady(ctx context.Context, userID, accountID string, recs []any) bool {
	data := map[string]any{
		"user_id":         userID,
		"recommendations": recs,
	}
	if accountID != "" {
		data["account_id"] = accountID
	}
	return d.Dispatch(ctx, RecommendationsGenerated, data)
}

func (d *Dispatcher) NotifyJobProgress(ctx context.Context, userID, jobID, status string, progress map[string]any) bool {
	if progress == nil {
		progress = map[string]any{}
	}
	return d.Dispatch(ctx, JobStatusChanged, map[string]any{
		"user_id":  userID,
		"job_id":   jobID,
		"status":   status,
		"progress": progress,
	})
}

func (d *Dispatcher) NotifyError(ctx context.Context, userID, errorType, message string, details map[string]any) bool {
	if details == nil {
		details = map[string]any{}
	}
	return d.Dispatch(ctx, ErrorOccurred, map[string]any{
		"user_id":       userID,
		"error_type":    errorType,
		"error_message": message,
		"context":       details,
	})
}

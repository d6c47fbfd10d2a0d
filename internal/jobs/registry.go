// Package jobs maps job type strings to the handlers that execute them and
// exposes the scheduling entry points other layers use to enqueue work.
package jobs

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
)

const (
	TypeCostSync                = "cost_sync"
	TypeWasteScan               = "waste_scan"
	TypeGenerateRecommendations = "generate_recommendations"
	TypeBulkCostSync            = "bulk_cost_sync"
	TypeAccountHealthCheck      = "account_health_check"
	TypeCleanupOldData          = "cleanup_old_data"
)

// Handler executes one job. A nil error is success and the returned map is
// stored as the job result; a non-nil error is a business failure that the
// worker records and retries while the job's budget lasts.
//
// Delivery is at-least-once, so handlers must tolerate running twice for
// the same payload.
type Handler interface {
	Handle(ctx context.Context, payload map[string]any) (map[string]any, error)
}

type HandlerFunc func(ctx context.Context, payload map[string]any) (map[string]any, error)

func (f HandlerFunc) Handle(ctx context.Context, payload map[string]any) (map[string]any, error) {
	return f(ctx, payload)
}

type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	log      *zap.Logger
}

func NewRegistry(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{handlers: map[string]Handler{}, log: log.Named("registry")}
}

// Register binds h to jobType. A second registration for the same type
// replaces the first.
func (r *Registry) Register(jobType string, h Handler) {
	r.mu.Lock()
	_, existed := r.handlers[jobType]
	r.handlers[jobType] = h
	r.mu.Unlock()

	if existed {
		r.log.Warn("job handler replaced", zap.String("job_type", jobType))
		return
	}
	r.log.Info("job handler registered", zap.String("job_type", jobType))
}

func (r *Registry) RegisterFunc(jobType string, f func(ctx context.Context, payload map[string]any) (map[string]any, error)) {
	r.Register(jobType, HandlerFunc(f))
}

func (r *Registry) Lookup(jobType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}

// Types returns the registered job types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

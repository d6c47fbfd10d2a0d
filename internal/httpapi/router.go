// Package httpapi is the thin HTTP surface over the job queue and the
// real-time connection manager.
package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/SirClappington/sentinel/internal/domain"
	"github.com/SirClappington/sentinel/internal/jobs"
	"github.com/SirClappington/sentinel/internal/metrics"
	"github.com/SirClappington/sentinel/internal/queue"
	"github.com/SirClappington/sentinel/internal/realtime"
)

// Queue is the slice of the queue service the API exposes.
type Queue interface {
	jobs.Enqueuer
	Get(ctx context.Context, id string) (*domain.Job, error)
	Cancel(ctx context.Context, id string) (bool, error)
	Retry(ctx context.Context, id string) (bool, error)
	Stats(ctx context.Context, queue string) (queue.Stats, error)
	Ping(ctx context.Context) error
}

type Deps struct {
	Queue    Queue
	Realtime *realtime.Manager
	Verifier realtime.TokenVerifier
	Metrics  *metrics.Metrics
	Logger   *zap.Logger

	// DefaultQueue is reported by the stats route when no queue is named.
	DefaultQueue string
}

type api struct {
	q     Queue
	sched *jobs.Scheduler
	rt    *realtime.Manager
	auth  realtime.TokenVerifier
	log   *zap.Logger
	queue string
}

func NewRouter(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.DefaultQueue == "" {
		d.DefaultQueue = domain.DefaultQueue
	}
	a := &api{
		q:     d.Queue,
		sched: jobs.NewScheduler(d.Queue),
		rt:    d.Realtime,
		auth:  d.Verifier,
		log:   d.Logger.Named("http"),
		queue: d.DefaultQueue,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(a.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.health)
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Use(a.requireUser)
			r.Post("/cost-sync", a.scheduleCostSync)
			r.Post("/waste-scan", a.scheduleWasteScan)
			r.Post("/bulk-cost-sync", a.scheduleBulkCostSync)
			r.Post("/generate-recommendations", a.scheduleRecommendations)
			r.Post("/health-check", a.scheduleHealthCheck)
			r.Get("/stats/queue", a.queueStats)
			r.Get("/{id}", a.getJob)
			r.Post("/{id}/cancel", a.cancelJob)
			r.Post("/{id}/retry", a.retryJob)
		})
		r.Route("/ws", func(r chi.Router) {
			r.Method(http.MethodGet, "/connect", realtime.NewHandler(d.Realtime, d.Verifier))
			r.With(a.requireUser).Get("/stats", a.connectionStats)
		})
	})

	return otelhttp.NewHandler(r, "sentinel-api")
}

func (a *api) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, req)
		a.log.Debug("request",
			zap.String("method", req.Method),
			zap.String("path", req.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(req.Context())))
	})
}

type userKey struct{}

func userFrom(ctx context.Context) string {
	u, _ := ctx.Value(userKey{}).(string)
	return u
}

// requireUser resolves the bearer token into the calling user.
func (a *api) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		token, ok := strings.CutPrefix(req.Header.Get("Authorization"), "Bearer ")
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		userID, err := a.auth.Verify(strings.TrimSpace(token))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, req.WithContext(context.WithValue(req.Context(), userKey{}, userID)))
	})
}

func (a *api) health(w http.ResponseWriter, req *http.Request) {
	if err := a.q.Ping(req.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *api) connectionStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.rt.ConnectionStats())
}

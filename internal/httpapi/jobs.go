package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/SirClappington/sentinel/internal/domain"
	"github.com/SirClappington/sentinel/internal/jobs"
	"github.com/SirClappington/sentinel/internal/queue"
)

type costSyncBody struct {
	AccountID    string `json:"account_id"`
	StartDate    string `json:"start_date"`
	EndDate      string `json:"end_date"`
	DelaySeconds int    `json:"delay_seconds"`
}

type wasteScanBody struct {
	AccountID    string   `json:"account_id"`
	Categories   []string `json:"categories"`
	DelaySeconds int      `json:"delay_seconds"`
}

type bulkCostSyncBody struct {
	AccountIDs   []string `json:"account_ids"`
	StartDate    string   `json:"start_date"`
	EndDate      string   `json:"end_date"`
	DelaySeconds int      `json:"delay_seconds"`
}

type recommendationsBody struct {
	AccountID           string   `json:"account_id"`
	RecommendationTypes []string `json:"recommendation_types"`
	DelaySeconds        int      `json:"delay_seconds"`
}

type healthCheckBody struct {
	AccountID string `json:"account_id"`
}

func delay(seconds int) time.Duration { return time.Duration(seconds) * time.Second }

func (a *api) scheduleCostSync(w http.ResponseWriter, req *http.Request) {
	var b costSyncBody
	if !decode(w, req, &b) {
		return
	}
	if b.AccountID == "" {
		writeError(w, http.StatusBadRequest, "account_id is required")
		return
	}
	id, err := a.sched.ScheduleCostSync(req.Context(), jobs.CostSyncRequest{
		UserID:    userFrom(req.Context()),
		AccountID: b.AccountID,
		StartDate: b.StartDate,
		EndDate:   b.EndDate,
		Delay:     delay(b.DelaySeconds),
	})
	a.accepted(w, jobs.TypeCostSync, id, err)
}

func (a *api) scheduleWasteScan(w http.ResponseWriter, req *http.Request) {
	var b wasteScanBody
	if !decode(w, req, &b) {
		return
	}
	if b.AccountID == "" {
		writeError(w, http.StatusBadRequest, "account_id is required")
		return
	}
	id, err := a.sched.ScheduleWasteScan(req.Context(), jobs.WasteScanRequest{
		UserID:     userFrom(req.Context()),
		AccountID:  b.AccountID,
		Categories: b.Categories,
		Delay:      delay(b.DelaySeconds),
	})
	a.accepted(w, jobs.TypeWasteScan, id, err)
}

func (a *api) scheduleBulkCostSync(w http.ResponseWriter, req *http.Request) {
	var b bulkCostSyncBody
	if !decode(w, req, &b) {
		return
	}
	id, err := a.sched.ScheduleBulkCostSync(req.Context(), jobs.BulkCostSyncRequest{
		UserID:     userFrom(req.Context()),
		AccountIDs: b.AccountIDs,
		StartDate:  b.StartDate,
		EndDate:    b.EndDate,
		Delay:      delay(b.DelaySeconds),
	})
	a.accepted(w, jobs.TypeBulkCostSync, id, err)
}

func (a *api) scheduleRecommendations(w http.ResponseWriter, req *http.Request) {
	var b recommendationsBody
	if !decode(w, req, &b) {
		return
	}
	id, err := a.sched.ScheduleRecommendations(req.Context(), jobs.RecommendationsRequest{
		UserID:              userFrom(req.Context()),
		AccountID:           b.AccountID,
		RecommendationTypes: b.RecommendationTypes,
		Delay:               delay(b.DelaySeconds),
	})
	a.accepted(w, jobs.TypeGenerateRecommendations, id, err)
}

func (a *api) scheduleHealthCheck(w http.ResponseWriter, req *http.Request) {
	var b healthCheckBody
	if !decode(w, req, &b) {
		return
	}
	if b.AccountID == "" {
		writeError(w, http.StatusBadRequest, "account_id is required")
		return
	}
	id, err := a.sched.ScheduleHealthCheck(req.Context(), userFrom(req.Context()), b.AccountID)
	a.accepted(w, jobs.TypeAccountHealthCheck, id, err)
}

func (a *api) accepted(w http.ResponseWriter, jobType, id string, err error) {
	if err != nil {
		a.log.Error("enqueue failed", zap.String("job_type", jobType), zap.Error(err))
		if errors.Is(err, queue.ErrStoreUnavailable) {
			writeError(w, http.StatusServiceUnavailable, "queue unavailable")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id":   id,
		"job_type": jobType,
		"status":   string(domain.Pending),
	})
}

// ownedJob loads the job in the URL and hides jobs that belong to another
// user behind a 404.
func (a *api) ownedJob(w http.ResponseWriter, req *http.Request) (*domain.Job, bool) {
	job, err := a.q.Get(req.Context(), chi.URLParam(req, "id"))
	if errors.Is(err, queue.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return nil, false
	}
	if err != nil {
		a.log.Error("load job failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return nil, false
	}
	if owner := job.UserID(); owner != "" && owner != userFrom(req.Context()) {
		writeError(w, http.StatusNotFound, "job not found")
		return nil, false
	}
	return job, true
}

func (a *api) getJob(w http.ResponseWriter, req *http.Request) {
	job, ok := a.ownedJob(w, req)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (a *api) cancelJob(w http.ResponseWriter, req *http.Request) {
	job, ok := a.ownedJob(w, req)
	if !ok {
		return
	}
	done, err := a.q.Cancel(req.Context(), job.ID)
	a.transition(w, job.ID, "cancelled", done, err)
}

func (a *api) retryJob(w http.ResponseWriter, req *http.Request) {
	job, ok := a.ownedJob(w, req)
	if !ok {
		return
	}
	done, err := a.q.Retry(req.Context(), job.ID)
	a.transition(w, job.ID, "retried", done, err)
}

// transition answers 409 when the queue refused the change.
func (a *api) transition(w http.ResponseWriter, id, field string, done bool, err error) {
	if err != nil {
		a.log.Error("job transition failed", zap.String("job_id", id), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	status := http.StatusOK
	if !done {
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]any{"job_id": id, field: done})
}

func (a *api) queueStats(w http.ResponseWriter, req *http.Request) {
	name := req.URL.Query().Get("queue")
	if name == "" {
		name = a.queue
	}
	st, err := a.q.Stats(req.Context(), name)
	if err != nil {
		a.log.Error("queue stats failed", zap.String("queue", name), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func decode(w http.ResponseWriter, req *http.Request, v any) bool {
	req.Body = http.MaxBytesReader(w, req.Body, 1<<20)
	if err := json.NewDecoder(req.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	r "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SirClappington/sentinel/internal/auth"
	"github.com/SirClappington/sentinel/internal/domain"
	"github.com/SirClappington/sentinel/internal/metrics"
	"github.com/SirClappington/sentinel/internal/queue"
	"github.com/SirClappington/sentinel/internal/realtime"
)

type fixture struct {
	srv   *httptest.Server
	q     *queue.RedisQ
	mr    *miniredis.Miniredis
	token string
	other string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := r.NewClient(&r.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	m := metrics.New()
	q := queue.New(rdb, queue.WithMetrics(m))
	v := auth.NewVerifier("test-key")
	mgr := realtime.NewManager()
	t.Cleanup(mgr.Shutdown)

	srv := httptest.NewServer(NewRouter(Deps{Queue: q, Realtime: mgr, Verifier: v, Metrics: m}))
	t.Cleanup(srv.Close)

	tok, err := v.Issue("u1", time.Hour)
	require.NoError(t, err)
	other, err := v.Issue("u2", time.Hour)
	require.NoError(t, err)
	return &fixture{srv: srv, q: q, mr: mr, token: tok, other: other}
}

func (f *fixture) do(t *testing.T, method, path, token, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestJobRoutesRequireToken(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodPost, "/v1/jobs/cost-sync", "", `{"account_id":"a1"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/v1/jobs/cost-sync", "garbage", `{"account_id":"a1"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestScheduleCostSyncAndFetch(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/v1/jobs/cost-sync", f.token, `{"account_id":"a1","start_date":"2026-01-01"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	id, _ := body["job_id"].(string)
	require.NotEmpty(t, id)

	job, err := f.q.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "u1", job.UserID())
	assert.Equal(t, "a1", job.Payload["account_id"])

	resp, body = f.do(t, http.MethodGet, "/v1/jobs/"+id, f.token, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(domain.Pending), body["status"])
	assert.Equal(t, "cost_sync", body["type"])

	resp, _ = f.do(t, http.MethodGet, "/v1/jobs/"+id, f.other, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/v1/jobs/nope", f.token, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestScheduleValidation(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodPost, "/v1/jobs/waste-scan", f.token, `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/v1/jobs/waste-scan", f.token, `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/v1/jobs/bulk-cost-sync", f.token, `{}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/v1/jobs/generate-recommendations", f.token, `{"delay_seconds":60}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, body := f.do(t, http.MethodGet, "/v1/jobs/stats/queue", f.token, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["pending"])
	assert.EqualValues(t, 1, body["scheduled"])
}

func TestScheduleHealthCheck(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/v1/jobs/health-check", f.token, `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := f.do(t, http.MethodPost, "/v1/jobs/health-check", f.token, `{"account_id":"a7"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "account_health_check", body["job_type"])

	job, err := f.q.Get(context.Background(), body["job_id"].(string))
	require.NoError(t, err)
	assert.Equal(t, "account_health_check", job.Type)
	assert.Equal(t, map[string]any{"user_id": "u1", "account_id": "a7"}, job.Payload)
	assert.True(t, job.ScheduledAt.Equal(job.CreatedAt), "health checks run immediately")
}

func TestCancelThenRetryConflict(t *testing.T) {
	f := newFixture(t)
	_, body := f.do(t, http.MethodPost, "/v1/jobs/waste-scan", f.token, `{"account_id":"a1"}`)
	id := body["job_id"].(string)

	resp, body := f.do(t, http.MethodPost, "/v1/jobs/"+id+"/cancel", f.token, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["cancelled"])

	resp, body = f.do(t, http.MethodPost, "/v1/jobs/"+id+"/cancel", f.token, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, false, body["cancelled"])

	resp, body = f.do(t, http.MethodPost, "/v1/jobs/"+id+"/retry", f.token, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, false, body["retried"])
}

func TestEnqueueWhenRedisDown(t *testing.T) {
	f := newFixture(t)
	f.mr.Close()
	resp, _ := f.do(t, http.MethodPost, "/v1/jobs/cost-sync", f.token, `{"account_id":"a1"}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestOperationalRoutes(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	resp, body = f.do(t, http.MethodGet, "/v1/ws/stats", f.token, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 0, body["total_connections"])

	f.do(t, http.MethodPost, "/v1/jobs/cost-sync", f.token, `{"account_id":"a1"}`)
	resp, err := http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	buf := new(strings.Builder)
	_, _ = io.Copy(buf, resp.Body)
	assert.Contains(t, buf.String(), "sentinel_jobs_enqueued_total")
}

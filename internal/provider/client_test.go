package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGateway(t *testing.T) *httptest.Server {
	t.Helper()
	rt := chi.NewRouter()
	rt.Get("/accounts/{id}/costs", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2026-01-01", r.URL.Query().Get("start"))
		assert.Equal(t, "arn:aws:iam::1:role/x", r.Header.Get("X-Assume-Role"))
		_ = json.NewEncoder(w).Encode(map[string]any{"records": []CostRecord{
			{UsageDate: "2026-01-01", Service: "EC2", Amount: 12.5, Currency: "USD"},
		}})
	})
	rt.Post("/accounts/{id}/waste-scan", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []any{"ebs"}, body["categories"])
		_ = json.NewEncoder(w).Encode(map[string]any{"items": []WasteItem{
			{ResourceID: "vol-1", Category: "ebs", EstimatedMonthlySavings: 8},
		}})
	})
	rt.Get("/accounts/{id}/health", func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "id") == "throttled" {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("access denied"))
	})
	srv := httptest.NewServer(rt)
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchCostsAndScan(t *testing.T) {
	c := New(newGateway(t).URL + "/")
	ctx := context.Background()
	acct := Account{ExternalID: "123", Region: "us-east-1", RoleARN: "arn:aws:iam::1:role/x"}

	recs, err := c.FetchCosts(ctx, acct, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "EC2", recs[0].Service)

	items, err := c.ScanWaste(ctx, acct, []string{"ebs"})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 8.0, items[0].EstimatedMonthlySavings)
}

func TestErrorsAreTyped(t *testing.T) {
	c := New(newGateway(t).URL)
	ctx := context.Background()

	_, err := c.CheckHealth(ctx, Account{ExternalID: "throttled"})
	assert.ErrorIs(t, err, ErrThrottled)

	_, err = c.CheckHealth(ctx, Account{ExternalID: "denied"})
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusForbidden, se.Code)
	assert.Equal(t, "access denied", se.Body)
}

// Package provider talks to the cloud cost provider gateway that fronts the
// billing, inventory and health APIs of connected cloud accounts.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

var ErrThrottled = errors.New("provider: throttled")

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider: status %d: %s", e.Code, e.Body)
}

type Account struct {
	ExternalID string
	Region     string
	RoleARN    string
}

type CostRecord struct {
	UsageDate string  `json:"usage_date"`
	Service   string  `json:"service"`
	Amount    float64 `json:"amount"`
	Currency  string  `json:"currency"`
}

type WasteItem struct {
	ResourceID              string         `json:"resource_id"`
	ResourceType            string         `json:"resource_type"`
	Category                string         `json:"category"`
	Region                  string         `json:"region"`
	EstimatedMonthlySavings float64        `json:"estimated_monthly_savings"`
	Details                 map[string]any `json:"details,omitempty"`
}

type Recommendation struct {
	Type             string  `json:"type"`
	ResourceID       string  `json:"resource_id"`
	Title            string  `json:"title"`
	Description      string  `json:"description"`
	EstimatedSavings float64 `json:"estimated_savings"`
}

type Health struct {
	Status  string         `json:"status"`
	Message string         `json:"message,omitempty"`
	Checks  map[string]any `json:"checks,omitempty"`
}

type Client struct {
	base string
	http *http.Client
	log  *zap.Logger
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }
func WithLogger(l *zap.Logger) Option { return func(c *Client) { c.log = l } }

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		log: zap.NewNop(),
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.Named("provider")
	return c
}

func (c *Client) FetchCosts(ctx context.Context, acct Account, start, end time.Time) ([]CostRecord, error) {
	q := url.Values{
		"start":  {start.Format(time.DateOnly)},
		"end":    {end.Format(time.DateOnly)},
		"region": {acct.Region},
	}
	var out struct {
		Records []CostRecord `json:"records"`
	}
	if err := c.do(ctx, http.MethodGet, acctPath(acct, "costs")+"?"+q.Encode(), acct, nil, &out); err != nil {
		return nil, err
	}
	return out.Records, nil
}

func (c *Client) ScanWaste(ctx context.Context, acct Account, categories []string) ([]WasteItem, error) {
	body := map[string]any{"categories": categories, "region": acct.Region}
	var out struct {
		Items []WasteItem `json:"items"`
	}
	if err := c.do(ctx, http.MethodPost, acctPath(acct, "waste-scan"), acct, body, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *Client) Recommendations(ctx context.Context, acct Account, types []string) ([]Recommendation, error) {
	body := map[string]any{"types": types, "region": acct.Region}
	var out struct {
		Recommendations []Recommendation `json:"recommendations"`
	}
	if err := c.do(ctx, http.MethodPost, acctPath(acct, "recommendations"), acct, body, &out); err != nil {
		return nil, err
	}
	return out.Recommendations, nil
}

func (c *Client) CheckHealth(ctx context.Context, acct Account) (Health, error) {
	var h Health
	err := c.do(ctx, http.MethodGet, acctPath(acct, "health"), acct, nil, &h)
	return h, err
}

func acctPath(acct Account, suffix string) string {
	return "/accounts/" + url.PathEscape(acct.ExternalID) + "/" + suffix
}

func (c *Client) do(ctx context.Context, method, path string, acct Account, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("provider: encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("provider: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if acct.RoleARN != "" {
		req.Header.Set("X-Assume-Role", acct.RoleARN)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("provider: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return ErrThrottled
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		c.log.Warn("provider call failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("provider: decode %s: %w", path, err)
	}
	return nil
}

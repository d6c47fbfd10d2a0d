// Package realtime keeps the live WebSocket connections of this process and
// fans notifications out to them, relaying through Redis pub/sub so a
// notification raised on any process reaches every process holding a
// connection for that user.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/SirClappington/sentinel/internal/metrics"
)

const (
	DefaultStaleAfter = 5 * time.Minute

	wasteItemsPreview     = 5
	recommendationPreview = 3
)

// Sender is the write side of one client transport.
type Sender interface {
	Send(data []byte) error
	Close() error
}

type Connection struct {
	ID          string
	UserID      string
	ConnectedAt time.Time

	sender  Sender
	limiter *rate.Limiter

	mu       sync.Mutex
	filters  Filters
	lastPing time.Time

	// relayed is guarded by Manager.subMu.
	relayed bool
}

func (c *Connection) Filters() Filters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filters
}

func (c *Connection) setFilters(f Filters) {
	c.mu.Lock()
	c.filters = f
	c.mu.Unlock()
}

func (c *Connection) LastPing() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPing
}

func (c *Connection) touch(t time.Time) {
	c.mu.Lock()
	c.lastPing = t
	c.mu.Unlock()
}

type Manager struct {
	log        *zap.Logger
	metrics    *metrics.Metrics
	relay      *Relay
	staleAfter time.Duration
	inbound    rate.Limit
	burst      int
	now        func() time.Time

	mu     sync.RWMutex
	conns  map[string]*Connection
	byUser map[string]map[string]*Connection

	// subMu orders relay reference changes so a connection holds exactly
	// one reference between its Connect and Disconnect.
	subMu sync.Mutex
}

type Option func(*Manager)

func WithLogger(l *zap.Logger) Option { return func(m *Manager) { m.log = l } }
func WithMetrics(mt *metrics.Metrics) Option { return func(m *Manager) { m.metrics = mt } }
func WithStaleAfter(d time.Duration) Option { return func(m *Manager) { m.staleAfter = d } }
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// WithRelay enables cross-process delivery.
func WithRelay(rl *Relay) Option { return func(m *Manager) { m.relay = rl } }

// WithInboundLimit caps how many client messages a connection may send per
// second, with the given burst.
func WithInboundLimit(perSecond float64, burst int) Option {
	return func(m *Manager) {
		m.inbound = rate.Limit(perSecond)
		m.burst = burst
	}
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		log:        zap.NewNop(),
		staleAfter: DefaultStaleAfter,
		inbound:    10,
		burst:      20,
		now:        time.Now,
		conns:      map[string]*Connection{},
		byUser:     map[string]map[string]*Connection{},
	}
	for _, o := range opts {
		o(m)
	}
	m.log = m.log.Named("realtime")
	if m.relay != nil {
		m.relay.deliver = func(ctx context.Context, userID string, msg *Message) {
			m.SendPersonalMessage(ctx, userID, msg)
		}
	}
	return m
}

// Connect registers a connection, sends the handshake acknowledgement to it
// and makes sure this process listens on the user's relay channels.
func (m *Manager) Connect(ctx context.Context, s Sender, userID, connID string, f Filters) (*Connection, error) {
	now := m.now()
	c := &Connection{
		ID:          connID,
		UserID:      userID,
		ConnectedAt: now,
		sender:      s,
		limiter:     rate.NewLimiter(m.inbound, m.burst),
		filters:     f,
		lastPing:    now,
	}

	m.mu.Lock()
	if _, dup := m.conns[connID]; dup {
		m.mu.Unlock()
		return nil, fmt.Errorf("realtime: connection %s already registered", connID)
	}
	m.conns[connID] = c
	if m.byUser[userID] == nil {
		m.byUser[userID] = map[string]*Connection{}
	}
	m.byUser[userID][connID] = c
	total := len(m.conns)
	m.mu.Unlock()

	m.metrics.ConnectionOpened()
	m.log.Info("connection established",
		zap.String("user_id", userID),
		zap.String("connection_id", connID),
		zap.Int("total_connections", total))

	ack := NewMessage(Ping).
		With("message", "Connected successfully").
		With("server_time", now.UTC().Format(time.RFC3339Nano))
	if err := m.sendTo(c, ack); err != nil {
		m.Disconnect(userID, connID)
		return nil, fmt.Errorf("realtime: handshake: %w", err)
	}

	if m.relay != nil {
		m.subscribe(c)
	}
	return c, nil
}

// subscribe takes one relay reference for c unless c was disconnected in
// the meantime, then waits for the subscription outside the lock.
func (m *Manager) subscribe(c *Connection) {
	m.subMu.Lock()
	m.mu.RLock()
	_, live := m.conns[c.ID]
	m.mu.RUnlock()
	if !live {
		m.subMu.Unlock()
		return
	}
	s := m.relay.acquire(c.UserID)
	c.relayed = true
	m.subMu.Unlock()

	m.relay.await(c.UserID, s)
}

func (m *Manager) unsubscribe(c *Connection) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	if c.relayed {
		c.relayed = false
		m.relay.Unsubscribe(c.UserID)
	}
}

// Disconnect forgets a connection and closes its transport. Unknown ids are
// ignored, so it is safe to call more than once.
func (m *Manager) Disconnect(userID, connID string) {
	m.mu.Lock()
	c, ok := m.conns[connID]
	if !ok || c.UserID != userID {
		m.mu.Unlock()
		return
	}
	delete(m.conns, connID)
	if set := m.byUser[userID]; set != nil {
		delete(set, connID)
		if len(set) == 0 {
			delete(m.byUser, userID)
		}
	}
	remaining := len(m.conns)
	m.mu.Unlock()

	_ = c.sender.Close()
	if m.relay != nil {
		m.unsubscribe(c)
	}
	m.metrics.ConnectionClosed()
	m.log.Info("connection closed",
		zap.String("user_id", userID),
		zap.String("connection_id", connID),
		zap.Int("remaining_connections", remaining))
}

func (m *Manager) userConnections(userID string) []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.byUser[userID]
	out := make([]*Connection, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// SendPersonalMessage delivers msg to each of the user's local connections
// whose filters accept it and returns how many received it. Connections that
// fail to send are pruned; the rest still get the message.
func (m *Manager) SendPersonalMessage(_ context.Context, userID string, msg *Message) int {
	conns := m.userConnections(userID)
	if len(conns) == 0 {
		return 0
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = m.now().UTC()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		m.log.Error("encode message", zap.String("type", string(msg.Type)), zap.Error(err))
		return 0
	}

	delivered := 0
	for _, c := range conns {
		if !c.Filters().Match(msg) {
			continue
		}
		if err := c.sender.Send(data); err != nil {
			m.log.Warn("send failed, pruning connection",
				zap.String("user_id", userID),
				zap.String("connection_id", c.ID),
				zap.Error(err))
			m.Disconnect(userID, c.ID)
			continue
		}
		delivered++
	}
	return delivered
}

// BroadcastMessage sends msg to every local user accepted by keep, or to all
// users when keep is nil.
func (m *Manager) BroadcastMessage(ctx context.Context, msg *Message, keep func(userID string) bool) int {
	m.mu.RLock()
	users := make([]string, 0, len(m.byUser))
	for u := range m.byUser {
		users = append(users, u)
	}
	m.mu.RUnlock()

	if msg.Timestamp.IsZero() {
		msg.Timestamp = m.now().UTC()
	}
	n := 0
	for _, u := range users {
		if keep != nil && !keep(u) {
			continue
		}
		n += m.SendPersonalMessage(ctx, u, msg)
	}
	return n
}

// sendTo writes directly to one connection, bypassing its filters.
func (m *Manager) sendTo(c *Connection, msg *Message) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = m.now().UTC()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.sender.Send(data)
}

func (m *Manager) fanOut(ctx context.Context, userID string, cat Category, msg *Message) {
	msg.Timestamp = m.now().UTC()
	m.SendPersonalMessage(ctx, userID, msg)
	if m.relay == nil {
		return
	}
	if err := m.relay.Publish(ctx, userID, cat, msg); err != nil {
		m.log.Warn("relay publish failed", zap.String("user_id", userID), zap.Error(err))
	}
}

func (m *Manager) SendCostUpdate(ctx context.Context, userID, accountID string, costData map[string]any) {
	msg := NewMessage(CostUpdate).
		With("data", costData).
		With("message", fmt.Sprintf("Cost data updated for account %s", accountID))
	msg.AccountID = accountID
	m.fanOut(ctx, userID, CategoryCostUpdates, msg)
}

func (m *Manager) SendWasteDetection(ctx context.Context, userID, accountID string, items []any) {
	msg := NewMessage(WasteDetected).
		With("items_count", len(items)).
		With("data", head(items, wasteItemsPreview)).
		With("message", fmt.Sprintf("Found %d waste items in account %s", len(items), accountID))
	msg.AccountID = accountID
	m.fanOut(ctx, userID, CategoryWasteDetection, msg)
}

func (m *Manager) SendRecommendationUpdate(ctx context.Context, userID, accountID string, recs []any) {
	var savings float64
	for _, rec := range recs {
		if rm, ok := rec.(map[string]any); ok {
			savings += number(rm["estimated_savings"])
		}
	}
	msg := NewMessage(RecommendationReady).
		With("recommendations_count", len(recs)).
		With("total_potential_savings", savings).
		With("data", head(recs, recommendationPreview)).
		With("message", fmt.Sprintf("New recommendations available for account %s", accountID))
	msg.AccountID = accountID
	m.fanOut(ctx, userID, CategoryRecommendations, msg)
}

func (m *Manager) SendJobStatusUpdate(ctx context.Context, userID, jobID, status string, progress map[string]any) {
	if progress == nil {
		progress = map[string]any{}
	}
	msg := NewMessage(JobStatus).
		With("job_id", jobID).
		With("status", status).
		With("progress", progress).
		With("message", fmt.Sprintf("Job %s status: %s", jobID, status))
	if acct, ok := progress["account_id"].(string); ok {
		msg.AccountID = acct
	}
	m.fanOut(ctx, userID, CategoryJobStatus, msg)
}

func (m *Manager) SendAccountStatusUpdate(ctx context.Context, userID, accountID, status string, health map[string]any) {
	if health == nil {
		health = map[string]any{}
	}
	msg := NewMessage(AccountStatus).
		With("status", status).
		With("health_data", health).
		With("message", fmt.Sprintf("Account %s status: %s", accountID, status))
	msg.AccountID = accountID
	m.fanOut(ctx, userID, CategoryAccountStatus, msg)
}

func (m *Manager) SendError(ctx context.Context, userID, errorType, text string, details map[string]any) {
	if details == nil {
		details = map[string]any{}
	}
	msg := errorMessage(text).
		With("error_type", errorType).
		With("context", details)
	m.fanOut(ctx, userID, CategoryErrors, msg)
}

type ConnectionStats struct {
	TotalConnections   int            `json:"total_connections"`
	UniqueUsers        int            `json:"unique_users"`
	ConnectionsPerUser map[string]int `json:"connections_per_user"`
}

func (m *Manager) ConnectionStats() ConnectionStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := ConnectionStats{
		TotalConnections:   len(m.conns),
		UniqueUsers:        len(m.byUser),
		ConnectionsPerUser: make(map[string]int, len(m.byUser)),
	}
	for u, set := range m.byUser {
		st.ConnectionsPerUser[u] = len(set)
	}
	return st
}

// SweepStale disconnects every connection whose last ping is older than the
// staleness threshold and returns how many were dropped.
func (m *Manager) SweepStale() int {
	cutoff := m.now().Add(-m.staleAfter)

	m.mu.RLock()
	var stale []*Connection
	for _, c := range m.conns {
		if c.LastPing().Before(cutoff) {
			stale = append(stale, c)
		}
	}
	m.mu.RUnlock()

	for _, c := range stale {
		m.Disconnect(c.UserID, c.ID)
	}
	if len(stale) > 0 {
		m.log.Info("stale connections cleaned up", zap.Int("count", len(stale)))
	}
	return len(stale)
}

// RunSweeper calls SweepStale every interval until ctx is done.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.SweepStale()
		}
	}
}

// Shutdown closes every local connection.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	all := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		all = append(all, c)
	}
	m.mu.RUnlock()
	for _, c := range all {
		m.Disconnect(c.UserID, c.ID)
	}
}

func head(items []any, n int) []any {
	if items == nil {
		return []any{}
	}
	if len(items) > n {
		return items[:n]
	}
	return items
}

func number(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}

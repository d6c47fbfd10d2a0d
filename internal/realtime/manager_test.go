package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func connect(t *testing.T, m *Manager, userID, connID string, f Filters) (*fakeSender, *Connection) {
	t.Helper()
	s := &fakeSender{}
	c, err := m.Connect(context.Background(), s, userID, connID, f)
	require.NoError(t, err)
	return s, c
}

func TestConnectSendsHandshake(t *testing.T) {
	m := NewManager()
	s, _ := connect(t, m, "u1", "c1", Filters{})

	msgs := s.messages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, Ping, msgs[0].Type)
	assert.Equal(t, "Connected successfully", msgs[0].Get("message"))
	assert.False(t, msgs[0].Timestamp.IsZero())
}

func TestConnectRejectsDuplicateID(t *testing.T) {
	m := NewManager()
	connect(t, m, "u1", "c1", Filters{})
	_, err := m.Connect(context.Background(), &fakeSender{}, "u1", "c1", Filters{})
	assert.Error(t, err)
}

func TestCostUpdateReachesEveryConnection(t *testing.T) {
	ctx := context.Background()
	m := NewManager()
	a, _ := connect(t, m, "u1", "c1", Filters{})
	b, _ := connect(t, m, "u1", "c2", Filters{})
	other, _ := connect(t, m, "u2", "c3", Filters{})

	m.SendCostUpdate(ctx, "u1", "acct-1", map[string]any{"total_cost": 42.5})

	for _, s := range []*fakeSender{a, b} {
		got := s.last(t)
		assert.Equal(t, CostUpdate, got.Type)
		assert.Equal(t, "acct-1", got.AccountID)
		assert.Equal(t, map[string]any{"total_cost": 42.5}, got.Get("data"))
	}
	assert.Equal(t, 1, other.count(), "other users only see their handshake")
}

func TestAccountFilterIsolation(t *testing.T) {
	ctx := context.Background()
	m := NewManager()
	s, _ := connect(t, m, "u1", "c1", Filters{AccountIDs: []string{"A"}})

	m.SendCostUpdate(ctx, "u1", "B", map[string]any{})
	m.SendJobStatusUpdate(ctx, "u1", "job-1", "completed", nil)
	assert.Equal(t, 1, s.count())

	m.SendWasteDetection(ctx, "u1", "A", []any{map[string]any{"id": "vol-1"}})
	assert.Equal(t, 2, s.count())
	assert.Equal(t, "A", s.last(t).AccountID)
}

func TestMessageTypeFilter(t *testing.T) {
	ctx := context.Background()
	m := NewManager()
	s, _ := connect(t, m, "u1", "c1", Filters{MessageTypes: []MessageType{JobStatus}})

	m.SendCostUpdate(ctx, "u1", "A", nil)
	assert.Equal(t, 1, s.count())

	m.SendJobStatusUpdate(ctx, "u1", "job-1", "processing", map[string]any{"pct": 10})
	got := s.last(t)
	assert.Equal(t, JobStatus, got.Type)
	assert.Equal(t, "job-1", got.Get("job_id"))
	assert.Equal(t, "processing", got.Get("status"))
}

func TestFailingConnectionDoesNotBlockSiblings(t *testing.T) {
	ctx := context.Background()
	m := NewManager()
	bad, _ := connect(t, m, "u1", "c1", Filters{})
	good, _ := connect(t, m, "u1", "c2", Filters{})
	bad.breakPipe()

	n := m.SendPersonalMessage(ctx, "u1", NewMessage(AccountStatus).With("status", "error"))
	assert.Equal(t, 1, n)
	assert.Equal(t, AccountStatus, good.last(t).Type)
	assert.True(t, bad.isClosed())

	st := m.ConnectionStats()
	assert.Equal(t, 1, st.TotalConnections)
	assert.Equal(t, map[string]int{"u1": 1}, st.ConnectionsPerUser)
}

func TestSendToUnknownUser(t *testing.T) {
	m := NewManager()
	assert.Zero(t, m.SendPersonalMessage(context.Background(), "nobody", NewMessage(Ping)))
}

func TestDisconnectIsIdempotent(t *testing.T) {
	m := NewManager()
	s, _ := connect(t, m, "u1", "c1", Filters{})

	m.Disconnect("u1", "c1")
	m.Disconnect("u1", "c1")
	m.Disconnect("u1", "never-existed")

	assert.True(t, s.isClosed())
	st := m.ConnectionStats()
	assert.Zero(t, st.TotalConnections)
	assert.Zero(t, st.UniqueUsers)
}

func TestBroadcastWithPredicate(t *testing.T) {
	m := NewManager()
	a, _ := connect(t, m, "admin-1", "c1", Filters{})
	b, _ := connect(t, m, "u2", "c2", Filters{})

	n := m.BroadcastMessage(context.Background(), NewMessage(Error).With("message", "maintenance"), func(u string) bool {
		return u == "admin-1"
	})
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, a.count())
	assert.Equal(t, 1, b.count())

	n = m.BroadcastMessage(context.Background(), NewMessage(Error).With("message", "all"), nil)
	assert.Equal(t, 2, n)
}

func TestRecommendationSummary(t *testing.T) {
	m := NewManager()
	s, _ := connect(t, m, "u1", "c1", Filters{})

	recs := []any{
		map[string]any{"id": "r1", "estimated_savings": 10.0},
		map[string]any{"id": "r2", "estimated_savings": 5},
		map[string]any{"id": "r3"},
		map[string]any{"id": "r4", "estimated_savings": 2.5},
	}
	m.SendRecommendationUpdate(context.Background(), "u1", "acct-1", recs)

	got := s.last(t)
	assert.Equal(t, RecommendationReady, got.Type)
	assert.EqualValues(t, 4, got.Get("recommendations_count"))
	assert.InDelta(t, 17.5, got.Get("total_potential_savings"), 1e-9)
	assert.Len(t, got.Get("data"), 3)
}

func TestSweepStale(t *testing.T) {
	clock := newTestClock()
	m := NewManager(WithClock(clock.Now), WithStaleAfter(5*time.Minute))
	idle, _ := connect(t, m, "u1", "c1", Filters{})
	_, active := connect(t, m, "u1", "c2", Filters{})

	clock.Advance(4 * time.Minute)
	m.HandleClientMessage(context.Background(), active, []byte(`{"type":"ping"}`))
	clock.Advance(2 * time.Minute)

	assert.Equal(t, 1, m.SweepStale())
	assert.True(t, idle.isClosed())
	assert.Equal(t, 1, m.ConnectionStats().TotalConnections)
}

func TestClientMessages(t *testing.T) {
	ctx := context.Background()
	m := NewManager()
	s, c := connect(t, m, "u1", "c1", Filters{})

	m.HandleClientMessage(ctx, c, []byte(`{"type":"ping"}`))
	assert.Equal(t, Pong, s.last(t).Type)

	m.HandleClientMessage(ctx, c, []byte(`{not json`))
	got := s.last(t)
	assert.Equal(t, Error, got.Type)
	assert.Equal(t, "Invalid JSON format", got.Get("message"))

	m.HandleClientMessage(ctx, c, []byte(`{"type":"subscribe","filters":{"account_ids":["A"]}}`))
	assert.Equal(t, SubscriptionUpdated, s.last(t).Type)
	assert.Equal(t, []string{"A"}, c.Filters().AccountIDs)
	assert.Nil(t, c.Filters().MessageTypes)

	m.HandleClientMessage(ctx, c, []byte(`{"type":"get_stats"}`))
	got = s.last(t)
	assert.Equal(t, Stats, got.Type)
	assert.EqualValues(t, 1, got.Get("total_user_connections"))

	m.HandleClientMessage(ctx, c, []byte(`{"type":"dance"}`))
	assert.Equal(t, Error, s.last(t).Type)

	assert.Equal(t, 1, m.ConnectionStats().TotalConnections, "bad input never drops the connection")
}

func TestClientFloodIsRateLimited(t *testing.T) {
	m := NewManager(WithInboundLimit(0.001, 2))
	s, c := connect(t, m, "u1", "c1", Filters{})

	for range 3 {
		m.HandleClientMessage(context.Background(), c, []byte(`{"type":"ping"}`))
	}
	got := s.last(t)
	assert.Equal(t, Error, got.Type)
	assert.Equal(t, "Rate limit exceeded", got.Get("message"))
	assert.Equal(t, 1, m.ConnectionStats().TotalConnections)
}

package realtime

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	r "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRelayPair(t *testing.T) (*Manager, *Manager, *Relay) {
	t.Helper()
	mr := miniredis.RunT(t)
	newClient := func() *r.Client {
		c := r.NewClient(&r.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = c.Close() })
		return c
	}
	relayA := NewRelay(newClient(), nil, nil)
	relayB := NewRelay(newClient(), nil, nil)
	t.Cleanup(relayA.Close)
	t.Cleanup(relayB.Close)
	return NewManager(WithRelay(relayA)), NewManager(WithRelay(relayB)), relayB
}

func TestRelayReachesOtherProcess(t *testing.T) {
	procA, procB, _ := newRelayPair(t)
	remote, _ := connect(t, procB, "u1", "b1", Filters{})

	procA.SendCostUpdate(context.Background(), "u1", "acct-1", map[string]any{"total_cost": 3.0})

	require.Eventually(t, func() bool { return remote.count() == 2 }, 2*time.Second, 10*time.Millisecond)
	got := remote.last(t)
	assert.Equal(t, CostUpdate, got.Type)
	assert.Equal(t, "acct-1", got.AccountID)
}

func TestRelayDoesNotEchoToOrigin(t *testing.T) {
	procA, procB, _ := newRelayPair(t)
	local, _ := connect(t, procA, "u1", "a1", Filters{})
	remote, _ := connect(t, procB, "u1", "b1", Filters{})

	procA.SendJobStatusUpdate(context.Background(), "u1", "job-7", "completed", nil)

	require.Eventually(t, func() bool { return remote.count() == 2 }, 2*time.Second, 10*time.Millisecond)
	// Give the origin's own subscription time to see the echo.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 2, local.count(), "local connection is served exactly once")
}

func TestRelaySubscriptionIsSharedPerUser(t *testing.T) {
	_, procB, relayB := newRelayPair(t)
	connect(t, procB, "u1", "b1", Filters{})
	connect(t, procB, "u1", "b2", Filters{})
	assert.True(t, relayB.Subscribed("u1"))

	procB.Disconnect("u1", "b1")
	assert.True(t, relayB.Subscribed("u1"))

	procB.Disconnect("u1", "b2")
	assert.False(t, relayB.Subscribed("u1"))
}

func relayRefs(rl *Relay, userID string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if s, ok := rl.subs[userID]; ok {
		return s.refs
	}
	return 0
}

func TestRelayReferencesFollowConnectionChurn(t *testing.T) {
	_, procB, relayB := newRelayPair(t)
	connect(t, procB, "u1", "b1", Filters{})
	connect(t, procB, "u1", "b2", Filters{})
	procB.Disconnect("u1", "b1")
	connect(t, procB, "u1", "b3", Filters{})
	assert.Equal(t, 2, relayRefs(relayB, "u1"))

	procB.Disconnect("u1", "b2")
	procB.Disconnect("u1", "b2")
	assert.Equal(t, 1, relayRefs(relayB, "u1"))

	procB.Disconnect("u1", "b3")
	assert.False(t, relayB.Subscribed("u1"))
}

func TestRelayReleasedAfterConcurrentConnectDisconnect(t *testing.T) {
	_, procB, relayB := newRelayPair(t)
	var wg sync.WaitGroup
	for i := range 20 {
		id := fmt.Sprintf("b%d", i)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = procB.Connect(context.Background(), &fakeSender{}, "u1", id, Filters{})
		}()
		go func() {
			defer wg.Done()
			procB.Disconnect("u1", id)
		}()
	}
	wg.Wait()
	for i := range 20 {
		procB.Disconnect("u1", fmt.Sprintf("b%d", i))
	}
	assert.False(t, relayB.Subscribed("u1"))
	assert.Zero(t, procB.ConnectionStats().TotalConnections)
}

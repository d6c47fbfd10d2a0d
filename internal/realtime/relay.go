package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/SirClappington/sentinel/internal/metrics"
)

// Category names one per-user relay channel.
type Category string

const (
	CategoryCostUpdates     Category = "cost_updates"
	CategoryWasteDetection  Category = "waste_detection"
	CategoryRecommendations Category = "recommendations"
	CategoryJobStatus       Category = "job_status"
	CategoryAccountStatus   Category = "account_status"
	CategoryErrors          Category = "errors"
)

var categories = []Category{
	CategoryCostUpdates,
	CategoryWasteDetection,
	CategoryRecommendations,
	CategoryJobStatus,
	CategoryAccountStatus,
	CategoryErrors,
}

func channel(userID string, c Category) string {
	return fmt.Sprintf("user:%s:%s", userID, c)
}

func userChannels(userID string) []string {
	out := make([]string, len(categories))
	for i, c := range categories {
		out[i] = channel(userID, c)
	}
	return out
}

// envelope is what travels over pub/sub. Origin lets a process recognise
// and drop its own publications.
type envelope struct {
	Origin  string   `json:"origin"`
	Message *Message `json:"message"`
}

type deliverFunc func(ctx context.Context, userID string, m *Message)

// Relay bridges per-user notifications between processes over Redis
// pub/sub. Each process holds at most one subscription per user, shared by
// all of that user's local connections.
type Relay struct {
	rdb       *r.Client
	origin    string
	log       *zap.Logger
	metrics   *metrics.Metrics
	readyWait time.Duration
	deliver   deliverFunc

	mu   sync.Mutex
	subs map[string]*subscription
	wg   sync.WaitGroup
}

type subscription struct {
	refs   int
	cancel context.CancelFunc
	ready  chan struct{}
	done   chan struct{}
}

func NewRelay(rdb *r.Client, log *zap.Logger, m *metrics.Metrics) *Relay {
	if log == nil {
		log = zap.NewNop()
	}
	return &Relay{
		rdb:       rdb,
		origin:    uuid.NewString(),
		log:       log.Named("relay"),
		metrics:   m,
		readyWait: 2 * time.Second,
		subs:      map[string]*subscription{},
	}
}

func (rl *Relay) Origin() string { return rl.origin }

func (rl *Relay) Publish(ctx context.Context, userID string, c Category, m *Message) error {
	b, err := json.Marshal(envelope{Origin: rl.origin, Message: m})
	if err != nil {
		return fmt.Errorf("relay: encode: %w", err)
	}
	if err := rl.rdb.Publish(ctx, channel(userID, c), b).Err(); err != nil {
		return fmt.Errorf("relay: publish %s: %w", channel(userID, c), err)
	}
	rl.metrics.RelayMessage("out")
	return nil
}

// Subscribe takes a reference on userID's subscription, starting it on the
// first reference. It waits briefly for Redis to confirm the subscription.
// Every Subscribe must be paired with one Unsubscribe.
func (rl *Relay) Subscribe(userID string) {
	rl.await(userID, rl.acquire(userID))
}

func (rl *Relay) acquire(userID string) *subscription {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if s, ok := rl.subs[userID]; ok {
		s.refs++
		return s
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &subscription{refs: 1, cancel: cancel, ready: make(chan struct{}), done: make(chan struct{})}
	rl.subs[userID] = s
	rl.wg.Add(1)
	go rl.listen(ctx, userID, s)
	return s
}

func (rl *Relay) await(userID string, s *subscription) {
	t := time.NewTimer(rl.readyWait)
	defer t.Stop()
	select {
	case <-s.ready:
	case <-s.done:
	case <-t.C:
		rl.log.Warn("relay subscription not confirmed yet", zap.String("user_id", userID))
	}
}

// Unsubscribe drops a reference and stops the subscription with the last one.
func (rl *Relay) Unsubscribe(userID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	s, ok := rl.subs[userID]
	if !ok {
		return
	}
	s.refs--
	if s.refs > 0 {
		return
	}
	delete(rl.subs, userID)
	s.cancel()
}

func (rl *Relay) Subscribed(userID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	_, ok := rl.subs[userID]
	return ok
}

// Close stops every subscription and waits for the listeners to exit.
func (rl *Relay) Close() {
	rl.mu.Lock()
	for id, s := range rl.subs {
		s.cancel()
		delete(rl.subs, id)
	}
	rl.mu.Unlock()
	rl.wg.Wait()
}

func (rl *Relay) listen(ctx context.Context, userID string, s *subscription) {
	defer rl.wg.Done()
	defer close(s.done)
	log := rl.log.With(zap.String("user_id", userID))

	ps := rl.rdb.Subscribe(ctx, userChannels(userID)...)
	defer ps.Close()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 0
	bo.Reset()
	err := backoff.RetryNotify(func() error {
		_, err := ps.Receive(ctx)
		return err
	}, backoff.WithContext(bo, ctx), func(err error, wait time.Duration) {
		log.Warn("relay subscribe failed, retrying", zap.Error(err), zap.Duration("wait", wait))
	})
	if err != nil {
		return
	}
	close(s.ready)

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			rl.handle(ctx, log, userID, msg.Payload)
		}
	}
}

func (rl *Relay) handle(ctx context.Context, log *zap.Logger, userID, payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil || env.Message == nil {
		log.Warn("dropping malformed relay message", zap.Error(err))
		return
	}
	if env.Origin == rl.origin {
		rl.metrics.RelayMessage("echo")
		return
	}
	rl.metrics.RelayMessage("in")
	if rl.deliver != nil {
		rl.deliver(ctx, userID, env.Message)
	}
}

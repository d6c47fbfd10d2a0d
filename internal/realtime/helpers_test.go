package realtime

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	mu     sync.Mutex
	frames [][]byte
	fail   bool
	closed bool
}

func (f *fakeSender) Send(b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("broken pipe")
	}
	f.frames = append(f.frames, append([]byte(nil), b...))
	return nil
}

func (f *fakeSender) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) breakPipe() {
	f.mu.Lock()
	f.fail = true
	f.mu.Unlock()
}

func (f *fakeSender) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeSender) messages(t *testing.T) []*Message {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Message, 0, len(f.frames))
	for _, b := range f.frames {
		var m Message
		require.NoError(t, json.Unmarshal(b, &m))
		out = append(out, &m)
	}
	return out
}

func (f *fakeSender) last(t *testing.T) *Message {
	t.Helper()
	msgs := f.messages(t)
	require.NotEmpty(t, msgs)
	return msgs[len(msgs)-1]
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

package realtime

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

type inbound struct {
	Type    string          `json:"type"`
	Filters json.RawMessage `json:"filters"`
}

// HandleClientMessage answers one frame received from c. Bad input gets an
// error envelope; the connection always stays open.
func (m *Manager) HandleClientMessage(ctx context.Context, c *Connection, data []byte) {
	if !c.limiter.Allow() {
		m.reply(c, errorMessage("Rate limit exceeded"))
		return
	}

	var in inbound
	if err := json.Unmarshal(data, &in); err != nil {
		m.reply(c, errorMessage("Invalid JSON format"))
		return
	}

	now := m.now()
	switch MessageType(in.Type) {
	case Ping:
		c.touch(now)
		m.reply(c, NewMessage(Pong).With("server_time", now.UTC().Format(time.RFC3339Nano)))

	case "subscribe":
		var f Filters
		if len(in.Filters) > 0 && string(in.Filters) != "null" {
			if err := json.Unmarshal(in.Filters, &f); err != nil {
				m.reply(c, errorMessage("Invalid filters format"))
				return
			}
		}
		c.setFilters(f)
		m.reply(c, NewMessage(SubscriptionUpdated).
			With("filters", f).
			With("message", "Subscription filters updated"))

	case "get_stats":
		m.mu.RLock()
		n := len(m.byUser[c.UserID])
		m.mu.RUnlock()
		m.reply(c, NewMessage(Stats).
			With("connection_id", c.ID).
			With("connected_since", c.ConnectedAt.UTC().Format(time.RFC3339Nano)).
			With("total_user_connections", n).
			With("server_time", now.UTC().Format(time.RFC3339Nano)))

	default:
		m.reply(c, errorMessage("Unsupported message type"))
	}
}

func (m *Manager) reply(c *Connection, msg *Message) {
	if err := m.sendTo(c, msg); err != nil {
		m.log.Warn("reply failed, pruning connection",
			zap.String("user_id", c.UserID),
			zap.String("connection_id", c.ID),
			zap.Error(err))
		m.Disconnect(c.UserID, c.ID)
	}
}

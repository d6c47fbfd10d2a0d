package realtime

import (
	"encoding/json"
	"time"
)

type MessageType string

const (
	CostUpdate          MessageType = "cost_update"
	WasteDetected       MessageType = "waste_detected"
	RecommendationReady MessageType = "recommendation_ready"
	JobStatus           MessageType = "job_status"
	AccountStatus       MessageType = "account_status"
	Error               MessageType = "error"
	Ping                MessageType = "ping"
	Pong                MessageType = "pong"

	SubscriptionUpdated MessageType = "subscription_updated"
	Stats               MessageType = "stats"
)

// Message is the outbound envelope. Fields carries the type specific
// members and is flattened next to the fixed ones on the wire.
type Message struct {
	Type      MessageType
	Timestamp time.Time
	AccountID string
	Fields    map[string]any
}

func NewMessage(t MessageType) *Message {
	return &Message{Type: t, Fields: map[string]any{}}
}

func (m *Message) With(key string, v any) *Message {
	if m.Fields == nil {
		m.Fields = map[string]any{}
	}
	m.Fields[key] = v
	return m
}

func (m *Message) Get(key string) any { return m.Fields[key] }

func (m *Message) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Fields)+3)
	for k, v := range m.Fields {
		out[k] = v
	}
	out["type"] = m.Type
	if !m.Timestamp.IsZero() {
		out["timestamp"] = m.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	if m.AccountID != "" {
		out["account_id"] = m.AccountID
	}
	return json.Marshal(out)
}

func (m *Message) UnmarshalJSON(b []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*m = Message{Fields: map[string]any{}}
	for k, v := range raw {
		switch k {
		case "type":
			s, _ := v.(string)
			m.Type = MessageType(s)
		case "timestamp":
			if s, ok := v.(string); ok {
				if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
					m.Timestamp = ts
				}
			}
		case "account_id":
			m.AccountID, _ = v.(string)
		default:
			m.Fields[k] = v
		}
	}
	return nil
}

func errorMessage(text string) *Message {
	return NewMessage(Error).With("message", text)
}

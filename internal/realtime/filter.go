package realtime

import (
	"encoding/json"
	"fmt"
	"slices"
)

// Filters narrows what a connection receives. A nil slice means the
// dimension is not filtered; a present but empty slice matches nothing.
type Filters struct {
	MessageTypes []MessageType `json:"message_types"`
	AccountIDs   []string      `json:"account_ids"`
}

// ParseFilters decodes the JSON filter object sent at connect time. An empty
// string yields no filtering.
func ParseFilters(raw string) (Filters, error) {
	var f Filters
	if raw == "" {
		return f, nil
	}
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		return Filters{}, fmt.Errorf("realtime: invalid filters: %w", err)
	}
	return f, nil
}

// Match reports whether m satisfies every filter present. A message without
// an account id never passes an account filter.
func (f Filters) Match(m *Message) bool {
	if f.MessageTypes != nil && !slices.Contains(f.MessageTypes, m.Type) {
		return false
	}
	if f.AccountIDs != nil && (m.AccountID == "" || !slices.Contains(f.AccountIDs, m.AccountID)) {
		return false
	}
	return true
}

package realtime

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFiltersMatch(t *testing.T) {
	withAcct := func(tp MessageType, acct string) *Message {
		m := NewMessage(tp)
		m.AccountID = acct
		return m
	}

	tests := []struct {
		name    string
		filters string
		msg     *Message
		want    bool
	}{
		{"no filters", "", withAcct(CostUpdate, "B"), true},
		{"account match", `{"account_ids":["A"]}`, withAcct(CostUpdate, "A"), true},
		{"account mismatch", `{"account_ids":["A"]}`, withAcct(CostUpdate, "B"), false},
		{"account filter needs account", `{"account_ids":["A"]}`, withAcct(JobStatus, ""), false},
		{"type match", `{"message_types":["job_status"]}`, withAcct(JobStatus, ""), true},
		{"type mismatch", `{"message_types":["job_status"]}`, withAcct(CostUpdate, "A"), false},
		{"both must hold", `{"message_types":["cost_update"],"account_ids":["A"]}`, withAcct(CostUpdate, "B"), false},
		{"empty list matches nothing", `{"account_ids":[]}`, withAcct(CostUpdate, "A"), false},
		{"null means absent", `{"account_ids":null}`, withAcct(CostUpdate, "A"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := ParseFilters(tt.filters)
			require.NoError(t, err)
			assert.Equal(t, tt.want, f.Match(tt.msg))
		})
	}
}

func TestParseFiltersRejectsGarbage(t *testing.T) {
	_, err := ParseFilters("{account_ids")
	assert.Error(t, err)
}

func TestMessageFlattensFields(t *testing.T) {
	m := NewMessage(CostUpdate).With("data", map[string]any{"x": 1.0})
	m.AccountID = "acct-1"

	b, err := json.Marshal(m)
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(b, &wire))
	assert.Equal(t, "cost_update", wire["type"])
	assert.Equal(t, "acct-1", wire["account_id"])
	assert.Equal(t, map[string]any{"x": 1.0}, wire["data"])
	assert.NotContains(t, wire, "timestamp")
}

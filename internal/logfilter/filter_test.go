package logfilter

import (
	"testing"

	"github.com/adshares/ads-tests-sub000/internal/domain/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(t *testing.T, fields map[string]any) model.LogEntry {
	t.Helper()
	e, err := model.NewLogEntry(fields)
	require.NoError(t, err)
	return e
}

func TestFilter_Match(t *testing.T) {
	t.Parallel()

	profit := entry(t, map[string]any{
		"type": "bank_profit", "type_no": "32773", "time": "1535552512",
		"profit": "12.00000000000", "node": "1", "block_id": "5B86B200",
	})
	hexBlock := entry(t, map[string]any{
		"type": "dividend", "time": 1, "dividend": "10.0", "block_id": "0010",
		"account": map[string]any{"balance": "10.00000000000"},
	})
	send := entry(t, map[string]any{
		"type": "send_one", "type_no": 4, "time": 1535552513,
		"amount": "-1.00000000000", "sender_fee": "0.0005", "inout": "out",
		"account": map[string]any{"node": "0002"},
	})

	tests := []struct {
		name     string
		criteria [][2]string
		entry    model.LogEntry
		want     bool
	}{
		{"no criteria", nil, send, true},
		{"type literal", [][2]string{{"type", "send_one"}}, send, true},
		{"type is anchored", [][2]string{{"type", "send"}}, send, false},
		{"type regex", [][2]string{{"type", "send_.*"}}, send, true},
		{"conjunction", [][2]string{{"type", "bank_profit"}, {"block_id", "5B86B200"}}, profit, true},
		{"conjunction fails on one", [][2]string{{"type", "bank_profit"}, {"block_id", "00000000"}}, profit, false},
		{"absent field", [][2]string{{"block_id", ".*"}}, send, false},
		{"numeric node", [][2]string{{"node", "01"}}, profit, true},
		{"numeric amount", [][2]string{{"amount", "-1"}}, send, true},
		{"numeric quoted type_no", [][2]string{{"type_no", "32773"}}, profit, true},
		{"numeric time", [][2]string{{"time", "1535552513"}}, send, true},
		{"nested path", [][2]string{{"account.node", "0002"}}, send, true},
		{"nested path is text", [][2]string{{"account.node", "2"}}, send, false},
		{"numeric nested balance", [][2]string{{"account.balance", "10"}}, hexBlock, true},
		{"numeric dividend", [][2]string{{"dividend", "10"}}, hexBlock, true},
		{"numeric dividend exponent", [][2]string{{"dividend", "1e1"}}, hexBlock, true},
		{"hex block_id literal", [][2]string{{"block_id", "0010"}}, hexBlock, true},
		{"hex block_id is not a number", [][2]string{{"block_id", "10"}}, hexBlock, false},
		{"hex block_id ignores exponent", [][2]string{{"block_id", "1e1"}}, hexBlock, false},
		{"nested path missing", [][2]string{{"account.balance", ".*"}}, send, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := New(true)
			for _, c := range tc.criteria {
				require.NoError(t, f.Add(c[0], c[1]))
			}
			assert.Equal(t, tc.want, f.Match(tc.entry))
			assert.Equal(t, !tc.want, f.Negated().Match(tc.entry))
		})
	}
}

func TestFilter_NonRequiredKeepsNonMatches(t *testing.T) {
	t.Parallel()

	dividend := entry(t, map[string]any{"type": "dividend", "time": 1, "dividend": "1"})
	f := New(false)
	require.NoError(t, f.Add("type", "dividend"))

	assert.False(t, f.Match(dividend))
	assert.True(t, f.Match(entry(t, map[string]any{"type": "send_one", "time": 1, "amount": "1", "inout": "in"})))
	assert.False(t, f.Required())
	assert.True(t, f.Negated().Required())
}

func TestFilter_NegatedIsIndependent(t *testing.T) {
	t.Parallel()

	f := New(true)
	require.NoError(t, f.Add("type", "dividend"))
	neg := f.Negated()
	require.NoError(t, f.Add("time", "2"))

	e := entry(t, map[string]any{"type": "dividend", "time": 1, "dividend": "1"})
	assert.False(t, f.Match(e))
	assert.False(t, neg.Match(e), "criteria added later do not leak into the negation")
}

func TestFilter_AddRejectsBadInput(t *testing.T) {
	t.Parallel()

	f := New(true)
	assert.Error(t, f.Add("type", "(unclosed"))
	assert.Error(t, f.Add("", "x"))
	assert.Equal(t, "{}", f.String())
}

func TestByType(t *testing.T) {
	t.Parallel()

	f := ByType(model.EntrySendOne, model.EntrySendMany)
	assert.True(t, f.Match(entry(t, map[string]any{"type": "send_many", "time": 1, "amount": "1", "inout": "in"})))
	assert.False(t, f.Match(entry(t, map[string]any{"type": "broadcast", "time": 1, "amount": "1", "inout": "in"})))
	assert.Equal(t, "{type=~send_one|send_many}", f.String())
	assert.Equal(t, "not {type=~send_one|send_many}", f.Negated().String())
}

func TestPatternCache(t *testing.T) {
	f := New(true)
	require.NoError(t, f.Add("type", "cached_pattern_[0-9]+"))
	e := entry(t, map[string]any{"type": "cached_pattern_7", "time": 1})

	hitsBefore, _ := PatternCacheStats()
	for i := 0; i < 3; i++ {
		assert.True(t, f.Match(e))
	}
	hitsAfter, _ := PatternCacheStats()
	assert.GreaterOrEqual(t, hitsAfter-hitsBefore, int64(3))
}

package report

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/adshares/ads-tests-sub000/internal/feeshare"
	"github.com/adshares/ads-tests-sub000/internal/reconciliation"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func sampleRun() *reconciliation.RunResult {
	started := time.Date(2018, 8, 29, 14, 21, 52, 0, time.UTC)
	return &reconciliation.RunResult{
		RunID:      uuid.MustParse("7d1f3f1a-4c55-4a8f-9a2c-0c6b1f2e9d10"),
		Total:      2,
		Matched:    1,
		Mismatched: 1,
		Errors:     1,
		StartedAt:  started,
		FinishedAt: started.Add(1500 * time.Millisecond),
		Snapshots: []reconciliation.SnapshotResult{
			{Address: "0001-00000001-8B4E", Node: 1, ReportedBalance: dec("10"), LoggedBalance: dec("10"), Entries: 3, IsMatch: true},
			{Address: "0002-00000003-1F2A", Node: 2, ReportedBalance: dec("5"), LoggedBalance: dec("4.9999"),
				Difference: dec("-0.0001"), Entries: 1, UnknownEntries: 1},
		},
		Failures: []reconciliation.FetchFailure{{Address: "0003-00000000-9B6F", Error: "node error: Failed to connect"}},
	}
}

func TestWriteRun_Text(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	require.NoError(t, WriteRun(&buf, FormatText, sampleRun()))
	out := buf.String()

	assert.Contains(t, out, "Run: 7d1f3f1a-4c55-4a8f-9a2c-0c6b1f2e9d10")
	assert.Contains(t, out, "Duration: 1.5s")
	assert.Contains(t, out, "Accounts: 3")
	assert.Contains(t, out, "0002-00000003-1F2A: reported=5.00000000000 logged=4.99990000000 diff=-0.00010000000 entries=1 unknown=1")
	assert.NotContains(t, out, "0001-00000001-8B4E:", "matched accounts are not listed")
	assert.Contains(t, out, "0003-00000000-9B6F: node error: Failed to connect")
	assert.True(t, strings.HasSuffix(out, "Result: MISMATCH\n"))
}

func TestWriteRun_JSON(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	require.NoError(t, WriteRun(&buf, FormatJSON, sampleRun()))

	var decoded struct {
		Result string                   `json:"result"`
		Run    reconciliation.RunResult `json:"run"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "MISMATCH", decoded.Result)
	require.Len(t, decoded.Run.Snapshots, 2)
	assert.True(t, decoded.Run.Snapshots[1].Difference.Equal(dec("-0.0001")))
}

func TestWriteRun_Match(t *testing.T) {
	t.Parallel()
	run := sampleRun()
	run.Snapshots = run.Snapshots[:1]
	run.Failures = nil
	run.Mismatched, run.Errors, run.Total = 0, 0, 1

	var buf bytes.Buffer
	require.NoError(t, WriteRun(&buf, FormatText, run))
	assert.NotContains(t, buf.String(), "--- Mismatched")
	assert.Contains(t, buf.String(), "Result: MATCH")
}

func TestWriteFeeShare(t *testing.T) {
	t.Parallel()
	r := &feeshare.Report{
		Blocks: []feeshare.BlockResult{{
			BlockID: "5B86B200",
			Records: []feeshare.ProfitShareRecord{
				{Node: 1, Profit: dec("200"), ProfitToShare: dec("100"), Share: dec("50"), ExpectedProfitShared: dec("-50")},
				{Node: 2, Share: dec("50"), ExpectedProfitShared: dec("50")},
			},
		}},
		Mismatches: []feeshare.Mismatch{{BlockID: "5B86B200", Node: 2, Expected: dec("50"), Reported: dec("49")}},
	}

	var text bytes.Buffer
	require.NoError(t, WriteFeeShare(&text, FormatText, r))
	assert.Contains(t, text.String(), "--- Block 5B86B200 ---")
	assert.Contains(t, text.String(), "0001: profit=200.00000000000 contributes=100.00000000000 share=50.00000000000 profit_shared=-50.00000000000")
	assert.Contains(t, text.String(), "block 5B86B200 node 0002")
	assert.Contains(t, text.String(), "Result: MISMATCH")

	var js bytes.Buffer
	require.NoError(t, WriteFeeShare(&js, FormatJSON, r))
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(js.Bytes(), &decoded))
	assert.Equal(t, "MISMATCH", decoded["result"])
	assert.Len(t, decoded["mismatches"], 1)
	rec := decoded["blocks"].([]any)[0].(map[string]any)["records"].([]any)[0].(map[string]any)
	assert.Equal(t, "200.00000000000", rec["profit"])
	assert.Equal(t, "100.00000000000", rec["profit_to_share"])
}

func TestParseFormat(t *testing.T) {
	t.Parallel()
	f, err := ParseFormat("json")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, f)

	_, err = ParseFormat("yaml")
	assert.Error(t, err)
}

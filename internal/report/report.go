package report

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/adshares/ads-tests-sub000/internal/feeshare"
	"github.com/adshares/ads-tests-sub000/internal/reconciliation"
)

// Format selects a report rendering.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// ParseFormat accepts "text" and "json".
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatText, FormatJSON:
		return Format(s), nil
	default:
		return "", fmt.Errorf("unknown report format %q", s)
	}
}

func verdict(ok bool) string {
	if ok {
		return "MATCH"
	}
	return "MISMATCH"
}

// WriteRun renders a reconciliation run in the given format.
func WriteRun(w io.Writer, format Format, run *reconciliation.RunResult) error {
	if format == FormatJSON {
		return writeRunJSON(w, run)
	}
	writeRunText(w, run)
	return nil
}

func writeRunText(w io.Writer, run *reconciliation.RunResult) {
	fmt.Fprintln(w, "=== Log Reconciliation Report ===")
	fmt.Fprintf(w, "Run: %s\n", run.RunID)
	fmt.Fprintf(w, "Duration: %s\n", run.FinishedAt.Sub(run.StartedAt))
	fmt.Fprintf(w, "Accounts: %d\n", run.Total+run.Errors)
	fmt.Fprintf(w, "Matched: %d\n", run.Matched)
	fmt.Fprintf(w, "Mismatched: %d\n", run.Mismatched)
	fmt.Fprintf(w, "Errors: %d\n", run.Errors)

	if run.Mismatched > 0 {
		fmt.Fprintln(w, "\n--- Mismatched (logged history differs from balance) ---")
		for _, s := range run.Snapshots {
			if s.IsMatch {
				continue
			}
			fmt.Fprintf(w, "  %s: reported=%s logged=%s diff=%s entries=%d unknown=%d\n",
				s.Address, s.ReportedBalance.StringFixed(11), s.LoggedBalance.StringFixed(11),
				s.Difference.StringFixed(11), s.Entries, s.UnknownEntries)
		}
	}
	if len(run.Failures) > 0 {
		fmt.Fprintln(w, "\n--- Errors (log not fetched) ---")
		for _, f := range run.Failures {
			fmt.Fprintf(w, "  %s: %s\n", f.Address, f.Error)
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Result: %s\n", verdict(run.OK()))
}

func writeRunJSON(w io.Writer, run *reconciliation.RunResult) error {
	report := struct {
		Result string                    `json:"result"`
		Run    *reconciliation.RunResult `json:"run"`
	}{
		Result: verdict(run.OK()),
		Run:    run,
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

type feeShareRecord struct {
	Node                 string `json:"node"`
	Profit               string `json:"profit"`
	ProfitToShare        string `json:"profit_to_share"`
	Share                string `json:"share"`
	ExpectedProfitShared string `json:"expected_profit_shared"`
}

type feeShareBlock struct {
	BlockID string           `json:"block_id"`
	Records []feeShareRecord `json:"records"`
}

// WriteFeeShare renders a fee-sharing verification in the given format.
func WriteFeeShare(w io.Writer, format Format, r *feeshare.Report) error {
	if format == FormatJSON {
		out := struct {
			Result     string          `json:"result"`
			Blocks     []feeShareBlock `json:"blocks"`
			Mismatches []string        `json:"mismatches"`
		}{Result: verdict(r.OK()), Blocks: []feeShareBlock{}, Mismatches: []string{}}
		for _, b := range r.Blocks {
			fb := feeShareBlock{BlockID: b.BlockID}
			for _, rec := range b.Records {
				fb.Records = append(fb.Records, feeShareRecord{
					Node:                 fmt.Sprintf("%04X", rec.Node),
					Profit:               rec.Profit.StringFixed(11),
					ProfitToShare:        rec.ProfitToShare.StringFixed(11),
					Share:                rec.Share.StringFixed(11),
					ExpectedProfitShared: rec.ExpectedProfitShared.StringFixed(11),
				})
			}
			out.Blocks = append(out.Blocks, fb)
		}
		for _, m := range r.Mismatches {
			out.Mismatches = append(out.Mismatches, m.String())
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	fmt.Fprintln(w, "=== Fee Sharing Report ===")
	fmt.Fprintf(w, "Blocks: %d\n", len(r.Blocks))
	for _, b := range r.Blocks {
		fmt.Fprintf(w, "\n--- Block %s ---\n", b.BlockID)
		for _, rec := range b.Records {
			fmt.Fprintf(w, "  %04X: profit=%s contributes=%s share=%s profit_shared=%s\n",
				rec.Node, rec.Profit.StringFixed(11), rec.ProfitToShare.StringFixed(11), rec.Share.StringFixed(11),
				rec.ExpectedProfitShared.StringFixed(11))
		}
	}
	if len(r.Mismatches) > 0 {
		fmt.Fprintln(w, "\n--- Mismatches ---")
		for _, m := range r.Mismatches {
			fmt.Fprintf(w, "  %s\n", m)
		}
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Result: %s\n", verdict(r.OK()))
	return nil
}

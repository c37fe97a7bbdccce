package reconciliation

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/adshares/ads-tests-sub000/internal/domain/model"
	"github.com/adshares/ads-tests-sub000/internal/logfilter"
	"github.com/adshares/ads-tests-sub000/internal/metrics"
	"github.com/shopspring/decimal"
)

// MismatchKind names what disagreed in a MismatchError.
type MismatchKind string

const (
	MismatchBalance MismatchKind = "balance"
	MismatchFee     MismatchKind = "fee"
)

// MismatchError reports a value the ledger reported that differs from the
// value derived from its own logs or from the fee schedule. Payload is the
// raw node response the check ran against.
type MismatchError struct {
	Kind     MismatchKind
	Address  model.Address
	Expected decimal.Decimal
	Actual   decimal.Decimal
	Payload  []byte
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("%s mismatch for %s: expected %s, got %s (diff %s)",
		e.Kind, e.Address, e.Expected.String(), e.Actual.String(), e.Actual.Sub(e.Expected).String())
}

// IsMismatch reports whether err carries a MismatchError.
func IsMismatch(err error) bool {
	var m *MismatchError
	return errors.As(err, &m)
}

// Engine folds classified log entries into balances. It keeps no state
// between calls and can be shared by concurrent checks.
type Engine struct {
	logger *slog.Logger
}

func NewEngine(logger *slog.Logger) *Engine {
	return &Engine{logger: logger.With("component", "reconciliation_engine")}
}

// SumFiltered adds up the balance effect of every entry passing f, or of
// every entry when f is nil, in the context of the response's account node.
func (e *Engine) SumFiltered(resp *model.LogResponse, f *logfilter.Filter) decimal.Decimal {
	sum, _ := e.sum(resp, f)
	return sum
}

// FilteredEntries returns the entries passing f in log order.
func (e *Engine) FilteredEntries(resp *model.LogResponse, f *logfilter.Filter) []model.LogEntry {
	out := make([]model.LogEntry, 0, len(resp.Log))
	for _, entry := range resp.Log {
		if f == nil || f.Match(entry) {
			out = append(out, entry)
		}
	}
	return out
}

// BalanceMatches reports whether the full log sums exactly to the
// account's reported balance.
func (e *Engine) BalanceMatches(resp *model.LogResponse) bool {
	return e.SumFiltered(resp, nil).Equal(resp.Account.Balance)
}

// Check reconciles one response and describes the result. A disagreement
// is returned as a *MismatchError alongside the filled-in snapshot.
func (e *Engine) Check(resp *model.LogResponse) (SnapshotResult, error) {
	logged, unknown := e.sum(resp, nil)
	snap := SnapshotResult{
		Address:         resp.Account.Address,
		Node:            resp.Account.NodeID(),
		ReportedBalance: resp.Account.Balance,
		LoggedBalance:   logged,
		Difference:      logged.Sub(resp.Account.Balance),
		Entries:         len(resp.Log),
		UnknownEntries:  unknown,
		IsMatch:         logged.Equal(resp.Account.Balance),
		CheckedAt:       time.Now().UTC(),
	}

	if !snap.IsMatch {
		metrics.BalanceChecksTotal.WithLabelValues(metrics.OutcomeMismatch).Inc()
		return snap, &MismatchError{
			Kind:     MismatchBalance,
			Address:  resp.Account.Address,
			Expected: resp.Account.Balance,
			Actual:   logged,
			Payload:  resp.Payload,
		}
	}
	metrics.BalanceChecksTotal.WithLabelValues(metrics.OutcomeOK).Inc()
	return snap, nil
}

// CheckFee compares the sender_fee an outgoing entry reports with the fee
// the schedule predicts for it.
func (e *Engine) CheckFee(resp *model.LogResponse, entry model.LogEntry, expected decimal.Decimal) error {
	raw, ok := entry.Field("sender_fee")
	if !ok {
		return fmt.Errorf("%w: %s entry at %d has no sender_fee", model.ErrMalformedEntry, entry.Type, entry.Time)
	}
	actual, err := decimal.NewFromString(raw)
	if err != nil {
		return fmt.Errorf("%w: sender_fee %q: %v", model.ErrMalformedEntry, raw, err)
	}
	if !actual.Equal(expected) {
		return &MismatchError{
			Kind:     MismatchFee,
			Address:  resp.Account.Address,
			Expected: expected,
			Actual:   actual,
			Payload:  resp.Payload,
		}
	}
	return nil
}

func (e *Engine) sum(resp *model.LogResponse, f *logfilter.Filter) (decimal.Decimal, int) {
	node := resp.Account.NodeID()
	sum := decimal.Zero
	unknown := 0
	for _, entry := range resp.Log {
		if f != nil && !f.Match(entry) {
			continue
		}
		amount, ok := model.AmountOf(entry, node)
		if !ok {
			unknown++
			typeNo := strconv.FormatInt(entry.TypeNo, 10)
			metrics.UnknownLogEntriesTotal.WithLabelValues(string(entry.Type), typeNo).Inc()
			e.logger.Warn("unrecognized log entry contributes zero",
				"address", resp.Account.Address,
				"type", entry.Type,
				"type_no", typeNo,
				"time", entry.Time,
			)
			continue
		}
		metrics.EntriesClassifiedTotal.WithLabelValues(string(entry.Type)).Inc()
		sum = sum.Add(amount)
	}
	return sum, unknown
}

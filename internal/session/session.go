package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/adshares/ads-tests-sub000/internal/domain/model"
	"github.com/adshares/ads-tests-sub000/internal/fee"
	"github.com/adshares/ads-tests-sub000/internal/fixture"
	"github.com/adshares/ads-tests-sub000/internal/ledgerclient"
	"github.com/adshares/ads-tests-sub000/internal/reconciliation"
	"github.com/shopspring/decimal"
)

// ErrUnknownAccount is returned when an operation names an account that
// is not in the fixture set.
var ErrUnknownAccount = errors.New("account not in fixtures")

// ErrNoExpectedEvent is returned by ExpectLoggedFee when ExpectEvent was not
// called for the account since its last fee check.
var ErrNoExpectedEvent = errors.New("no event expected for account")

// Node is the subset of the ledger client a session drives.
type Node interface {
	GetLog(ctx context.Context, signer ledgerclient.Signer, from int64) (*model.LogResponse, error)
	SendOne(ctx context.Context, signer ledgerclient.Signer, to model.Address, amount decimal.Decimal) (*ledgerclient.TxResult, error)
	SendMany(ctx context.Context, signer ledgerclient.Signer, wires map[model.Address]decimal.Decimal) (*ledgerclient.TxResult, error)
	Broadcast(ctx context.Context, signer ledgerclient.Signer, messageHex string) (*ledgerclient.TxResult, error)
}

// CursorStore persists one event cursor per account.
type CursorStore interface {
	Load(ctx context.Context, addr model.Address) (model.EventCursor, error)
	Save(ctx context.Context, addr model.Address, c model.EventCursor) error
}

// Session is the state one verification run threads through its checks:
// the node handle, the fixture accounts, the per-account cursors and the
// transactions still waiting to be seen in a log.
type Session struct {
	node     Node
	fixtures *fixture.Set
	cursors  CursorStore
	engine   *reconciliation.Engine
	schedule *fee.Schedule
	logger   *slog.Logger

	mu       sync.Mutex
	pending  map[string]model.Address
	expected map[model.Address]int
}

func New(node Node, fixtures *fixture.Set, cursors CursorStore, engine *reconciliation.Engine, schedule *fee.Schedule, logger *slog.Logger) *Session {
	return &Session{
		node:     node,
		fixtures: fixtures,
		cursors:  cursors,
		engine:   engine,
		schedule: schedule,
		logger:   logger.With("component", "session"),
		pending:  make(map[string]model.Address),
		expected: make(map[model.Address]int),
	}
}

func (s *Session) Fixtures() *fixture.Set {
	return s.fixtures
}

// TrackTx records a transaction issued by sender that has not been
// confirmed yet.
func (s *Session) TrackTx(id string, sender model.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[id] = sender
}

// Pending returns the ids of unconfirmed transactions in sorted order.
func (s *Session) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Settle marks a transaction as confirmed. It reports whether the id was
// pending.
func (s *Session) Settle(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[id]
	delete(s.pending, id)
	return ok
}

func (s *Session) signer(addr model.Address) (ledgerclient.Signer, error) {
	acc, ok := s.fixtures.Get(addr)
	if !ok {
		return ledgerclient.Signer{}, fmt.Errorf("%w: %s", ErrUnknownAccount, addr)
	}
	return acc.Signer(), nil
}

// Cursor returns the stored cursor of addr.
func (s *Session) Cursor(ctx context.Context, addr model.Address) (model.EventCursor, error) {
	return s.cursors.Load(ctx, addr)
}

// ExpectEvent increments the stored cursor of addr. Call it right before
// an action that logs exactly one event for the account.
func (s *Session) ExpectEvent(ctx context.Context, addr model.Address) error {
	c, err := s.cursors.Load(ctx, addr)
	if err != nil {
		return err
	}
	if err := s.cursors.Save(ctx, addr, c.Increment()); err != nil {
		return err
	}
	s.mu.Lock()
	s.expected[addr]++
	s.mu.Unlock()
	return nil
}

// takeExpected consumes one expectation registered by ExpectEvent.
func (s *Session) takeExpected(addr model.Address) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expected[addr] == 0 {
		return false
	}
	s.expected[addr]--
	if s.expected[addr] == 0 {
		delete(s.expected, addr)
	}
	return true
}

// FetchNew returns the entries of addr logged since the stored cursor and
// moves the cursor past them. The new cursor is derived from the untrimmed
// response so that entries sharing the last second are all counted.
func (s *Session) FetchNew(ctx context.Context, addr model.Address) (*model.LogResponse, error) {
	signer, err := s.signer(addr)
	if err != nil {
		return nil, err
	}
	c, err := s.cursors.Load(ctx, addr)
	if err != nil {
		return nil, err
	}

	resp, err := s.node.GetLog(ctx, signer, c.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("fetch log of %s from %s: %w", addr, c, err)
	}

	next := c.Advance(resp)
	trimmed := model.Trim(resp, c)
	if err := s.cursors.Save(ctx, addr, next); err != nil {
		return nil, err
	}
	s.settleLogged(trimmed)

	s.logger.Debug("fetched new log entries",
		"address", addr, "from", c.String(), "next", next.String(),
		"fetched", len(resp.Log), "new", len(trimmed.Log),
	)
	return trimmed, nil
}

func (s *Session) settleLogged(resp *model.LogResponse) {
	for _, e := range resp.Log {
		if id, ok := e.Field("id"); ok {
			s.Settle(id)
		}
	}
}

// ExpectReconciled fetches the whole log of addr and checks it against the
// reported balance.
func (s *Session) ExpectReconciled(ctx context.Context, addr model.Address) (reconciliation.SnapshotResult, error) {
	signer, err := s.signer(addr)
	if err != nil {
		return reconciliation.SnapshotResult{}, err
	}
	resp, err := s.node.GetLog(ctx, signer, 0)
	if err != nil {
		return reconciliation.SnapshotResult{}, fmt.Errorf("fetch log of %s: %w", addr, err)
	}
	return s.engine.Check(resp)
}

// ExpectLoggedFee checks the sender_fee of the newest outgoing entry logged
// for addr since the stored cursor. ExpectEvent must have been called for
// addr before the action being checked.
func (s *Session) ExpectLoggedFee(ctx context.Context, addr model.Address, expected decimal.Decimal) error {
	if !s.takeExpected(addr) {
		return fmt.Errorf("%w: %s", ErrNoExpectedEvent, addr)
	}
	resp, err := s.FetchNew(ctx, addr)
	if err != nil {
		return err
	}
	for i := len(resp.Log) - 1; i >= 0; i-- {
		e := resp.Log[i]
		if inout, _ := e.Field("inout"); inout == string(model.DirectionOut) {
			return s.engine.CheckFee(resp, e, expected)
		}
	}
	return fmt.Errorf("no outgoing entry logged for %s", addr)
}

// SendOne transfers amount from a fixture account and checks the charged
// fee against the schedule. The result is returned even on a fee mismatch.
func (s *Session) SendOne(ctx context.Context, from, to model.Address, amount decimal.Decimal) (*ledgerclient.TxResult, error) {
	expected, err := s.schedule.SendOneFee(from, to, amount)
	if err != nil {
		return nil, err
	}
	signer, err := s.signer(from)
	if err != nil {
		return nil, err
	}
	res, err := s.node.SendOne(ctx, signer, to, amount)
	if err != nil {
		return nil, err
	}
	return res, s.checkTx(from, res, expected, amount)
}

// SendMany is SendOne for several recipients.
func (s *Session) SendMany(ctx context.Context, from model.Address, wires map[model.Address]decimal.Decimal) (*ledgerclient.TxResult, error) {
	expected, err := s.schedule.TransferFee(from, wires)
	if err != nil {
		return nil, err
	}
	signer, err := s.signer(from)
	if err != nil {
		return nil, err
	}
	res, err := s.node.SendMany(ctx, signer, wires)
	if err != nil {
		return nil, err
	}
	total := decimal.Zero
	for _, amount := range wires {
		total = total.Add(amount)
	}
	return res, s.checkTx(from, res, expected, total)
}

// Broadcast sends a hex message from a fixture account and checks the fee.
func (s *Session) Broadcast(ctx context.Context, from model.Address, messageHex string) (*ledgerclient.TxResult, error) {
	expected, err := s.schedule.BroadcastFee(len(messageHex))
	if err != nil {
		return nil, err
	}
	signer, err := s.signer(from)
	if err != nil {
		return nil, err
	}
	res, err := s.node.Broadcast(ctx, signer, messageHex)
	if err != nil {
		return nil, err
	}
	return res, s.checkTx(from, res, expected, decimal.Zero)
}

func (s *Session) checkTx(from model.Address, res *ledgerclient.TxResult, expectedFee, amount decimal.Decimal) error {
	if res.Tx.ID != "" {
		s.TrackTx(res.Tx.ID, from)
	}
	if !res.Tx.Fee.Equal(expectedFee) {
		return &reconciliation.MismatchError{
			Kind:     reconciliation.MismatchFee,
			Address:  from,
			Expected: expectedFee,
			Actual:   res.Tx.Fee,
			Payload:  res.Raw,
		}
	}
	if !res.Tx.Deduct.IsZero() && !res.Tx.Deduct.Equal(amount.Add(expectedFee)) {
		return &reconciliation.MismatchError{
			Kind:     reconciliation.MismatchFee,
			Address:  from,
			Expected: amount.Add(expectedFee),
			Actual:   res.Tx.Deduct,
			Payload:  res.Raw,
		}
	}
	return nil
}

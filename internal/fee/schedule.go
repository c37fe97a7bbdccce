// Package fee predicts the fees the ledger charges, using the same fixed
// scale and floor rounding as the ledger itself.
package fee

import (
	"errors"
	"fmt"

	"github.com/adshares/ads-tests-sub000/internal/domain/model"
	"github.com/shopspring/decimal"
)

var (
	ErrOddMessageLength = errors.New("broadcast message hex length must be even")
	ErrNoRecipients     = errors.New("transfer needs at least one recipient")
	ErrNegativeAmount   = errors.New("amount must not be negative")
)

// StatusKind selects which status-change fee applies.
type StatusKind int

const (
	AccountStatus StatusKind = iota
	NodeStatus
)

// Schedule computes expected fees from a constant table. It holds no
// mutable state and is safe for concurrent use.
type Schedule struct {
	c Constants
}

func NewSchedule(c Constants) *Schedule {
	return &Schedule{c: c}
}

// Constants returns the table the schedule was built from.
func (s *Schedule) Constants() Constants {
	return s.c
}

// Floor rescales v to the ledger scale, rounding toward negative infinity.
func Floor(v decimal.Decimal) decimal.Decimal {
	return v.RoundFloor(Scale)
}

// FloorDiv divides a by b and floors the quotient at the ledger scale
// without going through an intermediate rounded quotient.
func FloorDiv(a, b decimal.Decimal) decimal.Decimal {
	q, r := a.QuoRem(b, Scale)
	// QuoRem truncates toward zero; step down for negative inexact quotients.
	if !r.IsZero() && (a.Sign() < 0) != (b.Sign() < 0) {
		q = q.Sub(decimal.New(1, -Scale))
	}
	return q
}

func mulFloor(a, b decimal.Decimal) decimal.Decimal {
	return Floor(a.Mul(b))
}

// TransferFee is the fee of a send_one (one recipient) or send_many
// transfer from sender.
func (s *Schedule) TransferFee(sender model.Address, recipients map[model.Address]decimal.Decimal) (decimal.Decimal, error) {
	n := len(recipients)
	if n == 0 {
		return decimal.Zero, ErrNoRecipients
	}
	coef := s.c.LocalTransferCoefficient
	if n > 1 {
		coef = s.c.MultiTransferCoefficient
	}

	sum := decimal.Zero
	for recipient, amount := range recipients {
		if amount.IsNegative() {
			return decimal.Zero, fmt.Errorf("%w: %s to %s", ErrNegativeAmount, amount, recipient)
		}
		sum = sum.Add(mulFloor(amount, coef))
		if !model.SameNode(sender, recipient) {
			sum = sum.Add(mulFloor(amount, s.c.RemoteTransferCoefficient))
		}
	}

	floor := s.c.MinTxFee
	if n > s.c.MultiRecipientFloorCount {
		floor = s.c.MinMultiTxPerRecipient.Mul(decimal.NewFromInt(int64(n)))
	}
	return Floor(decimal.Max(sum, floor)), nil
}

// SendOneFee is TransferFee for a single recipient.
func (s *Schedule) SendOneFee(sender, recipient model.Address, amount decimal.Decimal) (decimal.Decimal, error) {
	return s.TransferFee(sender, map[model.Address]decimal.Decimal{recipient: amount})
}

// BroadcastFee is the fee of broadcasting a hex-encoded message of the
// given length.
func (s *Schedule) BroadcastFee(messageHexLength int) (decimal.Decimal, error) {
	if messageHexLength < 0 || messageHexLength%2 != 0 {
		return decimal.Zero, fmt.Errorf("%w: %d", ErrOddMessageLength, messageHexLength)
	}
	fee := s.c.MinTxFee
	size := messageHexLength / 2
	if size > s.c.BroadcastFreeBytes {
		extra := decimal.NewFromInt(int64(size - s.c.BroadcastFreeBytes))
		fee = fee.Add(extra.Mul(s.c.BroadcastFeePerByte))
	}
	return Floor(fee), nil
}

// RetrieveFee is what a retrieve_funds response charges the account whose
// funds were retrieved, given its balance just before the retrieval.
func (s *Schedule) RetrieveFee(senderBalance decimal.Decimal, remote bool) decimal.Decimal {
	fee := mulFloor(senderBalance, s.c.RetrieveFeeRate)
	if remote {
		fee = fee.Add(mulFloor(senderBalance.Sub(fee), s.c.RemoteTransferCoefficient))
	}
	return fee
}

// RetrieveRequestFee is the fee of issuing a retrieve_funds request.
func (s *Schedule) RetrieveRequestFee() decimal.Decimal {
	return Floor(s.c.RetrieveRequestFee)
}

// CreateAccountFee is the fee of creating an account in targetNode.
func (s *Schedule) CreateAccountFee(sender model.Address, targetNode int) (decimal.Decimal, error) {
	senderNode, err := sender.Node()
	if err != nil {
		return decimal.Zero, err
	}
	fee := s.c.CreateAccountFee
	if senderNode != targetNode {
		fee = fee.Add(s.c.CreateRemoteAccountFee)
	}
	return Floor(fee), nil
}

// CreateNodeFee is the fee of requesting a new node.
func (s *Schedule) CreateNodeFee() decimal.Decimal {
	return Floor(s.c.CreateNodeFee)
}

// ChangeKeyFee is the fee of replacing an account or node key.
func (s *Schedule) ChangeKeyFee(node bool) decimal.Decimal {
	if node {
		return Floor(s.c.ChangeNodeKeyFee)
	}
	return Floor(s.c.ChangeAccountKeyFee)
}

// StatusChangeFee is the fee of setting or clearing status bits.
func (s *Schedule) StatusChangeFee(kind StatusKind) decimal.Decimal {
	if kind == NodeStatus {
		return Floor(s.c.NodeStatusFee)
	}
	return Floor(s.c.AccountStatusFee)
}

// MinBalance is the lowest balance an account may be left with.
func (s *Schedule) MinBalance(isNode bool) decimal.Decimal {
	if isNode {
		return Floor(s.c.MinNodeBalance)
	}
	return Floor(s.c.MinUserBalance)
}

// MaxTransferable is the largest amount a local single-recipient transfer
// can move out of balance while leaving the minimum balance behind.
func (s *Schedule) MaxTransferable(balance decimal.Decimal, isNode bool) decimal.Decimal {
	available := balance.Sub(s.MinBalance(isNode))
	coef := s.c.LocalTransferCoefficient
	cost := func(amount decimal.Decimal) decimal.Decimal {
		return amount.Add(decimal.Max(mulFloor(amount, coef), s.c.MinTxFee))
	}

	amount := FloorDiv(available, decimal.NewFromInt(1).Add(coef))
	if mulFloor(amount, coef).LessThan(s.c.MinTxFee) {
		amount = available.Sub(s.c.MinTxFee)
	}
	if !amount.IsPositive() {
		return decimal.Zero
	}

	// Fees floor independently of the amount, so the estimate can be off by
	// a unit either way.
	step := decimal.New(1, -Scale)
	for !cost(amount.Add(step)).GreaterThan(available) {
		amount = amount.Add(step)
	}
	for amount.IsPositive() && cost(amount).GreaterThan(available) {
		amount = amount.Sub(step)
	}
	return amount
}

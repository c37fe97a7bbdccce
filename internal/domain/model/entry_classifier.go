package model

import (
	"github.com/shopspring/decimal"
)

// AmountOf returns the signed balance change an entry contributes to the
// account living in accountNode. The second result is false for entries
// whose (type, type_no) pair is not classified; those contribute zero.
func AmountOf(e LogEntry, accountNode int) (decimal.Decimal, bool) {
	switch b := e.Body.(type) {
	case TransferBody:
		if b.Inout == DirectionOut {
			return b.Amount.Sub(b.SenderFee), true
		}
		return b.Amount, true

	case DividendBody:
		return b.Dividend, true

	case NodeStartedBody:
		if b.Dividend != nil {
			return b.AccountBalance.Add(*b.Dividend), true
		}
		return b.AccountBalance, true

	case BankProfitBody:
		// Profit of another node is reported for reference only.
		if b.Node != nil && *b.Node != accountNode {
			return decimal.Zero, true
		}
		if b.Fee != nil {
			return b.Profit.Sub(*b.Fee), true
		}
		return b.Profit, true

	case AccountCreatedBody:
		if b.Amount != nil {
			return *b.Amount, true
		}
		return decimal.Zero, true

	case NodeRequestBody:
		return decimal.Zero, true

	case NettedAmountBody:
		return b.Amount, true

	case StatusChangeBody:
		if b.Inout == DirectionOut {
			return b.SenderFee.Neg(), true
		}
		return decimal.Zero, true

	default:
		return decimal.Zero, false
	}
}

// IsClassified reports whether AmountOf knows the entry's accounting rule.
func IsClassified(e LogEntry) bool {
	_, ok := AmountOf(e, 0)
	return ok
}

// Package feeshare reproduces the network's pool-and-redistribute model for
// transaction-fee profit among privileged nodes.
//
// Every privileged (VIP) node taking part in a block draws an equal share
// of the pool. Only nodes in the top group pay into it: each pays
// floor(profit × fraction) of its own profit. The ledger reports the net
// effect per node as profit_shared = share − paid.
package feeshare

import (
	"errors"
	"fmt"
	"sort"

	"github.com/adshares/ads-tests-sub000/internal/fee"
	"github.com/shopspring/decimal"
)

var (
	ErrNoParticipants = errors.New("fee sharing needs at least one participant")
	ErrBadFraction    = errors.New("share fraction must be within [0, 1]")
)

// Participant is one privileged node's profit for a shared-profit event.
type Participant struct {
	Node   int
	Top    bool
	Profit decimal.Decimal
}

// ProfitShareRecord is the expected outcome of one split for one node.
// Profit is the node's profit as reported; ProfitToShare is the part of it
// paid into the pool after the fraction is applied.
type ProfitShareRecord struct {
	Node                 int
	Profit               decimal.Decimal
	ProfitToShare        decimal.Decimal
	Share                decimal.Decimal
	ExpectedProfitShared decimal.Decimal
}

// ContributionOf is what a node pays into the pool from profit. Nodes
// outside the top group pay nothing.
func ContributionOf(profit decimal.Decimal, top bool, fraction decimal.Decimal) decimal.Decimal {
	if !top || !profit.IsPositive() {
		return decimal.Zero
	}
	return fee.Floor(profit.Mul(fraction))
}

// Split computes every participant's record. Records are ordered by node.
func Split(participants []Participant, fraction decimal.Decimal) ([]ProfitShareRecord, error) {
	if len(participants) == 0 {
		return nil, ErrNoParticipants
	}
	if fraction.IsNegative() || fraction.GreaterThan(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("%w: %s", ErrBadFraction, fraction)
	}

	seen := make(map[int]struct{}, len(participants))
	records := make([]ProfitShareRecord, 0, len(participants))
	pool := decimal.Zero
	for _, p := range participants {
		if _, dup := seen[p.Node]; dup {
			return nil, fmt.Errorf("node %04X listed twice", p.Node)
		}
		seen[p.Node] = struct{}{}

		paid := ContributionOf(p.Profit, p.Top, fraction)
		pool = pool.Add(paid)
		records = append(records, ProfitShareRecord{Node: p.Node, Profit: p.Profit, ProfitToShare: paid})
	}

	share := fee.FloorDiv(pool, decimal.NewFromInt(int64(len(participants))))
	for i := range records {
		records[i].Share = share
		records[i].ExpectedProfitShared = share.Sub(records[i].ProfitToShare)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Node < records[j].Node })
	return records, nil
}

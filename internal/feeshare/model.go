package feeshare

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"

	"github.com/adshares/ads-tests-sub000/internal/domain/model"
	"github.com/adshares/ads-tests-sub000/internal/logfilter"
	"github.com/adshares/ads-tests-sub000/internal/metrics"
	"github.com/shopspring/decimal"
)

// Mismatch is a node whose logged profit_shared differs from the model.
type Mismatch struct {
	BlockID  string
	Node     int
	Expected decimal.Decimal
	Reported decimal.Decimal
}

func (m Mismatch) String() string {
	return fmt.Sprintf("block %s node %04X: expected profit_shared %s, logged %s",
		m.BlockID, m.Node, m.Expected, m.Reported)
}

// BlockResult is the replayed split of one shared-profit event.
type BlockResult struct {
	BlockID string
	Records []ProfitShareRecord
}

// Report collects the outcome of VerifyLogs.
type Report struct {
	Blocks     []BlockResult
	Mismatches []Mismatch
}

// OK reports whether every logged value matched.
func (r *Report) OK() bool {
	return len(r.Mismatches) == 0
}

// Model holds the privileged node sets and the share fraction of a network.
type Model struct {
	vip      map[int]bool
	top      map[int]bool
	fraction decimal.Decimal
	logger   *slog.Logger
}

// NewModel builds a model. Top nodes must also be VIP nodes.
func NewModel(vip, top []int, fraction decimal.Decimal, logger *slog.Logger) (*Model, error) {
	if fraction.IsNegative() || fraction.GreaterThan(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("%w: %s", ErrBadFraction, fraction)
	}
	m := &Model{
		vip:      make(map[int]bool, len(vip)),
		top:      make(map[int]bool, len(top)),
		fraction: fraction,
		logger:   logger.With("component", "feeshare"),
	}
	for _, n := range vip {
		m.vip[n] = true
	}
	for _, n := range top {
		if !m.vip[n] {
			return nil, fmt.Errorf("top node %04X is not a vip node", n)
		}
		m.top[n] = true
	}
	return m, nil
}

type profitEntry struct {
	node   int
	body   model.BankProfitBody
	source model.Address
}

var bankProfitOnly = logfilter.ByType(model.EntryBankProfit)

// VerifyLogs replays every shared-profit event found in the node account
// logs and compares the expected profit_shared of each VIP node with the
// value it logged. Events are keyed by block_id, or by time when the node
// omits the block id. A VIP entry without profit_shared is malformed.
func (m *Model) VerifyLogs(responses ...*model.LogResponse) (*Report, error) {
	blocks := make(map[string]map[int]profitEntry)
	for _, resp := range responses {
		if resp == nil {
			continue
		}
		accountNode := resp.Account.NodeID()
		for _, e := range resp.Log {
			if !bankProfitOnly.Match(e) {
				continue
			}
			body, ok := e.Body.(model.BankProfitBody)
			if !ok {
				continue
			}
			node := accountNode
			if body.Node != nil {
				node = *body.Node
			}
			// Node accounts also log other nodes' profit; keep each node's own record.
			if node != accountNode {
				continue
			}
			key := body.BlockID
			if key == "" {
				key = strconv.FormatInt(e.Time, 10)
			}
			if blocks[key] == nil {
				blocks[key] = make(map[int]profitEntry)
			}
			blocks[key][node] = profitEntry{node: node, body: body, source: resp.Account.Address}
		}
	}

	keys := make([]string, 0, len(blocks))
	for k := range blocks {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	report := &Report{}
	for _, key := range keys {
		block, mismatches, err := m.verifyBlock(key, blocks[key])
		if err != nil {
			return nil, err
		}
		if block != nil {
			report.Blocks = append(report.Blocks, *block)
		}
		report.Mismatches = append(report.Mismatches, mismatches...)
	}

	if !report.OK() {
		m.logger.Warn("profit sharing mismatch", "blocks", len(report.Blocks), "mismatches", len(report.Mismatches))
	}
	return report, nil
}

func (m *Model) verifyBlock(key string, entries map[int]profitEntry) (*BlockResult, []Mismatch, error) {
	var participants []Participant
	for node, pe := range entries {
		if !m.vip[node] {
			continue
		}
		if pe.body.ProfitShared == nil {
			return nil, nil, fmt.Errorf("%w: bank_profit of vip node %04X in block %s (%s) has no profit_shared",
				model.ErrMalformedEntry, node, key, pe.source)
		}
		participants = append(participants, Participant{Node: node, Top: m.top[node], Profit: pe.body.Profit})
	}
	if len(participants) == 0 {
		return nil, nil, nil
	}

	records, err := Split(participants, m.fraction)
	if err != nil {
		return nil, nil, fmt.Errorf("block %s: %w", key, err)
	}

	var mismatches []Mismatch
	for _, rec := range records {
		logged := *entries[rec.Node].body.ProfitShared
		if logged.Equal(rec.ExpectedProfitShared) {
			metrics.FeeShareChecksTotal.WithLabelValues(metrics.OutcomeOK).Inc()
			continue
		}
		metrics.FeeShareChecksTotal.WithLabelValues(metrics.OutcomeMismatch).Inc()
		mismatches = append(mismatches, Mismatch{
			BlockID:  key,
			Node:     rec.Node,
			Expected: rec.ExpectedProfitShared,
			Reported: logged,
		})
	}
	return &BlockResult{BlockID: key, Records: records}, mismatches, nil
}

package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/adshares/ads-tests-sub000/internal/alert"
	"github.com/adshares/ads-tests-sub000/internal/domain/model"
	"github.com/adshares/ads-tests-sub000/internal/health"
	"github.com/adshares/ads-tests-sub000/internal/ledgerclient"
	"github.com/adshares/ads-tests-sub000/internal/metrics"
	"github.com/adshares/ads-tests-sub000/internal/tracing"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

const tracerName = "escverify/reconciliation"

// SnapshotResult holds the outcome of reconciling one account.
type SnapshotResult struct {
	Address         model.Address   `json:"address"`
	Node            int             `json:"node"`
	ReportedBalance decimal.Decimal `json:"reported_balance"`
	LoggedBalance   decimal.Decimal `json:"logged_balance"`
	Difference      decimal.Decimal `json:"difference"`
	Entries         int             `json:"entries"`
	UnknownEntries  int             `json:"unknown_entries"`
	IsMatch         bool            `json:"is_match"`
	CheckedAt       time.Time       `json:"checked_at"`
}

// FailureKind tells a node that could not be reached from one that answered
// with something unusable.
type FailureKind string

const (
	// FailureUnreachable covers exec, transport and timeout errors. Only
	// these count against node health.
	FailureUnreachable FailureKind = "unreachable"
	// FailureMalformed covers answers that arrived but could not be used:
	// undecodable payloads, bad entries and node-reported errors.
	FailureMalformed FailureKind = "malformed"
)

// FetchFailure records an account whose log could not be fetched or decoded.
type FetchFailure struct {
	Address model.Address `json:"address"`
	Kind    FailureKind   `json:"kind"`
	Error   string        `json:"error"`
}

// classifyFetchError decides whether a GetLog error means the node is down
// or that it answered badly.
func classifyFetchError(err error) FailureKind {
	var respErr *model.ResponseError
	var nodeErr *ledgerclient.NodeError
	switch {
	case errors.Is(err, model.ErrMalformedResponse),
		errors.Is(err, model.ErrMalformedEntry),
		errors.As(err, &respErr),
		errors.As(err, &nodeErr):
		return FailureMalformed
	default:
		return FailureUnreachable
	}
}

// RunResult aggregates a full reconciliation run.
type RunResult struct {
	RunID      uuid.UUID        `json:"run_id"`
	Total      int              `json:"total"`
	Matched    int              `json:"matched"`
	Mismatched int              `json:"mismatched"`
	Errors     int              `json:"errors"`
	Snapshots  []SnapshotResult `json:"snapshots"`
	Failures   []FetchFailure   `json:"failures,omitempty"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
}

// OK reports whether every account was fetched and matched.
func (r *RunResult) OK() bool {
	return r.Mismatched == 0 && r.Errors == 0
}

// NodeClient is the part of the ledger client the service reads through.
type NodeClient interface {
	GetLog(ctx context.Context, signer ledgerclient.Signer, from int64) (*model.LogResponse, error)
}

// ErrRunNotFound is returned by run stores for an unknown run id.
var ErrRunNotFound = errors.New("reconciliation run not found")

// SnapshotRepository persists reconciliation results.
type SnapshotRepository interface {
	SaveRun(ctx context.Context, run *RunResult) error
}

// Publisher hands a finished run to an external sink.
type Publisher interface {
	Publish(ctx context.Context, run *RunResult) error
}

const defaultConcurrency = 4

// Service fetches account logs from the node and reconciles them against
// the balances the node reports.
type Service struct {
	client       NodeClient
	engine       *Engine
	alerter      alert.Alerter
	snapshotRepo SnapshotRepository
	publisher    Publisher
	health       *health.Registry
	concurrency  int
	logger       *slog.Logger
	nowFn        func() time.Time
}

// NewService creates a new reconciliation service. alerter may be nil.
func NewService(client NodeClient, engine *Engine, alerter alert.Alerter, logger *slog.Logger) *Service {
	return &Service{
		client:      client,
		engine:      engine,
		alerter:     alerter,
		concurrency: defaultConcurrency,
		logger:      logger.With("component", "reconciliation"),
		nowFn:       time.Now,
	}
}

// SetSnapshotRepository sets the optional snapshot persistence layer.
func (s *Service) SetSnapshotRepository(repo SnapshotRepository) {
	s.snapshotRepo = repo
}

// SetPublisher sets the optional report sink.
func (s *Service) SetPublisher(p Publisher) {
	s.publisher = p
}

// SetHealth makes the service record per-node fetch health. A node that
// answers again after being unhealthy raises a recovery alert.
func (s *Service) SetHealth(r *health.Registry) {
	s.health = r
}

// SetConcurrency bounds the number of logs fetched at once. Values below 1
// are ignored.
func (s *Service) SetConcurrency(n int) {
	if n > 0 {
		s.concurrency = n
	}
}

type accountOutcome struct {
	snap    *SnapshotResult
	failure *FetchFailure
}

// Reconcile fetches the full log of every address and checks that it sums
// to the reported balance. Per-account failures are counted in the result;
// only context cancellation aborts the run.
func (s *Service) Reconcile(ctx context.Context, addresses []model.Address) (result *RunResult, err error) {
	ctx, span := tracing.Start(ctx, tracerName, "reconciliation.run", attribute.Int("accounts", len(addresses)))
	defer func() { tracing.End(span, err) }()

	result = &RunResult{
		RunID:     uuid.New(),
		StartedAt: s.nowFn().UTC(),
	}
	span.SetAttributes(attribute.String("run_id", result.RunID.String()))

	outcomes := make([]accountOutcome, len(addresses))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, addr := range addresses {
		g.Go(func() error {
			out, err := s.reconcileOne(gctx, result.RunID, addr)
			if err != nil {
				return err
			}
			outcomes[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, out := range outcomes {
		switch {
		case out.failure != nil:
			result.Errors++
			result.Failures = append(result.Failures, *out.failure)
		case out.snap != nil:
			result.Total++
			if out.snap.IsMatch {
				result.Matched++
			} else {
				result.Mismatched++
			}
			result.Snapshots = append(result.Snapshots, *out.snap)
		}
	}
	result.FinishedAt = s.nowFn().UTC()

	metrics.ReconciliationRunDuration.Observe(result.FinishedAt.Sub(result.StartedAt).Seconds())
	for _, node := range nodesOf(addresses) {
		metrics.ReconciliationRunsTotal.WithLabelValues(node).Inc()
	}

	s.persist(ctx, result)

	s.logger.Info("reconciliation completed",
		"run_id", result.RunID,
		"total", result.Total, "matched", result.Matched,
		"mismatched", result.Mismatched, "errors", result.Errors,
	)
	return result, nil
}

func (s *Service) reconcileOne(ctx context.Context, runID uuid.UUID, addr model.Address) (accountOutcome, error) {
	if err := ctx.Err(); err != nil {
		return accountOutcome{}, err
	}
	node := nodeLabel(addr)
	started := time.Now()
	resp, err := s.client.GetLog(ctx, ledgerclient.Signer{Address: addr}, 0)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return accountOutcome{}, ctxErr
		}
		kind := classifyFetchError(err)
		s.logger.Warn("log fetch failed", "address", addr, "kind", kind, "error", err)
		metrics.ReconciliationErrorsTotal.WithLabelValues(node).Inc()

		a := alert.Alert{
			Type:    alert.AlertTypeMalformedLog,
			Node:    node,
			Address: string(addr),
			Title:   "Account log could not be decoded",
			Message: err.Error(),
			Fields:  map[string]string{"run_id": runID.String()},
		}
		if kind == FailureUnreachable {
			if s.health != nil && s.health.Node(node).RecordFailure(err) {
				s.logger.Error("node marked unhealthy", "node", node)
			}
			a.Type = alert.AlertTypeNodeUnreachable
			a.Title = "Account log could not be fetched"
		}
		s.sendAlert(ctx, a)
		return accountOutcome{failure: &FetchFailure{Address: addr, Kind: kind, Error: err.Error()}}, nil
	}

	if s.health != nil && s.health.Node(node).RecordSuccess(time.Since(started)) {
		s.logger.Info("node recovered", "node", node)
		s.sendAlert(ctx, alert.Alert{
			Type:    alert.AlertTypeRecovery,
			Node:    node,
			Title:   "Node answers log fetches again",
			Message: fmt.Sprintf("node %s served the log of %s", node, addr),
			Fields:  map[string]string{"run_id": runID.String()},
		})
	}

	snap, err := s.engine.Check(resp)
	var mismatch *MismatchError
	switch {
	case errors.As(err, &mismatch):
		metrics.ReconciliationMismatchesTotal.WithLabelValues(node).Inc()
		s.logger.Error("balance mismatch",
			"address", addr,
			"reported", snap.ReportedBalance.StringFixed(11),
			"logged", snap.LoggedBalance.StringFixed(11),
			"entries", snap.Entries,
		)
		s.sendAlert(ctx, alert.Alert{
			Type:    alert.AlertTypeBalanceMismatch,
			Node:    node,
			Address: string(addr),
			Title:   "Logged history does not sum to balance",
			Message: fmt.Sprintf("node reports %s, logs sum to %s",
				snap.ReportedBalance.StringFixed(11), snap.LoggedBalance.StringFixed(11)),
			Fields: map[string]string{
				"run_id":          runID.String(),
				"difference":      snap.Difference.StringFixed(11),
				"entries":         fmt.Sprintf("%d", snap.Entries),
				"unknown_entries": fmt.Sprintf("%d", snap.UnknownEntries),
			},
		})
	case err != nil:
		return accountOutcome{}, err
	}
	return accountOutcome{snap: &snap}, nil
}

func (s *Service) sendAlert(ctx context.Context, a alert.Alert) {
	if s.alerter == nil {
		return
	}
	if err := s.alerter.Send(ctx, a); err != nil {
		s.logger.Warn("alert send failed", "type", a.Type, "address", a.Address, "error", err)
	}
}

func (s *Service) persist(ctx context.Context, result *RunResult) {
	if s.snapshotRepo != nil && len(result.Snapshots) > 0 {
		if err := s.snapshotRepo.SaveRun(ctx, result); err != nil {
			s.logger.Warn("failed to save reconciliation snapshots", "run_id", result.RunID, "error", err)
		}
	}
	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, result); err != nil {
			s.logger.Warn("failed to publish reconciliation report", "run_id", result.RunID, "error", err)
		}
	}
}

// RunPeriodic reconciles the given addresses at the given interval.
// It blocks until the context is cancelled.
func (s *Service) RunPeriodic(ctx context.Context, interval time.Duration, addresses []model.Address) error {
	if interval <= 0 {
		interval = time.Hour
	}

	s.logger.Info("periodic reconciliation started", "interval", interval, "accounts", len(addresses))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("periodic reconciliation stopping")
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Reconcile(ctx, addresses); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.logger.Warn("periodic reconciliation failed", "error", err)
			}
		}
	}
}

func nodeLabel(addr model.Address) string {
	if p := addr.NodePrefix(); p != "" {
		return p
	}
	return "unknown"
}

func nodesOf(addresses []model.Address) []string {
	seen := make(map[string]struct{}, len(addresses))
	var nodes []string
	for _, a := range addresses {
		n := nodeLabel(a)
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		nodes = append(nodes, n)
	}
	return nodes
}

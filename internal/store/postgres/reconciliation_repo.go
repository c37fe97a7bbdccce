package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/adshares/ads-tests-sub000/internal/domain/model"
	"github.com/adshares/ads-tests-sub000/internal/metrics"
	"github.com/adshares/ads-tests-sub000/internal/reconciliation"
	"github.com/google/uuid"
)

// ErrRunNotFound is returned by LoadRun for an unknown run id.
var ErrRunNotFound = reconciliation.ErrRunNotFound

const snapshotColumns = 10

// ReconciliationRepo implements reconciliation.SnapshotRepository.
type ReconciliationRepo struct {
	db *DB
}

func NewReconciliationRepo(db *DB) *ReconciliationRepo {
	return &ReconciliationRepo{db: db}
}

// SaveRun stores the run summary, its snapshots and its fetch failures in
// one transaction.
func (r *ReconciliationRepo) SaveRun(ctx context.Context, run *reconciliation.RunResult) error {
	ctx, cancel := withTimeout(ctx, LongQueryTimeout)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save run: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO reconciliation_runs (run_id, total, matched, mismatched, errors, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, run.RunID, run.Total, run.Matched, run.Mismatched, run.Errors, run.StartedAt, run.FinishedAt); err != nil {
		return fmt.Errorf("insert run %s: %w", run.RunID, err)
	}

	const batchSize = 1000
	for i := 0; i < len(run.Snapshots); i += batchSize {
		end := i + batchSize
		if end > len(run.Snapshots) {
			end = len(run.Snapshots)
		}
		if err := insertSnapshotBatch(ctx, tx, run.RunID, run.Snapshots[i:end]); err != nil {
			return fmt.Errorf("insert snapshots of run %s: %w", run.RunID, err)
		}
	}

	for _, f := range run.Failures {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO reconciliation_failures (run_id, address, error) VALUES ($1, $2, $3)
			ON CONFLICT (run_id, address) DO NOTHING
		`, run.RunID, string(f.Address), f.Error); err != nil {
			return fmt.Errorf("insert failure %s: %w", f.Address, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run %s: %w", run.RunID, err)
	}
	metrics.SnapshotsSavedTotal.Add(float64(len(run.Snapshots)))
	return nil
}

func insertSnapshotBatch(ctx context.Context, tx *sql.Tx, runID uuid.UUID, snapshots []reconciliation.SnapshotResult) error {
	var sb strings.Builder
	sb.WriteString(`INSERT INTO reconciliation_snapshots
		(run_id, address, node, reported_balance, logged_balance, difference, entries, unknown_entries, is_match, checked_at)
		VALUES `)

	args := make([]any, 0, len(snapshots)*snapshotColumns)
	for i, snap := range snapshots {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString("(")
		for c := 1; c <= snapshotColumns; c++ {
			if c > 1 {
				sb.WriteString(",")
			}
			sb.WriteString("$")
			sb.WriteString(strconv.Itoa(i*snapshotColumns + c))
		}
		sb.WriteString(")")
		args = append(args,
			runID, string(snap.Address), snap.Node,
			snap.ReportedBalance, snap.LoggedBalance, snap.Difference,
			snap.Entries, snap.UnknownEntries, snap.IsMatch, snap.CheckedAt)
	}

	_, err := tx.ExecContext(ctx, sb.String(), args...)
	return err
}

// LoadRun reads a stored run back with its snapshots in address order.
func (r *ReconciliationRepo) LoadRun(ctx context.Context, runID uuid.UUID) (*reconciliation.RunResult, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	run := &reconciliation.RunResult{RunID: runID}
	err := r.db.QueryRowContext(ctx, `
		SELECT total, matched, mismatched, errors, started_at, finished_at
		FROM reconciliation_runs WHERE run_id = $1
	`, runID).Scan(&run.Total, &run.Matched, &run.Mismatched, &run.Errors, &run.StartedAt, &run.FinishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT address, node, reported_balance, logged_balance, difference, entries, unknown_entries, is_match, checked_at
		FROM reconciliation_snapshots WHERE run_id = $1 ORDER BY address
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("load snapshots of run %s: %w", runID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var snap reconciliation.SnapshotResult
		var addr string
		if err := rows.Scan(&addr, &snap.Node, &snap.ReportedBalance, &snap.LoggedBalance, &snap.Difference,
			&snap.Entries, &snap.UnknownEntries, &snap.IsMatch, &snap.CheckedAt); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snap.Address = model.Address(addr)
		run.Snapshots = append(run.Snapshots, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	failures, err := r.db.QueryContext(ctx, `
		SELECT address, error FROM reconciliation_failures WHERE run_id = $1 ORDER BY address
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("load failures of run %s: %w", runID, err)
	}
	defer failures.Close()

	for failures.Next() {
		var f reconciliation.FetchFailure
		var addr string
		if err := failures.Scan(&addr, &f.Error); err != nil {
			return nil, fmt.Errorf("scan failure: %w", err)
		}
		f.Address = model.Address(addr)
		run.Failures = append(run.Failures, f)
	}
	return run, failures.Err()
}

// LatestRunID returns the id of the most recently started run.
func (r *ReconciliationRepo) LatestRunID(ctx context.Context) (uuid.UUID, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var id uuid.UUID
	err := r.db.QueryRowContext(ctx,
		`SELECT run_id FROM reconciliation_runs ORDER BY started_at DESC LIMIT 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, ErrRunNotFound
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("latest run: %w", err)
	}
	return id, nil
}

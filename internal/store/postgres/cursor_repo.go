package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/adshares/ads-tests-sub000/internal/domain/model"
	"github.com/adshares/ads-tests-sub000/internal/metrics"
)

// CursorRepo keeps event cursors in the snapshot database for deployments
// without Redis.
type CursorRepo struct {
	db *DB
}

func NewCursorRepo(db *DB) *CursorRepo {
	return &CursorRepo{db: db}
}

func observeCursor(op string, err error) {
	outcome := metrics.OutcomeOK
	if err != nil {
		outcome = metrics.OutcomeError
	}
	metrics.CursorStoreOpsTotal.WithLabelValues("postgres", op, outcome).Inc()
}

// Load returns the stored cursor, or the zero cursor when none is stored.
func (r *CursorRepo) Load(ctx context.Context, addr model.Address) (model.EventCursor, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var c model.EventCursor
	err := r.db.QueryRowContext(ctx, `
		SELECT timestamp, event_num FROM event_cursors WHERE address = $1
	`, string(addr)).Scan(&c.Timestamp, &c.EventNum)
	if errors.Is(err, sql.ErrNoRows) {
		observeCursor("load", nil)
		return model.EventCursor{}, nil
	}
	observeCursor("load", err)
	if err != nil {
		return model.EventCursor{}, fmt.Errorf("load cursor %s: %w", addr, err)
	}
	return c, nil
}

// Save upserts the cursor of addr.
func (r *CursorRepo) Save(ctx context.Context, addr model.Address, c model.EventCursor) error {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO event_cursors (address, timestamp, event_num)
		VALUES ($1, $2, $3)
		ON CONFLICT (address) DO UPDATE SET
			timestamp = EXCLUDED.timestamp,
			event_num = EXCLUDED.event_num,
			updated_at = now()
	`, string(addr), c.Timestamp, c.EventNum)
	observeCursor("save", err)
	if err != nil {
		return fmt.Errorf("save cursor %s: %w", addr, err)
	}
	return nil
}

// Delete forgets the cursor of addr.
func (r *CursorRepo) Delete(ctx context.Context, addr model.Address) error {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `DELETE FROM event_cursors WHERE address = $1`, string(addr))
	observeCursor("delete", err)
	if err != nil {
		return fmt.Errorf("delete cursor %s: %w", addr, err)
	}
	return nil
}

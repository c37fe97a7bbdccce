package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/adshares/ads-tests-sub000/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

// StatsProvider is satisfied by *sql.DB.
type StatsProvider interface {
	Stats() sql.DBStats
}

type poolGauges struct {
	open  prometheus.Gauge
	inUse prometheus.Gauge
	idle  prometheus.Gauge
}

var defaultPoolGauges = poolGauges{
	open:  metrics.DBPoolOpen,
	inUse: metrics.DBPoolInUse,
	idle:  metrics.DBPoolIdle,
}

func collectPoolStats(db StatsProvider, gauges poolGauges) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("db pool stats collection panicked: %v", r)
		}
	}()
	if db == nil {
		return fmt.Errorf("db stats provider is nil")
	}

	stats := db.Stats()
	gauges.open.Set(float64(stats.OpenConnections))
	gauges.inUse.Set(float64(stats.InUse))
	gauges.idle.Set(float64(stats.Idle))
	return nil
}

// StartPoolStatsPump samples pool statistics into the metrics gauges every
// interval until ctx is done. A nil db or non-positive interval disables it.
func StartPoolStatsPump(ctx context.Context, db StatsProvider, interval time.Duration, logger *slog.Logger) {
	if db == nil || interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()

		if err := collectPoolStats(db, defaultPoolGauges); err != nil {
			logger.Warn("failed to collect initial db pool stats", "error", err)
		}

		for {
			select {
			case <-ctx.Done():
				logger.Info("db pool stats sampler stopped", "cause", "context_done")
				return
			case <-ticker.C:
				if err := collectPoolStats(db, defaultPoolGauges); err != nil {
					logger.Warn("failed to collect db pool stats", "error", err)
				}
			}
		}
	}()
}

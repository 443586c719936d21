package metrics

import (
	"fmt"

	"github.com/johndauphine/shopify-bulk-ingest/internal/store/postgres"
	"github.com/prometheus/client_golang/prometheus"
)

// PoolStats contains connection pool statistics for logging.
type PoolStats struct {
	DBType       string
	MaxConns     int
	ActiveConns  int
	IdleConns    int
	WaitCount    int64
	AcquireCount int64
}

// String returns a formatted string for logging pool stats.
func (s PoolStats) String() string {
	return fmt.Sprintf("%s: %d/%d active, %d idle, %d of %d acquires waited",
		s.DBType, s.ActiveConns, s.MaxConns, s.IdleConns, s.WaitCount, s.AcquireCount)
}

// FromPostgres converts pgxpool statistics.
func FromPostgres(s postgres.PoolStats) PoolStats {
	return PoolStats{
		DBType:       "postgres",
		MaxConns:     int(s.MaxConns),
		ActiveConns:  int(s.AcquiredConns),
		IdleConns:    int(s.IdleConns),
		WaitCount:    s.EmptyAcquireCount,
		AcquireCount: s.AcquireCount,
	}
}

// StatsSource reports pool statistics on demand.
type StatsSource func() PoolStats

// RegisterPool exposes pool statistics as gauges evaluated at scrape time.
func (m *Metrics) RegisterPool(src StatsSource) error {
	if !m.IsEnabled() {
		return nil
	}
	gauges := []struct {
		name string
		help string
		get  func(PoolStats) float64
	}{
		{"db_pool_max_conns", "Maximum connections in the store pool", func(s PoolStats) float64 { return float64(s.MaxConns) }},
		{"db_pool_active_conns", "Connections currently in use", func(s PoolStats) float64 { return float64(s.ActiveConns) }},
		{"db_pool_idle_conns", "Connections currently idle", func(s PoolStats) float64 { return float64(s.IdleConns) }},
		{"db_pool_wait_total", "Acquires that waited for a connection", func(s PoolStats) float64 { return float64(s.WaitCount) }},
	}
	for _, g := range gauges {
		get := g.get
		c := prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: g.name, Help: g.help}, func() float64 {
			return get(src())
		})
		if err := m.registry.Register(c); err != nil {
			return fmt.Errorf("registering %s: %w", g.name, err)
		}
	}
	return nil
}

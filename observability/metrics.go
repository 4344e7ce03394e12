package observability

import (
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// VaultMetricsRegistry aggregates the prometheus collectors describing vault
// activity: operation outcomes, flash-liquidity draws and the live position.
type VaultMetricsRegistry struct {
	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	flashDraws *prometheus.CounterVec
	rebalances *prometheus.CounterVec
	leverage   prometheus.Gauge
	nav        prometheus.Gauge
}

var (
	vaultMetricsOnce sync.Once
	vaultRegistry    *VaultMetricsRegistry
)

// VaultMetrics returns the lazily-initialised vault metrics registry.
func VaultMetrics() *VaultMetricsRegistry {
	vaultMetricsOnce.Do(func() {
		vaultRegistry = &VaultMetricsRegistry{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "loopvault",
				Subsystem: "engine",
				Name:      "operations_total",
				Help:      "Vault operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "loopvault",
				Subsystem: "engine",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for vault operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			flashDraws: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "loopvault",
				Subsystem: "engine",
				Name:      "flash_draws_total",
				Help:      "Flash-liquidity draws segmented by mode.",
			}, []string{"mode"}),
			rebalances: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "loopvault",
				Subsystem: "engine",
				Name:      "rebalance_decisions_total",
				Help:      "Rebalance decisions segmented by action (increase, decrease, skip).",
			}, []string{"action"}),
			leverage: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "loopvault",
				Subsystem: "engine",
				Name:      "leverage_ratio",
				Help:      "Current leverage ratio (1.0 means unlevered).",
			}),
			nav: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "loopvault",
				Subsystem: "engine",
				Name:      "nav_collateral_units",
				Help:      "Net asset value expressed in whole collateral units.",
			}),
		}
		prometheus.MustRegister(
			vaultRegistry.operations,
			vaultRegistry.latency,
			vaultRegistry.flashDraws,
			vaultRegistry.rebalances,
			vaultRegistry.leverage,
			vaultRegistry.nav,
		)
	})
	return vaultRegistry
}

// ObserveOperation records the outcome and duration of a vault entry point.
func (m *VaultMetricsRegistry) ObserveOperation(operation string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	operation = normalise(operation)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.latency.WithLabelValues(operation).Observe(duration.Seconds())
}

// ObserveFlashDraw counts a flash-liquidity draw for the given mode.
func (m *VaultMetricsRegistry) ObserveFlashDraw(mode string) {
	if m == nil {
		return
	}
	m.flashDraws.WithLabelValues(normalise(mode)).Inc()
}

// ObserveRebalance counts a rebalance decision.
func (m *VaultMetricsRegistry) ObserveRebalance(action string) {
	if m == nil {
		return
	}
	m.rebalances.WithLabelValues(normalise(action)).Inc()
}

// SetPosition updates the leverage and NAV gauges from wad-scaled values.
func (m *VaultMetricsRegistry) SetPosition(leverageWad, navWei *big.Int) {
	if m == nil {
		return
	}
	m.leverage.Set(wadToFloat(leverageWad))
	m.nav.Set(wadToFloat(navWei))
}

func normalise(label string) string {
	label = strings.TrimSpace(strings.ToLower(label))
	if label == "" {
		return "unknown"
	}
	return label
}

func wadToFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Rat).SetFrac(v, big.NewInt(1_000_000_000_000_000_000)).Float64()
	return f
}

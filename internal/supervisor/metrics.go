package supervisor

import "github.com/prometheus/client_golang/prometheus"

var (
	engineSpawnsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gatewayd",
		Subsystem: "engine",
		Name:      "spawns_total",
		Help:      "Total engine processes spawned",
	})

	engineSwitchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gatewayd",
		Subsystem: "engine",
		Name:      "switches_total",
		Help:      "Total engine switches (teardown of a live engine for a different variant)",
	})

	engineCrashesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gatewayd",
		Subsystem: "engine",
		Name:      "crashes_total",
		Help:      "Total engine processes that exited without a teardown in flight",
	})

	engineIdleStopsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gatewayd",
		Subsystem: "engine",
		Name:      "idle_stops_total",
		Help:      "Total engines torn down by the idle timeout",
	})

	engineUp = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gatewayd",
		Subsystem: "engine",
		Name:      "up",
		Help:      "Whether an engine is currently live (0 or 1)",
	})
)

func init() {
	prometheus.MustRegister(engineSpawnsTotal, engineSwitchesTotal, engineCrashesTotal, engineIdleStopsTotal, engineUp)
}

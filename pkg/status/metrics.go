package status

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics owns the agent's metric registry and instruments.
type Metrics struct {
	registry *prometheus.Registry

	updatesEnabled       prometheus.Gauge
	allowDowngrade       prometheus.Gauge
	lastRefresh          prometheus.Gauge
	latestStateChange    prometheus.Gauge
	bootedDeadEnd        prometheus.Gauge
	processStartTime     prometheus.Gauge
	osInfo               *prometheus.GaugeVec
	rolloutWariness      prometheus.Gauge
	updateChecks         prometheus.Counter
	updateChecksErrors   *prometheus.CounterVec
	graphNodes           prometheus.Gauge
	deployAttempts       prometheus.Counter
	deployFailures       prometheus.Counter
	finalizationAttempts prometheus.Counter
	finalizationSuccess  prometheus.Counter
	lockRequests         *prometheus.CounterVec
	lockErrors           *prometheus.CounterVec
}

// NewMetrics builds and registers all agent instruments on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		updatesEnabled: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "updatehound_updates_enabled",
			Help: "Whether auto-updates logic is enabled.",
		}),
		allowDowngrade: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "updatehound_update_agent_updates_allow_downgrade",
			Help: "Whether downgrades via auto-updates logic are allowed.",
		}),
		lastRefresh: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "updatehound_update_agent_last_refresh_timestamp",
			Help: "UTC timestamp of update-agent last refresh tick.",
		}),
		latestStateChange: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "updatehound_update_agent_latest_state_change_timestamp",
			Help: "UTC timestamp of update-agent last state change.",
		}),
		bootedDeadEnd: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "updatehound_booted_release_is_deadend",
			Help: "Whether the booted release is a dead-end.",
		}),
		processStartTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "updatehound_process_start_time_seconds",
			Help: "Start time of the process since unix epoch in seconds.",
		}),
		osInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "updatehound_identity_os_info",
			Help: "Information about the underlying booted OS.",
		}, []string{"os_version", "basearch", "stream", "platform"}),
		rolloutWariness: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "updatehound_identity_rollout_wariness",
			Help: "Client wariness for updates rollout.",
		}),
		updateChecks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "updatehound_update_checks_total",
			Help: "Total number of checks for updates to the upstream graph server.",
		}),
		updateChecksErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "updatehound_update_checks_errors_total",
			Help: "Total number of errors on checks for updates.",
		}, []string{"kind"}),
		graphNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "updatehound_graph_nodes_count",
			Help: "Number of nodes in the update graph.",
		}),
		deployAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "updatehound_deploy_attempts_total",
			Help: "Total number of deploy attempts against the image daemon.",
		}),
		deployFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "updatehound_deploy_failures_total",
			Help: "Total number of failed deploy attempts.",
		}),
		finalizationAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "updatehound_finalization_attempts_total",
			Help: "Total number of attempts to finalize a staged deployment.",
		}),
		finalizationSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "updatehound_finalization_successes_total",
			Help: "Total number of successful update finalizations.",
		}),
		lockRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "updatehound_strategy_fleet_lock_requests_total",
			Help: "Total number of requests to the FleetLock server.",
		}, []string{"api"}),
		lockErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "updatehound_strategy_fleet_lock_errors_total",
			Help: "Total number of errors while talking to the FleetLock server.",
		}, []string{"api", "kind"}),
	}

	m.registry.MustRegister(
		m.updatesEnabled,
		m.allowDowngrade,
		m.lastRefresh,
		m.latestStateChange,
		m.bootedDeadEnd,
		m.processStartTime,
		m.osInfo,
		m.rolloutWariness,
		m.updateChecks,
		m.updateChecksErrors,
		m.graphNodes,
		m.deployAttempts,
		m.deployFailures,
		m.finalizationAttempts,
		m.finalizationSuccess,
		m.lockRequests,
		m.lockErrors,
	)
	return m
}

// Registry exposes the metric registry for the exposition listener.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

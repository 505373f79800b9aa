// Package status publishes agent state: systemd unit status text, metric
// gauges and counters, and the dead-end MOTD fragment. All outputs are
// side-effect-only and idempotent per value.
package status

import (
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/hostfleet/updatehound/pkg/identity"
	"github.com/hostfleet/updatehound/pkg/logging"
	"github.com/hostfleet/updatehound/pkg/motd"
)

// notifyFunc matches daemon.SdNotify, substitutable in tests.
type notifyFunc func(unsetEnvironment bool, state string) (bool, error)

// Sink fans agent state out to the service manager, the metric registry
// and the MOTD fragment.
type Sink struct {
	log     logging.Logger
	metrics *Metrics
	motd    *motd.Writer
	notify  notifyFunc

	mu sync.Mutex
	// last published values, to keep outputs idempotent.
	lastUnitStatus string
	lastDeadEnd    *string
}

// NewSink builds a sink publishing through sd_notify and the given MOTD
// writer.
func NewSink(log logging.Logger, metrics *Metrics, motdWriter *motd.Writer) *Sink {
	return &Sink{
		log:     log,
		metrics: metrics,
		motd:    motdWriter,
		notify:  daemon.SdNotify,
	}
}

// UnitStatus publishes the human-readable service status line.
func (s *Sink) UnitStatus(text string) {
	s.mu.Lock()
	if s.lastUnitStatus == text {
		s.mu.Unlock()
		return
	}
	s.lastUnitStatus = text
	s.mu.Unlock()

	s.log.WithField("status", text).Debug("unit status updated")
	s.sdNotify("STATUS=" + text)
}

// LastUnitStatus returns the last published status line.
func (s *Sink) LastUnitStatus() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUnitStatus
}

// NotifyReady tells the service manager startup has finished.
func (s *Sink) NotifyReady() {
	s.sdNotify(daemon.SdNotifyReady)
}

// NotifyStopping tells the service manager the agent is shutting down.
func (s *Sink) NotifyStopping() {
	s.sdNotify(daemon.SdNotifyStopping)
}

func (s *Sink) sdNotify(state string) {
	sent, err := s.notify(false, state)
	if err != nil {
		s.log.WithError(err).Error("failed to notify service manager of service status change")
		return
	}
	if !sent {
		s.log.Debug("status notifications not supported for this service")
	}
}

// DeadEnd mirrors the booted release's dead-end state into the metric gauge
// and the MOTD fragment. Repeated publications of the same state are no-ops.
func (s *Sink) DeadEnd(active bool, reason string) {
	s.mu.Lock()
	current := ""
	if active {
		current = reason
	}
	if s.lastDeadEnd != nil && *s.lastDeadEnd == current {
		s.mu.Unlock()
		return
	}
	s.lastDeadEnd = &current
	s.mu.Unlock()

	if active {
		s.metrics.bootedDeadEnd.Set(1)
		if err := s.motd.SetDeadEnd(reason); err != nil {
			s.log.WithError(err).Error("failed to write dead-end MOTD fragment")
		}
		return
	}
	s.metrics.bootedDeadEnd.Set(0)
	if err := s.motd.Clear(); err != nil {
		s.log.WithError(err).Error("failed to remove dead-end MOTD fragment")
	}
}

// RecordIdentity publishes the immutable identity info-metrics.
func (s *Sink) RecordIdentity(id *identity.Identity) {
	s.metrics.osInfo.WithLabelValues(id.OSVersion, id.Basearch, id.Stream, id.Platform).Set(1)
	if id.RolloutWariness != nil {
		s.metrics.rolloutWariness.Set(*id.RolloutWariness)
	}
}

// RecordConfig publishes configuration toggles.
func (s *Sink) RecordConfig(updatesEnabled, allowDowngrade bool) {
	s.metrics.updatesEnabled.Set(boolGauge(updatesEnabled))
	s.metrics.allowDowngrade.Set(boolGauge(allowDowngrade))
}

// RecordProcessStart stamps the process start gauge.
func (s *Sink) RecordProcessStart(at time.Time) {
	s.metrics.processStartTime.Set(float64(at.Unix()))
}

// RecordRefresh stamps the last refresh tick.
func (s *Sink) RecordRefresh(at time.Time) {
	s.metrics.lastRefresh.Set(float64(at.Unix()))
}

// RecordStateChange stamps the latest state-machine transition.
func (s *Sink) RecordStateChange(at time.Time) {
	s.metrics.latestStateChange.Set(float64(at.Unix()))
}

// RecordUpdateCheck counts a graph refresh attempt and its node count.
func (s *Sink) RecordUpdateCheck(nodes int) {
	s.metrics.updateChecks.Inc()
	s.metrics.graphNodes.Set(float64(nodes))
}

// RecordUpdateCheckError counts a failed graph refresh by kind.
func (s *Sink) RecordUpdateCheckError(kind string) {
	s.metrics.updateChecksErrors.WithLabelValues(kind).Inc()
}

// RecordDeployAttempt counts a staging attempt and its outcome.
func (s *Sink) RecordDeployAttempt(failed bool) {
	s.metrics.deployAttempts.Inc()
	if failed {
		s.metrics.deployFailures.Inc()
	}
}

// RecordFinalization counts a finalization attempt and its outcome.
func (s *Sink) RecordFinalization(succeeded bool) {
	s.metrics.finalizationAttempts.Inc()
	if succeeded {
		s.metrics.finalizationSuccess.Inc()
	}
}

// RecordLockRequest counts a FleetLock API call, with the error kind when
// it failed.
func (s *Sink) RecordLockRequest(api, errorKind string) {
	s.metrics.lockRequests.WithLabelValues(api).Inc()
	if errorKind != "" {
		s.metrics.lockErrors.WithLabelValues(api, errorKind).Inc()
	}
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

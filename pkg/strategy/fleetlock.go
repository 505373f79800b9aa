package strategy

import (
	"context"
	"time"

	"github.com/hostfleet/updatehound/pkg/config"
	"github.com/hostfleet/updatehound/pkg/fleetlock"
	"github.com/hostfleet/updatehound/pkg/identity"
	"github.com/hostfleet/updatehound/pkg/logging"
)

// LabelFleetLock names the fleet_lock strategy.
const LabelFleetLock = "fleet_lock"

// Backoff bounds for denied or failed lock requests.
const (
	fleetLockBaseBackoff = 30 * time.Second
	fleetLockMaxBackoff  = 10 * time.Minute
)

// LockRecorder counts lock-manager API calls and their failures.
type LockRecorder interface {
	RecordLockRequest(api, errorKind string)
}

// FleetLock coordinates reboots through a remote lock manager. A slot
// acquired before reboot is released by the next process lifetime's
// ReportSteady call.
type FleetLock struct {
	log      logging.Logger
	client   *fleetlock.Client
	recorder LockRecorder

	// consecutive denials, drives the retry backoff.
	failures uint
}

func newFleetLock(log logging.Logger, cfg config.FleetLockInput, id *identity.Identity) (*FleetLock, error) {
	baseURL := identity.ExpandURL(cfg.BaseURL, id.URLVariables())
	client, err := fleetlock.New(log, baseURL, id.NodeID, id.Group)
	if err != nil {
		return nil, err
	}
	log.WithField("url", baseURL).Info("remote fleet_lock reboot manager")
	return &FleetLock{log: log, client: client}, nil
}

func (s *FleetLock) Label() string {
	return LabelFleetLock
}

// SetRecorder attaches the lock-request metrics recorder.
func (s *FleetLock) SetRecorder(r LockRecorder) {
	s.recorder = r
}

func (s *FleetLock) record(api string, err error) {
	if s.recorder == nil {
		return
	}
	kind := ""
	if err != nil {
		kind = fleetlock.ErrorKind(err)
	}
	s.recorder.RecordLockRequest(api, kind)
}

// ReportSteady releases any reboot slot a previous instance may still hold.
// The update loop must not proceed until this has succeeded once.
func (s *FleetLock) ReportSteady(ctx context.Context) error {
	err := s.client.SteadyState(ctx)
	s.record("steady-state", err)
	return err
}

func (s *FleetLock) CanFinalize(ctx context.Context) Decision {
	err := s.client.PreReboot(ctx)
	s.record("pre-reboot", err)
	if err != nil {
		s.failures++
		retryAfter := backoff(fleetLockBaseBackoff, s.failures, fleetLockMaxBackoff)
		s.log.WithError(err).Warn("lock-manager pre-reboot failure")
		return Deny(fleetlock.ErrorKind(err), retryAfter)
	}
	s.failures = 0
	return Allow
}

// backoff doubles the base for each consecutive failure, up to the cap.
func backoff(base time.Duration, failures uint, cap time.Duration) time.Duration {
	pause := base
	for i := uint(1); i < failures; i++ {
		pause *= 2
		if pause >= cap {
			return cap
		}
	}
	if pause > cap {
		return cap
	}
	return pause
}

// Package strategy decides whether a staged update may be finalized
// (rebooted into) right now.
package strategy

import (
	"context"
	"time"

	"github.com/hostfleet/updatehound/pkg/config"
	"github.com/hostfleet/updatehound/pkg/identity"
	"github.com/hostfleet/updatehound/pkg/logging"
	"github.com/pkg/errors"
)

// Decision is the outcome of a finalization check.
type Decision struct {
	// Allowed permits finalizing now.
	Allowed bool
	// Reason briefly explains a denial, machine-friendly.
	Reason string
	// RetryAfter hints when to ask again; zero means the caller's default
	// cadence applies.
	RetryAfter time.Duration
}

// Allow is the unconditional green light.
var Allow = Decision{Allowed: true}

// Deny builds a denial with a retry hint.
func Deny(reason string, retryAfter time.Duration) Decision {
	return Decision{Reason: reason, RetryAfter: retryAfter}
}

// Strategy gates update finalization. Exactly one strategy is selected at
// startup and is immutable thereafter.
type Strategy interface {
	// Label names the strategy, for logging and status.
	Label() string
	// ReportSteady is the initialization hook run before the update loop
	// may proceed, e.g. releasing a reboot slot held across the previous
	// boot.
	ReportSteady(ctx context.Context) error
	// CanFinalize reports whether a reboot may be finalized now.
	CanFinalize(ctx context.Context) Decision
}

// FromConfig builds the configured strategy.
func FromConfig(log logging.Logger, cfg config.UpdatesInput, id *identity.Identity) (Strategy, error) {
	switch cfg.Strategy {
	case "", LabelImmediate:
		return &Immediate{log: log}, nil
	case LabelFleetLock:
		return newFleetLock(log, cfg.FleetLock, id)
	case LabelPeriodic:
		return newPeriodic(log, cfg.Periodic)
	case LabelMarkerFile:
		return &MarkerFile{log: log, path: MarkerFilePath}, nil
	default:
		return nil, errors.Errorf("unsupported strategy %q", cfg.Strategy)
	}
}

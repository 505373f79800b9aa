package strategy

import (
	"context"

	"github.com/hostfleet/updatehound/pkg/logging"
)

// LabelImmediate names the immediate strategy.
const LabelImmediate = "immediate"

// Immediate finalizes updates as soon as they are staged. No state.
type Immediate struct {
	log logging.Logger
}

func (s *Immediate) Label() string {
	return LabelImmediate
}

func (s *Immediate) ReportSteady(ctx context.Context) error {
	return nil
}

func (s *Immediate) CanFinalize(ctx context.Context) Decision {
	s.log.Debug("immediate strategy, finalization allowed")
	return Allow
}

package agent

import (
	"time"

	"github.com/hostfleet/updatehound/pkg/graph"
)

// State labels one node of the update-agent state machine.
type State string

const (
	// StateInitializing validates identity, runs the strategy
	// initialization hook and inspects local deployments.
	StateInitializing State = "initializing"
	// StateSteady polls the update graph for a target.
	StateSteady State = "steady"
	// StateUpdateAvailable holds a selected release to stage.
	StateUpdateAvailable State = "update-available"
	// StateStaging waits on the image daemon deploying the target.
	StateStaging State = "staging"
	// StateStaged holds a validated staged deployment.
	StateStaged State = "staged"
	// StateReadyToFinalize waits for the strategy's green light.
	StateReadyToFinalize State = "ready-to-finalize"
	// StateFinalizing waits on the image daemon committing the update.
	StateFinalizing State = "finalizing"
	// StateDisabled is terminal-but-alive: auto-updates are disabled by
	// configuration.
	StateDisabled State = "disabled"
	// StateEndOfLife is terminal: either a fatal error was hit, or an
	// update was finalized and the host is about to reboot.
	StateEndOfLife State = "end-of-life"
)

// machine is the FSM bookkeeping. Owned exclusively by the agent loop.
type machine struct {
	state     State
	target    *graph.Release
	changedAt time.Time
}

func newMachine(now time.Time) machine {
	return machine{state: StateInitializing, changedAt: now}
}

// transition moves to a new state, reporting whether the state label
// actually changed.
func (m *machine) transition(to State, target *graph.Release, now time.Time) bool {
	changed := m.state != to
	m.state = to
	m.target = target
	if changed {
		m.changedAt = now
	}
	return changed
}

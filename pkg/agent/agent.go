// Package agent drives the host through the auto-update cycle: poll the
// update graph, stage the selected release with the image daemon, then
// finalize (reboot) once the configured strategy allows it.
//
// The agent is a tick-driven state machine running on a single goroutine
// that owns all mutable state. Ticks are self-scheduled: each cycle picks
// the pause until the next one; nothing else mutates the machine.
package agent

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hostfleet/updatehound/pkg/graph"
	"github.com/hostfleet/updatehound/pkg/identity"
	"github.com/hostfleet/updatehound/pkg/logging"
	"github.com/hostfleet/updatehound/pkg/rpmostree"
	"github.com/hostfleet/updatehound/pkg/status"
	"github.com/hostfleet/updatehound/pkg/strategy"
	"github.com/pkg/errors"
)

// maxDeployAttempts is the count of consecutive failed staging attempts for
// one target at which a persistent-failure warning is logged and the count
// starts over. The target stays eligible and is tried again on later cycles.
const maxDeployAttempts = 12

// idlePause is the nominal re-check pause in terminal states; ticks there
// are no-ops kept only so control-surface nudges stay responsive.
const idlePause = time.Hour

// GraphClient fetches the release graph.
type GraphClient interface {
	FetchGraph(ctx context.Context) (*graph.Graph, error)
}

// DeploymentsClient is the image-daemon surface the agent drives.
type DeploymentsClient interface {
	QueryStatus(ctx context.Context) (*rpmostree.DeploymentList, error)
	Stage(ctx context.Context, version, payload string, allowDowngrade bool) error
	Finalize(ctx context.Context, version, checksum string) error
	CleanupPending(ctx context.Context) error
	RegisterAsDriver(ctx context.Context)
}

// Config carries the validated agent settings.
type Config struct {
	// Enabled gates the whole auto-updates logic.
	Enabled bool
	// AllowDowngrade admits older releases as update targets.
	AllowDowngrade bool
	// SteadyInterval is the baseline tick period.
	SteadyInterval time.Duration
	// DenylistPath overrides the persisted denylist location (tests).
	DenylistPath string
}

// Snapshot is the externally visible agent state, published after every
// tick for the control surface. Readers get copies, never live state.
type Snapshot struct {
	State         State
	TargetVersion string
	LastRefresh   time.Time
}

// Agent is the update-agent state machine.
type Agent struct {
	log      logging.Logger
	cfg      Config
	identity *identity.Identity
	graphcl  GraphClient
	deploy   DeploymentsClient
	strategy strategy.Strategy
	sink     *status.Sink

	machine     machine
	ticker      *ticker
	denylist    *denylist
	fingerprint uint64
	// steadyReported latches the strategy initialization hook.
	steadyReported bool
	// deployFailures counts consecutive staging failures per payload.
	deployFailures map[string]int
	lastRefresh    time.Time

	published atomic.Value // Snapshot
	nudges    chan chan Snapshot
}

// New assembles the agent. The identity and configuration are owned by the
// agent for its whole lifetime.
func New(log logging.Logger, cfg Config, id *identity.Identity, graphcl GraphClient, deploy DeploymentsClient, strat strategy.Strategy, sink *status.Sink) (*Agent, error) {
	switch {
	case id == nil:
		return nil, errors.New("identity must be provided")
	case graphcl == nil:
		return nil, errors.New("graph client must be provided")
	case deploy == nil:
		return nil, errors.New("deployments client must be provided")
	case strat == nil:
		return nil, errors.New("strategy must be provided")
	case sink == nil:
		return nil, errors.New("status sink must be provided")
	}
	if cfg.SteadyInterval <= 0 {
		return nil, errors.New("non-positive steady interval")
	}
	denylistPath := cfg.DenylistPath
	if denylistPath == "" {
		denylistPath = DefaultDenylistPath
	}

	a := &Agent{
		log:            log,
		cfg:            cfg,
		identity:       id,
		graphcl:        graphcl,
		deploy:         deploy,
		strategy:       strat,
		sink:           sink,
		machine:        newMachine(time.Now()),
		ticker:         newTicker(cfg.SteadyInterval),
		denylist:       loadDenylist(log, denylistPath),
		deployFailures: map[string]int{},
		nudges:         make(chan chan Snapshot),
	}
	a.publish()
	return a, nil
}

// Run executes the tick loop until the context is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	if a.cfg.AllowDowngrade {
		a.log.Warn("client configuration allows (possibly vulnerable) downgrades via auto-updates logic")
	}

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		var reply chan Snapshot
		select {
		case <-ctx.Done():
			return nil
		case reply = <-a.nudges:
		case <-timer.C:
		}

		pause := a.tick(ctx)
		a.publish()
		if reply != nil {
			reply <- a.snapshot()
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(pause)
	}
}

// CheckUpdateNow forces an immediate tick and returns the resulting state.
// Used by the control surface.
func (a *Agent) CheckUpdateNow(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	select {
	case a.nudges <- reply:
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	select {
	case snap := <-reply:
		return snap, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// Snapshot returns the last published agent state.
func (a *Agent) Snapshot() Snapshot {
	return a.published.Load().(Snapshot)
}

func (a *Agent) publish() {
	a.published.Store(a.snapshot())
}

func (a *Agent) snapshot() Snapshot {
	snap := Snapshot{State: a.machine.state, LastRefresh: a.lastRefresh}
	if a.machine.target != nil {
		snap.TargetVersion = a.machine.target.Version
	}
	return snap
}

// tick runs one state-machine refresh cycle and returns the pause until
// the next one.
func (a *Agent) tick(ctx context.Context) time.Duration {
	a.log.WithField("state", string(a.machine.state)).Debug("update agent tick")

	switch a.machine.state {
	case StateInitializing:
		return a.tickInitialize(ctx)
	case StateSteady:
		return a.tickCheckUpdates(ctx)
	case StateUpdateAvailable:
		return a.tickStageUpdate(ctx)
	case StateStaged, StateReadyToFinalize:
		return a.tickFinalizeUpdate(ctx)
	case StateDisabled, StateEndOfLife:
		return idlePause
	default:
		a.fatal(errors.Errorf("update agent in unexpected state %q", a.machine.state))
		return idlePause
	}
}

// tickInitialize validates the booted deployment, seeds the denylist with
// other finalized deployments and runs the strategy initialization hook.
func (a *Agent) tickInitialize(ctx context.Context) time.Duration {
	list, err := a.deploy.QueryStatus(ctx)
	if err != nil {
		a.log.WithError(err).Error("failed to query local deployments")
		a.ticker.failure()
		return a.ticker.next()
	}
	booted, err := list.Booted()
	if err != nil {
		a.fatal(err)
		return idlePause
	}
	if booted.BaseMetadata.Basearch == "" || booted.BaseMetadata.Stream == "" {
		a.fatal(errors.Errorf("booted deployment %q is missing required base-commit metadata", booted.Version))
		return idlePause
	}

	// Other finalized local deployments are unsuitable as future targets.
	excluded := 0
	for _, d := range list.Finalized() {
		if d.BaseRevision() == a.identity.OSChecksum {
			continue
		}
		a.log.Infof("deployment %s (%s) will be excluded from being a future update target", d.Version, d.BaseRevision())
		a.denylist.Add(d.BaseRevision())
		excluded++
	}
	if excluded == 0 {
		a.log.Debug("no other local finalized deployments found")
	}

	if !a.cfg.Enabled {
		text := "initialization complete, auto-updates logic disabled by configuration"
		a.log.Warn(text)
		a.transition(StateDisabled, nil)
		a.sink.NotifyReady()
		a.sink.UnitStatus(text)
		return idlePause
	}

	// The update loop must not proceed while the strategy may still be
	// holding a stale reboot slot from the previous boot.
	if !a.steadyReported {
		if err := a.strategy.ReportSteady(ctx); err != nil {
			a.log.WithError(err).Warn("failed to report steady state, retrying")
			a.ticker.failure()
			return a.ticker.next()
		}
		a.steadyReported = true
		a.log.Info("reached steady state, periodically polling for updates")
	}

	go a.deploy.RegisterAsDriver(ctx)

	text := "initialization complete, auto-updates logic enabled"
	a.log.Info(text)
	a.transition(StateSteady, nil)
	a.ticker.success()
	a.sink.NotifyReady()
	a.sink.UnitStatus(text)
	return 0
}

// tickCheckUpdates fetches the graph and resolves the next target.
func (a *Agent) tickCheckUpdates(ctx context.Context) time.Duration {
	now := time.Now()
	a.lastRefresh = now
	a.sink.RecordRefresh(now)
	a.sink.UnitStatus(fmt.Sprintf(
		"periodically polling for updates (last checked %s)",
		now.UTC().Format("Mon 2006-01-02 15:04:05 MST"),
	))

	g, err := a.graphcl.FetchGraph(ctx)
	if err != nil {
		a.log.WithError(err).Error("failed to check for updates")
		a.sink.RecordUpdateCheckError(graph.ErrorKind(err))
		a.ticker.failure()
		return a.ticker.next()
	}
	a.sink.RecordUpdateCheck(len(g.Nodes))

	if fp := g.Fingerprint(); fp != a.fingerprint {
		a.log.WithField("nodes", len(g.Nodes)).Debug("update graph changed")
		a.fingerprint = fp
	}

	outcome, err := graph.Resolve(a.log, g, a.identity, a.denylist.Set(), a.cfg.AllowDowngrade)
	if err != nil {
		a.log.WithError(err).Error("failed to resolve update graph")
		a.sink.RecordUpdateCheckError(graph.ErrorKind(err))
		a.ticker.failure()
		return a.ticker.next()
	}

	if outcome.Reason == graph.ReasonDeadEnd {
		a.log.WithField("reason", outcome.DeadEndReason).Warn("booted release is a dead-end")
		a.sink.DeadEnd(true, outcome.DeadEndReason)
		a.ticker.success()
		return a.ticker.next()
	}
	a.sink.DeadEnd(false, "")

	if outcome.Selected == nil {
		a.ticker.success()
		return a.ticker.next()
	}

	a.log.WithField("version", outcome.Selected.Version).Info("found update on remote")
	a.sink.UnitStatus(fmt.Sprintf("found update on remote: %s", outcome.Selected.Version))
	a.transition(StateUpdateAvailable, outcome.Selected)
	a.ticker.success()
	return 0
}

// tickStageUpdate asks the daemon to stage the target, then validates the
// staged deployment before advancing.
func (a *Agent) tickStageUpdate(ctx context.Context) time.Duration {
	target := a.machine.target
	a.transition(StateStaging, target)
	a.log.Infof("target release %q selected, proceeding to stage it", target.Version)

	err := a.deploy.Stage(ctx, target.Version, target.Payload, a.cfg.AllowDowngrade)
	a.sink.RecordDeployAttempt(err != nil)
	if err != nil {
		return a.stageFailed(target, err)
	}

	verdict, err := a.validateStaged(ctx, target)
	if err != nil {
		return a.stageFailed(target, err)
	}
	if !verdict {
		// Wrong-stream or mismatched staging: scrub it and remember to
		// avoid this payload in the future.
		if err := a.deploy.CleanupPending(ctx); err != nil {
			a.log.WithError(err).Error("failed to cleanup pending deployment")
		}
		a.denylist.Add(target.Payload)
		a.log.Errorf("abandoned and blocked deployment %q", target.Version)
		a.transition(StateSteady, nil)
		return a.ticker.next()
	}

	delete(a.deployFailures, target.Payload)
	text := fmt.Sprintf("update staged: %s", target.Version)
	a.log.Info(text)
	a.sink.UnitStatus(text)
	a.transition(StateStaged, target)
	return 0
}

// stageFailed records a failed staging attempt and returns to steady state
// with backoff; the candidate remains eligible on the next cycle.
func (a *Agent) stageFailed(target *graph.Release, err error) time.Duration {
	var mismatch *rpmostree.MismatchError
	if errors.As(err, &mismatch) {
		a.denylist.Add(target.Payload)
		a.log.WithError(err).Errorf("daemon mismatch while staging, abandoning update %s", target.Version)
		a.transition(StateSteady, nil)
		return a.ticker.next()
	}

	a.deployFailures[target.Payload]++
	failCount := a.deployFailures[target.Payload]
	a.log.WithError(err).Error("failed to stage deployment")
	a.sink.UnitStatus(fmt.Sprintf("trying to stage %s (failed attempts: %d)", target.Version, failCount))
	if failCount >= maxDeployAttempts {
		a.log.Warnf("persistent deploy failure detected, target release %q abandoned", target.Version)
		delete(a.deployFailures, target.Payload)
	}

	a.transition(StateSteady, nil)
	a.ticker.failure()
	return a.ticker.next()
}

// validateStaged confirms that the staged deployment matches the requested
// target and sits on the agent's update stream.
func (a *Agent) validateStaged(ctx context.Context, target *graph.Release) (bool, error) {
	list, err := a.deploy.QueryStatus(ctx)
	if err != nil {
		return false, err
	}
	staged := list.StagedDeployment()
	if staged == nil {
		return false, errors.Errorf("expected pending deployment %q, but found none", target.Version)
	}
	if staged.Version != target.Version {
		return false, &rpmostree.MismatchError{Expected: target.Version, Got: staged.Version}
	}
	if staged.BaseRevision() != target.Payload {
		return false, &rpmostree.MismatchError{Expected: target.Payload, Got: staged.BaseRevision()}
	}

	if stream := staged.BaseMetadata.Stream; stream != a.identity.Stream {
		a.log.Errorf("deployed an update on different update stream, abandoning update %s", target.Version)
		a.log.Errorf("pending deployment %s expected to be on stream %q, but found %q instead", staged.Version, a.identity.Stream, stream)
		return false, nil
	}
	return true, nil
}

// tickFinalizeUpdate consults the strategy and, when allowed, asks the
// daemon to finalize. Finalizing reboots the host on success.
func (a *Agent) tickFinalizeUpdate(ctx context.Context) time.Duration {
	target := a.machine.target
	a.transition(StateReadyToFinalize, target)

	decision := a.strategy.CanFinalize(ctx)
	if !decision.Allowed {
		a.sink.RecordFinalization(false)
		a.log.WithField("reason", decision.Reason).Debug("finalization denied by strategy")
		a.sink.UnitStatus(fmt.Sprintf("update staged: %s; reboot pending due to update strategy", target.Version))
		if decision.RetryAfter > 0 {
			return decision.RetryAfter
		}
		return a.ticker.next()
	}

	a.transition(StateFinalizing, target)
	err := a.deploy.Finalize(ctx, target.Version, target.Payload)
	a.sink.RecordFinalization(err == nil)
	if err != nil {
		var mismatch *rpmostree.MismatchError
		if errors.As(err, &mismatch) {
			a.denylist.Add(target.Payload)
			a.log.WithError(err).Errorf("daemon mismatch while finalizing, abandoning update %s", target.Version)
			a.transition(StateSteady, nil)
			return a.ticker.next()
		}
		a.log.WithError(err).Error("failed to finalize deployment")
		a.transition(StateReadyToFinalize, target)
		a.ticker.failure()
		return a.ticker.next()
	}

	text := fmt.Sprintf("update finalized: %s", target.Version)
	a.log.Info(text)
	a.sink.UnitStatus(text)
	// The daemon reboots the host now; park until the process dies with it.
	a.transition(StateEndOfLife, target)
	return idlePause
}

// fatal parks the agent: the error is surfaced once and never retried, but
// the process stays alive for observability.
func (a *Agent) fatal(err error) {
	a.log.WithError(err).Error("critical error, update agent stopped")
	a.transition(StateEndOfLife, nil)
	a.sink.UnitStatus(fmt.Sprintf("fatal error: %s", strings.TrimSpace(err.Error())))
}

func (a *Agent) transition(to State, target *graph.Release) {
	now := time.Now()
	if a.machine.transition(to, target, now) {
		a.sink.RecordStateChange(now)
	}
}

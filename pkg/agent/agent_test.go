package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hostfleet/updatehound/pkg/graph"
	"github.com/hostfleet/updatehound/pkg/identity"
	"github.com/hostfleet/updatehound/pkg/internal/testoutput"
	"github.com/hostfleet/updatehound/pkg/logging"
	"github.com/hostfleet/updatehound/pkg/motd"
	"github.com/hostfleet/updatehound/pkg/rpmostree"
	"github.com/hostfleet/updatehound/pkg/status"
	"github.com/hostfleet/updatehound/pkg/strategy"
	"github.com/pkg/errors"
	"gotest.tools/v3/assert"
)

type fakeGraphClient struct {
	g   *graph.Graph
	err error
}

func (f *fakeGraphClient) FetchGraph(context.Context) (*graph.Graph, error) {
	return f.g, f.err
}

type fakeDeployments struct {
	bootedVersion string
	bootedPayload string
	stream        string
	// extra finalized deployments present at startup.
	finalized []rpmostree.Deployment

	// overrides applied to the staged deployment after Stage; empty
	// values mirror the request.
	stagedVersionOverride string
	stagedPayloadOverride string
	stagedStreamOverride  string

	statusErr   error
	stageErr    error
	finalizeErr error

	stagedVersion string
	stagedPayload string
	calls         []string
}

func (f *fakeDeployments) QueryStatus(context.Context) (*rpmostree.DeploymentList, error) {
	f.calls = append(f.calls, "status")
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	list := &rpmostree.DeploymentList{
		Deployments: []rpmostree.Deployment{
			{
				Version:      f.bootedVersion,
				Checksum:     f.bootedPayload,
				Booted:       true,
				BaseMetadata: rpmostree.BaseCommitMeta{Basearch: "x86_64", Stream: f.stream},
			},
		},
	}
	list.Deployments = append(list.Deployments, f.finalized...)
	if f.stagedVersion != "" {
		stream := f.stream
		if f.stagedStreamOverride != "" {
			stream = f.stagedStreamOverride
		}
		list.Deployments = append(list.Deployments, rpmostree.Deployment{
			Version:      f.stagedVersion,
			Checksum:     f.stagedPayload,
			Staged:       true,
			BaseMetadata: rpmostree.BaseCommitMeta{Basearch: "x86_64", Stream: stream},
		})
	}
	return list, nil
}

func (f *fakeDeployments) Stage(_ context.Context, version, payload string, _ bool) error {
	f.calls = append(f.calls, "stage:"+payload)
	if f.stageErr != nil {
		return f.stageErr
	}
	f.stagedVersion = version
	if f.stagedVersionOverride != "" {
		f.stagedVersion = f.stagedVersionOverride
	}
	f.stagedPayload = payload
	if f.stagedPayloadOverride != "" {
		f.stagedPayload = f.stagedPayloadOverride
	}
	return nil
}

func (f *fakeDeployments) Finalize(_ context.Context, version, checksum string) error {
	f.calls = append(f.calls, "finalize:"+checksum)
	return f.finalizeErr
}

func (f *fakeDeployments) CleanupPending(context.Context) error {
	f.calls = append(f.calls, "cleanup")
	f.stagedVersion = ""
	f.stagedPayload = ""
	return nil
}

func (f *fakeDeployments) RegisterAsDriver(context.Context) {}

func (f *fakeDeployments) count(call string) int {
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

type fakeStrategy struct {
	decision  strategy.Decision
	steadyErr error
}

func (f *fakeStrategy) Label() string { return "fake" }

func (f *fakeStrategy) ReportSteady(context.Context) error { return f.steadyErr }

func (f *fakeStrategy) CanFinalize(context.Context) strategy.Decision { return f.decision }

type harness struct {
	agent  *Agent
	graph  *fakeGraphClient
	deploy *fakeDeployments
	strat  *fakeStrategy
	sink   *status.Sink
	motd   *motd.Writer
}

func simpleGraph(bootedPayload string, extra ...graph.Node) *graph.Graph {
	g := &graph.Graph{
		Nodes: []graph.Node{
			{Version: "v0", Payload: bootedPayload, Metadata: map[string]string{
				graph.SchemeKey: graph.ChecksumScheme, graph.AgeIndexKey: "0",
			}},
		},
	}
	for i, n := range extra {
		g.Nodes = append(g.Nodes, n)
		g.Edges = append(g.Edges, [2]int{0, i + 1})
	}
	return g
}

func successor(version, payload string, age int) graph.Node {
	return graph.Node{Version: version, Payload: payload, Metadata: map[string]string{
		graph.SchemeKey: graph.ChecksumScheme, graph.AgeIndexKey: fmt.Sprintf("%d", age),
	}}
}

func newHarness(t *testing.T, enabled bool) *harness {
	t.Helper()
	log := testoutput.Logger(t, logging.New("agent-test"))

	deploy := &fakeDeployments{
		bootedVersion: "v0",
		bootedPayload: "sha-booted",
		stream:        "stable",
	}
	graphcl := &fakeGraphClient{g: simpleGraph("sha-booted", successor("v1", "sha-next", 1))}
	strat := &fakeStrategy{decision: strategy.Allow}

	motdWriter := motd.NewWriterAt(log, t.TempDir())
	sink := status.NewSink(log, status.NewMetrics(), motdWriter)

	id := &identity.Identity{
		NodeID:     "e0f3745b108f471cbd4883c6fbed8cdd",
		Group:      "default",
		Basearch:   "x86_64",
		Stream:     "stable",
		OSVersion:  "v0",
		OSChecksum: "sha-booted",
		Platform:   "metal",
	}

	cfg := Config{
		Enabled:        enabled,
		SteadyInterval: 5 * time.Minute,
		DenylistPath:   filepath.Join(t.TempDir(), "denylist.json"),
	}

	a, err := New(log, cfg, id, graphcl, deploy, strat, sink)
	assert.NilError(t, err)

	return &harness{agent: a, graph: graphcl, deploy: deploy, strat: strat, sink: sink, motd: motdWriter}
}

// stepUntil ticks the machine until the wanted state or the step limit is
// reached.
func (h *harness) stepUntil(t *testing.T, want State, steps int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < steps; i++ {
		if h.agent.machine.state == want {
			return
		}
		h.agent.tick(ctx)
	}
	assert.Equal(t, want, h.agent.machine.state)
}

func TestInitializeDisabledStaysIdle(t *testing.T) {
	h := newHarness(t, false)

	h.agent.tick(context.Background())
	assert.Equal(t, StateDisabled, h.agent.machine.state)
	assert.Equal(t, "initialization complete, auto-updates logic disabled by configuration", h.sink.LastUnitStatus())

	// Further ticks are no-ops.
	pause := h.agent.tick(context.Background())
	assert.Equal(t, StateDisabled, h.agent.machine.state)
	assert.Assert(t, pause >= time.Minute)
	assert.Equal(t, 0, h.deploy.count("stage:sha-next"))
}

func TestInitializeEnabledReachesSteady(t *testing.T) {
	h := newHarness(t, true)

	h.agent.tick(context.Background())
	assert.Equal(t, StateSteady, h.agent.machine.state)
	assert.Equal(t, "initialization complete, auto-updates logic enabled", h.sink.LastUnitStatus())
}

func TestInitializeFatalOnMissingMetadata(t *testing.T) {
	h := newHarness(t, true)
	h.deploy.stream = ""

	h.agent.tick(context.Background())
	assert.Equal(t, StateEndOfLife, h.agent.machine.state)

	// Fatal errors are never retried.
	h.deploy.stream = "stable"
	h.agent.tick(context.Background())
	assert.Equal(t, StateEndOfLife, h.agent.machine.state)
}

func TestInitializeRetriesSteadyReport(t *testing.T) {
	h := newHarness(t, true)
	h.strat.steadyErr = errors.New("lock manager unreachable")

	h.agent.tick(context.Background())
	assert.Equal(t, StateInitializing, h.agent.machine.state)

	h.strat.steadyErr = nil
	h.agent.tick(context.Background())
	assert.Equal(t, StateSteady, h.agent.machine.state)
}

func TestInitializeSeedsDenylistWithFinalizedDeployments(t *testing.T) {
	h := newHarness(t, true)
	h.deploy.finalized = []rpmostree.Deployment{
		{
			Version:      "v-old",
			Checksum:     "sha-old",
			BaseMetadata: rpmostree.BaseCommitMeta{Basearch: "x86_64", Stream: "stable"},
		},
	}

	h.agent.tick(context.Background())
	assert.Assert(t, h.agent.denylist.Has("sha-old"))
	assert.Assert(t, !h.agent.denylist.Has("sha-booted"))
}

func TestHappyPathStageAndFinalize(t *testing.T) {
	h := newHarness(t, true)

	h.stepUntil(t, StateEndOfLife, 10)

	assert.Equal(t, 1, h.deploy.count("stage:sha-next"))
	assert.Equal(t, 1, h.deploy.count("finalize:sha-next"))
	assert.Equal(t, "update finalized: v1", h.sink.LastUnitStatus())
}

func TestNoUpdateStaysSteady(t *testing.T) {
	h := newHarness(t, true)
	h.graph.g = simpleGraph("sha-booted")

	h.stepUntil(t, StateSteady, 2)
	for i := 0; i < 5; i++ {
		h.agent.tick(context.Background())
	}
	assert.Equal(t, StateSteady, h.agent.machine.state)
	assert.Equal(t, 0, h.deploy.count("stage:sha-next"))
}

func TestTransientFetchErrorBacksOff(t *testing.T) {
	h := newHarness(t, true)
	h.stepUntil(t, StateSteady, 2)

	h.graph.g = nil
	h.graph.err = &graph.TransientNetworkError{Kind: "network", Err: errors.New("timeout")}

	first := h.agent.tick(context.Background())
	second := h.agent.tick(context.Background())
	third := h.agent.tick(context.Background())
	assert.Equal(t, StateSteady, h.agent.machine.state)

	// Exponential backoff dominates the +/-25% jitter between consecutive
	// failures.
	assert.Assert(t, second > first)
	assert.Assert(t, third > second)
}

func TestDeadEndParksAgentAndWritesMotd(t *testing.T) {
	h := newHarness(t, true)
	h.graph.g = &graph.Graph{
		Nodes: []graph.Node{
			{Version: "v0", Payload: "sha-booted", Metadata: map[string]string{
				graph.SchemeKey:        graph.ChecksumScheme,
				graph.AgeIndexKey:      "0",
				graph.DeadEndKey:       "true",
				graph.DeadEndReasonKey: "stream retired",
			}},
		},
	}

	h.stepUntil(t, StateSteady, 2)
	h.agent.tick(context.Background())
	assert.Equal(t, StateSteady, h.agent.machine.state)
	assert.Equal(t, 0, h.deploy.count("stage:sha-next"))

	content, err := os.ReadFile(h.motd.Path())
	assert.NilError(t, err)
	assert.Assert(t, len(content) > 0)

	// Dead-end flag disappears: the fragment goes with it.
	h.graph.g = simpleGraph("sha-booted")
	h.agent.tick(context.Background())
	_, err = os.Stat(h.motd.Path())
	assert.Assert(t, os.IsNotExist(err))
}

func TestWrongStreamDenylistsPayload(t *testing.T) {
	h := newHarness(t, true)
	h.deploy.stagedStreamOverride = "unknown-stream"

	h.stepUntil(t, StateSteady, 2)
	h.agent.tick(context.Background()) // finds update
	h.agent.tick(context.Background()) // stages, detects wrong stream

	assert.Equal(t, StateSteady, h.agent.machine.state)
	assert.Equal(t, 1, h.deploy.count("cleanup"))
	assert.Assert(t, h.agent.denylist.Has("sha-next"))

	// The same payload is never requested again.
	for i := 0; i < 5; i++ {
		h.agent.tick(context.Background())
	}
	assert.Equal(t, 1, h.deploy.count("stage:sha-next"))
}

func TestStagedVersionMismatchDenylists(t *testing.T) {
	h := newHarness(t, true)
	h.deploy.stagedVersionOverride = "v-unexpected"

	h.stepUntil(t, StateSteady, 2)
	h.agent.tick(context.Background())
	h.agent.tick(context.Background())

	assert.Equal(t, StateSteady, h.agent.machine.state)
	assert.Assert(t, h.agent.denylist.Has("sha-next"))
	for i := 0; i < 5; i++ {
		h.agent.tick(context.Background())
	}
	assert.Equal(t, 1, h.deploy.count("stage:sha-next"))
}

func TestTransientStageErrorKeepsCandidateEligible(t *testing.T) {
	h := newHarness(t, true)
	h.deploy.stageErr = &rpmostree.BusyError{Op: "deploy"}

	h.stepUntil(t, StateSteady, 2)
	h.agent.tick(context.Background())
	h.agent.tick(context.Background())
	assert.Equal(t, StateSteady, h.agent.machine.state)
	assert.Assert(t, !h.agent.denylist.Has("sha-next"))

	// Daemon recovers; the same candidate goes through.
	h.deploy.stageErr = nil
	h.stepUntil(t, StateEndOfLife, 10)
	assert.Equal(t, 2, h.deploy.count("stage:sha-next"))
}

func TestStrategyDenialHonorsRetryAfter(t *testing.T) {
	h := newHarness(t, true)
	retryAfter := 42 * time.Minute
	h.strat.decision = strategy.Deny("outside_window", retryAfter)

	h.stepUntil(t, StateReadyToFinalize, 10)
	pause := h.agent.tick(context.Background())

	assert.Equal(t, StateReadyToFinalize, h.agent.machine.state)
	assert.Equal(t, retryAfter, pause)
	assert.Equal(t, "update staged: v1; reboot pending due to update strategy", h.sink.LastUnitStatus())
	assert.Equal(t, 0, h.deploy.count("finalize:sha-next"))

	// Strategy opens up: finalization proceeds.
	h.strat.decision = strategy.Allow
	h.agent.tick(context.Background())
	assert.Equal(t, StateEndOfLife, h.agent.machine.state)
	assert.Equal(t, 1, h.deploy.count("finalize:sha-next"))
}

func TestFinalizeTransientFailureRetries(t *testing.T) {
	h := newHarness(t, true)
	h.deploy.finalizeErr = &rpmostree.DaemonError{Op: "finalize-deployment", Output: "busy"}

	h.stepUntil(t, StateReadyToFinalize, 10)
	h.agent.tick(context.Background())
	assert.Equal(t, StateReadyToFinalize, h.agent.machine.state)

	h.deploy.finalizeErr = nil
	h.agent.tick(context.Background())
	assert.Equal(t, StateEndOfLife, h.agent.machine.state)
}

func TestSnapshotPublishedThroughRun(t *testing.T) {
	h := newHarness(t, true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- h.agent.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for {
		snap := h.agent.Snapshot()
		if snap.State == StateEndOfLife {
			assert.Equal(t, "v1", snap.TargetVersion)
			break
		}
		select {
		case <-deadline:
			t.Fatalf("agent never reached end-of-life, state %q", snap.State)
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	assert.NilError(t, <-done)
}

func TestCheckUpdateNowNudgesLoop(t *testing.T) {
	h := newHarness(t, true)
	h.graph.g = simpleGraph("sha-booted")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.agent.Run(ctx)

	// Wait until initialized.
	deadline := time.After(5 * time.Second)
	for h.agent.Snapshot().State != StateSteady {
		select {
		case <-deadline:
			t.Fatal("agent never reached steady state")
		case <-time.After(10 * time.Millisecond):
		}
	}

	snap, err := h.agent.CheckUpdateNow(context.Background())
	assert.NilError(t, err)
	assert.Equal(t, StateSteady, snap.State)
	assert.Assert(t, !snap.LastRefresh.IsZero())
}

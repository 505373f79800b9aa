package main

import (
	"context"
	"flag"
	"fmt"
	"syscall"
	"time"

	"github.com/hostfleet/updatehound/pkg/agent"
	"github.com/hostfleet/updatehound/pkg/config"
	"github.com/hostfleet/updatehound/pkg/dbusapi"
	"github.com/hostfleet/updatehound/pkg/graph"
	"github.com/hostfleet/updatehound/pkg/identity"
	"github.com/hostfleet/updatehound/pkg/logging"
	"github.com/hostfleet/updatehound/pkg/motd"
	"github.com/hostfleet/updatehound/pkg/rpmostree"
	"github.com/hostfleet/updatehound/pkg/sigcontext"
	"github.com/hostfleet/updatehound/pkg/status"
	"github.com/hostfleet/updatehound/pkg/strategy"
	"github.com/hostfleet/updatehound/pkg/workgroup"
	"github.com/pkg/errors"
)

var (
	flagLogDebug      = flag.Bool("debug", false, "enable debug logging")
	flagMetricsSocket = flag.String("metrics-socket", status.DefaultSocketPath, "path of the metrics exposition socket")
	flagNoDBus        = flag.Bool("no-dbus", false, "do not start the D-Bus control service")
	flagDeadendMotd   = flag.String("deadend-motd", "", "write the dead-end MOTD fragment with the given reason, then exit")
	flagDeadendClear  = flag.Bool("deadend-motd-clear", false, "remove the dead-end MOTD fragment, then exit")
)

func main() {
	flag.Parse()

	if *flagLogDebug {
		logging.Set(logging.Level("debug"))
	}

	log := logging.New("main")

	// Maintenance verbs: manipulate the MOTD fragment and exit.
	switch {
	case *flagDeadendMotd != "":
		if err := motd.NewWriter(logging.New("motd")).SetDeadEnd(*flagDeadendMotd); err != nil {
			log.WithError(err).Fatalf("deadend-motd")
		}
		return
	case *flagDeadendClear:
		if err := motd.NewWriter(logging.New("motd")).Clear(); err != nil {
			log.WithError(err).Fatalf("deadend-motd-clear")
		}
		return
	}

	ctx, cancel := sigcontext.WithSignalCancel(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := runAgent(ctx, log); err != nil {
		log.WithError(err).Fatalf("agent stopped")
	}
}

func runAgent(ctx context.Context, log logging.Logger) error {
	metrics := status.NewMetrics()
	sink := status.NewSink(logging.New("status"), metrics, motd.NewWriter(logging.New("motd")))
	sink.RecordProcessStart(time.Now())

	listener := status.NewListener(logging.New("metrics"), sink, *flagMetricsSocket)

	a, err := assembleAgent(ctx, log, sink)
	if err != nil {
		// Fatal configuration or identity errors park the process: surface
		// the error once and stay alive for observability, never retry.
		log.WithError(err).Error("critical error, update agent stopped")
		sink.UnitStatus(fmt.Sprintf("fatal error: %s", err))
		sink.NotifyReady()
		group := workgroup.WithContext(ctx)
		group.Work(listener.Serve)
		return group.Wait()
	}

	group := workgroup.WithContext(ctx)
	group.Work(listener.Serve)
	group.Work(a.Run)
	if !*flagNoDBus {
		svc := dbusapi.NewService(logging.New("dbus"), a)
		group.Work(func(ctx context.Context) error {
			// A missing system bus degrades the control surface, not the
			// agent.
			if err := svc.Run(ctx); err != nil {
				log.WithError(err).Error("D-Bus service unavailable")
			}
			return nil
		})
	}

	err = group.Wait()
	sink.UnitStatus("")
	sink.NotifyStopping()
	return err
}

func assembleAgent(ctx context.Context, log logging.Logger, sink *status.Sink) (*agent.Agent, error) {
	cfg, err := config.ReadConfigs(logging.New("config"), config.DefaultSearchPrefixes, config.CommonPath)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to assemble configuration")
	}

	deployments := rpmostree.New(logging.New("rpm-ostree"))

	list, err := deployments.QueryStatus(ctx)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to introspect local deployments")
	}
	booted, err := list.Booted()
	if err != nil {
		return nil, err
	}
	platform, err := identity.ReadPlatformID()
	if err != nil {
		return nil, err
	}

	id, err := identity.FromParts(cfg.Identity, booted, platform)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to validate agent identity configuration")
	}
	log.Infof("agent running on node %q, in update group %q", id.NodeID, id.Group)
	sink.RecordIdentity(id)
	sink.RecordConfig(cfg.Updates.Enabled, cfg.Updates.AllowDowngrade)

	strat, err := strategy.FromConfig(logging.New("strategy"), cfg.Updates, id)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to validate update-strategy configuration")
	}
	log.WithField("strategy", strat.Label()).Info("update strategy selected")
	if fl, ok := strat.(*strategy.FleetLock); ok {
		fl.SetRecorder(sink)
	}

	graphURL := identity.ExpandURL(cfg.Cincinnati.BaseURL, id.URLVariables())
	graphClient, err := graph.NewClient(logging.New("graph"), graphURL, id.GraphParams(), graph.ClientOptions{})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to validate cincinnati configuration")
	}

	agentCfg := agent.Config{
		Enabled:        cfg.Updates.Enabled,
		AllowDowngrade: cfg.Updates.AllowDowngrade,
		SteadyInterval: time.Duration(cfg.Agent.SteadyIntervalSecs) * time.Second,
	}
	return agent.New(logging.New("agent"), agentCfg, id, graphClient, deployments, strat, sink)
}

// Package dbusapi exposes a small control surface on the system bus for
// ushering the update agent and inspecting its state.
package dbusapi

import (
	"context"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/hostfleet/updatehound/pkg/agent"
	"github.com/hostfleet/updatehound/pkg/logging"
	"github.com/pkg/errors"
)

const (
	busName       = "org.hostfleet.UpdateHound1"
	objectPath    = "/org/hostfleet/UpdateHound1"
	interfaceName = "org.hostfleet.UpdateHound1.Updates"
)

// checkUpdateTimeout bounds a bus-triggered refresh cycle.
const checkUpdateTimeout = 5 * time.Minute

// AgentHandle is the slice of the update agent the bus service drives. All
// reads go through published snapshots; the nudge is a message to the
// agent's own loop.
type AgentHandle interface {
	Snapshot() agent.Snapshot
	CheckUpdateNow(ctx context.Context) (agent.Snapshot, error)
}

// Service is the exported bus object.
type Service struct {
	log   logging.Logger
	agent AgentHandle
}

// NewService builds the bus service for the given agent.
func NewService(log logging.Logger, handle AgentHandle) *Service {
	return &Service{log: log, agent: handle}
}

// Run connects to the system bus, claims the service name and serves until
// the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return errors.Wrap(err, "failed to connect to system bus")
	}
	defer conn.Close()

	if err := s.export(conn); err != nil {
		return err
	}

	reply, err := conn.RequestName(busName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return errors.Wrapf(err, "failed to request bus name %q", busName)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return errors.Errorf("bus name %q already taken", busName)
	}

	s.log.WithField("name", busName).Debug("D-Bus service started")
	<-ctx.Done()
	return nil
}

func (s *Service) export(conn *dbus.Conn) error {
	if err := conn.Export(s, objectPath, interfaceName); err != nil {
		return errors.Wrap(err, "failed to export updates interface")
	}

	node := &introspect.Node{
		Name: objectPath,
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{
				Name: interfaceName,
				Methods: []introspect.Method{
					{Name: "CheckUpdate", Args: []introspect.Arg{
						{Name: "versions", Type: "as", Direction: "out"},
					}},
					{Name: "LastRefreshTime", Args: []introspect.Arg{
						{Name: "timestamp", Type: "x", Direction: "out"},
					}},
					{Name: "State", Args: []introspect.Arg{
						{Name: "state", Type: "s", Direction: "out"},
					}},
				},
			},
		},
	}
	err := conn.Export(introspect.NewIntrospectable(node), objectPath, "org.freedesktop.DBus.Introspectable")
	return errors.Wrap(err, "failed to export introspection data")
}

// LastRefreshTime returns the Unix timestamp of the last refresh tick.
func (s *Service) LastRefreshTime() (int64, *dbus.Error) {
	snap := s.agent.Snapshot()
	if snap.LastRefresh.IsZero() {
		return 0, nil
	}
	return snap.LastRefresh.Unix(), nil
}

// State returns the agent's current state label.
func (s *Service) State() (string, *dbus.Error) {
	return string(s.agent.Snapshot().State), nil
}

// CheckUpdate forces an immediate update check and returns the selected
// target version, if any.
func (s *Service) CheckUpdate() ([]string, *dbus.Error) {
	ctx, cancel := context.WithTimeout(context.Background(), checkUpdateTimeout)
	defer cancel()

	snap, err := s.agent.CheckUpdateNow(ctx)
	if err != nil {
		s.log.WithError(err).Error("CheckUpdate D-Bus method call failed")
		return nil, dbus.MakeFailedError(err)
	}
	if snap.TargetVersion == "" {
		return []string{}, nil
	}
	return []string{snap.TargetVersion}, nil
}

package rpmostree

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"

	"github.com/hostfleet/updatehound/pkg/logging"
)

// rpmOstreeBin is the image-management daemon's CLI entrypoint.
const rpmOstreeBin = "rpm-ostree"

// clientID identifies this agent to the daemon.
const clientID = "updatehound"

// command is the narrow surface of daemon invocations the client needs.
// Implementations other than executable are test substitutes.
type command interface {
	Status(ctx context.Context) ([]byte, error)
	Deploy(ctx context.Context, payload string, allowDowngrade bool) ([]byte, error)
	Finalize(ctx context.Context, checksum string) ([]byte, error)
	CleanupPending(ctx context.Context) ([]byte, error)
	RegisterAsDriver(ctx context.Context) ([]byte, error)
}

type executable struct {
	log logging.Logger
}

func (e *executable) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, rpmOstreeBin, args...)
	cmd.Env = append(cmd.Environ(), "RPMOSTREE_CLIENT_ID="+clientID)

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	e.log.WithField("cmd", cmd.String()).Debug("invoking image daemon")

	err := cmd.Run()
	if err != nil {
		e.log.WithField("cmd", cmd.String()).WithError(err).Debug("image daemon invocation failed")
	}
	return buf.Bytes(), err
}

func (e *executable) Status(ctx context.Context) ([]byte, error) {
	return e.run(ctx, "status", "--json")
}

func (e *executable) Deploy(ctx context.Context, payload string, allowDowngrade bool) ([]byte, error) {
	args := []string{
		"deploy",
		"--lock-finalization",
		"--skip-branch-check",
		fmt.Sprintf("revision=%s", payload),
	}
	if !allowDowngrade {
		args = append(args, "--disallow-downgrade")
	}
	return e.run(ctx, args...)
}

func (e *executable) Finalize(ctx context.Context, checksum string) ([]byte, error) {
	return e.run(ctx, "finalize-deployment", checksum)
}

func (e *executable) CleanupPending(ctx context.Context) ([]byte, error) {
	return e.run(ctx, "cleanup", "-p")
}

func (e *executable) RegisterAsDriver(ctx context.Context) ([]byte, error) {
	return e.run(ctx, "deploy", "", "--register-driver="+clientID)
}

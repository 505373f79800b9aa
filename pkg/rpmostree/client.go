// Package rpmostree is the client for the local image-management daemon.
//
// Every operation shells out to the daemon CLI and blocks until completion.
// Operations are serialized: the daemon is a single global resource and at
// most one invocation is in flight at any time.
package rpmostree

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/hostfleet/updatehound/pkg/logging"
)

// registerDriverMaxBackoff caps the retry pause while registering as the
// daemon's update driver.
const registerDriverMaxBackoff = 256 * time.Second

// Client performs deployment operations against the image daemon.
type Client struct {
	log logging.Logger
	bin command

	// slot serializes daemon invocations.
	slot chan struct{}
	// inFlight counts current invocations, observable by tests.
	inFlight atomic.Int32
}

// New returns a client shelling out to the host daemon.
func New(log logging.Logger) *Client {
	return newWithCommand(log, &executable{log: log})
}

func newWithCommand(log logging.Logger, bin command) *Client {
	return &Client{
		log:  log,
		bin:  bin,
		slot: make(chan struct{}, 1),
	}
}

func (c *Client) acquire() func() {
	c.slot <- struct{}{}
	c.inFlight.Add(1)
	return func() {
		c.inFlight.Add(-1)
		<-c.slot
	}
}

// InFlight reports the number of daemon operations currently running.
func (c *Client) InFlight() int {
	return int(c.inFlight.Load())
}

// QueryStatus enumerates local deployments.
func (c *Client) QueryStatus(ctx context.Context) (*DeploymentList, error) {
	release := c.acquire()
	defer release()

	out, err := c.bin.Status(ctx)
	if err != nil {
		return nil, classifyRunError("status", string(out), err)
	}
	return parseStatus(out)
}

// Stage deploys the given payload with finalization locked, so no reboot
// happens until Finalize.
func (c *Client) Stage(ctx context.Context, version, payload string, allowDowngrade bool) error {
	release := c.acquire()
	defer release()

	c.log.WithField("version", version).Info("staging deployment")
	out, err := c.bin.Deploy(ctx, payload, allowDowngrade)
	if err != nil {
		return classifyRunError("deploy", string(out), err)
	}
	return nil
}

// Finalize unlocks and commits the staged deployment; on success the daemon
// reboots the host.
func (c *Client) Finalize(ctx context.Context, version, checksum string) error {
	release := c.acquire()
	defer release()

	c.log.WithField("version", version).Info("finalizing deployment")
	out, err := c.bin.Finalize(ctx, checksum)
	if err != nil {
		return classifyRunError("finalize-deployment", string(out), err)
	}
	return nil
}

// CleanupPending drops a staged, not yet finalized, deployment.
func (c *Client) CleanupPending(ctx context.Context) error {
	release := c.acquire()
	defer release()

	out, err := c.bin.CleanupPending(ctx)
	if err != nil {
		return classifyRunError("cleanup", string(out), err)
	}
	return nil
}

// RegisterAsDriver marks this agent as the daemon's update driver. It keeps
// retrying with capped exponential backoff until success or context
// cancellation.
func (c *Client) RegisterAsDriver(ctx context.Context) {
	retryPause := time.Second
	for {
		release := c.acquire()
		out, err := c.bin.RegisterAsDriver(ctx)
		release()
		if err == nil {
			c.log.Info("registered as the update driver for rpm-ostree")
			return
		}

		c.log.WithError(classifyRunError("register-driver", string(out), err)).
			Errorf("failed to register as driver, retrying in %s", retryPause)
		select {
		case <-ctx.Done():
			return
		case <-time.After(retryPause):
		}
		if retryPause < registerDriverMaxBackoff {
			retryPause *= 2
		}
	}
}

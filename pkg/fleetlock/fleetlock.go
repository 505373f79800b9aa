// Package fleetlock implements the FleetLock protocol: a bare HTTP client
// for a remote reboot-lock manager holding a counting semaphore keyed by
// client id and group.
package fleetlock

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/hostfleet/updatehound/pkg/logging"
	"github.com/pkg/errors"
)

// API path endpoints (v1).
const (
	preRebootPath   = "v1/pre-reboot"
	steadyStatePath = "v1/steady-state"
)

// protocolHeader must accompany every FleetLock request.
const protocolHeader = "fleet-lock-protocol"

// defaultTimeout bounds request completion. Lock acquisition may be held
// open by the server for a long time, so this is generous.
const defaultTimeout = 30 * time.Minute

// clientParams is the request body identity.
type clientParams struct {
	ID    string `json:"id"`
	Group string `json:"group"`
}

type clientIdentity struct {
	ClientParams clientParams `json:"client_params"`
}

// RemoteError is the service-provided failure detail.
type RemoteError struct {
	// Kind is a machine-friendly brief error kind.
	Kind string `json:"kind"`
	// Value is a human-friendly detailed explanation.
	Value string `json:"value"`
	// StatusCode is the HTTP status carrying the error, zero for
	// client-side failures.
	StatusCode int `json:"-"`
}

func (e *RemoteError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("server-side error, code %d: %s", e.StatusCode, e.Value)
	}
	return fmt.Sprintf("client-side error: %s", e.Value)
}

// ErrorKind buckets a lock-manager failure for metrics.
func ErrorKind(err error) string {
	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote.Kind
	}
	return "client_failed_request"
}

// Client makes outgoing lock-manager requests.
type Client struct {
	log     logging.Logger
	apiBase *url.URL
	hclient *http.Client
	body    []byte
}

// New validates inputs and builds a FleetLock client.
func New(log logging.Logger, baseURL, nodeID, group string) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("empty fleet_lock base URL")
	}
	apiBase, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse %q", baseURL)
	}
	if group == "" {
		return nil, errors.New("missing group value")
	}

	body, err := json.Marshal(clientIdentity{
		ClientParams: clientParams{ID: nodeID, Group: group},
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode client identity")
	}

	return &Client{
		log:     log,
		apiBase: apiBase,
		hclient: &http.Client{Timeout: defaultTimeout},
		body:    body,
	}, nil
}

// PreReboot tries to lock a semaphore slot on the remote manager.
func (c *Client) PreReboot(ctx context.Context) error {
	c.log.Debug("requesting reboot slot from lock manager")
	return c.post(ctx, preRebootPath)
}

// SteadyState releases a previously held slot on the remote manager.
func (c *Client) SteadyState(ctx context.Context) error {
	c.log.Debug("reporting steady state to lock manager")
	return c.post(ctx, steadyStatePath)
}

func (c *Client) post(ctx context.Context, path string) error {
	target := c.apiBase.JoinPath(path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(c.body))
	if err != nil {
		return &RemoteError{Kind: "client_failed_request", Value: err.Error()}
	}
	req.Header.Set(protocolHeader, "true")

	resp, err := c.hclient.Do(req)
	if err != nil {
		return &RemoteError{Kind: "network", Value: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}

	// Decode failure details, or synthesize a generic error.
	remote := &RemoteError{
		Kind:       fmt.Sprintf("generic_http_%d", resp.StatusCode),
		Value:      "(unknown/generic server error)",
		StatusCode: resp.StatusCode,
	}
	var decoded RemoteError
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err == nil && decoded.Kind != "" {
		remote.Kind = decoded.Kind
		remote.Value = decoded.Value
	}
	return remote
}

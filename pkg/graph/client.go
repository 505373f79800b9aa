package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/hostfleet/updatehound/pkg/logging"
	"github.com/pkg/errors"
)

// graphPath is the update-graph API endpoint (v1).
const graphPath = "v1/graph"

// Default client timeouts; both are overridable through ClientOptions.
const (
	defaultConnectTimeout = 15 * time.Second
	defaultTotalTimeout   = 2 * time.Minute
)

// ClientOptions tunes the HTTP behavior of the graph client.
type ClientOptions struct {
	// ConnectTimeout bounds connection establishment.
	ConnectTimeout time.Duration
	// TotalTimeout bounds the whole request, body included.
	TotalTimeout time.Duration
}

// Client fetches the release graph from the update server.
type Client struct {
	log     logging.Logger
	apiBase *url.URL
	hclient *http.Client
	params  url.Values
}

// NewClient validates the base URL and builds a graph client carrying the
// given identity parameters on every request.
func NewClient(log logging.Logger, baseURL string, params url.Values, opts ClientOptions) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("empty update-graph base URL")
	}
	apiBase, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse %q", baseURL)
	}
	if params.Get("basearch") == "" || params.Get("stream") == "" {
		return nil, errors.New("missing required basearch/stream parameters")
	}

	connectTimeout := opts.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	totalTimeout := opts.TotalTimeout
	if totalTimeout <= 0 {
		totalTimeout = defaultTotalTimeout
	}

	hclient := &http.Client{
		Timeout: totalTimeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
		},
	}

	return &Client{
		log:     log,
		apiBase: apiBase,
		hclient: hclient,
		params:  params,
	}, nil
}

// FetchGraph retrieves and validates the release graph.
func (c *Client) FetchGraph(ctx context.Context) (*Graph, error) {
	target := c.apiBase.JoinPath(graphPath)
	target.RawQuery = c.params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, &TransientNetworkError{Kind: "request", Err: err}
	}
	req.Header.Set("Accept", "application/json")

	c.log.WithField("url", c.apiBase.String()).Debug("fetching update graph")

	resp, err := c.hclient.Do(req)
	if err != nil {
		return nil, &TransientNetworkError{Kind: "network", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &TransientNetworkError{
			Kind: fmt.Sprintf("generic_http_%d", resp.StatusCode),
			Err:  errors.Errorf("unexpected status %q", resp.Status),
		}
	}

	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		return nil, &TransientNetworkError{
			Kind: "content_type",
			Err:  errors.Errorf("unexpected content type %q", resp.Header.Get("Content-Type")),
		}
	}

	var g Graph
	if err := json.NewDecoder(resp.Body).Decode(&g); err != nil {
		return nil, &MalformedGraphError{Err: err}
	}
	if err := g.Validate(); err != nil {
		return nil, &MalformedGraphError{Err: err}
	}
	return &g, nil
}

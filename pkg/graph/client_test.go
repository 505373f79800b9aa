package graph

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/pkg/errors"
	"gotest.tools/v3/assert"
)

const graphFixture = `{
  "nodes": [
    {"version": "v0", "payload": "sha-booted", "metadata": {"scheme": "checksum", "age_index": "0"}},
    {"version": "v1", "payload": "sha-next", "metadata": {"scheme": "checksum", "age_index": "1"}}
  ],
  "edges": [[0, 1]]
}`

func testParams() url.Values {
	params := url.Values{}
	params.Set("basearch", "x86_64")
	params.Set("stream", "stable")
	params.Set("node_uuid", "e0f3745b108f471cbd4883c6fbed8cdd")
	return params
}

func TestFetchGraph(t *testing.T) {
	var gotQuery url.Values
	var gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		gotAccept = r.Header.Get("Accept")
		assert.Equal(t, "/v1/graph", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(graphFixture))
	}))
	defer srv.Close()

	c, err := NewClient(testLogger(t), srv.URL+"/", testParams(), ClientOptions{})
	assert.NilError(t, err)

	g, err := c.FetchGraph(context.Background())
	assert.NilError(t, err)
	assert.Equal(t, 2, len(g.Nodes))
	assert.Equal(t, 1, len(g.Edges))

	assert.Equal(t, "application/json", gotAccept)
	assert.Equal(t, "x86_64", gotQuery.Get("basearch"))
	assert.Equal(t, "stable", gotQuery.Get("stream"))
	assert.Equal(t, "e0f3745b108f471cbd4883c6fbed8cdd", gotQuery.Get("node_uuid"))
}

func TestFetchGraphServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"kind":"internal","value":"boom"}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, err := NewClient(testLogger(t), srv.URL, testParams(), ClientOptions{})
	assert.NilError(t, err)

	_, err = c.FetchGraph(context.Background())
	var netErr *TransientNetworkError
	assert.Assert(t, errors.As(err, &netErr))
	assert.Equal(t, "generic_http_500", netErr.Kind)
	assert.Equal(t, "generic_http_500", ErrorKind(err))
}

func TestFetchGraphRejectsWrongContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(graphFixture))
	}))
	defer srv.Close()

	c, err := NewClient(testLogger(t), srv.URL, testParams(), ClientOptions{})
	assert.NilError(t, err)

	_, err = c.FetchGraph(context.Background())
	var netErr *TransientNetworkError
	assert.Assert(t, errors.As(err, &netErr))
	assert.Equal(t, "content_type", netErr.Kind)
}

func TestFetchGraphMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"nodes": "not-a-list"}`))
	}))
	defer srv.Close()

	c, err := NewClient(testLogger(t), srv.URL, testParams(), ClientOptions{})
	assert.NilError(t, err)

	_, err = c.FetchGraph(context.Background())
	var malformed *MalformedGraphError
	assert.Assert(t, errors.As(err, &malformed))
	assert.Equal(t, "malformed_graph", ErrorKind(err))
}

func TestFetchGraphValidatesStructure(t *testing.T) {
	cases := []struct {
		Name string
		Body string
	}{
		{Name: "edge-out-of-bounds", Body: `{"nodes":[{"version":"v0","payload":"p0"}],"edges":[[0,7]]}`},
		{Name: "self-edge", Body: `{"nodes":[{"version":"v0","payload":"p0"}],"edges":[[0,0]]}`},
		{Name: "duplicate-version", Body: `{"nodes":[{"version":"v0","payload":"p0"},{"version":"v0","payload":"p1"}],"edges":[]}`},
		{Name: "empty-version", Body: `{"nodes":[{"version":"","payload":"p0"}],"edges":[]}`},
	}

	for _, tc := range cases {
		t.Run(tc.Name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.Write([]byte(tc.Body))
			}))
			defer srv.Close()

			c, err := NewClient(testLogger(t), srv.URL, testParams(), ClientOptions{})
			assert.NilError(t, err)

			_, err = c.FetchGraph(context.Background())
			var malformed *MalformedGraphError
			assert.Assert(t, errors.As(err, &malformed))
		})
	}
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(testLogger(t), "", testParams(), ClientOptions{})
	assert.Assert(t, err != nil)

	params := url.Values{}
	params.Set("basearch", "x86_64")
	_, err = NewClient(testLogger(t), "http://example.com", params, ClientOptions{})
	assert.Assert(t, err != nil)
}

func TestGraphFingerprintStable(t *testing.T) {
	a := &Graph{
		Nodes: []Node{node("v0", "sha-0", 0, nil), node("v1", "sha-1", 1, nil)},
		Edges: [][2]int{{0, 1}},
	}
	b := &Graph{
		Nodes: []Node{node("v0", "sha-0", 0, nil), node("v1", "sha-1", 1, nil)},
		Edges: [][2]int{{0, 1}},
	}
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())

	b.Nodes[1].Metadata[DeadEndKey] = "true"
	assert.Assert(t, a.Fingerprint() != b.Fingerprint())
}

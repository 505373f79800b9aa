package fleetlock

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hostfleet/updatehound/pkg/internal/testoutput"
	"github.com/hostfleet/updatehound/pkg/logging"
	"github.com/pkg/errors"
	"gotest.tools/v3/assert"
)

func testClient(t *testing.T, baseURL string) *Client {
	c, err := New(testoutput.Logger(t, logging.New("fleetlock-test")), baseURL, "e0f3745b108f471cbd4883c6fbed8cdd", "workers")
	assert.NilError(t, err)
	return c
}

func TestPreRebootProtocol(t *testing.T) {
	var gotPath, gotHeader string
	var gotBody map[string]map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotHeader = r.Header.Get("fleet-lock-protocol")
		raw, _ := io.ReadAll(r.Body)
		assert.NilError(t, json.Unmarshal(raw, &gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := testClient(t, srv.URL).PreReboot(context.Background())
	assert.NilError(t, err)
	assert.Equal(t, "/v1/pre-reboot", gotPath)
	assert.Equal(t, "true", gotHeader)
	assert.Equal(t, "e0f3745b108f471cbd4883c6fbed8cdd", gotBody["client_params"]["id"])
	assert.Equal(t, "workers", gotBody["client_params"]["group"])
}

func TestSteadyStatePath(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := testClient(t, srv.URL).SteadyState(context.Background())
	assert.NilError(t, err)
	assert.Equal(t, "/v1/steady-state", gotPath)
}

func TestRemoteErrorDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"kind": "semaphore_full", "value": "all slots taken"}`))
	}))
	defer srv.Close()

	err := testClient(t, srv.URL).PreReboot(context.Background())
	var remote *RemoteError
	assert.Assert(t, errors.As(err, &remote))
	assert.Equal(t, "semaphore_full", remote.Kind)
	assert.Equal(t, "all slots taken", remote.Value)
	assert.Equal(t, http.StatusConflict, remote.StatusCode)
	assert.Equal(t, "semaphore_full", ErrorKind(err))
	assert.Equal(t, "server-side error, code 409: all slots taken", remote.Error())
}

func TestRemoteErrorGeneric(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	err := testClient(t, srv.URL).PreReboot(context.Background())
	var remote *RemoteError
	assert.Assert(t, errors.As(err, &remote))
	assert.Equal(t, "generic_http_502", remote.Kind)
	assert.Equal(t, "(unknown/generic server error)", remote.Value)
}

func TestNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	err := testClient(t, srv.URL).PreReboot(context.Background())
	assert.Assert(t, err != nil)
	assert.Equal(t, "network", ErrorKind(err))
}

func TestNewValidation(t *testing.T) {
	log := testoutput.Logger(t, logging.New("fleetlock-test"))

	_, err := New(log, "", "node", "group")
	assert.Assert(t, err != nil)

	_, err = New(log, "http://example.com", "node", "")
	assert.Assert(t, err != nil)

	_, err = New(log, "http://example.com", "node", "workers")
	assert.NilError(t, err)
}

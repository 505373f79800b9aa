package agent

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/hostfleet/updatehound/pkg/internal/testoutput"
	"github.com/hostfleet/updatehound/pkg/logging"
	"gotest.tools/v3/assert"
)

func testDenylist(t *testing.T, path string) *denylist {
	return loadDenylist(testoutput.Logger(t, logging.New("denylist-test")), path)
}

func TestDenylistRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "denylist.json")

	d := testDenylist(t, path)
	assert.Assert(t, !d.Has("sha-1"))

	d.Add("sha-1")
	d.Add("sha-2")
	d.Add("sha-1")
	assert.Assert(t, d.Has("sha-1"))
	assert.Assert(t, d.Has("sha-2"))

	// A fresh load observes the persisted set.
	again := testDenylist(t, path)
	assert.Assert(t, again.Has("sha-1"))
	assert.Assert(t, again.Has("sha-2"))
	assert.Assert(t, !again.Has("sha-3"))

	var payloads []string
	content, err := os.ReadFile(path)
	assert.NilError(t, err)
	assert.NilError(t, json.Unmarshal(content, &payloads))
	assert.DeepEqual(t, []string{"sha-1", "sha-2"}, payloads)
}

func TestDenylistMissingFileStartsEmpty(t *testing.T) {
	d := testDenylist(t, filepath.Join(t.TempDir(), "missing.json"))
	assert.Equal(t, 0, len(d.Set()))
}

func TestDenylistMalformedFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "denylist.json")
	assert.NilError(t, os.WriteFile(path, []byte("not json"), 0o644))

	d := testDenylist(t, path)
	assert.Equal(t, 0, len(d.Set()))
}

func TestDenylistCreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "denylist.json")

	d := testDenylist(t, path)
	d.Add("sha-1")

	again := testDenylist(t, path)
	assert.Assert(t, again.Has("sha-1"))
}

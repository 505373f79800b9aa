package agent

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/hostfleet/updatehound/pkg/logging"
)

// DefaultDenylistPath persists payloads the agent refuses to attempt again.
const DefaultDenylistPath = "/var/lib/updatehound/denylist.json"

// denylist is the set of known-broken payloads. It is append-only within a
// process lifetime and persisted best-effort: losing it across restarts is
// acceptable, since mismatches will be re-detected.
type denylist struct {
	log      logging.Logger
	path     string
	payloads map[string]bool
}

// loadDenylist reads the persisted denylist; a missing or unreadable file
// yields an empty set.
func loadDenylist(log logging.Logger, path string) *denylist {
	d := &denylist{log: log, path: path, payloads: map[string]bool{}}

	content, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.WithError(err).Warn("failed to read denylist, starting empty")
		}
		return d
	}
	var payloads []string
	if err := json.Unmarshal(content, &payloads); err != nil {
		log.WithError(err).Warn("failed to parse denylist, starting empty")
		return d
	}
	for _, p := range payloads {
		d.payloads[p] = true
	}
	return d
}

// Add appends a payload and persists the set.
func (d *denylist) Add(payload string) {
	if d.payloads[payload] {
		return
	}
	d.payloads[payload] = true
	d.persist()
}

// Has reports whether the payload is denylisted.
func (d *denylist) Has(payload string) bool {
	return d.payloads[payload]
}

// Set returns the payload set for the resolver.
func (d *denylist) Set() map[string]bool {
	return d.payloads
}

func (d *denylist) persist() {
	payloads := make([]string, 0, len(d.payloads))
	for p := range d.payloads {
		payloads = append(payloads, p)
	}
	sort.Strings(payloads)

	content, err := json.Marshal(payloads)
	if err != nil {
		d.log.WithError(err).Warn("failed to encode denylist")
		return
	}
	if err := os.MkdirAll(filepath.Dir(d.path), 0o755); err != nil {
		d.log.WithError(err).Warn("failed to create denylist directory")
		return
	}
	if err := os.WriteFile(d.path, content, 0o644); err != nil {
		d.log.WithError(err).Warn("failed to persist denylist")
	}
}

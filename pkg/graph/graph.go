// Package graph implements the update-graph client and the release
// resolver selecting the next update target.
package graph

import (
	"hash/fnv"
	"sort"
	"strconv"

	"github.com/pkg/errors"
)

// Metadata keys recognized on release nodes.
const (
	// AgeIndexKey orders releases; a non-negative integer, total order.
	AgeIndexKey = "age_index"
	// SchemeKey must equal ChecksumScheme for the payload to be usable.
	SchemeKey = "scheme"
	// ChecksumScheme marks payloads carrying an image commit revision.
	ChecksumScheme = "checksum"
	// DeadEndKey marks a release with no further update path.
	DeadEndKey = "deadend"
	// DeadEndReasonKey carries a human explanation for a dead-end.
	DeadEndReasonKey = "deadend_reason"
	// RolloutKey carries the rollout threshold, a float in [0, 1].
	RolloutKey = "rollout"
	// BarrierKey flags a release that must not be skipped over.
	BarrierKey = "barrier"
	// rolloutBasearchPrefix prefixes per-basearch rollout overrides,
	// e.g. "rollout.x86_64".
	rolloutBasearchPrefix = RolloutKey + "."
)

// Node is a single release in the update graph.
type Node struct {
	Version  string            `json:"version"`
	Payload  string            `json:"payload"`
	Metadata map[string]string `json:"metadata"`
}

// Graph is the directed acyclic release graph served by the update server.
type Graph struct {
	Nodes []Node   `json:"nodes"`
	Edges [][2]int `json:"edges"`
}

// Validate checks graph structural invariants: in-bounds edge indices,
// unique versions, no self-edges.
func (g *Graph) Validate() error {
	seen := make(map[string]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		if n.Version == "" {
			return errors.New("graph node with empty version")
		}
		if seen[n.Version] {
			return errors.Errorf("duplicate version %q in graph", n.Version)
		}
		seen[n.Version] = true
	}
	for _, e := range g.Edges {
		src, dst := e[0], e[1]
		if src < 0 || src >= len(g.Nodes) || dst < 0 || dst >= len(g.Nodes) {
			return errors.Errorf("graph edge (%d, %d) out of bounds", src, dst)
		}
		if src == dst {
			return errors.Errorf("graph self-edge at node %d", src)
		}
	}
	return nil
}

// Fingerprint hashes the graph content. Unchanged graphs hash identically,
// which lets the agent detect and log graph changes between checks.
func (g *Graph) Fingerprint() uint64 {
	h := fnv.New64a()
	for _, n := range g.Nodes {
		h.Write([]byte(n.Version))
		h.Write([]byte{0})
		h.Write([]byte(n.Payload))
		h.Write([]byte{0})
		keys := make([]string, 0, len(n.Metadata))
		for k := range n.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			h.Write([]byte(k))
			h.Write([]byte{'='})
			h.Write([]byte(n.Metadata[k]))
			h.Write([]byte{0})
		}
	}
	for _, e := range g.Edges {
		h.Write([]byte(strconv.Itoa(e[0])))
		h.Write([]byte{'>'})
		h.Write([]byte(strconv.Itoa(e[1])))
		h.Write([]byte{0})
	}
	return h.Sum64()
}

// ageIndex parses the node age index; ok is false when absent or malformed.
func (n *Node) ageIndex() (uint64, bool) {
	raw, found := n.Metadata[AgeIndexKey]
	if !found {
		return 0, false
	}
	age, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return age, true
}

// isChecksumScheme reports whether the node payload is a usable commit
// revision.
func (n *Node) isChecksumScheme() bool {
	return n.Metadata[SchemeKey] == ChecksumScheme
}

// isDeadEnd reports dead-end status and its reason.
func (n *Node) isDeadEnd() (bool, string) {
	if n.Metadata[DeadEndKey] != "true" {
		return false, ""
	}
	return true, n.Metadata[DeadEndReasonKey]
}

// isBarrier reports whether the release must not be skipped over.
func (n *Node) isBarrier() bool {
	return n.Metadata[BarrierKey] == "true"
}

// rolloutThreshold returns the rollout fraction applying to a client with
// the given basearch. A per-basearch override replaces the global value.
// ok is false when the node is not rollout-gated.
func (n *Node) rolloutThreshold(basearch string) (float64, bool, error) {
	raw, found := n.Metadata[rolloutBasearchPrefix+basearch]
	if !found {
		raw, found = n.Metadata[RolloutKey]
	}
	if !found {
		return 0, false, nil
	}
	r, err := strconv.ParseFloat(raw, 64)
	if err != nil || r < 0.0 || r > 1.0 {
		return 0, true, errors.Errorf("invalid rollout threshold %q on %q", raw, n.Version)
	}
	return r, true, nil
}

// Release is a selected update target.
type Release struct {
	// Version is the release version label.
	Version string
	// Payload is the image commit revision.
	Payload string
	// AgeIndex is the release ordering index.
	AgeIndex uint64
}

package graph

import (
	"sort"

	"github.com/hostfleet/updatehound/pkg/identity"
	"github.com/hostfleet/updatehound/pkg/logging"
)

// NoUpdateReason explains why no update target was selected.
type NoUpdateReason string

const (
	// ReasonDeadEnd parks the agent: the booted release has no update path.
	ReasonDeadEnd NoUpdateReason = "dead-end"
	// ReasonNoSuccessors means the booted node has no outgoing edges.
	ReasonNoSuccessors NoUpdateReason = "no-successors"
	// ReasonAlreadyAtLatest means successors exist but none is newer.
	ReasonAlreadyAtLatest NoUpdateReason = "already-at-latest"
	// ReasonAllFilteredOut means newer successors exist but every one was
	// rejected by a safety or policy filter.
	ReasonAllFilteredOut NoUpdateReason = "all-filtered-out"
)

// Outcome is the resolver result: either a selected release, or a reason
// for staying put (with the dead-end explanation when relevant).
type Outcome struct {
	Selected      *Release
	Reason        NoUpdateReason
	DeadEndReason string
}

// Resolve filters the graph by client identity and policy, and selects at
// most one release to stage next.
func Resolve(log logging.Logger, g *Graph, id *identity.Identity, denylist map[string]bool, allowDowngrade bool) (Outcome, error) {
	// Locate the booted node by payload.
	bootedIdx := -1
	for i := range g.Nodes {
		n := &g.Nodes[i]
		if n.isChecksumScheme() && n.Payload == id.OSChecksum {
			bootedIdx = i
			break
		}
	}
	if bootedIdx < 0 {
		return Outcome{}, ErrBootedNotInGraph
	}
	booted := &g.Nodes[bootedIdx]

	if dead, reason := booted.isDeadEnd(); dead {
		return Outcome{Reason: ReasonDeadEnd, DeadEndReason: reason}, nil
	}

	// Direct successors only.
	var candidates []*Node
	for _, e := range g.Edges {
		if e[0] == bootedIdx {
			candidates = append(candidates, &g.Nodes[e[1]])
		}
	}
	if len(candidates) == 0 {
		return Outcome{Reason: ReasonNoSuccessors}, nil
	}

	candidates = filterScheme(log, candidates)
	if len(candidates) == 0 {
		return Outcome{Reason: ReasonAllFilteredOut}, nil
	}

	bootedAge, ok := booted.ageIndex()
	if !ok {
		log.Warnf("booted release %q has no age index, assuming 0", booted.Version)
	}
	candidates = filterAge(candidates, bootedAge, allowDowngrade)
	if len(candidates) == 0 {
		return Outcome{Reason: ReasonAlreadyAtLatest}, nil
	}

	candidates = filterDenylist(log, candidates, denylist)
	candidates = filterRollout(log, candidates, id)
	candidates = filterBarrier(candidates)
	if len(candidates) == 0 {
		return Outcome{Reason: ReasonAllFilteredOut}, nil
	}

	best := pickBest(candidates)
	age, _ := best.ageIndex()
	return Outcome{Selected: &Release{
		Version:  best.Version,
		Payload:  best.Payload,
		AgeIndex: age,
	}}, nil
}

// filterScheme drops candidates without a usable payload scheme.
func filterScheme(log logging.Logger, in []*Node) []*Node {
	out := in[:0]
	for _, n := range in {
		if !n.isChecksumScheme() {
			log.WithField("version", n.Version).Debug("dropping candidate with unusable payload scheme")
			continue
		}
		out = append(out, n)
	}
	return out
}

// filterAge enforces release ordering. Candidates without a parseable age
// index cannot be ordered and are dropped; ties are always dropped.
func filterAge(in []*Node, bootedAge uint64, allowDowngrade bool) []*Node {
	out := in[:0]
	for _, n := range in {
		age, ok := n.ageIndex()
		if !ok {
			continue
		}
		if age == bootedAge {
			continue
		}
		if age < bootedAge && !allowDowngrade {
			continue
		}
		out = append(out, n)
	}
	return out
}

func filterDenylist(log logging.Logger, in []*Node, denylist map[string]bool) []*Node {
	out := in[:0]
	dropped := 0
	for _, n := range in {
		if denylist[n.Payload] {
			dropped++
			continue
		}
		out = append(out, n)
	}
	if dropped > 0 {
		plural := ""
		if dropped > 1 {
			plural = "s"
		}
		log.Infof("%d possible update target%s present in denylist", dropped, plural)
	}
	return out
}

// filterRollout applies the deterministic client-side rollout throttle.
// Candidates without rollout metadata are always kept.
func filterRollout(log logging.Logger, in []*Node, id *identity.Identity) []*Node {
	out := in[:0]
	for _, n := range in {
		threshold, gated, err := n.rolloutThreshold(id.Basearch)
		if err != nil {
			log.WithError(err).Warn("dropping candidate with malformed rollout metadata")
			continue
		}
		if gated && !rolloutAdmits(n.Payload, id.NodeID, threshold, id.Wariness()) {
			log.WithField("version", n.Version).Debug("update deferred by rollout throttling")
			continue
		}
		out = append(out, n)
	}
	return out
}

// filterBarrier enforces barrier releases: nothing newer than the oldest
// barrier may be selected until the barrier itself has been consumed.
func filterBarrier(in []*Node) []*Node {
	var barrierAge uint64
	hasBarrier := false
	for _, n := range in {
		if !n.isBarrier() {
			continue
		}
		age, ok := n.ageIndex()
		if !ok {
			continue
		}
		if !hasBarrier || age < barrierAge {
			barrierAge = age
			hasBarrier = true
		}
	}
	if !hasBarrier {
		return in
	}

	out := in[:0]
	for _, n := range in {
		age, _ := n.ageIndex()
		if age > barrierAge {
			continue
		}
		out = append(out, n)
	}
	return out
}

// pickBest selects the greatest age index, ties broken by the
// lexicographically largest version.
func pickBest(in []*Node) *Node {
	sort.Slice(in, func(i, j int) bool {
		ai, _ := in[i].ageIndex()
		aj, _ := in[j].ageIndex()
		if ai != aj {
			return ai > aj
		}
		return in[i].Version > in[j].Version
	})
	return in[0]
}

package graph

import "hash/fnv"

// rolloutValue maps (payload, node id) to a stable point in [0, 1).
//
// The draw is a pure function of its inputs: a given client either receives
// or defers a given rollout-gated release consistently across ticks, so the
// agent never flaps on retries.
func rolloutValue(payload, nodeID string) float64 {
	h := fnv.New64a()
	h.Write([]byte(payload))
	h.Write([]byte(nodeID))
	return float64(h.Sum64()>>11) / (1 << 53)
}

// rolloutAdmits applies the client-side rollout filter: the candidate is
// kept iff the stable draw falls within the threshold scaled down by the
// client wariness. Wariness 1.0 never admits a rollout-gated release.
func rolloutAdmits(payload, nodeID string, threshold, wariness float64) bool {
	return rolloutValue(payload, nodeID) <= threshold*(1.0-wariness)
}

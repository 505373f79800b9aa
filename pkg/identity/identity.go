// Package identity derives the stable agent identity from OS state and
// configuration overrides.
package identity

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/hostfleet/updatehound/pkg/config"
	"github.com/hostfleet/updatehound/pkg/rpmostree"
	"github.com/pkg/errors"
)

// DefaultGroup is the update group used when none is configured.
const DefaultGroup = "default"

// Group labels travel to external backends (update-graph and FleetLock
// servers) and must conform to the protocol regex.
var validGroup = regexp.MustCompile(`^[A-Za-z0-9.-]+$`)

// Identity describes this agent to the update-graph and lock servers.
// It is assembled once at startup and immutable afterwards.
type Identity struct {
	// NodeID is a stable opaque identifier, lower-hex.
	NodeID string
	// Group is the update group label.
	Group string
	// Basearch is the OS base architecture.
	Basearch string
	// Stream is the update stream label.
	Stream string
	// OSVersion is the booted OS version.
	OSVersion string
	// OSChecksum is the booted image base commit revision.
	OSChecksum string
	// Platform is the platform id from the kernel command line.
	Platform string
	// RolloutWariness is the client hint for rollout throttling, if set.
	RolloutWariness *float64
}

// FromParts validates configuration overrides against OS-derived state and
// assembles the agent identity.
func FromParts(cfg config.IdentityInput, booted *rpmostree.Deployment, platform string) (*Identity, error) {
	if booted == nil {
		return nil, errors.New("no booted deployment")
	}
	basearch := booted.BaseMetadata.Basearch
	stream := booted.BaseMetadata.Stream
	switch {
	case booted.Version == "":
		return nil, errors.New("empty booted OS version")
	case booted.BaseRevision() == "":
		return nil, errors.New("empty booted base revision")
	case basearch == "":
		return nil, errors.New("missing basearch in booted deployment metadata")
	case stream == "":
		return nil, errors.New("missing stream in booted deployment metadata")
	case platform == "":
		return nil, errors.New("empty platform id")
	}

	var nodeID string
	var err error
	if cfg.NodeUUID != "" {
		nodeID, err = parseNodeID(cfg.NodeUUID)
		if err != nil {
			return nil, errors.WithMessage(err, "failed to parse configured node UUID")
		}
	} else {
		nodeID, err = defaultNodeID()
		if err != nil {
			return nil, errors.WithMessage(err, "failed to compute node identifier")
		}
	}

	group := DefaultGroup
	if cfg.Group != "" {
		group = cfg.Group
	}
	if !validGroup.MatchString(group) {
		return nil, errors.Errorf("invalid group label %q: not conforming to expression %q", group, validGroup.String())
	}

	var wariness *float64
	if cfg.RolloutWariness != nil {
		w := *cfg.RolloutWariness
		if w < 0.0 || w > 1.0 {
			return nil, errors.Errorf("rollout wariness out of range: %v", w)
		}
		wariness = &w
	}

	id := &Identity{
		NodeID:          nodeID,
		Group:           group,
		Basearch:        basearch,
		Stream:          stream,
		OSVersion:       booted.Version,
		OSChecksum:      booted.BaseRevision(),
		Platform:        platform,
		RolloutWariness: wariness,
	}
	return id, nil
}

// GraphParams returns the query parameters advertised to the update-graph
// server.
func (id *Identity) GraphParams() url.Values {
	params := url.Values{}
	params.Set("basearch", id.Basearch)
	params.Set("stream", id.Stream)
	params.Set("node_uuid", id.NodeID)
	params.Set("os_version", id.OSVersion)
	params.Set("os_checksum", id.OSChecksum)
	params.Set("group", id.Group)
	params.Set("platform", id.Platform)
	if id.RolloutWariness != nil {
		params.Set("rollout_wariness", fmt.Sprintf("%.6f", *id.RolloutWariness))
	}
	return params
}

// URLVariables returns the substitution variables permitted in templated
// service URLs. This explicitly excludes node id, version and checksum.
func (id *Identity) URLVariables() map[string]string {
	return map[string]string{
		"basearch": id.Basearch,
		"group":    id.Group,
		"platform": id.Platform,
		"stream":   id.Stream,
	}
}

// ExpandURL substitutes ${var} template keys in a configured service URL
// with agent runtime values.
func ExpandURL(raw string, vars map[string]string) string {
	if !strings.Contains(raw, "${") {
		return raw
	}
	expanded := raw
	for key, val := range vars {
		expanded = strings.ReplaceAll(expanded, "${"+key+"}", val)
	}
	return expanded
}

// Wariness returns the effective rollout wariness, zero when unset.
func (id *Identity) Wariness() float64 {
	if id.RolloutWariness == nil {
		return 0.0
	}
	return *id.RolloutWariness
}

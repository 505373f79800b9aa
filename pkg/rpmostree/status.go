package rpmostree

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// BaseCommitMeta carries the base-commit metadata fields the agent needs.
type BaseCommitMeta struct {
	Basearch string `json:"coreos-assembler.basearch"`
	Stream   string `json:"fedora-coreos.stream"`
}

// Deployment is one entry from `rpm-ostree status --json`.
type Deployment struct {
	Version      string         `json:"version"`
	Checksum     string         `json:"checksum"`
	BaseChecksum string         `json:"base-checksum"`
	Booted       bool           `json:"booted"`
	Staged       bool           `json:"staged"`
	Origin       string         `json:"origin"`
	BaseMetadata BaseCommitMeta `json:"base-commit-meta"`
}

// BaseRevision returns the deployment base revision, falling back to the
// deployment checksum for unlayered deployments.
func (d *Deployment) BaseRevision() string {
	if d.BaseChecksum != "" {
		return d.BaseChecksum
	}
	return d.Checksum
}

// DeploymentList is the parsed daemon status.
type DeploymentList struct {
	Deployments []Deployment `json:"deployments"`
}

// Booted returns the booted deployment. There is always exactly one on a
// healthy host.
func (l *DeploymentList) Booted() (*Deployment, error) {
	for i := range l.Deployments {
		if l.Deployments[i].Booted {
			return &l.Deployments[i], nil
		}
	}
	return nil, errors.New("no booted deployment found")
}

// StagedDeployment returns the staged (pending finalize) deployment, or nil.
func (l *DeploymentList) StagedDeployment() *Deployment {
	for i := range l.Deployments {
		if l.Deployments[i].Staged {
			return &l.Deployments[i]
		}
	}
	return nil
}

// Finalized returns every deployment that is not staged, the booted one
// included: all deployments that have been finalized at some point.
func (l *DeploymentList) Finalized() []Deployment {
	var out []Deployment
	for _, d := range l.Deployments {
		if d.Staged {
			continue
		}
		out = append(out, d)
	}
	return out
}

func parseStatus(raw []byte) (*DeploymentList, error) {
	var list DeploymentList
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, errors.Wrap(err, "failed to parse daemon status JSON")
	}
	return &list, nil
}

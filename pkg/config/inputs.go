package config

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/hostfleet/updatehound/pkg/logging"
	"github.com/pkg/errors"
)

// DefaultSearchPrefixes is the standard dropin search path, in ascending
// priority order.
var DefaultSearchPrefixes = []string{"/usr/lib", "/run", "/etc"}

// CommonPath is the dropin directory appended to every search prefix.
const CommonPath = "updatehound/config.d"

// DefaultSteadyIntervalSecs is the baseline tick period for the agent loop.
const DefaultSteadyIntervalSecs uint64 = 300

// Input is the merged, not yet validated, runtime configuration.
type Input struct {
	Agent      AgentInput
	Cincinnati CincinnatiInput
	Identity   IdentityInput
	Updates    UpdatesInput
}

type AgentInput struct {
	SteadyIntervalSecs uint64
}

type CincinnatiInput struct {
	BaseURL string
}

type IdentityInput struct {
	Group           string
	NodeUUID        string
	RolloutWariness *float64
}

type UpdatesInput struct {
	Enabled        bool
	AllowDowngrade bool
	Strategy       string
	FleetLock      FleetLockInput
	Periodic       PeriodicInput
}

type FleetLockInput struct {
	BaseURL string
}

type PeriodicInput struct {
	TimeZone string
	Windows  []WindowInput
}

// WindowInput is a single-day maintenance window entry; multi-day fragments
// are expanded into one entry per day.
type WindowInput struct {
	Day           string
	StartTime     string
	LengthMinutes int
}

// ReadConfigs scans the dropin directories and merges all fragments.
func ReadConfigs(log logging.Logger, prefixes []string, commonPath string) (*Input, error) {
	// Later prefixes shadow same-named files from earlier ones.
	byName := map[string]string{}
	for _, prefix := range prefixes {
		dir := filepath.Join(prefix, commonPath)
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, errors.Wrapf(err, "failed to scan dropin directory %q", dir)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".toml") {
				continue
			}
			byName[entry.Name()] = filepath.Join(dir, entry.Name())
		}
	}

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	fragments := make([]Fragment, 0, len(names))
	for _, name := range names {
		fpath := byName[name]
		log.WithField("path", fpath).Debug("reading config fragment")

		var frag Fragment
		if _, err := toml.DecodeFile(fpath, &frag); err != nil {
			return nil, errors.Wrapf(err, "failed to parse TOML fragment %q", fpath)
		}
		fragments = append(fragments, frag)
	}

	return MergeFragments(fragments), nil
}

// MergeFragments folds fragments into a single Input. Scalar keys are last
// writer wins; periodic window entries from every fragment accumulate.
func MergeFragments(fragments []Fragment) *Input {
	cfg := &Input{
		Agent: AgentInput{SteadyIntervalSecs: DefaultSteadyIntervalSecs},
		Updates: UpdatesInput{
			Enabled:  true,
			Periodic: PeriodicInput{TimeZone: "UTC"},
		},
	}

	for _, frag := range fragments {
		if frag.Agent != nil && frag.Agent.Timing != nil {
			if v := frag.Agent.Timing.SteadyIntervalSecs; v != nil && *v > 0 {
				cfg.Agent.SteadyIntervalSecs = *v
			}
		}
		if frag.Cincinnati != nil {
			if v := frag.Cincinnati.BaseURL; v != nil {
				cfg.Cincinnati.BaseURL = *v
			}
		}
		if frag.Identity != nil {
			if v := frag.Identity.Group; v != nil {
				cfg.Identity.Group = *v
			}
			if v := frag.Identity.NodeUUID; v != nil {
				cfg.Identity.NodeUUID = *v
			}
			if v := frag.Identity.RolloutWariness; v != nil {
				w := *v
				cfg.Identity.RolloutWariness = &w
			}
		}
		if frag.Updates != nil {
			mergeUpdates(&cfg.Updates, frag.Updates)
		}
	}

	return cfg
}

func mergeUpdates(dst *UpdatesInput, frag *UpdatesFragment) {
	if v := frag.Enabled; v != nil {
		dst.Enabled = *v
	}
	if v := frag.AllowDowngrade; v != nil {
		dst.AllowDowngrade = *v
	}
	if v := frag.Strategy; v != nil {
		dst.Strategy = *v
	}
	if frag.FleetLock != nil {
		if v := frag.FleetLock.BaseURL; v != nil {
			dst.FleetLock.BaseURL = *v
		}
	}
	if frag.Periodic != nil {
		if v := frag.Periodic.TimeZone; v != nil {
			dst.Periodic.TimeZone = *v
		}
		for _, win := range frag.Periodic.Window {
			start := ""
			if win.StartTime != nil {
				start = *win.StartTime
			}
			length := 0
			if win.LengthMinutes != nil {
				length = *win.LengthMinutes
			}
			for _, day := range win.Days {
				dst.Periodic.Windows = append(dst.Periodic.Windows, WindowInput{
					Day:           day,
					StartTime:     start,
					LengthMinutes: length,
				})
			}
		}
	}
}

// Package config loads agent configuration from TOML dropin fragments.
//
// Fragments are collected from a fixed search path (distribution defaults,
// then runtime, then admin overrides) and merged by file name in
// lexicographic order; a file in a later directory shadows one with the same
// name in an earlier directory.
package config

// Fragment is a single top-level TOML dropin.
type Fragment struct {
	Agent      *AgentFragment      `toml:"agent"`
	Cincinnati *CincinnatiFragment `toml:"cincinnati"`
	Identity   *IdentityFragment   `toml:"identity"`
	Updates    *UpdatesFragment    `toml:"updates"`
}

// AgentFragment tunes the update-agent loop.
type AgentFragment struct {
	Timing *TimingFragment `toml:"timing"`
}

// TimingFragment holds refresh-loop timing knobs.
type TimingFragment struct {
	SteadyIntervalSecs *uint64 `toml:"steady_interval_secs"`
}

// CincinnatiFragment configures the update-graph client.
type CincinnatiFragment struct {
	BaseURL *string `toml:"base_url"`
}

// IdentityFragment overrides parts of the agent identity.
type IdentityFragment struct {
	Group           *string  `toml:"group"`
	NodeUUID        *string  `toml:"node_uuid"`
	RolloutWariness *float64 `toml:"rollout_wariness"`
}

// UpdatesFragment configures auto-updates logic and strategy.
type UpdatesFragment struct {
	Enabled        *bool              `toml:"enabled"`
	AllowDowngrade *bool              `toml:"allow_downgrade"`
	Strategy       *string            `toml:"strategy"`
	FleetLock      *FleetLockFragment `toml:"fleet_lock"`
	Periodic       *PeriodicFragment  `toml:"periodic"`
}

// FleetLockFragment configures the fleet_lock strategy.
type FleetLockFragment struct {
	BaseURL *string `toml:"base_url"`
}

// PeriodicFragment configures the periodic strategy.
type PeriodicFragment struct {
	TimeZone *string          `toml:"time_zone"`
	Window   []WindowFragment `toml:"window"`
}

// WindowFragment is one configured maintenance window.
type WindowFragment struct {
	Days          []string `toml:"days"`
	StartTime     *string  `toml:"start_time"`
	LengthMinutes *int     `toml:"length_minutes"`
}

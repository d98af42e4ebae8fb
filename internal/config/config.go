// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config provides HCL configuration for the accounting daemon.
package config

import "time"

// DefaultConfigPath is where the daemon looks for its configuration.
const DefaultConfigPath = "/etc/tagacct/tagacct.hcl"

// DefaultNFLogGroup is the NFLOG group used when capture.nflog_group is unset.
const DefaultNFLogGroup = 100

// Config is the top-level daemon configuration.
type Config struct {
	// Maximum number of distinct active tags a single uid may hold.
	// @default: 1024
	MaxTagsPerUID int `hcl:"max_tags_per_uid,optional" json:"max_tags_per_uid"`

	// Number of counter sets (e.g. default and background).
	// @default: 2
	CounterSets int `hcl:"counter_sets,optional" json:"counter_sets"`

	// Upper bound on simultaneously tagged sockets. 0 disables the bound.
	// @default: 0
	MaxTaggedSockets int `hcl:"max_tagged_sockets,optional" json:"max_tagged_sockets"`

	// Upper bound on tag stat nodes per interface. 0 disables the bound.
	// @default: 0
	MaxTagStatsPerIface int `hcl:"max_tag_stats_per_iface,optional" json:"max_tag_stats_per_iface"`

	// Upper bound on tracked interfaces. 0 disables the bound.
	// @default: 0
	MaxInterfaces int `hcl:"max_interfaces,optional" json:"max_interfaces"`

	// Restrict impersonation, counter-set changes and foreign deletes to privileged callers.
	// @default: true
	CtrlWriteLimited *bool `hcl:"ctrl_write_limited,optional" json:"ctrl_write_limited,omitempty"`

	// Restrict reading other uids' stats to privileged callers.
	// @default: true
	StatsReadAllLimited *bool `hcl:"stats_readall_limited,optional" json:"stats_readall_limited,omitempty"`

	// Uids treated as privileged in addition to root.
	PrivilegedUIDs []int `hcl:"privileged_uids,optional" json:"privileged_uids,omitempty"`

	// Callers whose primary gid is listed here are privileged.
	PrivilegedGIDs []int `hcl:"privileged_gids,optional" json:"privileged_gids,omitempty"`

	// @default: "info"
	LogLevel string `hcl:"log_level,optional" json:"log_level"`
	LogJSON  bool   `hcl:"log_json,optional" json:"log_json"`

	Control *ControlConfig `hcl:"control,block" json:"control,omitempty"`
	API     *APIConfig     `hcl:"api,block" json:"api,omitempty"`
	Capture *CaptureConfig `hcl:"capture,block" json:"capture,omitempty"`
	Netmon  *NetmonConfig  `hcl:"netmon,block" json:"netmon,omitempty"`
	Reaper  *ReaperConfig  `hcl:"reaper,block" json:"reaper,omitempty"`
}

// ControlConfig configures the command channel.
type ControlConfig struct {
	// @default: "/run/tagacct/ctrl.sock"
	Socket string `hcl:"socket,optional" json:"socket"`
}

// APIConfig configures the read interface.
type APIConfig struct {
	// @default: "/run/tagacct/api.sock"
	Socket string `hcl:"socket,optional" json:"socket"`

	// TCP address serving /metrics only. Empty disables it.
	MetricsListen string `hcl:"metrics_listen,optional" json:"metrics_listen,omitempty"`
}

// CaptureConfig configures the NFLOG packet observer.
type CaptureConfig struct {
	// @default: false
	Enabled bool `hcl:"enabled,optional" json:"enabled"`

	// NFLOG group the observer binds to. Group 0 is valid.
	// @default: 100
	NFLogGroup *int `hcl:"nflog_group,optional" json:"nflog_group,omitempty"`

	// How often the socket lookup table is rebuilt from /proc.
	// @default: "2s"
	SocketTableRefresh string `hcl:"socket_table_refresh,optional" json:"socket_table_refresh"`
}

// NetmonConfig configures the interface lifecycle tracker.
type NetmonConfig struct {
	// @default: true
	Enabled *bool `hcl:"enabled,optional" json:"enabled,omitempty"`

	// @default: "10s"
	RefreshInterval string `hcl:"refresh_interval,optional" json:"refresh_interval"`
}

// ReaperConfig configures closed-socket detection.
type ReaperConfig struct {
	// @default: "30s"
	Interval string `hcl:"interval,optional" json:"interval"`

	// Sweep early when conntrack reports destroyed flows.
	// @default: true
	ConntrackEvents *bool `hcl:"conntrack_events,optional" json:"conntrack_events,omitempty"`
}

// DefaultConfig returns a fully populated configuration.
func DefaultConfig() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func boolPtr(b bool) *bool { return &b }

func intPtr(i int) *int { return &i }

func (c *Config) applyDefaults() {
	if c.MaxTagsPerUID == 0 {
		c.MaxTagsPerUID = 1024
	}
	if c.CounterSets == 0 {
		c.CounterSets = 2
	}
	if c.CtrlWriteLimited == nil {
		c.CtrlWriteLimited = boolPtr(true)
	}
	if c.StatsReadAllLimited == nil {
		c.StatsReadAllLimited = boolPtr(true)
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	if c.Control == nil {
		c.Control = &ControlConfig{}
	}
	if c.Control.Socket == "" {
		c.Control.Socket = "/run/tagacct/ctrl.sock"
	}

	if c.API == nil {
		c.API = &APIConfig{}
	}
	if c.API.Socket == "" {
		c.API.Socket = "/run/tagacct/api.sock"
	}

	if c.Capture == nil {
		c.Capture = &CaptureConfig{}
	}
	if c.Capture.NFLogGroup == nil {
		c.Capture.NFLogGroup = intPtr(DefaultNFLogGroup)
	}
	if c.Capture.SocketTableRefresh == "" {
		c.Capture.SocketTableRefresh = "2s"
	}

	if c.Netmon == nil {
		c.Netmon = &NetmonConfig{}
	}
	if c.Netmon.Enabled == nil {
		c.Netmon.Enabled = boolPtr(true)
	}
	if c.Netmon.RefreshInterval == "" {
		c.Netmon.RefreshInterval = "10s"
	}

	if c.Reaper == nil {
		c.Reaper = &ReaperConfig{}
	}
	if c.Reaper.Interval == "" {
		c.Reaper.Interval = "30s"
	}
	if c.Reaper.ConntrackEvents == nil {
		c.Reaper.ConntrackEvents = boolPtr(true)
	}
}

// CtrlWriteIsLimited reports the effective ctrl_write_limited value.
func (c *Config) CtrlWriteIsLimited() bool {
	return c.CtrlWriteLimited == nil || *c.CtrlWriteLimited
}

// StatsReadAllIsLimited reports the effective stats_readall_limited value.
func (c *Config) StatsReadAllIsLimited() bool {
	return c.StatsReadAllLimited == nil || *c.StatsReadAllLimited
}

// NFLogGroupID reports the effective capture.nflog_group value.
func (c *Config) NFLogGroupID() int {
	if c.Capture == nil || c.Capture.NFLogGroup == nil {
		return DefaultNFLogGroup
	}
	return *c.Capture.NFLogGroup
}

// NetmonEnabled reports whether the interface tracker should run.
func (c *Config) NetmonEnabled() bool {
	return c.Netmon == nil || c.Netmon.Enabled == nil || *c.Netmon.Enabled
}

// ConntrackEventsEnabled reports whether the reaper listens for conntrack events.
func (c *Config) ConntrackEventsEnabled() bool {
	return c.Reaper == nil || c.Reaper.ConntrackEvents == nil || *c.Reaper.ConntrackEvents
}

// Durations parsed from their string form. Validate guarantees these parse.

func (c *Config) NetmonRefreshInterval() time.Duration {
	return mustDuration(c.Netmon.RefreshInterval, 10*time.Second)
}

func (c *Config) ReaperInterval() time.Duration {
	return mustDuration(c.Reaper.Interval, 30*time.Second)
}

func (c *Config) SocketTableRefresh() time.Duration {
	return mustDuration(c.Capture.SocketTableRefresh, 2*time.Second)
}

func mustDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

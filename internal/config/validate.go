// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validate checks limits, ids, paths and durations.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors

	if c.MaxTagsPerUID < 1 {
		errs = append(errs, ValidationError{"max_tags_per_uid", "must be at least 1"})
	}
	if c.CounterSets < 1 {
		errs = append(errs, ValidationError{"counter_sets", "must be at least 1"})
	}
	for field, v := range map[string]int{
		"max_tagged_sockets":      c.MaxTaggedSockets,
		"max_tag_stats_per_iface": c.MaxTagStatsPerIface,
		"max_interfaces":          c.MaxInterfaces,
	} {
		if v < 0 {
			errs = append(errs, ValidationError{field, "must not be negative"})
		}
	}
	errs = append(errs, validateIDs("privileged_uids", c.PrivilegedUIDs)...)
	errs = append(errs, validateIDs("privileged_gids", c.PrivilegedGIDs)...)

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, ValidationError{"log_level", fmt.Sprintf("unknown level %q", c.LogLevel)})
	}

	if c.Control == nil || c.Control.Socket == "" {
		errs = append(errs, ValidationError{"control.socket", "must be set"})
	}
	if c.API == nil || c.API.Socket == "" {
		errs = append(errs, ValidationError{"api.socket", "must be set"})
	}
	if c.Capture != nil {
		if g := c.Capture.NFLogGroup; g != nil && (*g < 0 || *g > 0xffff) {
			errs = append(errs, ValidationError{"capture.nflog_group", "must be within 0-65535"})
		}
		errs = append(errs, validateDuration("capture.socket_table_refresh", c.Capture.SocketTableRefresh)...)
	}
	if c.Netmon != nil {
		errs = append(errs, validateDuration("netmon.refresh_interval", c.Netmon.RefreshInterval)...)
	}
	if c.Reaper != nil {
		errs = append(errs, validateDuration("reaper.interval", c.Reaper.Interval)...)
	}

	return errs
}

func validateIDs(field string, ids []int) ValidationErrors {
	var errs ValidationErrors
	for _, id := range ids {
		if id < 0 || int64(id) > 0xffffffff {
			errs = append(errs, ValidationError{field, fmt.Sprintf("id %d out of range", id)})
		}
	}
	return errs
}

func validateDuration(field, s string) ValidationErrors {
	d, err := time.ParseDuration(s)
	if err != nil {
		return ValidationErrors{{field, fmt.Sprintf("invalid duration %q", s)}}
	}
	if d <= 0 {
		return ValidationErrors{{field, "must be positive"}}
	}
	return nil
}

// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux

package reaper

import (
	"context"

	"grimm.is/tagacct/internal/errors"
	"grimm.is/tagacct/internal/logging"
)

// ConntrackWatcher is a stub for non-Linux systems.
type ConntrackWatcher struct{}

// WatchConntrack returns an error on non-Linux systems.
func WatchConntrack(ctx context.Context, r *Reaper, logger *logging.Logger) (*ConntrackWatcher, error) {
	return nil, errors.New(errors.KindInternal, "conntrack events are only supported on Linux")
}

func (w *ConntrackWatcher) Destroyed() uint64 { return 0 }

func (w *ConntrackWatcher) Close() error { return nil }

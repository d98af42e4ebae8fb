// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package reaper

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ti-mo/conntrack"
	"github.com/ti-mo/netfilter"

	"grimm.is/tagacct/internal/errors"
	"grimm.is/tagacct/internal/logging"
)

// ConntrackWatcher triggers a sweep whenever a tracked connection is
// destroyed, so closed TCP sockets are untagged without waiting a full
// interval.
type ConntrackWatcher struct {
	reaper *Reaper
	logger *logging.Logger

	conn   *conntrack.Conn
	cancel context.CancelFunc
	wg     sync.WaitGroup

	destroyed atomic.Uint64
}

// WatchConntrack subscribes to conntrack destroy events.
func WatchConntrack(ctx context.Context, r *Reaper, logger *logging.Logger) (*ConntrackWatcher, error) {
	if logger == nil {
		logger = logging.WithComponent("reaper")
	}
	conn, err := conntrack.Dial(nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to open conntrack connection")
	}

	events := make(chan conntrack.Event, 1024)
	errCh, err := conn.Listen(events, 1, []netfilter.NetlinkGroup{netfilter.GroupCTDestroy})
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, errors.KindInternal, "failed to listen for conntrack events")
	}

	ctx, cancel := context.WithCancel(ctx)
	w := &ConntrackWatcher{reaper: r, logger: logger, conn: conn, cancel: cancel}
	w.wg.Add(1)
	go w.run(ctx, events, errCh)
	logger.Info("Watching conntrack destroy events")
	return w, nil
}

func (w *ConntrackWatcher) run(ctx context.Context, events <-chan conntrack.Event, errCh <-chan error) {
	defer w.wg.Done()
	for {
		select {
		case ev := <-events:
			if ev.Type == conntrack.EventDestroy {
				w.destroyed.Add(1)
				w.reaper.Trigger()
			}
		case err, ok := <-errCh:
			if !ok {
				return
			}
			if err != nil {
				w.logger.Warn("Conntrack listener failed", "error", err)
			}
			return
		case <-ctx.Done():
			return
		}
	}
}

// Destroyed returns the number of destroy events seen.
func (w *ConntrackWatcher) Destroyed() uint64 { return w.destroyed.Load() }

// Close stops listening.
func (w *ConntrackWatcher) Close() error {
	w.cancel()
	err := w.conn.Close()
	w.wg.Wait()
	return err
}

// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package reaper untags sockets that were closed without an untag.
package reaper

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"grimm.is/tagacct/internal/kernel"
	"grimm.is/tagacct/internal/logging"
	"grimm.is/tagacct/internal/qtaguid"
)

// Target is the engine side of the reaper. *qtaguid.Engine implements it.
type Target interface {
	TaggedSockets() []qtaguid.SockTag
	SocketClosed(sock qtaguid.SocketID) bool
}

// Stats counts reaper activity.
type Stats struct {
	Sweeps   uint64 `json:"sweeps"`
	Reaped   uint64 `json:"reaped"`
	Triggers uint64 `json:"triggers"`
	Failures uint64 `json:"failures"`
}

// Reaper periodically compares tagged sockets against the kernel and
// reports the dead ones as closed. A Trigger forces an early sweep.
type Reaper struct {
	kern     kernel.Kernel
	target   Target
	interval time.Duration
	logger   *logging.Logger
	trigger  chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup

	sweeps   atomic.Uint64
	reaped   atomic.Uint64
	triggers atomic.Uint64
	failures atomic.Uint64
}

// New creates a reaper sweeping every interval.
func New(kern kernel.Kernel, target Target, interval time.Duration, logger *logging.Logger) *Reaper {
	if logger == nil {
		logger = logging.WithComponent("reaper")
	}
	return &Reaper{
		kern:     kern,
		target:   target,
		interval: interval,
		logger:   logger,
		trigger:  make(chan struct{}, 1),
	}
}

// Sweep untags every tagged socket that no longer exists and returns how
// many were reaped.
func (r *Reaper) Sweep() (int, error) {
	r.sweeps.Add(1)
	tagged := r.target.TaggedSockets()
	if len(tagged) == 0 {
		return 0, nil
	}
	table, err := r.kern.Sockets()
	if err != nil {
		r.failures.Add(1)
		return 0, err
	}

	reaped := 0
	for _, st := range tagged {
		if table.Has(st.Socket) || r.kern.HoldsSocket(st.PID, st.Socket) {
			continue
		}
		if r.target.SocketClosed(st.Socket) {
			reaped++
		}
	}
	if reaped > 0 {
		r.reaped.Add(uint64(reaped))
		r.logger.Debug("Reaped closed sockets", "count", reaped, "tagged", len(tagged))
	}
	return reaped, nil
}

// Trigger requests a sweep soon. It never blocks.
func (r *Reaper) Trigger() {
	r.triggers.Add(1)
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Start runs the sweep loop until Stop or ctx is done.
func (r *Reaper) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.run(ctx)
	r.logger.Info("Starting socket reaper", "interval", r.interval)
}

// Stop ends the sweep loop.
func (r *Reaper) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Reaper) run(ctx context.Context) {
	defer r.wg.Done()

	var tick <-chan time.Time
	if r.interval > 0 {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-tick:
		case <-r.trigger:
		case <-ctx.Done():
			return
		}
		if _, err := r.Sweep(); err != nil {
			r.logger.Warn("Socket sweep failed", "error", err)
		}
	}
}

// Stats returns a snapshot of the counters.
func (r *Reaper) Stats() Stats {
	return Stats{
		Sweeps:   r.sweeps.Load(),
		Reaped:   r.reaped.Load(),
		Triggers: r.triggers.Load(),
		Failures: r.failures.Load(),
	}
}

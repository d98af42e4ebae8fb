// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package netmon feeds network interface lifecycle events into the
// accounting engine.
package netmon

import (
	"context"
	"sync"
	"time"

	"grimm.is/tagacct/internal/logging"
	"grimm.is/tagacct/internal/qtaguid"
)

// Link is the state of one network device.
type Link struct {
	Index    int
	Name     string
	Up       bool
	Counters qtaguid.DeviceCounters
}

// LinkEvent is a change notification for one device.
type LinkEvent struct {
	Link    Link
	Deleted bool
}

// LinkSource lists devices and streams their changes.
type LinkSource interface {
	List() ([]Link, error)
	// Subscribe streams events until ctx is done, then closes the channel.
	Subscribe(ctx context.Context) (<-chan LinkEvent, error)
}

// Sink receives interface lifecycle events. *qtaguid.Engine implements it.
type Sink interface {
	InterfaceUp(name string, current *qtaguid.DeviceCounters) error
	InterfaceDown(name string, counters qtaguid.DeviceCounters)
	InterfaceRemoved(name string, counters qtaguid.DeviceCounters)
	InterfaceStatsRefresh(name string, counters qtaguid.DeviceCounters)
}

type linkState struct {
	name string
	up   bool
}

// Service tracks devices and forwards their transitions to a Sink.
type Service struct {
	logger  *logging.Logger
	source  LinkSource
	sink    Sink
	refresh time.Duration

	mu    sync.RWMutex
	links map[int]linkState

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates a monitor. refresh is the device-counter polling
// interval; zero disables polling.
func NewService(source LinkSource, sink Sink, refresh time.Duration, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.WithComponent("netmon")
	}
	return &Service{
		logger:  logger,
		source:  source,
		sink:    sink,
		refresh: refresh,
		links:   make(map[int]linkState),
	}
}

// Start performs an initial sync and begins following link events.
func (s *Service) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	events, err := s.source.Subscribe(ctx)
	if err != nil {
		cancel()
		return err
	}
	if err := s.Sync(); err != nil {
		cancel()
		return err
	}
	s.cancel = cancel

	s.wg.Add(1)
	go s.run(ctx, events)
	s.logger.Info("Starting interface monitor", "links", s.Len(), "refresh", s.refresh)
	return nil
}

// Stop ends the event loop.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("Interface monitor stopped")
}

func (s *Service) run(ctx context.Context, events <-chan LinkEvent) {
	defer s.wg.Done()

	var tick <-chan time.Time
	if s.refresh > 0 {
		ticker := time.NewTicker(s.refresh)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.Handle(ev)
		case <-tick:
			if err := s.Sync(); err != nil {
				s.logger.Warn("Link refresh failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Sync lists every device and applies its current state.
func (s *Service) Sync() error {
	links, err := s.source.List()
	if err != nil {
		return err
	}
	for _, l := range links {
		s.Handle(LinkEvent{Link: l})
	}
	return nil
}

// Handle applies one event.
func (s *Service) Handle(ev LinkEvent) {
	l := ev.Link

	s.mu.Lock()
	prev, known := s.links[l.Index]
	switch {
	case ev.Deleted:
		delete(s.links, l.Index)
	default:
		s.links[l.Index] = linkState{name: l.Name, up: l.Up}
	}
	s.mu.Unlock()

	if ev.Deleted {
		if known {
			s.logger.Debug("Interface removed", "iface", prev.name)
			s.sink.InterfaceRemoved(prev.name, l.Counters)
		}
		return
	}

	if known && prev.name != l.Name {
		// Renamed: the old name's history stays with the old name.
		s.logger.Debug("Interface renamed", "from", prev.name, "to", l.Name)
		s.sink.InterfaceRemoved(prev.name, l.Counters)
		known = false
	}

	switch {
	case l.Up && (!known || !prev.up):
		counters := l.Counters
		if err := s.sink.InterfaceUp(l.Name, &counters); err != nil {
			s.logger.Warn("Interface not tracked", "iface", l.Name, "error", err)
		}
	case l.Up:
		s.sink.InterfaceStatsRefresh(l.Name, l.Counters)
	case known && prev.up:
		s.sink.InterfaceDown(l.Name, l.Counters)
	}
}

// NameByIndex returns the name of the device with the given index.
func (s *Service) NameByIndex(index int) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.links[index]
	return l.name, ok
}

// Len returns the number of known devices.
func (s *Service) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.links)
}

// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package qtaguid

import (
	"sync"
	"sync/atomic"

	"grimm.is/tagacct/internal/errors"
	"grimm.is/tagacct/internal/logging"
)

const (
	// DefaultMaxTagsPerUID is the per-uid quota on distinct active tags.
	DefaultMaxTagsPerUID = 1024
	// DefaultCounterSets is the number of counter sets per tag.
	DefaultCounterSets = 2
)

// Options configures an Engine. Zero limits mean unbounded.
type Options struct {
	MaxTagsPerUID       int
	CounterSets         int
	MaxTaggedSockets    int
	MaxTagStatsPerIface int
	MaxInterfaces       int
	Permissions         Permissions
	Resolver            SocketResolver
	Logger              *logging.Logger
}

// DefaultOptions returns the built-in policy.
func DefaultOptions() Options {
	return Options{
		MaxTagsPerUID: DefaultMaxTagsPerUID,
		CounterSets:   DefaultCounterSets,
		Permissions:   DefaultPermissions(),
	}
}

// Engine owns every accounting table. It is safe for concurrent use by any
// number of packet-path, command and lifecycle callers.
type Engine struct {
	registry *TagRegistry
	socks    *SockTagTable
	ifaces   *InterfaceRegistry
	sets     *CounterSetTable
	sessions *ProcSessionRegistry
	cmds     *CommandProcessor
	events   *Events
	logger   *logging.Logger

	// life is held shared by session opens and commands, and exclusively
	// while Close flips closed.
	life      sync.RWMutex
	closeOnce sync.Once
	closed    atomic.Bool
}

// NewEngine builds an engine from opts.
func NewEngine(opts Options) (*Engine, error) {
	if opts.MaxTagsPerUID < 1 {
		return nil, errors.Errorf(errors.KindValidation, "max tags per uid must be positive, got %d", opts.MaxTagsPerUID)
	}
	if opts.CounterSets < 1 {
		return nil, errors.Errorf(errors.KindValidation, "counter sets must be positive, got %d", opts.CounterSets)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.WithComponent("qtaguid")
	}

	e := &Engine{
		events: &Events{},
		logger: logger,
	}
	e.registry = NewTagRegistry(opts.MaxTagsPerUID)
	e.socks = NewSockTagTable(e.registry, opts.MaxTaggedSockets)
	e.ifaces = NewInterfaceRegistry(opts.CounterSets, opts.MaxInterfaces, opts.MaxTagStatsPerIface)
	e.ifaces.rewindEvents = func() { e.events.DeviceRewinds.Add(1) }
	e.sets = NewCounterSetTable(opts.CounterSets)
	e.sessions = NewProcSessionRegistry(e.registry, e.socks)
	e.cmds = &CommandProcessor{
		perms:    opts.Permissions,
		resolver: opts.Resolver,
		registry: e.registry,
		socks:    e.socks,
		sets:     e.sets,
		ifaces:   e.ifaces,
		events:   e.events,
		logger:   logger,
	}
	return e, nil
}

// Packet is one observation from the packet front end. When HasSocket is
// false, or the socket is untagged, the packet is charged to
// {0, FallbackUID}.
type Packet struct {
	Iface       string
	Dir         Direction
	Proto       ProtoClass
	Len         uint64
	Socket      SocketID
	HasSocket   bool
	FallbackUID uint32
}

// PacketObserved accounts one packet. It never fails: anomalies are
// counted in Events.
func (e *Engine) PacketObserved(p Packet) {
	if e.closed.Load() {
		return
	}
	e.events.MatchCalls.Add(1)

	iface, ok := e.ifaces.RecordPacket(p.Iface, p.Dir, p.Proto, p.Len)
	if !ok {
		e.events.PacketsUnknownIface.Add(1)
		return
	}

	tag := TagFromUID(p.FallbackUID)
	switch {
	case !p.HasSocket:
		e.events.MatchNoSocket.Add(1)
	default:
		if t, tagged := e.socks.Lookup(p.Socket); tagged {
			tag = t
			e.events.MatchFoundSockTag.Add(1)
		} else {
			e.events.MatchFoundNoSockTag.Add(1)
		}
	}

	set := e.sets.Get(tag.UID())
	if err := iface.Stats().Account(tag, set, p.Dir, p.Proto, p.Len); err != nil {
		if e.events.StatAllocFailures.Add(1) == 1 {
			e.logger.Debug("Dropping stats", "iface", p.Iface, "tag", tag.AcctHex(), "uid", tag.UID(), "error", err)
		}
	}
}

// InterfaceUp starts or resumes tracking name. current may be nil.
func (e *Engine) InterfaceUp(name string, current *DeviceCounters) error {
	e.events.IfaceEvents.Add(1)
	if err := e.ifaces.InterfaceUp(name, current); err != nil {
		e.logger.Warn("Cannot track interface", "iface", name, "error", err)
		return err
	}
	return nil
}

// InterfaceDown stashes name's device counters and marks it inactive.
func (e *Engine) InterfaceDown(name string, counters DeviceCounters) {
	e.events.IfaceEvents.Add(1)
	e.ifaces.InterfaceDown(name, counters)
}

// InterfaceRemoved folds name's final counters and marks it gone. Its tag
// stats remain queryable.
func (e *Engine) InterfaceRemoved(name string, counters DeviceCounters) {
	e.events.IfaceEvents.Add(1)
	e.ifaces.InterfaceRemoved(name, counters)
}

// InterfaceStatsRefresh records live device counters for name.
func (e *Engine) InterfaceStatsRefresh(name string, counters DeviceCounters) {
	e.ifaces.InterfaceStatsRefresh(name, counters)
}

// SocketClosed untags sock if it is still tagged.
func (e *Engine) SocketClosed(sock SocketID) bool {
	st, err := e.socks.UntagSocket(sock, nil)
	if err != nil {
		return false
	}
	e.events.SocketsClosed.Add(1)
	e.logger.Debug("Closed socket untagged", "socket", sock, "tag", st.Tag.AcctHex(), "uid", st.Tag.UID())
	return true
}

// TaggedSockets lists every tagged socket.
func (e *Engine) TaggedSockets() []SockTag {
	return e.socks.Snapshot()
}

// OpenSession registers a control session for uid.
func (e *Engine) OpenSession(id SessionID, uid uint32, pid int32) error {
	e.life.RLock()
	defer e.life.RUnlock()
	if e.closed.Load() {
		return errors.New(errors.KindInternal, "engine is closed")
	}
	if err := e.sessions.OpenSession(id, uid, pid); err != nil {
		return err
	}
	e.events.SessionsOpened.Add(1)
	return nil
}

// CloseSession tears down session id, untagging every socket it owns.
func (e *Engine) CloseSession(id SessionID) error {
	untagged, err := e.sessions.CloseSession(id)
	if errors.GetKind(err) == errors.KindNotFound && untagged == nil {
		return err
	}
	e.events.SessionsClosed.Add(1)
	if len(untagged) > 0 {
		e.events.SocketsUntagged.Add(uint64(len(untagged)))
		e.logger.Debug("Session closed", "session", id, "untagged", len(untagged))
	}
	return err
}

// Execute runs one control line for c. See CommandProcessor.Execute.
func (e *Engine) Execute(c Caller, line string) (int, error) {
	e.life.RLock()
	defer e.life.RUnlock()
	if e.closed.Load() {
		err := errors.New(errors.KindInternal, "engine is closed")
		return errors.Errno(err), err
	}
	return e.cmds.Execute(c, line)
}

// Close drains every open session. The engine accepts no further sessions,
// commands or packets afterwards.
func (e *Engine) Close() error {
	var firstErr error
	e.closeOnce.Do(func() {
		e.life.Lock()
		e.closed.Store(true)
		ids := e.sessions.IDs()
		e.life.Unlock()

		for _, id := range ids {
			if err := e.CloseSession(id); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		e.logger.Info("Engine closed", "tagged_sockets", e.socks.Len(), "interfaces", e.ifaces.Len())
	})
	return firstErr
}

// Registry returns the per-uid tag reference table.
func (e *Engine) Registry() *TagRegistry { return e.registry }

// SockTags returns the socket tag table.
func (e *Engine) SockTags() *SockTagTable { return e.socks }

// Interfaces returns the interface registry and its per-interface tag stats.
func (e *Engine) Interfaces() *InterfaceRegistry { return e.ifaces }

// CounterSets returns the per-uid active counter set table.
func (e *Engine) CounterSets() *CounterSetTable { return e.sets }

// Sessions returns the control session registry.
func (e *Engine) Sessions() *ProcSessionRegistry { return e.sessions }

// Commands returns the processor behind Execute.
func (e *Engine) Commands() *CommandProcessor { return e.cmds }

// Permissions returns the policy commands and reads are checked against.
func (e *Engine) Permissions() Permissions { return e.cmds.perms }

// Events returns a point-in-time copy of the event counters.
func (e *Engine) Events() EventsSnapshot { return e.events.Snapshot() }

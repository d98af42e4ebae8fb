// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package qtaguid

import (
	"sync"

	"github.com/google/btree"

	"grimm.is/tagacct/internal/errors"
)

// DeviceCounters are the byte/packet counters a network device reports.
type DeviceCounters struct {
	RxBytes   uint64 `json:"rx_bytes"`
	RxPackets uint64 `json:"rx_packets"`
	TxBytes   uint64 `json:"tx_bytes"`
	TxPackets uint64 `json:"tx_packets"`
}

func (c DeviceCounters) plus(o DeviceCounters) DeviceCounters {
	return DeviceCounters{
		RxBytes:   c.RxBytes + o.RxBytes,
		RxPackets: c.RxPackets + o.RxPackets,
		TxBytes:   c.TxBytes + o.TxBytes,
		TxPackets: c.TxPackets + o.TxPackets,
	}
}

// rewoundFrom reports whether c is behind prev on any counter, which only
// happens when the device reset its counters.
func (c DeviceCounters) rewoundFrom(prev DeviceCounters) bool {
	return c.RxBytes < prev.RxBytes || c.TxBytes < prev.TxBytes ||
		c.RxPackets < prev.RxPackets || c.TxPackets < prev.TxPackets
}

// Interface is one tracked network interface.
//
// Device-level accounting keeps three values: totals folded in from earlier
// counter epochs, the live counters of the current epoch, and a stash of the
// counters seen when the device went down. DeviceTotals is folded + live.
type Interface struct {
	name  string
	stats *TagStatTree

	mu             sync.Mutex
	active         bool
	present        bool
	live           DeviceCounters
	folded         DeviceCounters
	lastKnown      DeviceCounters
	lastKnownValid bool
	viaPacket      DirProtoCounters
}

// Name returns the interface name.
func (i *Interface) Name() string { return i.name }

// Stats returns the interface's tag stat tree.
func (i *Interface) Stats() *TagStatTree { return i.stats }

// refreshLocked records a live snapshot, folding the previous epoch when
// the device counters went backwards.
func (i *Interface) refreshLocked(c DeviceCounters) bool {
	rewound := c.rewoundFrom(i.live)
	if rewound {
		i.folded = i.folded.plus(i.live)
	}
	i.live = c
	return rewound
}

// InterfaceTotals is a point-in-time view of an interface.
type InterfaceTotals struct {
	Name         string           `json:"name"`
	Active       bool             `json:"active"`
	Present      bool             `json:"present"`
	DeviceTotals DeviceCounters   `json:"device_totals"`
	Stash        *DeviceCounters  `json:"stash,omitempty"`
	PacketTotals DirProtoCounters `json:"packet_totals"`
	NumTagStats  int              `json:"num_tag_stats"`
}

// Totals returns a snapshot of the interface counters.
func (i *Interface) Totals() InterfaceTotals {
	i.mu.Lock()
	out := InterfaceTotals{
		Name:         i.name,
		Active:       i.active,
		Present:      i.present,
		DeviceTotals: i.folded.plus(i.live),
		PacketTotals: i.viaPacket,
	}
	if i.lastKnownValid {
		stash := i.lastKnown
		out.Stash = &stash
	}
	i.mu.Unlock()

	out.NumTagStats = i.stats.Len()
	return out
}

// InterfaceRegistry tracks interfaces by name. Interfaces are never
// forgotten: a removed device keeps its historical stats.
//
// Lock order: InterfaceRegistry.mu before any Interface.mu or TagStatTree.mu.
type InterfaceRegistry struct {
	mu           sync.RWMutex
	ifaces       *btree.BTreeG[*Interface]
	counterSets  int
	maxIfaces    int
	maxTagStats  int
	rewindEvents func()
}

// NewInterfaceRegistry creates an empty registry.
func NewInterfaceRegistry(counterSets, maxIfaces, maxTagStatsPerIface int) *InterfaceRegistry {
	return &InterfaceRegistry{
		ifaces: btree.NewG(btreeDegree, func(a, b *Interface) bool {
			return a.name < b.name
		}),
		counterSets: counterSets,
		maxIfaces:   maxIfaces,
		maxTagStats: maxTagStatsPerIface,
	}
}

// Get returns the interface named name.
func (r *InterfaceRegistry) Get(name string) (*Interface, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.ifaces.Get(&Interface{name: name})
}

func (r *InterfaceRegistry) getOrCreate(name string) (*Interface, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if iface, ok := r.ifaces.Get(&Interface{name: name}); ok {
		return iface, false, nil
	}
	if r.maxIfaces > 0 && r.ifaces.Len() >= r.maxIfaces {
		return nil, false, errors.Errorf(errors.KindResource, "interface table full (%d entries)", r.maxIfaces)
	}
	iface := &Interface{
		name:  name,
		stats: newTagStatTree(r.counterSets, r.maxTagStats),
	}
	r.ifaces.ReplaceOrInsert(iface)
	return iface, true, nil
}

func (r *InterfaceRegistry) noteRewind() {
	if r.rewindEvents != nil {
		r.rewindEvents()
	}
}

// InterfaceUp marks name active, creating it on first sight. current
// carries the device counters at the time it came up, or nil if unknown
// (treated as zero). If a stash from the last down exists and current is
// behind it, the device reset while down and the stash is folded in.
func (r *InterfaceRegistry) InterfaceUp(name string, current *DeviceCounters) error {
	iface, created, err := r.getOrCreate(name)
	if err != nil {
		return err
	}

	var c DeviceCounters
	if current != nil {
		c = *current
	}

	iface.mu.Lock()
	defer iface.mu.Unlock()

	iface.present = true
	if created || iface.active {
		iface.active = true
		if current != nil && iface.refreshLocked(c) {
			r.noteRewind()
		}
		return nil
	}

	iface.active = true
	if iface.lastKnownValid {
		if c.rewoundFrom(iface.lastKnown) {
			iface.folded = iface.folded.plus(iface.lastKnown)
			r.noteRewind()
		}
		iface.lastKnownValid = false
	}
	iface.live = c
	return nil
}

// InterfaceStatsRefresh records live device counters for an active
// interface. Unknown interfaces are ignored.
func (r *InterfaceRegistry) InterfaceStatsRefresh(name string, current DeviceCounters) {
	iface, ok := r.Get(name)
	if !ok {
		return
	}
	iface.mu.Lock()
	defer iface.mu.Unlock()

	if iface.refreshLocked(current) {
		r.noteRewind()
	}
}

// InterfaceDown records the final counters of name, stashes them for
// rewind detection on the next up, and marks it inactive.
func (r *InterfaceRegistry) InterfaceDown(name string, snapshot DeviceCounters) {
	iface, ok := r.Get(name)
	if !ok {
		return
	}
	iface.mu.Lock()
	defer iface.mu.Unlock()

	if iface.refreshLocked(snapshot) {
		r.noteRewind()
	}
	iface.lastKnown = iface.live
	iface.lastKnownValid = true
	iface.active = false
}

// InterfaceRemoved folds the final counters of name into its totals and
// stops tracking the device. Its tag stats stay queryable.
func (r *InterfaceRegistry) InterfaceRemoved(name string, snapshot DeviceCounters) {
	iface, ok := r.Get(name)
	if !ok {
		return
	}
	iface.mu.Lock()
	defer iface.mu.Unlock()

	if iface.refreshLocked(snapshot) {
		r.noteRewind()
	}
	iface.folded = iface.folded.plus(iface.live)
	iface.live = DeviceCounters{}
	iface.lastKnownValid = false
	iface.active = false
	iface.present = false
}

// RecordPacket adds a packet to the packet-path totals of name. It reports
// false for unknown interfaces.
func (r *InterfaceRegistry) RecordPacket(name string, dir Direction, proto ProtoClass, bytes uint64) (*Interface, bool) {
	iface, ok := r.Get(name)
	if !ok {
		return nil, false
	}
	iface.mu.Lock()
	iface.viaPacket[dir][proto].add(bytes)
	iface.mu.Unlock()
	return iface, true
}

// GetOrCreateTagStat makes sure name's tree has a node for tag, and for its
// aggregate when tag is a refinement. The packet path does not call it:
// TagStatTree.Account creates and counts under one lock so a concurrent
// delete cannot drop the packet between the two.
func (r *InterfaceRegistry) GetOrCreateTagStat(name string, tag Tag) (*TagStatTree, error) {
	iface, ok := r.Get(name)
	if !ok {
		return nil, errors.Errorf(errors.KindNotFound, "interface %s is not tracked", name)
	}
	if err := iface.stats.Ensure(tag); err != nil {
		return nil, err
	}
	return iface.stats, nil
}

// ForEach calls fn for every interface in name order while holding the
// registry read lock.
func (r *InterfaceRegistry) ForEach(fn func(*Interface) bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	r.ifaces.Ascend(fn)
}

// DeleteTagStats removes matching stat nodes from every interface.
func (r *InterfaceRegistry) DeleteTagStats(uid, acct uint32) int {
	removed := 0
	r.ForEach(func(iface *Interface) bool {
		removed += iface.stats.Delete(uid, acct)
		return true
	})
	return removed
}

// Totals returns a snapshot of every interface.
func (r *InterfaceRegistry) Totals() []InterfaceTotals {
	var out []InterfaceTotals
	r.ForEach(func(iface *Interface) bool {
		out = append(out, iface.Totals())
		return true
	})
	return out
}

// Len returns the number of tracked interfaces.
func (r *InterfaceRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.ifaces.Len()
}

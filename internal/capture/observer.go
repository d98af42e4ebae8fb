// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package capture turns logged packets into accounting observations.
package capture

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"grimm.is/tagacct/internal/kernel"
	"grimm.is/tagacct/internal/logging"
	"grimm.is/tagacct/internal/qtaguid"
)

// Record is one logged packet. Interface indexes are zero when absent.
type Record struct {
	InDev   uint32
	OutDev  uint32
	UID     *uint32
	Payload []byte
}

// PacketSink accounts packets. *qtaguid.Engine implements it.
type PacketSink interface {
	PacketObserved(p qtaguid.Packet)
}

// IfaceNamer maps interface indexes to names. *netmon.Service implements it.
type IfaceNamer interface {
	NameByIndex(index int) (string, bool)
}

// Stats counts observer outcomes.
type Stats struct {
	Observed       uint64 `json:"observed"`
	Undecodable    uint64 `json:"undecodable"`
	NoInterface    uint64 `json:"no_interface"`
	SocketMisses   uint64 `json:"socket_misses"`
	TableRefreshes uint64 `json:"table_refreshes"`
}

// Observer resolves the interface, direction and owning socket of each
// record and hands it to the sink.
type Observer struct {
	sink   PacketSink
	names  IfaceNamer
	kern   kernel.Kernel
	minAge time.Duration
	logger *logging.Logger

	mu      sync.Mutex
	table   *kernel.SocketTable
	fetched time.Time

	observed       atomic.Uint64
	undecodable    atomic.Uint64
	noInterface    atomic.Uint64
	socketMisses   atomic.Uint64
	tableRefreshes atomic.Uint64
}

// NewObserver creates an observer. The socket table is re-read on a lookup
// miss at most once per minAge.
func NewObserver(sink PacketSink, names IfaceNamer, kern kernel.Kernel, minAge time.Duration, logger *logging.Logger) *Observer {
	if logger == nil {
		logger = logging.WithComponent("capture")
	}
	return &Observer{
		sink:   sink,
		names:  names,
		kern:   kern,
		minAge: minAge,
		logger: logger,
	}
}

// Observe processes one record.
func (o *Observer) Observe(rec Record) {
	o.observed.Add(1)

	h, ok := Decode(rec.Payload)
	if !ok {
		o.undecodable.Add(1)
		return
	}

	dir := qtaguid.DirRX
	index := rec.InDev
	local, remote := h.Dst, h.Src
	if rec.OutDev != 0 && rec.InDev == 0 {
		dir = qtaguid.DirTX
		index = rec.OutDev
		local, remote = h.Src, h.Dst
	}
	name, ok := o.names.NameByIndex(int(index))
	if !ok {
		o.noInterface.Add(1)
		return
	}

	p := qtaguid.Packet{
		Iface: name,
		Dir:   dir,
		Proto: qtaguid.ProtoClassFromIPProto(h.Proto),
		Len:   uint64(h.Len),
	}
	if rec.UID != nil {
		p.FallbackUID = *rec.UID
	}
	if h.Proto == kernel.ProtoTCP || h.Proto == kernel.ProtoUDP {
		if sock, found := o.lookup(h.Proto, local, remote); found {
			p.Socket = sock.ID()
			p.HasSocket = true
			if rec.UID == nil {
				p.FallbackUID = sock.UID
			}
		} else {
			o.socketMisses.Add(1)
		}
	}
	o.sink.PacketObserved(p)
}

func (o *Observer) lookup(proto uint8, local, remote netip.AddrPort) (kernel.Socket, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.table != nil {
		if s, ok := o.table.Lookup(proto, local, remote); ok {
			return s, true
		}
	}
	now := o.kern.Now()
	if o.table != nil && now.Sub(o.fetched) < o.minAge {
		return kernel.Socket{}, false
	}
	table, err := o.kern.Sockets()
	o.fetched = now
	if err != nil {
		o.logger.Debug("Socket table unavailable", "error", err)
		return kernel.Socket{}, false
	}
	o.table = table
	o.tableRefreshes.Add(1)
	return table.Lookup(proto, local, remote)
}

// Stats returns a snapshot of the counters.
func (o *Observer) Stats() Stats {
	return Stats{
		Observed:       o.observed.Load(),
		Undecodable:    o.undecodable.Load(),
		NoInterface:    o.noInterface.Load(),
		SocketMisses:   o.socketMisses.Load(),
		TableRefreshes: o.tableRefreshes.Load(),
	}
}

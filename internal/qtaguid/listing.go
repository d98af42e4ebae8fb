// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package qtaguid

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// StatsHeader names the columns of a stats row. The header occupies index 1;
// data rows start at 2.
const StatsHeader = "idx iface acct_tag_hex uid_tag_int cnt_set " +
	"rx_bytes rx_packets tx_bytes tx_packets " +
	"rx_tcp_bytes rx_tcp_packets rx_udp_bytes rx_udp_packets rx_other_bytes rx_other_packets " +
	"tx_tcp_bytes tx_tcp_packets tx_udp_bytes tx_udp_packets tx_other_bytes tx_other_packets"

// FirstStatsIndex is the index of the first data row.
const FirstStatsIndex = 2

// StatRow is one (interface, tag, counter set) triple.
type StatRow struct {
	Index      int
	Iface      string
	Tag        Tag
	CounterSet int
	Counters   DirProtoCounters
}

// Values returns the sixteen counter columns in header order.
func (r StatRow) Values() []uint64 {
	rx, tx := r.Counters.Total(DirRX), r.Counters.Total(DirTX)
	out := []uint64{rx.Bytes, rx.Packets, tx.Bytes, tx.Packets}
	for _, dir := range []Direction{DirRX, DirTX} {
		for proto := ProtoTCP; proto < numProtoClasses; proto++ {
			c := r.Counters[dir][proto]
			out = append(out, c.Bytes, c.Packets)
		}
	}
	return out
}

// String renders the row in the column order of StatsHeader.
func (r StatRow) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d %s %s %d %d", r.Index, r.Iface, r.Tag.AcctHex(), r.Tag.UID(), r.CounterSet)
	for _, v := range r.Values() {
		b.WriteByte(' ')
		b.WriteString(strconv.FormatUint(v, 10))
	}
	return b.String()
}

// StatRows lists every stats row c may read, interfaces in name order and
// tags in (uid, acct) order, one row per counter set.
func (e *Engine) StatRows(c Caller) []StatRow {
	perms := e.Permissions()
	var rows []StatRow
	idx := FirstStatsIndex
	e.ifaces.ForEach(func(iface *Interface) bool {
		for _, snap := range iface.Stats().Snapshot() {
			if !perms.CanReadUIDStats(c, snap.Tag.UID()) {
				continue
			}
			for set, counters := range snap.Counters {
				rows = append(rows, StatRow{
					Index:      idx,
					Iface:      iface.Name(),
					Tag:        snap.Tag,
					CounterSet: set,
					Counters:   counters,
				})
				idx++
			}
		}
		return true
	})
	return rows
}

// WriteStats writes the header followed by rows.
func WriteStats(w io.Writer, rows []StatRow) error {
	bw := bufio.NewWriter(w)
	bw.WriteString(StatsHeader)
	bw.WriteByte('\n')
	for _, r := range rows {
		bw.WriteString(r.String())
		bw.WriteByte('\n')
	}
	return bw.Flush()
}

// SockTagRows lists the tagged sockets c may see.
func (e *Engine) SockTagRows(c Caller) []SockTag {
	perms := e.Permissions()
	all := e.socks.Snapshot()
	rows := all[:0]
	for _, st := range all {
		if perms.CanReadUIDStats(c, st.Tag.UID()) {
			rows = append(rows, st)
		}
	}
	return rows
}

// WriteSockTags writes one line per tagged socket followed by the event
// counters.
func WriteSockTags(w io.Writer, rows []SockTag, ev EventsSnapshot) error {
	bw := bufio.NewWriter(w)
	for _, st := range rows {
		fmt.Fprintf(bw, "sock=%d tag=0x%x (uid=%d) pid=%d owner=%d\n",
			st.Socket, uint64(st.Tag), st.Tag.UID(), st.PID, st.Owner)
	}
	fmt.Fprintf(bw, "events: sockets_tagged=%d sockets_untagged=%d sockets_closed=%d "+
		"counter_set_changes=%d delete_cmds=%d iface_events=%d device_rewinds=%d "+
		"match_calls=%d match_found_sock_tag=%d match_found_no_sock_tag=%d match_no_sk=%d "+
		"packets_unknown_iface=%d stat_alloc_failures=%d\n",
		ev.SocketsTagged, ev.SocketsUntagged, ev.SocketsClosed,
		ev.CounterSetChanges, ev.DeleteCommands, ev.IfaceEvents, ev.DeviceRewinds,
		ev.MatchCalls, ev.MatchFoundSockTag, ev.MatchFoundNoSockTag, ev.MatchNoSocket,
		ev.PacketsUnknownIface, ev.StatAllocFailures)
	return bw.Flush()
}

// InterfaceTotals returns a snapshot of every tracked interface.
func (e *Engine) InterfaceTotals() []InterfaceTotals {
	return e.ifaces.Totals()
}

// WriteInterfaceTotals writes one line per interface:
//
//	name active dev_rx_bytes dev_rx_packets dev_tx_bytes dev_tx_packets pkt_rx_bytes pkt_rx_packets pkt_tx_bytes pkt_tx_packets
func WriteInterfaceTotals(w io.Writer, totals []InterfaceTotals) error {
	bw := bufio.NewWriter(w)
	for _, t := range totals {
		active := 0
		if t.Active {
			active = 1
		}
		rx, tx := t.PacketTotals.Total(DirRX), t.PacketTotals.Total(DirTX)
		d := t.DeviceTotals
		fmt.Fprintf(bw, "%s %d %d %d %d %d %d %d %d %d\n", t.Name, active,
			d.RxBytes, d.RxPackets, d.TxBytes, d.TxPackets,
			rx.Bytes, rx.Packets, tx.Bytes, tx.Packets)
	}
	return bw.Flush()
}

// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package qtaguid

import "sync/atomic"

// Events counts notable engine activity.
type Events struct {
	SocketsTagged       atomic.Uint64
	SocketsUntagged     atomic.Uint64
	SocketsClosed       atomic.Uint64
	CounterSetChanges   atomic.Uint64
	DeleteCommands      atomic.Uint64
	IfaceEvents         atomic.Uint64
	DeviceRewinds       atomic.Uint64
	MatchCalls          atomic.Uint64
	MatchFoundSockTag   atomic.Uint64
	MatchFoundNoSockTag atomic.Uint64
	MatchNoSocket       atomic.Uint64
	PacketsUnknownIface atomic.Uint64
	StatAllocFailures   atomic.Uint64
	SessionsOpened      atomic.Uint64
	SessionsClosed      atomic.Uint64
	CommandErrors       atomic.Uint64
}

// EventsSnapshot is a plain copy of Events.
type EventsSnapshot struct {
	SocketsTagged       uint64 `json:"sockets_tagged"`
	SocketsUntagged     uint64 `json:"sockets_untagged"`
	SocketsClosed       uint64 `json:"sockets_closed"`
	CounterSetChanges   uint64 `json:"counter_set_changes"`
	DeleteCommands      uint64 `json:"delete_cmds"`
	IfaceEvents         uint64 `json:"iface_events"`
	DeviceRewinds       uint64 `json:"device_rewinds"`
	MatchCalls          uint64 `json:"match_calls"`
	MatchFoundSockTag   uint64 `json:"match_found_sock_tag"`
	MatchFoundNoSockTag uint64 `json:"match_found_no_sock_tag"`
	MatchNoSocket       uint64 `json:"match_no_sk"`
	PacketsUnknownIface uint64 `json:"packets_unknown_iface"`
	StatAllocFailures   uint64 `json:"stat_alloc_failures"`
	SessionsOpened      uint64 `json:"sessions_opened"`
	SessionsClosed      uint64 `json:"sessions_closed"`
	CommandErrors       uint64 `json:"command_errors"`
}

// Snapshot copies the counters.
func (e *Events) Snapshot() EventsSnapshot {
	return EventsSnapshot{
		SocketsTagged:       e.SocketsTagged.Load(),
		SocketsUntagged:     e.SocketsUntagged.Load(),
		SocketsClosed:       e.SocketsClosed.Load(),
		CounterSetChanges:   e.CounterSetChanges.Load(),
		DeleteCommands:      e.DeleteCommands.Load(),
		IfaceEvents:         e.IfaceEvents.Load(),
		DeviceRewinds:       e.DeviceRewinds.Load(),
		MatchCalls:          e.MatchCalls.Load(),
		MatchFoundSockTag:   e.MatchFoundSockTag.Load(),
		MatchFoundNoSockTag: e.MatchFoundNoSockTag.Load(),
		MatchNoSocket:       e.MatchNoSocket.Load(),
		PacketsUnknownIface: e.PacketsUnknownIface.Load(),
		StatAllocFailures:   e.StatAllocFailures.Load(),
		SessionsOpened:      e.SessionsOpened.Load(),
		SessionsClosed:      e.SessionsClosed.Load(),
		CommandErrors:       e.CommandErrors.Load(),
	}
}

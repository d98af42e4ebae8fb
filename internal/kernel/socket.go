// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package kernel

import (
	"net/netip"

	"grimm.is/tagacct/internal/qtaguid"
)

// IP protocol numbers of the socket tables we read.
const (
	ProtoTCP uint8 = 6
	ProtoUDP uint8 = 17
)

// Socket is one row of the kernel socket tables.
type Socket struct {
	Inode  uint64
	UID    uint32
	Proto  uint8
	Local  netip.AddrPort
	Remote netip.AddrPort
}

// ID returns the accounting identity of s.
func (s Socket) ID() qtaguid.SocketID { return qtaguid.SocketID(s.Inode) }

type connKey struct {
	proto  uint8
	local  netip.AddrPort
	remote netip.AddrPort
}

type bindKey struct {
	proto uint8
	port  uint16
}

// SocketTable indexes a socket snapshot for packet lookups.
type SocketTable struct {
	byInode map[uint64]Socket
	byConn  map[connKey]Socket
	byBind  map[bindKey][]Socket
}

// NewSocketTable indexes socks.
func NewSocketTable(socks []Socket) *SocketTable {
	t := &SocketTable{
		byInode: make(map[uint64]Socket, len(socks)),
		byConn:  make(map[connKey]Socket, len(socks)),
		byBind:  make(map[bindKey][]Socket),
	}
	for _, s := range socks {
		// Inode 0 marks sockets in TIME_WAIT and similar states with no owner.
		if s.Inode == 0 {
			continue
		}
		s.Local = normalize(s.Local)
		s.Remote = normalize(s.Remote)
		t.byInode[s.Inode] = s
		if s.Remote.Port() != 0 {
			t.byConn[connKey{s.Proto, s.Local, s.Remote}] = s
		} else {
			k := bindKey{s.Proto, s.Local.Port()}
			t.byBind[k] = append(t.byBind[k], s)
		}
	}
	return t
}

func normalize(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// Len returns the number of sockets.
func (t *SocketTable) Len() int { return len(t.byInode) }

// Has reports whether a socket with the given identity is live.
func (t *SocketTable) Has(id qtaguid.SocketID) bool {
	_, ok := t.byInode[uint64(id)]
	return ok
}

// Get returns the socket with the given identity.
func (t *SocketTable) Get(id qtaguid.SocketID) (Socket, bool) {
	s, ok := t.byInode[uint64(id)]
	return s, ok
}

// IDs returns the identities of every socket.
func (t *SocketTable) IDs() map[qtaguid.SocketID]struct{} {
	out := make(map[qtaguid.SocketID]struct{}, len(t.byInode))
	for inode := range t.byInode {
		out[qtaguid.SocketID(inode)] = struct{}{}
	}
	return out
}

// Lookup finds the local socket for a packet seen from the host's side:
// local is this host's endpoint, remote the peer. A connected socket wins
// over a bound one; a bound socket matches its address or a wildcard.
func (t *SocketTable) Lookup(proto uint8, local, remote netip.AddrPort) (Socket, bool) {
	local, remote = normalize(local), normalize(remote)
	if s, ok := t.byConn[connKey{proto, local, remote}]; ok {
		return s, true
	}
	var wildcard *Socket
	for i, s := range t.byBind[bindKey{proto, local.Port()}] {
		if s.Local.Addr() == local.Addr() {
			return s, true
		}
		if s.Local.Addr().IsUnspecified() && wildcard == nil {
			wildcard = &t.byBind[bindKey{proto, local.Port()}][i]
		}
	}
	if wildcard != nil {
		return *wildcard, true
	}
	return Socket{}, false
}

// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package kernel

import (
	"net/netip"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"grimm.is/tagacct/internal/errors"
	"grimm.is/tagacct/internal/qtaguid"
)

type fdKey struct {
	pid int32
	fd  int
}

// SimKernel is a stateful in-memory kernel for tests. It keeps a socket
// table and per-process descriptor tables without touching /proc.
type SimKernel struct {
	mu sync.RWMutex

	// Clock for deterministic tests; nil means time.Now.
	Clock func() time.Time

	nextInode uint64
	sockets   map[uint64]Socket
	fds       map[fdKey]uint64
}

// NewSimKernel creates an empty simulation kernel.
func NewSimKernel() *SimKernel {
	return &SimKernel{
		nextInode: 1000,
		sockets:   make(map[uint64]Socket),
		fds:       make(map[fdKey]uint64),
	}
}

// Now returns the simulated time.
func (s *SimKernel) Now() time.Time {
	if s.Clock != nil {
		return s.Clock()
	}
	return time.Now()
}

// OpenSocket creates a socket owned by uid, installs it as fd in pid and
// returns its identity.
func (s *SimKernel) OpenSocket(pid int32, fd int, uid uint32, proto uint8, local, remote netip.AddrPort) qtaguid.SocketID {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextInode++
	inode := s.nextInode
	s.sockets[inode] = Socket{Inode: inode, UID: uid, Proto: proto, Local: local, Remote: remote}
	s.fds[fdKey{pid, fd}] = inode
	return qtaguid.SocketID(inode)
}

// InstallFD makes fd in pid refer to an existing socket, as after a
// descriptor is passed between processes.
func (s *SimKernel) InstallFD(pid int32, fd int, id qtaguid.SocketID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.fds[fdKey{pid, fd}] = uint64(id)
}

// CloseSocket removes a socket and every descriptor referring to it.
func (s *SimKernel) CloseSocket(id qtaguid.SocketID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sockets, uint64(id))
	for k, inode := range s.fds {
		if inode == uint64(id) {
			delete(s.fds, k)
		}
	}
}

// ResolveSocket looks up fd in pid's descriptor table.
func (s *SimKernel) ResolveSocket(pid int32, fd int) (qtaguid.SocketID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inode, ok := s.fds[fdKey{pid, fd}]
	if !ok {
		return 0, errors.Attr(
			errors.Errorf(errors.KindValidation, "pid %d has no fd %d", pid, fd),
			errors.AttrErrno, unix.EBADF)
	}
	return qtaguid.SocketID(inode), nil
}

// HoldsSocket reports whether pid has a descriptor for the socket.
func (s *SimKernel) HoldsSocket(pid int32, id qtaguid.SocketID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for k, inode := range s.fds {
		if k.pid == pid && inode == uint64(id) {
			return true
		}
	}
	return false
}

// Sockets returns a snapshot of the live sockets.
func (s *SimKernel) Sockets() (*SocketTable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	socks := make([]Socket, 0, len(s.sockets))
	for _, sock := range s.sockets {
		// Unbound sockets are not hashed and do not show up in the tables.
		if !sock.Local.IsValid() {
			continue
		}
		socks = append(socks, sock)
	}
	return NewSocketTable(socks), nil
}

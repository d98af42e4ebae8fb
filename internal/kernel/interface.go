// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package kernel provides an abstraction over the host's socket tables.
// On Linux, it reads /proc for file descriptors and socket tables.
// In tests, SimKernel provides a stateful in-memory implementation.
package kernel

import (
	"time"

	"grimm.is/tagacct/internal/qtaguid"
)

// Kernel abstracts the OS socket subsystem.
// Front ends interact with this interface instead of reading /proc directly.
type Kernel interface {
	// ResolveSocket maps a descriptor in process pid to the socket
	// identity used by the accounting engine (the socket inode).
	ResolveSocket(pid int32, fd int) (qtaguid.SocketID, error)

	// Sockets returns a snapshot of every live TCP and UDP socket.
	Sockets() (*SocketTable, error)

	// HoldsSocket reports whether process pid still has a descriptor
	// referring to the socket. Sockets that are neither bound nor connected
	// are missing from the socket tables but still open.
	HoldsSocket(pid int32, id qtaguid.SocketID) bool

	// Time abstraction (for deterministic tests)
	Now() time.Time
}

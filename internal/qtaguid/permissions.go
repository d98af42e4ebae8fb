// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package qtaguid

// Caller identifies who issued a command or a read.
type Caller struct {
	UID     uint32
	GID     uint32
	PID     int32
	Session SessionID
}

// Permissions is the privilege policy. Root is always privileged.
type Permissions struct {
	CtrlWriteLimited    bool
	StatsReadAllLimited bool
	PrivilegedUIDs      map[uint32]bool
	PrivilegedGIDs      map[uint32]bool
}

// DefaultPermissions limits both writes and reads to root.
func DefaultPermissions() Permissions {
	return Permissions{CtrlWriteLimited: true, StatsReadAllLimited: true}
}

func (p Permissions) privileged(c Caller) bool {
	return c.UID == 0 || p.PrivilegedUIDs[c.UID] || p.PrivilegedGIDs[c.GID]
}

// CanManipulateUIDs reports whether c may act on any uid's tags and
// counter sets.
func (p Permissions) CanManipulateUIDs(c Caller) bool {
	return !p.CtrlWriteLimited || p.privileged(c)
}

// CanImpersonateUID reports whether c may tag or delete on behalf of uid.
func (p Permissions) CanImpersonateUID(c Caller, uid uint32) bool {
	return c.UID == uid || p.CanManipulateUIDs(c)
}

// CanReadUIDStats reports whether c may see uid's rows.
func (p Permissions) CanReadUIDStats(c Caller, uid uint32) bool {
	return c.UID == uid || !p.StatsReadAllLimited || p.privileged(c)
}

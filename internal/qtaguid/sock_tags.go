// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package qtaguid

import (
	"sync"

	"github.com/google/btree"

	"grimm.is/tagacct/internal/errors"
)

// SockTag is the current tag assignment of one socket.
type SockTag struct {
	Socket SocketID  `json:"socket"`
	Tag    Tag       `json:"tag"`
	Owner  SessionID `json:"owner_session"`
	PID    int32     `json:"pid"`
}

// SockTagTable maps sockets to their tags. It is the only place the packet
// path reads tag assignments from.
//
// Lock order: SockTagTable.mu is always taken before TagRegistry.mu.
type SockTagTable struct {
	mu        sync.RWMutex
	socks     *btree.BTreeG[*SockTag]
	bySession map[SessionID]map[SocketID]struct{}
	registry  *TagRegistry
	max       int
}

// NewSockTagTable creates a table backed by registry. max bounds the number
// of tagged sockets; 0 means unbounded.
func NewSockTagTable(registry *TagRegistry, max int) *SockTagTable {
	return &SockTagTable{
		socks: btree.NewG(btreeDegree, func(a, b *SockTag) bool {
			return a.Socket < b.Socket
		}),
		bySession: make(map[SessionID]map[SocketID]struct{}),
		registry:  registry,
		max:       max,
	}
}

// TagSocket assigns tag to sock. A retag swaps the tag in place; the owner
// recorded on first tagging is kept. The whole swap happens under the
// exclusive lock, so Lookup sees either the old or the new tag.
func (t *SockTagTable) TagSocket(sock SocketID, tag Tag, owner SessionID, pid int32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	existing, retag := t.socks.Get(&SockTag{Socket: sock})
	if retag && existing.Tag == tag {
		return nil
	}
	if !retag && t.max > 0 && t.socks.Len() >= t.max {
		return errors.Errorf(errors.KindResource, "tagged socket table full (%d entries)", t.max)
	}

	if err := t.registry.Acquire(tag); err != nil {
		return err
	}

	if retag {
		old := existing.Tag
		existing.Tag = tag
		if err := t.registry.Release(old); err != nil {
			return errors.Wrapf(err, errors.KindInternal, "socket %d held unreferenced %s", sock, old)
		}
		return nil
	}

	st := &SockTag{Socket: sock, Tag: tag, Owner: owner, PID: pid}
	t.socks.ReplaceOrInsert(st)
	if owner != 0 {
		set := t.bySession[owner]
		if set == nil {
			set = make(map[SocketID]struct{})
			t.bySession[owner] = set
		}
		set[sock] = struct{}{}
	}
	return nil
}

// Authorizer decides whether an untag of st may proceed.
type Authorizer func(st SockTag) error

// UntagSocket removes sock's tag. authorize, when non-nil, is consulted
// under the lock before anything is mutated.
func (t *SockTagTable) UntagSocket(sock SocketID, authorize Authorizer) (SockTag, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.socks.Get(&SockTag{Socket: sock})
	if !ok {
		return SockTag{}, errors.Errorf(errors.KindNotFound, "socket %d is not tagged", sock)
	}
	if authorize != nil {
		if err := authorize(*st); err != nil {
			return SockTag{}, err
		}
	}
	return *st, t.removeLocked(st)
}

func (t *SockTagTable) removeLocked(st *SockTag) error {
	t.socks.Delete(st)
	if set := t.bySession[st.Owner]; set != nil {
		delete(set, st.Socket)
		if len(set) == 0 {
			delete(t.bySession, st.Owner)
		}
	}
	return t.registry.Release(st.Tag)
}

// Lookup returns the tag of sock.
func (t *SockTagTable) Lookup(sock SocketID) (Tag, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	st, ok := t.socks.Get(&SockTag{Socket: sock})
	if !ok {
		return 0, false
	}
	return st.Tag, true
}

// Get returns the full entry for sock.
func (t *SockTagTable) Get(sock SocketID) (SockTag, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	st, ok := t.socks.Get(&SockTag{Socket: sock})
	if !ok {
		return SockTag{}, false
	}
	return *st, true
}

// DeleteByUID force-untags every socket whose tag belongs to uid and, when
// acct is non-zero, carries that accounting tag. Ownership is not checked.
func (t *SockTagTable) DeleteByUID(uid, acct uint32) ([]SockTag, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var victims []*SockTag
	t.socks.Ascend(func(st *SockTag) bool {
		if st.Tag.UID() == uid && (acct == 0 || st.Tag.AcctTag() == acct) {
			victims = append(victims, st)
		}
		return true
	})
	return t.removeAllLocked(victims)
}

// UntagSession force-untags every socket owned by session.
func (t *SockTagTable) UntagSession(session SessionID) ([]SockTag, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var victims []*SockTag
	for sock := range t.bySession[session] {
		if st, ok := t.socks.Get(&SockTag{Socket: sock}); ok {
			victims = append(victims, st)
		}
	}
	return t.removeAllLocked(victims)
}

func (t *SockTagTable) removeAllLocked(victims []*SockTag) ([]SockTag, error) {
	removed := make([]SockTag, 0, len(victims))
	var firstErr error
	for _, st := range victims {
		removed = append(removed, *st)
		if err := t.removeLocked(st); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return removed, firstErr
}

// Snapshot returns all entries ordered by socket.
func (t *SockTagTable) Snapshot() []SockTag {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]SockTag, 0, t.socks.Len())
	t.socks.Ascend(func(st *SockTag) bool {
		out = append(out, *st)
		return true
	})
	return out
}

// Sockets returns the ids of all tagged sockets.
func (t *SockTagTable) Sockets() []SocketID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]SocketID, 0, t.socks.Len())
	t.socks.Ascend(func(st *SockTag) bool {
		out = append(out, st.Socket)
		return true
	})
	return out
}

// Len returns the number of tagged sockets.
func (t *SockTagTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.socks.Len()
}

// SessionSockets returns the sockets owned by session.
func (t *SockTagTable) SessionSockets(session SessionID) []SocketID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]SocketID, 0, len(t.bySession[session]))
	for sock := range t.bySession[session] {
		out = append(out, sock)
	}
	return out
}

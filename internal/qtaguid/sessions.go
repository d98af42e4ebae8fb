// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package qtaguid

import (
	"sort"
	"sync"
	"time"

	"grimm.is/tagacct/internal/errors"
)

// Session is an open control handle.
type Session struct {
	ID     SessionID `json:"id"`
	UID    uint32    `json:"uid"`
	PID    int32     `json:"pid"`
	Opened time.Time `json:"opened"`
}

// ProcSessionRegistry tracks open sessions and tears down their socket tags
// when they close. Its lock is never held while calling into the sock tag
// table or tag registry.
type ProcSessionRegistry struct {
	mu       sync.Mutex
	sessions map[SessionID]*Session
	registry *TagRegistry
	socks    *SockTagTable
	now      func() time.Time
}

// NewProcSessionRegistry creates a registry wired to the tag tables.
func NewProcSessionRegistry(registry *TagRegistry, socks *SockTagTable) *ProcSessionRegistry {
	return &ProcSessionRegistry{
		sessions: make(map[SessionID]*Session),
		registry: registry,
		socks:    socks,
		now:      time.Now,
	}
}

// OpenSession registers session id for uid.
func (p *ProcSessionRegistry) OpenSession(id SessionID, uid uint32, pid int32) error {
	if id == 0 {
		return errors.New(errors.KindValidation, "session id 0 is reserved")
	}

	p.mu.Lock()
	if _, exists := p.sessions[id]; exists {
		p.mu.Unlock()
		return errors.Errorf(errors.KindValidation, "session %d already open", id)
	}
	p.sessions[id] = &Session{ID: id, UID: uid, PID: pid, Opened: p.now()}
	p.mu.Unlock()

	p.registry.OpenSession(uid)
	return nil
}

// CloseSession untags every socket the session owns, then drops its
// session count. Returns the sockets that were untagged.
func (p *ProcSessionRegistry) CloseSession(id SessionID) ([]SockTag, error) {
	p.mu.Lock()
	s, ok := p.sessions[id]
	if ok {
		delete(p.sessions, id)
	}
	p.mu.Unlock()
	if !ok {
		return nil, errors.Errorf(errors.KindNotFound, "session %d is not open", id)
	}

	untagged, err := p.socks.UntagSession(id)
	if cerr := p.registry.CloseSession(s.UID); cerr != nil && err == nil {
		err = cerr
	}
	return untagged, err
}

// Get returns session id.
func (p *ProcSessionRegistry) Get(id SessionID) (Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// IDs returns the open session ids in ascending order.
func (p *ProcSessionRegistry) IDs() []SessionID {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]SessionID, 0, len(p.sessions))
	for id := range p.sessions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len returns the number of open sessions.
func (p *ProcSessionRegistry) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.sessions)
}

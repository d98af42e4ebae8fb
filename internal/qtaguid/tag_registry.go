// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package qtaguid

import (
	"sync"

	"github.com/google/btree"

	"grimm.is/tagacct/internal/errors"
)

const btreeDegree = 16

type tagRef struct {
	tag         Tag
	numSockTags int
}

type uidTagData struct {
	uid         uint32
	tagRefs     *btree.BTreeG[*tagRef]
	numSessions int
}

func (u *uidTagData) numActiveTags() int {
	return u.tagRefs.Len()
}

// TagRegistry owns the per-uid tag reference trees and enforces the per-uid
// quota on distinct active tags.
type TagRegistry struct {
	mu            sync.Mutex
	uids          *btree.BTreeG[*uidTagData]
	maxTagsPerUID int
}

// NewTagRegistry creates a registry with the given per-uid quota.
func NewTagRegistry(maxTagsPerUID int) *TagRegistry {
	return &TagRegistry{
		uids: btree.NewG(btreeDegree, func(a, b *uidTagData) bool {
			return a.uid < b.uid
		}),
		maxTagsPerUID: maxTagsPerUID,
	}
}

func newUIDTagData(uid uint32) *uidTagData {
	return &uidTagData{
		uid: uid,
		tagRefs: btree.NewG(btreeDegree, func(a, b *tagRef) bool {
			return tagLess(a.tag, b.tag)
		}),
	}
}

func (r *TagRegistry) lookupUIDDataLocked(uid uint32) *uidTagData {
	utd, _ := r.uids.Get(&uidTagData{uid: uid})
	return utd
}

func (r *TagRegistry) getOrCreateUIDDataLocked(uid uint32) *uidTagData {
	if utd := r.lookupUIDDataLocked(uid); utd != nil {
		return utd
	}
	utd := newUIDTagData(uid)
	r.uids.ReplaceOrInsert(utd)
	return utd
}

// getTagRefLocked returns the ref for tag, creating it when the uid has
// quota left. The uid data is created on demand and reclaimed again if the
// quota check fails.
func (r *TagRegistry) getTagRefLocked(tag Tag) (*uidTagData, *tagRef, error) {
	utd := r.getOrCreateUIDDataLocked(tag.UID())
	if ref, ok := utd.tagRefs.Get(&tagRef{tag: tag}); ok {
		return utd, ref, nil
	}
	if utd.numActiveTags()+1 > r.maxTagsPerUID {
		r.tryReclaimUIDDataLocked(utd)
		return nil, nil, errors.Errorf(errors.KindQuota,
			"uid %d already has %d active tags", tag.UID(), utd.numActiveTags())
	}
	ref := &tagRef{tag: tag}
	utd.tagRefs.ReplaceOrInsert(ref)
	return utd, ref, nil
}

// releaseTagRefIfUnusedLocked drops ref when no socket carries it. The
// uid's aggregate ref is kept while the uid still has other tags or open
// sessions.
func (r *TagRegistry) releaseTagRefIfUnusedLocked(utd *uidTagData, ref *tagRef) bool {
	if ref.numSockTags > 0 {
		return false
	}
	if ref.tag.IsAggregate() && (utd.numActiveTags() > 1 || utd.numSessions > 0) {
		return false
	}
	utd.tagRefs.Delete(ref)
	return true
}

// pruneAggregateLocked re-checks the aggregate ref after another owner let go.
func (r *TagRegistry) pruneAggregateLocked(utd *uidTagData) {
	if ref, ok := utd.tagRefs.Get(&tagRef{tag: TagFromUID(utd.uid)}); ok {
		r.releaseTagRefIfUnusedLocked(utd, ref)
	}
}

func (r *TagRegistry) tryReclaimUIDDataLocked(utd *uidTagData) bool {
	if utd.numActiveTags() != 0 || utd.numSessions != 0 {
		return false
	}
	r.uids.Delete(utd)
	return true
}

// Acquire takes a socket reference on tag, creating its ref if needed.
// Fails with QuotaExceeded without mutating anything.
func (r *TagRegistry) Acquire(tag Tag) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ref, err := r.getTagRefLocked(tag)
	if err != nil {
		return err
	}
	ref.numSockTags++
	return nil
}

// Release drops a socket reference on tag and reclaims the ref and uid data
// once unused.
func (r *TagRegistry) Release(tag Tag) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	utd := r.lookupUIDDataLocked(tag.UID())
	if utd == nil {
		return errors.Errorf(errors.KindNotFound, "no tag data for uid %d", tag.UID())
	}
	ref, ok := utd.tagRefs.Get(&tagRef{tag: tag})
	if !ok || ref.numSockTags == 0 {
		return errors.Errorf(errors.KindNotFound, "%s has no socket references", tag)
	}
	ref.numSockTags--
	if r.releaseTagRefIfUnusedLocked(utd, ref) {
		r.pruneAggregateLocked(utd)
	}
	r.tryReclaimUIDDataLocked(utd)
	return nil
}

// OpenSession counts an open session against uid.
func (r *TagRegistry) OpenSession(uid uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.getOrCreateUIDDataLocked(uid).numSessions++
}

// CloseSession releases a session count for uid.
func (r *TagRegistry) CloseSession(uid uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	utd := r.lookupUIDDataLocked(uid)
	if utd == nil || utd.numSessions == 0 {
		return errors.Errorf(errors.KindNotFound, "uid %d has no open sessions", uid)
	}
	utd.numSessions--
	r.pruneAggregateLocked(utd)
	r.tryReclaimUIDDataLocked(utd)
	return nil
}

// PruneUnused drops every unused ref of uid matching acct (0 matches all)
// and reclaims the uid data if nothing else holds it.
func (r *TagRegistry) PruneUnused(uid, acct uint32) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	utd := r.lookupUIDDataLocked(uid)
	if utd == nil {
		return 0
	}
	var unused []*tagRef
	utd.tagRefs.Ascend(func(ref *tagRef) bool {
		if ref.numSockTags == 0 && (acct == 0 || ref.tag.AcctTag() == acct) {
			unused = append(unused, ref)
		}
		return true
	})
	removed := 0
	for _, ref := range unused {
		if !ref.tag.IsAggregate() && r.releaseTagRefIfUnusedLocked(utd, ref) {
			removed++
		}
	}
	before := utd.numActiveTags()
	r.pruneAggregateLocked(utd)
	removed += before - utd.numActiveTags()
	r.tryReclaimUIDDataLocked(utd)
	return removed
}

// TagRefInfo describes one live tag reference.
type TagRefInfo struct {
	Tag         Tag `json:"tag"`
	NumSockTags int `json:"num_sock_tags"`
}

// UIDTagInfo describes one uid's tag data.
type UIDTagInfo struct {
	UID           uint32       `json:"uid"`
	NumActiveTags int          `json:"num_active_tags"`
	NumSessions   int          `json:"num_sessions"`
	Tags          []TagRefInfo `json:"tags"`
}

// Snapshot returns the registry contents ordered by uid and tag.
func (r *TagRegistry) Snapshot() []UIDTagInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []UIDTagInfo
	r.uids.Ascend(func(utd *uidTagData) bool {
		info := UIDTagInfo{
			UID:           utd.uid,
			NumActiveTags: utd.numActiveTags(),
			NumSessions:   utd.numSessions,
		}
		utd.tagRefs.Ascend(func(ref *tagRef) bool {
			info.Tags = append(info.Tags, TagRefInfo{Tag: ref.tag, NumSockTags: ref.numSockTags})
			return true
		})
		out = append(out, info)
		return true
	})
	return out
}

// Lookup returns the ref info for tag.
func (r *TagRegistry) Lookup(tag Tag) (TagRefInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	utd := r.lookupUIDDataLocked(tag.UID())
	if utd == nil {
		return TagRefInfo{}, false
	}
	ref, ok := utd.tagRefs.Get(&tagRef{tag: tag})
	if !ok {
		return TagRefInfo{}, false
	}
	return TagRefInfo{Tag: ref.tag, NumSockTags: ref.numSockTags}, true
}

// UIDInfo returns the tag data for uid.
func (r *TagRegistry) UIDInfo(uid uint32) (UIDTagInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	utd := r.lookupUIDDataLocked(uid)
	if utd == nil {
		return UIDTagInfo{}, false
	}
	return UIDTagInfo{
		UID:           utd.uid,
		NumActiveTags: utd.numActiveTags(),
		NumSessions:   utd.numSessions,
	}, true
}

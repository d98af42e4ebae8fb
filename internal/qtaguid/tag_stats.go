// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package qtaguid

import (
	"sync"

	"github.com/google/btree"

	"grimm.is/tagacct/internal/errors"
)

// tagStat holds the counters of one tag on one interface. Refinement nodes
// point at their uid aggregate so every update lands in both.
type tagStat struct {
	tag      Tag
	counters []DirProtoCounters
	parent   *tagStat
}

// TagStatTree holds the per-tag counters of one interface.
type TagStatTree struct {
	mu          sync.Mutex
	nodes       *btree.BTreeG[*tagStat]
	counterSets int
	max         int
}

func newTagStatTree(counterSets, max int) *TagStatTree {
	return &TagStatTree{
		nodes: btree.NewG(btreeDegree, func(a, b *tagStat) bool {
			return tagLess(a.tag, b.tag)
		}),
		counterSets: counterSets,
		max:         max,
	}
}

func (t *TagStatTree) newNodeLocked(tag Tag, parent *tagStat) *tagStat {
	ts := &tagStat{
		tag:      tag,
		counters: make([]DirProtoCounters, t.counterSets),
		parent:   parent,
	}
	t.nodes.ReplaceOrInsert(ts)
	return ts
}

// getOrCreateLocked returns the node for tag, creating it and its
// aggregate parent as needed. Capacity is checked for both nodes before
// either is inserted.
func (t *TagStatTree) getOrCreateLocked(tag Tag) (*tagStat, error) {
	if ts, ok := t.nodes.Get(&tagStat{tag: tag}); ok {
		return ts, nil
	}

	need := 1
	var parent *tagStat
	if !tag.IsAggregate() {
		var ok bool
		parent, ok = t.nodes.Get(&tagStat{tag: tag.Aggregate()})
		if !ok {
			need++
		}
	}
	if t.max > 0 && t.nodes.Len()+need > t.max {
		return nil, errors.Errorf(errors.KindResource, "tag stat tree full (%d nodes)", t.max)
	}

	if tag.IsAggregate() {
		return t.newNodeLocked(tag, nil), nil
	}
	if parent == nil {
		parent = t.newNodeLocked(tag.Aggregate(), nil)
	}
	return t.newNodeLocked(tag, parent), nil
}

// Account charges one packet to tag and, for refinements, to its aggregate.
func (t *TagStatTree) Account(tag Tag, set int, dir Direction, proto ProtoClass, bytes uint64) error {
	if set < 0 || set >= t.counterSets {
		set = 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	ts, err := t.getOrCreateLocked(tag)
	if err != nil {
		return err
	}
	ts.counters[set][dir][proto].add(bytes)
	if ts.parent != nil {
		ts.parent.counters[set][dir][proto].add(bytes)
	}
	return nil
}

// Ensure creates the node for tag (and its aggregate) without counting.
func (t *TagStatTree) Ensure(tag Tag) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, err := t.getOrCreateLocked(tag)
	return err
}

// Delete removes the nodes of uid: all of them when acct is 0, otherwise
// only {acct, uid}. Returns the number of nodes removed.
func (t *TagStatTree) Delete(uid, acct uint32) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if acct != 0 {
		if _, ok := t.nodes.Delete(&tagStat{tag: MakeTag(acct, uid)}); ok {
			return 1
		}
		return 0
	}

	var victims []*tagStat
	t.nodes.AscendGreaterOrEqual(&tagStat{tag: TagFromUID(uid)}, func(ts *tagStat) bool {
		if ts.tag.UID() != uid {
			return false
		}
		victims = append(victims, ts)
		return true
	})
	for _, ts := range victims {
		t.nodes.Delete(ts)
	}
	return len(victims)
}

// TagStatSnapshot is a copy of one node's counters.
type TagStatSnapshot struct {
	Tag      Tag                `json:"tag"`
	Counters []DirProtoCounters `json:"counters"`
}

// Get returns a copy of tag's counters.
func (t *TagStatTree) Get(tag Tag) (TagStatSnapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ts, ok := t.nodes.Get(&tagStat{tag: tag})
	if !ok {
		return TagStatSnapshot{}, false
	}
	return ts.snapshot(), true
}

// Snapshot copies every node in tag order.
func (t *TagStatTree) Snapshot() []TagStatSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]TagStatSnapshot, 0, t.nodes.Len())
	t.nodes.Ascend(func(ts *tagStat) bool {
		out = append(out, ts.snapshot())
		return true
	})
	return out
}

// Len returns the number of nodes.
func (t *TagStatTree) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.nodes.Len()
}

func (ts *tagStat) snapshot() TagStatSnapshot {
	return TagStatSnapshot{
		Tag:      ts.tag,
		Counters: append([]DirProtoCounters(nil), ts.counters...),
	}
}

// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package qtaguid

import (
	"sync"

	"grimm.is/tagacct/internal/errors"
)

// CounterSetTable holds the active counter set of each uid. Uids without an
// entry use set 0.
type CounterSetTable struct {
	mu   sync.RWMutex
	sets map[uint32]int
	max  int
}

// NewCounterSetTable creates a table accepting set indexes in [0, max).
func NewCounterSetTable(max int) *CounterSetTable {
	return &CounterSetTable{
		sets: make(map[uint32]int),
		max:  max,
	}
}

// Max returns the number of counter sets.
func (c *CounterSetTable) Max() int { return c.max }

// Set makes set the active set for uid.
func (c *CounterSetTable) Set(uid uint32, set int) error {
	if set < 0 || set >= c.max {
		return errors.Errorf(errors.KindValidation, "counter set %d out of range [0, %d)", set, c.max)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sets[uid] = set
	return nil
}

// Get returns the active set for uid.
func (c *CounterSetTable) Get(uid uint32) int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.sets[uid]
}

// Delete drops uid's entry, reporting whether one existed.
func (c *CounterSetTable) Delete(uid uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.sets[uid]
	delete(c.sets, uid)
	return ok
}

// Snapshot copies every entry.
func (c *CounterSetTable) Snapshot() map[uint32]int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[uint32]int, len(c.sets))
	for uid, set := range c.sets {
		out[uid] = set
	}
	return out
}

/*
 * Copyright (c) 2024, Decentraland Foundation.
 */
package crdt

import (
	"github.com/decentraland/explorer-core/cmn/cos"
	"github.com/decentraland/explorer-core/cmn/debug"
)

// lwwCell is a last-writer-wins cell: payload == nil encodes a tombstone.
// dirty marks "changed since the last TakeUpdates" for incremental drains.
type lwwCell struct {
	timestamp uint32
	payload   []byte
	dirty     bool
}

// accept applies the §3 merge rule: a write (t', payload') is accepted iff
// t' > t, or t' == t and payload' is lexicographically greater. Rejected
// writes never advance the stored timestamp.
func (c *lwwCell) accept(ts uint32, payload []byte) bool {
	if ts > c.timestamp || (ts == c.timestamp && cos.BytesGreater(payload, c.payload)) {
		prev := c.timestamp
		c.timestamp = ts
		c.payload = payload
		c.dirty = true
		debug.Assertf(c.timestamp >= prev, "lww cell timestamp regressed: %d -> %d", prev, c.timestamp)
		return true
	}
	return false
}

// force unconditionally writes, used by ForceUpdate. Monotonicity of the
// stored timestamp is still the caller's responsibility: force never moves
// it backwards.
func (c *lwwCell) force(ts uint32, payload []byte) {
	if ts > c.timestamp {
		c.timestamp = ts
	}
	c.payload = payload
	c.dirty = true
}

// growOnlyCell is an append-only log; reads return entries in acceptance
// order. takenUpTo tracks how many leading entries have already been drained
// by a previous TakeUpdates call.
type growOnlyCell struct {
	entries   [][]byte
	takenUpTo int
}

func (c *growOnlyCell) append(payload []byte) {
	c.entries = append(c.entries, payload)
}

func (c *growOnlyCell) pending() [][]byte {
	if c.takenUpTo >= len(c.entries) {
		return nil
	}
	return c.entries[c.takenUpTo:]
}

func (c *growOnlyCell) markTaken() { c.takenUpTo = len(c.entries) }

// Package crdt implements the per-entity, per-component CRDT store (C1):
// LWW/GrowOnly cells, framed wire (de)serialization, and the merge rule that
// drives every scene's state and the process-wide Global CRDT alike. The
// store is purely data-driven off a Schema — it never interprets payload
// contents.
/*
 * Copyright (c) 2024, Decentraland Foundation.
 */
package crdt

import (
	"io"
	"sync"

	"github.com/decentraland/explorer-core/cmn/nlog"
	"github.com/decentraland/explorer-core/ids"
)

// Schema maps a component id to its fixed merge kind. It is supplied
// per-call to ProcessMessageStream rather than baked into the store, so the
// same store type serves both scene-local stores (whose schema comes from
// the scene manifest) and the Global CRDT (whose schema is fixed).
type Schema map[ids.ComponentId]ids.ComponentKind

func (s Schema) kind(cid ids.ComponentId) ids.ComponentKind {
	if k, ok := s[cid]; ok {
		return k
	}
	return ids.KindLWW
}

type cellKey struct {
	Component ids.ComponentId
	Entity    ids.SceneEntityId
}

// CensusSink receives entity-liveness notifications as a message stream is
// applied — how Scene Context materializes nascent/death_row sets (§4.3).
type CensusSink interface {
	Born(ids.SceneEntityId)
	Died(ids.SceneEntityId)
}

// UpdateBatch is the ordered result of TakeUpdates: wire-ready messages plus
// the raw decoded form for callers (e.g. the Global CRDT broadcaster) that
// want to re-encode with compression.
type UpdateBatch struct {
	Messages []*Message
}

func (b *UpdateBatch) Encode() []byte {
	var out []byte
	for _, m := range b.Messages {
		out = append(out, m.Encode()...)
	}
	return out
}

func (b *UpdateBatch) Empty() bool { return len(b.Messages) == 0 }

// Store is the CRDT store: mapping (ComponentId, SceneEntityId) -> Cell.
type Store struct {
	mu   sync.Mutex
	lww  map[cellKey]*lwwCell
	grow map[cellKey]*growOnlyCell
	dead map[ids.SceneEntityId]bool // tombstoned entity ids (number+version); permanent

	// pendingDeletes holds DELETE_ENTITY messages produced by CleanUp since
	// the last TakeUpdates, drained exactly once (idempotent re-call).
	pendingDeletes []ids.SceneEntityId
}

func NewStore() *Store {
	return &Store{
		lww:  make(map[cellKey]*lwwCell),
		grow: make(map[cellKey]*growOnlyCell),
		dead: make(map[ids.SceneEntityId]bool),
	}
}

// ForceUpdate unconditionally writes an LWW cell (host code that must win,
// e.g. the authoritative player transform) or appends a GrowOnly entry.
// Returns the timestamp stored after the write.
func (s *Store) ForceUpdate(cid ids.ComponentId, kind ids.ComponentKind, eid ids.SceneEntityId, ts uint32, payload []byte) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := cellKey{cid, eid}
	if kind == ids.KindGrowOnly {
		c := s.growCell(key)
		c.append(payload)
		return ts
	}
	c := s.lwwCellFor(key)
	c.force(ts, payload)
	return c.timestamp
}

// UpdateIfDifferent is a no-op when payload bytes equal the current payload;
// returns whether state changed. Applies only to LWW cells — GrowOnly has no
// notion of "different", every call is a distinct append.
func (s *Store) UpdateIfDifferent(cid ids.ComponentId, eid ids.SceneEntityId, ts uint32, payload []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := cellKey{cid, eid}
	c := s.lwwCellFor(key)
	if bytesEqual(c.payload, payload) {
		return false
	}
	return c.accept(ts, payload)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (s *Store) lwwCellFor(key cellKey) *lwwCell {
	c, ok := s.lww[key]
	if !ok {
		c = &lwwCell{}
		s.lww[key] = c
	}
	return c
}

func (s *Store) growCell(key cellKey) *growOnlyCell {
	c, ok := s.grow[key]
	if !ok {
		c = &growOnlyCell{}
		s.grow[key] = c
	}
	return c
}

// GrowOnlyValues returns the ordered, already-accepted entries of a GrowOnly
// cell (a read, not a drain — unlike TakeUpdates).
func (s *Store) GrowOnlyValues(cid ids.ComponentId, eid ids.SceneEntityId) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.grow[cellKey{cid, eid}]
	if !ok {
		return nil
	}
	return append([][]byte(nil), c.entries...)
}

// LWWValue returns the current (timestamp, payload) of an LWW cell and
// whether it exists at all.
func (s *Store) LWWValue(cid ids.ComponentId, eid ids.SceneEntityId) (ts uint32, payload []byte, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, exists := s.lww[cellKey{cid, eid}]
	if !exists {
		return 0, nil, false
	}
	return c.timestamp, c.payload, true
}

// ProcessMessageStream parses a length-prefixed framed stream (§4.1) and
// dispatches each message through the schema-driven merge rule, reporting
// entity liveness transitions to census.
func (s *Store) ProcessMessageStream(census CensusSink, schema Schema, r io.Reader) error {
	for {
		msg, err := ReadMessage(r)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			// Protocol violation policy: skip message, continue stream —
			// but a framing error corrupts byte alignment, so we can only
			// continue for violations ReadMessage itself already recovered
			// from (unknown type); a truncated frame must stop the stream.
			return err
		}
		s.apply(msg, schema, census)
	}
}

func (s *Store) apply(msg *Message, schema Schema, census CensusSink) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch msg.Type {
	case MsgDeleteEntity:
		s.tombstoneEntityLocked(msg.Entity)
		if census != nil {
			census.Died(msg.Entity)
		}
	case MsgPutLWW:
		if s.dead[msg.Entity] {
			return // tombstones are permanent for this entity id
		}
		key := cellKey{msg.Component, msg.Entity}
		isNew := s.lww[key] == nil
		c := s.lwwCellFor(key)
		if c.accept(msg.Timestamp, msg.Payload) && isNew && census != nil {
			census.Born(msg.Entity)
		}
	case MsgAppendGO:
		if s.dead[msg.Entity] {
			return
		}
		if schema.kind(msg.Component) != ids.KindGrowOnly {
			nlog.Warningf("crdt: APPEND_GO for non-grow-only component %d, ignoring", msg.Component)
			return
		}
		key := cellKey{msg.Component, msg.Entity}
		isNew := s.grow[key] == nil
		s.growCell(key).append(msg.Payload)
		if isNew && census != nil {
			census.Born(msg.Entity)
		}
	default:
		// Unknown message type: ReadMessage already degraded it to a
		// type-only Message; skip it and keep going.
	}
}

func (s *Store) tombstoneEntityLocked(eid ids.SceneEntityId) {
	s.dead[eid] = true
	for key, c := range s.lww {
		if key.Entity == eid && c.payload != nil {
			c.payload = nil
			c.dirty = true
		}
	}
	for key := range s.grow {
		if key.Entity == eid {
			delete(s.grow, key)
		}
	}
}

// CleanUp tombstones every component of the given entities and removes them
// from indices; the resulting DELETE_ENTITY messages surface on the next
// TakeUpdates.
func (s *Store) CleanUp(deadEntities []ids.SceneEntityId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, eid := range deadEntities {
		s.tombstoneEntityLocked(eid)
		s.pendingDeletes = append(s.pendingDeletes, eid)
	}
}

// TakeUpdates drains all per-cell "dirty since last take" flags into an
// ordered batch of wire messages. Idempotent when re-called with no
// intervening mutation: the second call returns an empty batch.
func (s *Store) TakeUpdates() *UpdateBatch {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := &UpdateBatch{}
	for _, eid := range s.pendingDeletes {
		batch.Messages = append(batch.Messages, &Message{Type: MsgDeleteEntity, Entity: eid})
	}
	s.pendingDeletes = nil

	for key, c := range s.lww {
		if !c.dirty {
			continue
		}
		batch.Messages = append(batch.Messages, &Message{
			Type:      MsgPutLWW,
			Entity:    key.Entity,
			Component: key.Component,
			Timestamp: c.timestamp,
			Payload:   c.payload,
		})
		c.dirty = false
	}
	for key, c := range s.grow {
		for _, entry := range c.pending() {
			batch.Messages = append(batch.Messages, &Message{
				Type:      MsgAppendGO,
				Entity:    key.Entity,
				Component: key.Component,
				Payload:   entry,
			})
		}
		c.markTaken()
	}
	return batch
}

// IsDead reports whether an exact (number, version) entity id has been
// tombstoned — reusing the number requires a version bump to escape this.
func (s *Store) IsDead(eid ids.SceneEntityId) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dead[eid]
}

// Snapshot encodes the store's entire current state — every LWW cell and
// every GrowOnly entry, not just what's dirty since the last TakeUpdates —
// as a single ordered batch. Unlike TakeUpdates this never drains dirty
// flags or the grow-only taken offsets; a caller subscribing a fresh reader
// uses this to bootstrap it, then relies on Broadcast/TakeUpdates for the
// incremental stream afterward.
func (s *Store) Snapshot() *UpdateBatch {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := &UpdateBatch{}
	for key, c := range s.lww {
		if c.payload == nil {
			continue // tombstoned cell: nothing to bootstrap a fresh reader with
		}
		batch.Messages = append(batch.Messages, &Message{
			Type:      MsgPutLWW,
			Entity:    key.Entity,
			Component: key.Component,
			Timestamp: c.timestamp,
			Payload:   c.payload,
		})
	}
	for key, c := range s.grow {
		for _, entry := range c.entries {
			batch.Messages = append(batch.Messages, &Message{
				Type:      MsgAppendGO,
				Entity:    key.Entity,
				Component: key.Component,
				Payload:   entry,
			})
		}
	}
	return batch
}

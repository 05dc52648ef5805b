// Package globalcrdt implements the Global CRDT (C6): the process-wide
// singleton store carrying remote players, broadcast to every Scene Worker.
// Grounded on the corpus's own fan-out DataMover broadcaster (one mutation
// source, many lossy subscribers) generalized from bulk object copy to CRDT
// update fan-out.
/*
 * Copyright (c) 2024, Decentraland Foundation.
 */
package globalcrdt

import (
	"sync"

	"github.com/decentraland/explorer-core/crdt"
	"github.com/decentraland/explorer-core/ids"
)

// Schema is the fixed component kind table the Global CRDT uses — remote
// player state is Transform/PlayerIdentity (LWW), plus the GrowOnly
// pointer-events log.
var Schema = crdt.Schema{
	ids.ComponentTransform:       ids.KindLWW,
	ids.ComponentPlayerIdentity:  ids.KindLWW,
	ids.ComponentPointerEventsLog: ids.KindGrowOnly,
}

// Bounds is the realm's spatial extent, in parcels — informational only;
// the Global CRDT itself has no notion of "out of bounds".
type Bounds struct {
	MinX, MinY, MaxX, MaxY int32
}

// subscriber is one Worker's lossy broadcast mailbox: if the Worker is slow
// to drain it, new messages simply overwrite the buffered slot (the
// subscriber resyncs with a snapshot on next subscribe, per §5).
type subscriber struct {
	ch chan []byte
}

// Global owns the singleton CRDT store, the address<->local-entity bimap,
// and the broadcast fan-out to every subscribed Worker.
type Global struct {
	mu     sync.Mutex
	store  *crdt.Store
	bounds Bounds

	addrToEntity map[string]ids.SceneEntityId
	entityToAddr map[ids.SceneEntityId]string

	subs map[int]*subscriber
	nextSubID int
}

func New(bounds Bounds) *Global {
	return &Global{
		store:        crdt.NewStore(),
		bounds:       bounds,
		addrToEntity: make(map[string]ids.SceneEntityId),
		entityToAddr: make(map[ids.SceneEntityId]string),
		subs:         make(map[int]*subscriber),
	}
}

func (g *Global) Store() *crdt.Store { return g.store }

// EntityFor returns the entity id bound to address, allocating one from the
// remote-player range [6,406) if none exists yet. ok is false if the range
// is exhausted (§4.6 step 1, §8 boundary: the 401st allocation fails).
func (g *Global) EntityFor(address string) (id ids.SceneEntityId, isNew bool, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if id, exists := g.addrToEntity[address]; exists {
		return id, false, true
	}
	for n := uint16(ids.RemotePlayerRangeStart); n < ids.RemotePlayerRangeEnd; n++ {
		candidate := ids.NewEntityId(n, 0)
		if _, taken := g.entityToAddr[candidate]; taken {
			continue
		}
		g.addrToEntity[address] = candidate
		g.entityToAddr[candidate] = address
		return candidate, true, true
	}
	return 0, false, false
}

// Release frees the entity id bound to address, deleting it from the Global
// CRDT so the id may be reused (§4.6 eviction).
func (g *Global) Release(address string) (ids.SceneEntityId, bool) {
	g.mu.Lock()
	id, ok := g.addrToEntity[address]
	if ok {
		delete(g.addrToEntity, address)
		delete(g.entityToAddr, id)
	}
	g.mu.Unlock()
	if !ok {
		return 0, false
	}
	g.store.CleanUp([]ids.SceneEntityId{id})
	g.Broadcast()
	return id, true
}

// AddressOf is the reverse lookup, e.g. for diagnostics or the §8 invariant
// check "no two ForeignPlayers share a scene_id".
func (g *Global) AddressOf(id ids.SceneEntityId) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	addr, ok := g.entityToAddr[id]
	return addr, ok
}

// Count reports the number of currently bound remote players.
func (g *Global) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.addrToEntity)
}

// Subscribe registers a new lossy broadcast mailbox and returns it plus an
// unsubscribe func. The first value delivered is always a full snapshot so
// a fresh (or resyncing) Worker never needs a separate bootstrap path.
func (g *Global) Subscribe() (<-chan []byte, func()) {
	g.mu.Lock()
	id := g.nextSubID
	g.nextSubID++
	sub := &subscriber{ch: make(chan []byte, 1)}
	g.subs[id] = sub
	g.mu.Unlock()

	g.sendSnapshot(sub)

	return sub.ch, func() {
		g.mu.Lock()
		delete(g.subs, id)
		g.mu.Unlock()
	}
}

func (g *Global) sendSnapshot(sub *subscriber) {
	snapshot := g.snapshotLocked()
	select {
	case sub.ch <- snapshot:
	default:
		select {
		case <-sub.ch:
		default:
		}
		sub.ch <- snapshot
	}
}

// snapshotLocked encodes the store's full current state — every live
// remote-player Transform/PlayerIdentity cell and pointer-events-log entry —
// so a newly subscribed (or resyncing) Worker never needs a separate
// bootstrap path: its first delivery is a complete picture, and every
// Broadcast after that is an incremental diff on top of it.
func (g *Global) snapshotLocked() []byte {
	batch := g.store.Snapshot()
	if batch.Empty() {
		return nil
	}
	return crdt.EncodeCompressed(batch)
}

// Broadcast drains the store's pending updates, encodes them (compressed
// above crdt.CompressionThreshold), and fans the envelope out to every
// subscriber — lossy by design: a slow subscriber's buffered slot is simply
// overwritten (§5 back-pressure).
func (g *Global) Broadcast() {
	batch := g.store.TakeUpdates()
	if batch.Empty() {
		return
	}
	envelope := crdt.EncodeCompressed(batch)

	g.mu.Lock()
	defer g.mu.Unlock()
	for _, sub := range g.subs {
		select {
		case sub.ch <- envelope:
		default:
			select {
			case <-sub.ch:
			default:
			}
			sub.ch <- envelope
		}
	}
}

// Package scenectx implements the Scene Context (C3): the renderer-side
// mirror of one running scene — its entity map, tick accounting, bounded log
// ring, and the nascent/death_row sets a worker's census produces each tick.
/*
 * Copyright (c) 2024, Decentraland Foundation.
 */
package scenectx

import (
	"time"

	"github.com/google/uuid"

	"github.com/decentraland/explorer-core/cmn/mono"
	"github.com/decentraland/explorer-core/crdt"
	"github.com/decentraland/explorer-core/ids"
	"github.com/decentraland/explorer-core/rpc"
	"github.com/decentraland/explorer-core/sceneworker"
)

// Vec3 / Quat are the minimal transform primitives the core moves around;
// the concrete math (and anything rendering-related) is an external
// collaborator, so these are plain data the host and the CRDT payload codec
// agree on.
type Vec3 struct{ X, Y, Z float32 }
type Quat struct{ X, Y, Z, W float32 }

type Transform struct {
	Translation Vec3
	Rotation    Quat
	Parent      ids.SceneEntityId
}

// RendererSink is the pluggable 3D-engine collaborator: spawning/despawning
// entities is out of scope for this core (§1), so Scene Context only ever
// talks to it through this narrow interface.
type RendererSink interface {
	SpawnEntity(scene ids.SceneEntityId, eid ids.SceneEntityId)
	// DespawnEntity reparents eid's renderer children to the scene root
	// before despawning it, per §4.3 entity materialization.
	DespawnEntity(scene ids.SceneEntityId, eid ids.SceneEntityId)
}

// RPCSink receives forwarded rpc.Call values — either the Permission Gate or
// a direct handler for non-privileged calls.
type RPCSink interface {
	Submit(*rpc.Call)
}

const logRingCapacity = 256

// Context is one active scene's renderer-side state.
type Context struct {
	Hash       string
	SceneID    ids.SceneEntityId
	BaseParcel [2]int32
	BoundsMin  [2]int32
	BoundsMax  [2]int32

	CRDT *crdt.Store

	TickNumber   uint64
	TotalRuntime time.Duration
	LastSent     int64 // mono.NanoTime() at last dispatch
	LastUpdateDt time.Duration
	InFlight     bool
	Broken       bool
	Priority     float64

	presentEntities map[ids.SceneEntityId]bool
	deadEntities    map[ids.SceneEntityId]bool
	nascent         []ids.SceneEntityId
	deathRow        []ids.SceneEntityId
	blocked         map[uuid.UUID]*rpc.Call

	logRing    []string
	logCursor  int

	sink    RendererSink
	rpcSink RPCSink
}

func New(hash string, sceneID ids.SceneEntityId, baseParcel [2]int32, sink RendererSink, rpcSink RPCSink) *Context {
	return &Context{
		Hash:            hash,
		SceneID:         sceneID,
		BaseParcel:      baseParcel,
		CRDT:            crdt.NewStore(),
		presentEntities: make(map[ids.SceneEntityId]bool),
		deadEntities:    make(map[ids.SceneEntityId]bool),
		blocked:         make(map[uuid.UUID]*rpc.Call),
		sink:            sink,
		rpcSink:         rpcSink,
	}
}

// IsActive reports whether the scene is eligible for scheduling this frame:
// live (not broken), not already in flight, and has no outstanding blocking
// RPCs.
func (c *Context) IsActive() bool {
	return !c.Broken && !c.InFlight && len(c.blocked) == 0
}

// PreTick computes player & camera transforms relative to the scene origin
// and writes them (plus canvas info) into the Context's own CRDT store, then
// returns the batch to send to the worker as its next InboundFrame.
func (c *Context) PreTick(playerWorld, cameraWorld Transform, canvasInfo []byte) sceneworker.InboundFrame {
	origin := Vec3{
		X: float32(c.BaseParcel[0]) * 16,
		Z: float32(c.BaseParcel[1]) * 16,
	}
	rel := func(t Transform) []byte {
		local := Transform{
			Translation: Vec3{X: t.Translation.X - origin.X, Y: t.Translation.Y, Z: t.Translation.Z - origin.Z},
			Rotation:    t.Rotation,
			Parent:      ids.NewEntityId(ids.WorldOrigin, 0),
		}
		return encodeTransform(local)
	}

	ts := uint32(mono.NanoTime() / int64(time.Millisecond))
	c.CRDT.ForceUpdate(ids.ComponentTransform, ids.KindLWW, ids.NewEntityId(ids.Player, 0), ts, rel(playerWorld))
	c.CRDT.ForceUpdate(ids.ComponentTransform, ids.KindLWW, ids.NewEntityId(ids.Camera, 0), ts, rel(cameraWorld))
	c.CRDT.ForceUpdate(ids.ComponentCanvasInfo, ids.KindLWW, ids.NewEntityId(ids.Root, 0), ts, canvasInfo)

	batch := c.CRDT.TakeUpdates()
	c.LastSent = mono.NanoTime()
	c.InFlight = true
	return sceneworker.InboundFrame{Updates: batch}
}

// encodeTransform is a minimal, stable payload codec for Transform — the
// scene-facing schema is opaque bytes to the CRDT store either way.
func encodeTransform(t Transform) []byte {
	buf := make([]byte, 4*10)
	putF32 := func(off int, v float32) { putFloat32(buf[off:off+4], v) }
	putF32(0, t.Translation.X)
	putF32(4, t.Translation.Y)
	putF32(8, t.Translation.Z)
	putF32(12, t.Rotation.X)
	putF32(16, t.Rotation.Y)
	putF32(20, t.Rotation.Z)
	putF32(24, t.Rotation.W)
	putU32(buf[36:40], uint32(t.Parent))
	return buf
}

// OnWorkerResponse applies one tick's worker Response: accounting, census
// bookkeeping, log ring, and RPC forwarding. Returns false if the response
// carried a fault (the Context then marks itself broken).
func (c *Context) OnWorkerResponse(resp sceneworker.Response) bool {
	c.InFlight = false
	if resp.Err != nil {
		c.Broken = true
		c.appendLog("ERROR: " + resp.Err.Message)
		return false
	}

	ok := resp.Ok
	c.TickNumber = ok.Tick
	c.TotalRuntime += ok.Elapsed
	c.LastUpdateDt = ok.Elapsed
	c.nascent = append(c.nascent, ok.Census.Born...)
	c.deathRow = append(c.deathRow, ok.Census.Died...)
	for _, l := range ok.LogMessages {
		c.appendLog(l)
	}
	for _, call := range ok.RPCCalls {
		c.blocked[call.ID] = call
		if c.rpcSink != nil {
			c.rpcSink.Submit(call)
		}
	}
	c.materialize()
	return true
}

// ResolveRPC removes an RPC from the blocked set once its result is ready —
// the scene may now be scheduled again if nothing else blocks it.
func (c *Context) ResolveRPC(id uuid.UUID) {
	delete(c.blocked, id)
}

func (c *Context) appendLog(line string) {
	if len(c.logRing) < logRingCapacity {
		c.logRing = append(c.logRing, line)
		return
	}
	c.logRing[c.logCursor] = line
	c.logCursor = (c.logCursor + 1) % logRingCapacity
}

// Logs returns the ring buffer contents in chronological order.
func (c *Context) Logs() []string {
	if len(c.logRing) < logRingCapacity {
		return append([]string(nil), c.logRing...)
	}
	out := make([]string, 0, logRingCapacity)
	out = append(out, c.logRing[c.logCursor:]...)
	out = append(out, c.logRing[:c.logCursor]...)
	return out
}

/*
 * Copyright (c) 2024, Decentraland Foundation.
 */
package scenectx

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/decentraland/explorer-core/ids"
	"github.com/decentraland/explorer-core/sceneworker"
)

type recordingSink struct {
	spawned, despawned []ids.SceneEntityId
}

func (r *recordingSink) SpawnEntity(_ ids.SceneEntityId, eid ids.SceneEntityId) {
	r.spawned = append(r.spawned, eid)
}
func (r *recordingSink) DespawnEntity(_ ids.SceneEntityId, eid ids.SceneEntityId) {
	r.despawned = append(r.despawned, eid)
}

func TestPreTickWritesRelativeTransforms(t *testing.T) {
	ctx := New("scene-hash", ids.NewEntityId(100, 0), [2]int32{1, 1}, nil, nil)
	player := Transform{Translation: Vec3{X: 8 + 16, Y: 0, Z: -8 + 16}}
	camera := player
	frame := ctx.PreTick(player, camera, nil)
	if frame.Updates.Empty() {
		t.Fatalf("expected non-empty pretick batch")
	}
	if !ctx.InFlight {
		t.Fatalf("expected InFlight to be set after PreTick")
	}
	_, payload, ok := ctx.CRDT.LWWValue(ids.ComponentTransform, ids.NewEntityId(ids.Player, 0))
	if !ok || len(payload) < 12 {
		t.Fatalf("expected a player Transform in the scene CRDT")
	}
	x := math.Float32frombits(binary.LittleEndian.Uint32(payload[0:4]))
	z := math.Float32frombits(binary.LittleEndian.Uint32(payload[8:12]))
	if x != 8 || z != -8 {
		t.Fatalf("expected scene-relative player at (8, _, -8), got (%v, _, %v)", x, z)
	}
}

func TestOnWorkerResponseMaterializesEntities(t *testing.T) {
	sink := &recordingSink{}
	ctx := New("scene-hash", ids.NewEntityId(1, 0), [2]int32{0, 0}, sink, nil)
	eid := ids.NewEntityId(500, 0)

	ok := ctx.OnWorkerResponse(sceneworker.Response{Ok: &sceneworker.OkResponse{
		Tick:   1,
		Census: sceneworker.Census{Born: []ids.SceneEntityId{eid}},
	}})
	if !ok {
		t.Fatalf("expected success")
	}
	if len(sink.spawned) != 1 || sink.spawned[0] != eid {
		t.Fatalf("expected entity %v spawned, got %v", eid, sink.spawned)
	}
	if ctx.EntityCount() != 1 {
		t.Fatalf("expected 1 live entity, got %d", ctx.EntityCount())
	}

	ctx.OnWorkerResponse(sceneworker.Response{Ok: &sceneworker.OkResponse{
		Tick:   2,
		Census: sceneworker.Census{Died: []ids.SceneEntityId{eid}},
	}})
	if len(sink.despawned) != 1 {
		t.Fatalf("expected despawn to be called")
	}
	if !ctx.IsDeadEntity(eid) {
		t.Fatalf("expected entity to be marked dead")
	}
	if ctx.EntityCount() != 0 {
		t.Fatalf("expected 0 live entities after despawn, got %d", ctx.EntityCount())
	}
}

func TestOnWorkerResponseErrorMarksBroken(t *testing.T) {
	ctx := New("scene-hash", ids.NewEntityId(2, 0), [2]int32{0, 0}, nil, nil)
	ok := ctx.OnWorkerResponse(sceneworker.Response{Err: &sceneworker.ErrResponse{Message: "boom"}})
	if ok {
		t.Fatalf("expected failure")
	}
	if !ctx.Broken {
		t.Fatalf("expected Broken to be set")
	}
	if ctx.IsActive() {
		t.Fatalf("broken scene must not be active")
	}
}

func TestLogRingWraps(t *testing.T) {
	ctx := New("h", ids.NewEntityId(3, 0), [2]int32{0, 0}, nil, nil)
	for i := 0; i < logRingCapacity+10; i++ {
		ctx.appendLog("line")
	}
	if len(ctx.Logs()) != logRingCapacity {
		t.Fatalf("expected ring capped at %d, got %d", logRingCapacity, len(ctx.Logs()))
	}
}

/*
 * Copyright (c) 2024, Decentraland Foundation.
 */
package sceneworker

import (
	"errors"
	"testing"

	"github.com/decentraland/explorer-core/crdt"
	"github.com/decentraland/explorer-core/ids"
	"github.com/decentraland/explorer-core/rpc"
)

func echoLogic(store *crdt.Store, census *CrdtContext, tick uint64) ([]*rpc.Call, []string, error) {
	eid := ids.NewEntityId(uint16(tick), 0)
	store.ForceUpdate(ids.ComponentTransform, ids.KindLWW, eid, uint32(tick), []byte("x"))
	census.Born(eid)
	return nil, []string{"tick"}, nil
}

func TestWorkerTickCycle(t *testing.T) {
	sceneID := ids.NewEntityId(42, 0)
	w := New(sceneID, crdt.Schema{}, echoLogic)
	go w.Run()

	w.Inbound <- InboundFrame{}
	resp := <-w.Outbound
	if resp.Err != nil {
		t.Fatalf("unexpected error response: %v", resp.Err)
	}
	if resp.Ok.Tick != 1 {
		t.Fatalf("expected tick 1, got %d", resp.Ok.Tick)
	}
	if len(resp.Ok.Census.Born) != 1 {
		t.Fatalf("expected one born entity, got %d", len(resp.Ok.Census.Born))
	}
	if resp.Ok.Updates.Empty() {
		t.Fatalf("expected non-empty update batch")
	}

	close(w.Inbound)
}

func TestWorkerFailureMarksBroken(t *testing.T) {
	failing := func(*crdt.Store, *CrdtContext, uint64) ([]*rpc.Call, []string, error) {
		return nil, nil, errors.New("scene script panicked")
	}
	w := New(ids.NewEntityId(7, 0), crdt.Schema{}, failing)
	go w.Run()

	w.Inbound <- InboundFrame{}
	resp := <-w.Outbound
	if resp.Err == nil {
		t.Fatalf("expected an error response")
	}
	if resp.Err.SceneID != ids.NewEntityId(7, 0) {
		t.Fatalf("error response carries wrong scene id")
	}

	// the worker already returned after emitting the error; Inbound can be
	// closed without blocking a second send.
	close(w.Inbound)
}

func TestWorkerCancellationOnChannelClose(t *testing.T) {
	w := New(ids.NewEntityId(1, 0), crdt.Schema{}, echoLogic)
	done := make(chan struct{})
	go func() {
		w.Run()
		close(done)
	}()
	close(w.Inbound)
	<-done // Run must return promptly once Inbound is closed with nothing queued
}

func TestSeedAppliesInitialState(t *testing.T) {
	w := New(ids.NewEntityId(9, 0), crdt.Schema{}, echoLogic)
	eid := ids.NewEntityId(100, 0)
	seed := &crdt.UpdateBatch{Messages: []*crdt.Message{
		{Type: crdt.MsgPutLWW, Entity: eid, Component: ids.ComponentTransform, Timestamp: 1, Payload: []byte("seeded")},
	}}
	w.Seed(seed)
	if !w.census.IsLive(eid) {
		t.Fatalf("expected seeded entity to be live")
	}
}

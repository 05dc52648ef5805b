/*
 * Copyright (c) 2024, Decentraland Foundation.
 */
package scheduler

import (
	"testing"
	"time"

	"github.com/decentraland/explorer-core/crdt"
	"github.com/decentraland/explorer-core/ids"
	"github.com/decentraland/explorer-core/metrics"
	"github.com/decentraland/explorer-core/rpc"
	"github.com/decentraland/explorer-core/scenectx"
	"github.com/decentraland/explorer-core/sceneworker"
)

// fixedPriority implements FrameInputs with a static distance map and no
// forced scenes, enough to drive PreTick without a real renderer.
type fixedPriority struct {
	dist map[ids.SceneEntityId]float64
}

func (f fixedPriority) Priority(id ids.SceneEntityId) (float64, bool) {
	return f.dist[id], false
}

func (f fixedPriority) TickInputs(ids.SceneEntityId) (scenectx.Transform, scenectx.Transform, []byte) {
	return scenectx.Transform{}, scenectx.Transform{}, nil
}

// forcedInputs additionally marks one scene id as always-priority-zero,
// modeling the active/containing-scene preemption rule.
type forcedInputs struct {
	forced ids.SceneEntityId
	dist   map[ids.SceneEntityId]float64
}

func (f forcedInputs) Priority(id ids.SceneEntityId) (float64, bool) {
	return f.dist[id], id == f.forced
}

func (f forcedInputs) TickInputs(ids.SceneEntityId) (scenectx.Transform, scenectx.Transform, []byte) {
	return scenectx.Transform{}, scenectx.Transform{}, nil
}

func addScene(t *testing.T, sched *Scheduler, id ids.SceneEntityId, logic sceneworker.TickFunc) {
	t.Helper()
	sched.Contexts[id] = scenectx.New("h", id, [2]int32{0, 0}, nil, nil)
	w := sceneworker.New(id, crdt.Schema{}, logic)
	go w.Run()
	sched.Workers[id] = w
}

func slowLogic(delay time.Duration) sceneworker.TickFunc {
	return func(_ *crdt.Store, _ *sceneworker.CrdtContext, _ uint64) ([]*rpc.Call, []string, error) {
		time.Sleep(delay)
		return nil, nil, nil
	}
}

func TestSchedulerDispatchesUnderConcurrencyCap(t *testing.T) {
	sched := New(1, 60, metrics.Noop())

	var sceneIDs []ids.SceneEntityId
	for i := uint16(0); i < 4; i++ {
		id := ids.NewEntityId(10+i, 0)
		sceneIDs = append(sceneIDs, id)
		addScene(t, sched, id, slowLogic(30*time.Millisecond))
	}

	dist := make(map[ids.SceneEntityId]float64)
	for i, id := range sceneIDs {
		dist[id] = float64(i)
	}
	stats := sched.RunFrame(fixedPriority{dist: dist})

	if stats.Eligible != 4 {
		t.Fatalf("expected 4 eligible scenes, got %d", stats.Eligible)
	}
	if stats.Dispatched < 1 {
		t.Fatalf("expected at least one scene dispatched, got %d", stats.Dispatched)
	}
	// a 1-scene concurrency cap against a ~16.6ms budget and 30ms ticks
	// bounds how many full ticks can complete within one frame.
	if stats.Dispatched > 2 {
		t.Fatalf("expected budget to bound dispatch count, got %d", stats.Dispatched)
	}
}

func TestSchedulerForcedPriorityPreemptsDistant(t *testing.T) {
	sched := New(1, 30, metrics.Noop())

	near := ids.NewEntityId(1, 0)
	far := ids.NewEntityId(2, 0)
	addScene(t, sched, near, slowLogic(0))
	addScene(t, sched, far, slowLogic(0))

	inputs := forcedInputs{forced: far, dist: map[ids.SceneEntityId]float64{near: 1e9, far: 1e9}}
	stats := sched.RunFrame(inputs)
	if stats.Eligible != 2 {
		t.Fatalf("expected both scenes eligible, got %d", stats.Eligible)
	}
	if stats.Dispatched != 2 {
		t.Fatalf("expected both zero-cost ticks to drain within budget, got %d", stats.Dispatched)
	}

	near2 := sched.Contexts[near]
	far2 := sched.Contexts[far]
	if near2.TickNumber != 1 || far2.TickNumber != 1 {
		t.Fatalf("expected both scenes to have ticked once")
	}
	if far2.LastSent >= near2.LastSent {
		t.Fatalf("expected the forced scene to be dispatched before the distant one")
	}
}

func TestSchedulerSkipsContextsWithoutWorkers(t *testing.T) {
	sched := New(2, 60, metrics.Noop())
	orphan := ids.NewEntityId(99, 0)
	sched.Contexts[orphan] = scenectx.New("h", orphan, [2]int32{0, 0}, nil, nil)

	stats := sched.RunFrame(fixedPriority{dist: map[ids.SceneEntityId]float64{orphan: 0}})
	if stats.Dispatched != 0 {
		t.Fatalf("expected no dispatch for a worker-less context, got %d", stats.Dispatched)
	}
}

// Package sceneworker implements the Scene Worker (C2): a sandboxed executor
// running one scene's logic on a dedicated cooperative task, exchanging CRDT
// batches with its Scene Context strictly through two channels. Parallelism
// across workers is the Scene Scheduler's concern (§4.5); a Worker itself
// runs everything serially, one tick at a time.
/*
 * Copyright (c) 2024, Decentraland Foundation.
 */
package sceneworker

import (
	"time"

	"github.com/decentraland/explorer-core/cmn/mono"
	"github.com/decentraland/explorer-core/cmn/nlog"
	"github.com/decentraland/explorer-core/crdt"
	"github.com/decentraland/explorer-core/ids"
	"github.com/decentraland/explorer-core/rpc"
)

// CrdtContext is the worker's private liveness census: which entity ids it
// has seen born or die since the last drain. It implements crdt.CensusSink
// so the store reports transitions as it applies an inbound batch.
type CrdtContext struct {
	live  map[ids.SceneEntityId]bool
	born  []ids.SceneEntityId
	died  []ids.SceneEntityId
}

func NewCrdtContext() *CrdtContext {
	return &CrdtContext{live: make(map[ids.SceneEntityId]bool)}
}

func (c *CrdtContext) Born(eid ids.SceneEntityId) {
	if !c.live[eid] {
		c.live[eid] = true
		c.born = append(c.born, eid)
	}
}

func (c *CrdtContext) Died(eid ids.SceneEntityId) {
	if c.live[eid] {
		delete(c.live, eid)
		c.died = append(c.died, eid)
	}
}

func (c *CrdtContext) IsLive(eid ids.SceneEntityId) bool { return c.live[eid] }

// drainCensus returns and clears the pending (born, died) pair for this tick.
func (c *CrdtContext) drainCensus() (born, died []ids.SceneEntityId) {
	born, died = c.born, c.died
	c.born, c.died = nil, nil
	return
}

// InboundFrame is what the Scene Context sends the worker each tick:
// the CRDT batch materializing remote/host changes visible to this scene.
type InboundFrame struct {
	Updates *crdt.UpdateBatch
}

// Census is the (born, died) pair a worker reports per tick.
type Census struct {
	Born []ids.SceneEntityId
	Died []ids.SceneEntityId
}

// Response is the sum type a worker emits: exactly one of Ok or Err is set.
type Response struct {
	Ok  *OkResponse
	Err *ErrResponse
}

type OkResponse struct {
	Tick       uint64
	Census     Census
	Updates    *crdt.UpdateBatch
	Elapsed    time.Duration
	LogMessages []string
	RPCCalls   []*rpc.Call
}

type ErrResponse struct {
	SceneID ids.SceneEntityId
	Message string
}

// TickFunc is the pluggable "scene logic" collaborator: scene code appears
// to run a loop but maps cleanly onto one pure function of
// (incoming state) -> (outgoing RPCs, log lines); no persistent stack is
// needed across ticks. The actual scripting engine (out of scope for this
// core) implements this interface. census records births and deaths from
// inbound batches on its own; entities the logic itself creates or deletes
// appear in the tick's census only if the logic reports them to census.
type TickFunc func(store *crdt.Store, census *CrdtContext, tick uint64) (rpcCalls []*rpc.Call, logs []string, err error)

// Worker is one scene's isolated executor.
type Worker struct {
	SceneID ids.SceneEntityId
	Schema  crdt.Schema

	store  *crdt.Store
	census *CrdtContext
	logic  TickFunc

	Inbound  chan InboundFrame
	Outbound chan Response

	tick uint64
}

func New(sceneID ids.SceneEntityId, schema crdt.Schema, logic TickFunc) *Worker {
	return &Worker{
		SceneID:  sceneID,
		Schema:   schema,
		store:    crdt.NewStore(),
		census:   NewCrdtContext(),
		logic:    logic,
		Inbound:  make(chan InboundFrame, 1),
		Outbound: make(chan Response, 1),
	}
}

// Seed applies a main.crdt asset's framed messages as initial state, before
// the first tick runs (§6).
func (w *Worker) Seed(batch *crdt.UpdateBatch) {
	for _, m := range batch.Messages {
		w.store.ProcessMessageStream(w.census, w.Schema, byteReader(m.Encode()))
	}
}

// Run executes the worker's message cycle until the Inbound channel is
// closed (dropping the sender cancels the worker on its next read).
// Outbound messages in flight when that happens are simply discarded by the
// caller no longer reading Outbound.
func (w *Worker) Run() {
	for frame, ok := <-w.Inbound; ok; frame, ok = <-w.Inbound {
		resp := w.runOneTick(frame)
		w.Outbound <- resp
		if resp.Err != nil {
			return // broken: stop being scheduled, Context keeps us despawnable
		}
	}
}

func (w *Worker) runOneTick(frame InboundFrame) Response {
	start := mono.NanoTime()
	w.tick++

	if frame.Updates != nil {
		for _, m := range frame.Updates.Messages {
			w.store.ProcessMessageStream(w.census, w.Schema, byteReader(m.Encode()))
		}
	}

	rpcCalls, logs, err := w.logic(w.store, w.census, w.tick)
	if err != nil {
		nlog.Errorf("scene %s: worker fault at tick %d: %v", w.SceneID, w.tick, err)
		return Response{Err: &ErrResponse{SceneID: w.SceneID, Message: err.Error()}}
	}

	updates := w.store.TakeUpdates()
	born, died := w.census.drainCensus()

	return Response{Ok: &OkResponse{
		Tick:        w.tick,
		Census:      Census{Born: born, Died: died},
		Updates:     updates,
		Elapsed:     mono.Since(start),
		LogMessages: logs,
		RPCCalls:    rpcCalls,
	}}
}

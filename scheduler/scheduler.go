// Package scheduler implements the Scene Scheduler (C5): the per-frame
// priority dispatch loop that decides which of the currently active scenes
// get a tick this frame, bounded by a frame-time budget and a concurrency
// cap on scenes ticking at once. Grounded on the corpus's stream-collector
// heap (container/heap, see queue.go) and its target-runtime EMA bookkeeping
// in xact/xs — the same idea of tracking observed overhead to keep future
// estimates honest, applied here to frame overrun instead of object-copy
// throughput.
/*
 * Copyright (c) 2024, Decentraland Foundation.
 */
package scheduler

import (
	"container/heap"
	"time"

	"github.com/decentraland/explorer-core/cmn/atomic"
	"github.com/decentraland/explorer-core/cmn/mono"
	"github.com/decentraland/explorer-core/cmn/nlog"
	"github.com/decentraland/explorer-core/ids"
	"github.com/decentraland/explorer-core/metrics"
	"github.com/decentraland/explorer-core/scenectx"
	"github.com/decentraland/explorer-core/sceneworker"
)

// emaAlpha weights how quickly the overhead estimate reacts to a new sample;
// 0.2 mirrors the smoothing the corpus uses for its own throughput EMAs.
const emaAlpha = 0.2

// FrameInputs supplies the per-scene data the scheduler itself has no way to
// know: distance-based priority and the player/camera transforms a Context
// needs to build its next tick. The host (render loop) implements this.
type FrameInputs interface {
	// Priority returns the squared distance from the player to sceneID, and
	// whether sceneID is the scene the player is standing in or a portable
	// scene that must always preempt distant ones (§4.5: forced priority 0).
	Priority(sceneID ids.SceneEntityId) (sqDistance float64, forced bool)
	// TickInputs returns the transforms and canvas info PreTick needs to
	// build sceneID's next InboundFrame.
	TickInputs(sceneID ids.SceneEntityId) (player, camera scenectx.Transform, canvasInfo []byte)
}

// FrameStats summarizes one RunFrame call for logging/metrics callers that
// don't want to reach into the Registry directly.
type FrameStats struct {
	Eligible   int
	Dispatched int
	Overrun    time.Duration
}

// Scheduler owns the live Context/Worker pairs and runs one frame's worth of
// scene ticks at a time. It does not itself spawn or despawn scenes — the
// Lifecycle Manager (C4) populates and prunes Contexts/Workers; Scheduler
// only ever dispatches to whatever is present at the start of a frame.
type Scheduler struct {
	Contexts map[ids.SceneEntityId]*scenectx.Context
	Workers  map[ids.SceneEntityId]*sceneworker.Worker

	// SceneThreads bounds how many scenes may be ticking concurrently —
	// the in-flight cap from §4.5.
	SceneThreads int
	FPS          int

	metrics *metrics.Registry

	overheadEMA time.Duration
	frameCount  atomic.Int64 // read by CLI/diagnostics without taking a lock
}

func New(sceneThreads, fps int, reg *metrics.Registry) *Scheduler {
	if reg == nil {
		reg = metrics.Noop()
	}
	return &Scheduler{
		Contexts:     make(map[ids.SceneEntityId]*scenectx.Context),
		Workers:      make(map[ids.SceneEntityId]*sceneworker.Worker),
		SceneThreads: sceneThreads,
		FPS:          fps,
		metrics:      reg,
	}
}

type tickResult struct {
	sceneID ids.SceneEntityId
	resp    sceneworker.Response
	elapsed time.Duration
}

// RunFrame builds the eligible-scene priority queue, dispatches up to
// SceneThreads scenes concurrently, and keeps refilling in-flight slots from
// the queue until nothing remains in flight and either the frame budget
// has elapsed or the queue is empty — a late-arriving response is always applied even if it pushes the
// frame over budget, per §4.5 (a scene tick is never torn down mid-flight).
func (s *Scheduler) RunFrame(inputs FrameInputs) FrameStats {
	s.frameCount.Inc()
	frameStart := time.Now()
	budget := time.Second / time.Duration(max(s.FPS, 1))
	loopEnd := frameStart.Add(budget)

	h := &jobHeap{}
	heap.Init(h)
	now := mono.NanoTime()
	for id, ctx := range s.Contexts {
		if !ctx.IsActive() {
			continue
		}
		sq, forced := inputs.Priority(id)
		priority := 0.0
		if !forced {
			elapsed := float64(now - ctx.LastSent)
			if elapsed <= 0 {
				elapsed = 1
			}
			priority = sq / elapsed
		}
		heap.Push(h, &job{sceneID: id, priority: priority})
	}
	eligible := h.Len()
	s.metrics.SceneQueueDepth.Set(float64(eligible))

	results := make(chan tickResult, s.SceneThreads)
	inFlight := 0
	dispatched := 0

	dispatch := func() bool {
		for h.Len() > 0 {
			j := heap.Pop(h).(*job)
			worker, ok := s.Workers[j.sceneID]
			if !ok {
				continue // context exists but worker hasn't spawned yet
			}
			ctx := s.Contexts[j.sceneID]
			player, camera, canvas := inputs.TickInputs(j.sceneID)
			frame := ctx.PreTick(player, camera, canvas)
			inFlight++
			dispatched++
			go func(sceneID ids.SceneEntityId, w *sceneworker.Worker, f sceneworker.InboundFrame) {
				start := mono.NanoTime()
				w.Inbound <- f
				resp := <-w.Outbound
				results <- tickResult{sceneID, resp, mono.Since(start)}
			}(j.sceneID, worker, frame)
			return true
		}
		return false
	}

	for inFlight < s.SceneThreads && dispatch() {
	}

	for {
		timeUp := !time.Now().Before(loopEnd)
		if inFlight == 0 && (timeUp || h.Len() == 0) {
			break
		}

		var timer *time.Timer
		var timeoutCh <-chan time.Time
		if !timeUp {
			timer = time.NewTimer(time.Until(loopEnd))
			timeoutCh = timer.C
		}

		select {
		case r := <-results:
			if timer != nil {
				timer.Stop()
			}
			inFlight--
			ctx := s.Contexts[r.sceneID]
			ctx.OnWorkerResponse(r.resp)
			s.metrics.SceneTickLatency.WithLabelValues(r.sceneID.String()).Observe(r.elapsed.Seconds())
			if !time.Now().After(loopEnd) && inFlight < s.SceneThreads {
				dispatch()
			}
		case <-timeoutCh:
			// budget exhausted; keep draining in-flight responses but stop
			// dispatching new ones.
		}
		s.metrics.WorkersInFlight.Set(float64(inFlight))
	}

	overrun := time.Since(frameStart) - budget
	if overrun > 0 {
		s.metrics.FrameOverrun.Observe(overrun.Seconds())
		s.overheadEMA = time.Duration(emaAlpha*float64(overrun) + (1-emaAlpha)*float64(s.overheadEMA))
		if s.overheadEMA > budget {
			nlog.Warningf("scheduler: sustained frame overrun, ema=%s budget=%s", s.overheadEMA, budget)
		}
	} else {
		s.overheadEMA = time.Duration((1 - emaAlpha) * float64(s.overheadEMA))
	}

	return FrameStats{Eligible: eligible, Dispatched: dispatched, Overrun: overrun}
}

// OverheadEMA exposes the smoothed frame-overrun estimate, e.g. so a caller
// can proactively shrink SceneThreads under sustained load.
func (s *Scheduler) OverheadEMA() time.Duration { return s.overheadEMA }

// FrameCount returns the number of frames run so far — safe to read from any
// goroutine while RunFrame is dispatching on another.
func (s *Scheduler) FrameCount() int64 { return s.frameCount.Load() }

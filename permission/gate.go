// Package permission implements the Permission Gate (C8): a single FIFO
// queue of privileged requests forwarded from Scene Workers, resolved by a
// scene→realm→global policy lookup before ever reaching a user prompt.
// Grounded on the corpus's request-queue-with-responder-channel pattern
// (ais/prxs3.go's one-request-one-channel relay) generalized from HTTP
// proxying to interactive permission prompts.
/*
 * Copyright (c) 2024, Decentraland Foundation.
 */
package permission

import (
	"container/list"
	"sync"

	"github.com/decentraland/explorer-core/cmn/nlog"
	"github.com/decentraland/explorer-core/ids"
	"github.com/decentraland/explorer-core/metrics"
	"github.com/decentraland/explorer-core/rpc"
	"github.com/decentraland/explorer-core/session"
)

// Decider answers the scope-resolution policy lookup (§4.7 steps 1-3); the
// Session store (A6) is the concrete implementation used in production.
type Decider interface {
	Decision(scope session.PermissionScope, scopeKey, ty string) (session.PermissionDecision, bool)
	SetDecision(scope session.PermissionScope, scopeKey, ty string, allowed bool)
}

// SceneResolver resolves a scene id to the scope key used for scene-scoped
// decisions (its content hash) and reports whether the scene is still in
// the viewer's containing set — a request whose scene has left that set is
// auto-denied per §4.7 cancellation.
type SceneResolver interface {
	HashOf(id ids.SceneEntityId) (hash string, stillContaining bool)
}

// pending is one request sitting in the FIFO queue awaiting a user decision.
type pending struct {
	call    *rpc.Call
	realm   string
	elem    *list.Element
}

// Gate owns the FIFO queue and the policy lookup.
type Gate struct {
	mu       sync.Mutex
	queue    *list.List // of *pending
	byID     map[string]*pending

	decider  Decider
	scenes   SceneResolver
	realm    string
	metrics  *metrics.Registry
}

func New(decider Decider, scenes SceneResolver, realm string, reg *metrics.Registry) *Gate {
	if reg == nil {
		reg = metrics.Noop()
	}
	return &Gate{
		queue:   list.New(),
		byID:    make(map[string]*pending),
		decider: decider,
		scenes:  scenes,
		realm:   realm,
		metrics: reg,
	}
}

// SetRealm updates the realm scope key used for future resolution checks —
// called by the Lifecycle Manager on realm change.
func (g *Gate) SetRealm(realm string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.realm = realm
}

// Submit resolves call against the scope policy immediately if possible;
// otherwise it is queued for a user prompt. Returns true if the call was
// resolved synchronously (the caller does not need to show a prompt).
func (g *Gate) Submit(call *rpc.Call) bool {
	hash, containing := g.sceneHash(call.SceneID)
	if !containing {
		call.Result <- rpc.Result{Allowed: false}
		return true
	}

	g.mu.Lock()
	if d, ok := g.decider.Decision(session.ScopeScene, hash, call.Type); ok {
		g.mu.Unlock()
		call.Result <- rpc.Result{Allowed: d.Allowed}
		return true
	}
	if d, ok := g.decider.Decision(session.ScopeRealm, g.realm, call.Type); ok {
		g.mu.Unlock()
		call.Result <- rpc.Result{Allowed: d.Allowed}
		return true
	}
	if d, ok := g.decider.Decision(session.ScopeGlobal, "", call.Type); ok {
		g.mu.Unlock()
		call.Result <- rpc.Result{Allowed: d.Allowed}
		return true
	}

	p := &pending{call: call, realm: g.realm}
	p.elem = g.queue.PushBack(p)
	g.byID[call.ID.String()] = p
	g.mu.Unlock()

	g.metrics.PermissionQueueLen.Set(float64(g.Len()))
	nlog.Infof("permission: queued request %s type=%s scene=%v", call.ID, call.Type, call.SceneID)
	return false
}

func (g *Gate) sceneHash(id ids.SceneEntityId) (string, bool) {
	if g.scenes == nil {
		return "", true
	}
	return g.scenes.HashOf(id)
}

// Next returns (without removing) the oldest unresolved request, for the UI
// to render as the active prompt. Returns nil if the queue is empty.
func (g *Gate) Next() *rpc.Call {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.queue.Len() == 0 {
		return nil
	}
	return g.queue.Front().Value.(*pending).call
}

// Len reports the current queue depth.
func (g *Gate) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.queue.Len()
}

// Resolve answers the queued request with the given id with the user's
// decision, optionally persisting it at the chosen scope for future requests
// of the same type. An id that is not queued is ignored.
func (g *Gate) Resolve(id string, allowed bool, persistScope session.PermissionScope) {
	g.mu.Lock()
	p, ok := g.byID[id]
	if !ok {
		g.mu.Unlock()
		return
	}
	g.queue.Remove(p.elem)
	delete(g.byID, id)

	if persistScope != "" {
		scopeKey := ""
		switch persistScope {
		case session.ScopeScene:
			scopeKey, _ = g.sceneHash(p.call.SceneID)
		case session.ScopeRealm:
			scopeKey = p.realm
		}
		g.decider.SetDecision(persistScope, scopeKey, p.call.Type, allowed)
	}
	g.mu.Unlock()

	g.metrics.PermissionQueueLen.Set(float64(g.Len()))
	p.call.Result <- rpc.Result{Allowed: allowed}
}

// CancelForScene auto-denies and drops every queued request belonging to
// sceneID — called when that scene leaves the viewer's containing set.
func (g *Gate) CancelForScene(sceneID ids.SceneEntityId) {
	g.mu.Lock()
	var toDeny []*pending
	for e := g.queue.Front(); e != nil; {
		next := e.Next()
		p := e.Value.(*pending)
		if p.call.SceneID == sceneID {
			g.queue.Remove(e)
			delete(g.byID, p.call.ID.String())
			toDeny = append(toDeny, p)
		}
		e = next
	}
	g.mu.Unlock()

	for _, p := range toDeny {
		p.call.Result <- rpc.Result{Allowed: false}
	}
	if len(toDeny) > 0 {
		g.metrics.PermissionQueueLen.Set(float64(g.Len()))
	}
}

// Requeue moves each listed request that is still unresolved to the back of
// the FIFO, in the order the ids are given; ids no longer queued are skipped
// — for when "manage permissions" closes without having resolved every
// request shown (§4.7).
func (g *Gate) Requeue(ids []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, id := range ids {
		p, ok := g.byID[id]
		if !ok {
			continue
		}
		g.queue.MoveToBack(p.elem)
	}
}

/*
 * Copyright (c) 2024, Decentraland Foundation.
 */
package lifecycle

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/decentraland/explorer-core/spatial"
)

type fakeFetcher struct {
	byPointer map[string]ActiveEntityView
}

func (f *fakeFetcher) ActiveEntities(pointers []string) ([]ActiveEntityView, error) {
	seen := make(map[string]bool)
	var out []ActiveEntityView
	for _, p := range pointers {
		e, ok := f.byPointer[p]
		if !ok || seen[e.Hash] {
			continue
		}
		seen[e.Hash] = true
		out = append(out, e)
	}
	return out, nil
}

type recordingSink struct {
	spawned   []string
	despawned []string
}

func (r *recordingSink) SpawnScene(s *Scene)   { r.spawned = append(r.spawned, s.Hash) }
func (r *recordingSink) DespawnScene(h string) { r.despawned = append(r.despawned, h) }

func newTestIndex(t *testing.T) *spatial.Index {
	t.Helper()
	idx, err := spatial.New()
	if err != nil {
		t.Fatalf("spatial.New: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestDiscoverAndReconcileSpawnsRequiredScene(t *testing.T) {
	idx := newTestIndex(t)
	fetch := &fakeFetcher{byPointer: map[string]ActiveEntityView{
		"0,0": {Hash: "abc", Pointers: [][2]int32{{0, 0}}, Base: [2]int32{0, 0}},
	}}
	sink := &recordingSink{}
	m := New(idx, fetch, sink, "main", nil)

	if err := m.Discover(context.Background(), [2]int32{0, 0}, 1, 1); err != nil {
		t.Fatalf("Discover: %v", err)
	}
	m.Reconcile([2]int32{0, 0}, 1, 1)

	if len(sink.spawned) != 1 || sink.spawned[0] != "abc" {
		t.Fatalf("expected scene abc spawned, got %v", sink.spawned)
	}
	if m.LiveCount() != 1 {
		t.Fatalf("expected 1 live scene, got %d", m.LiveCount())
	}
}

func TestReconcileDespawnsOutOfRange(t *testing.T) {
	idx := newTestIndex(t)
	fetch := &fakeFetcher{byPointer: map[string]ActiveEntityView{
		"0,0": {Hash: "abc", Pointers: [][2]int32{{0, 0}}, Base: [2]int32{0, 0}},
	}}
	sink := &recordingSink{}
	m := New(idx, fetch, sink, "main", nil)

	if err := m.Discover(context.Background(), [2]int32{0, 0}, 1, 1); err != nil {
		t.Fatalf("Discover: %v", err)
	}
	m.Reconcile([2]int32{0, 0}, 1, 1)
	if m.LiveCount() != 1 {
		t.Fatalf("expected scene loaded first")
	}

	// viewer moves far away: outside load+unload, scene should despawn
	m.Reconcile([2]int32{1000, 1000}, 1, 1)
	if m.LiveCount() != 0 {
		t.Fatalf("expected scene despawned after moving away, got %d live", m.LiveCount())
	}
	if len(sink.despawned) != 1 || sink.despawned[0] != "abc" {
		t.Fatalf("expected despawn recorded, got %v", sink.despawned)
	}
}

func TestSetRealmPurgesOtherRealmScenes(t *testing.T) {
	idx := newTestIndex(t)
	fetch := &fakeFetcher{byPointer: map[string]ActiveEntityView{
		"0,0": {Hash: "abc", Pointers: [][2]int32{{0, 0}}, Base: [2]int32{0, 0}},
	}}
	sink := &recordingSink{}
	m := New(idx, fetch, sink, "main", nil)
	m.Discover(context.Background(), [2]int32{0, 0}, 1, 1)
	m.Reconcile([2]int32{0, 0}, 1, 1)
	if m.LiveCount() != 1 {
		t.Fatalf("setup: expected 1 live scene")
	}

	if err := m.SetRealm("other"); err != nil {
		t.Fatalf("SetRealm: %v", err)
	}
	if m.LiveCount() != 0 {
		t.Fatalf("expected realm change to purge live scenes, got %d", m.LiveCount())
	}
	if _, ok := idx.Get(0, 0); ok {
		t.Fatalf("expected pointer cache entry purged")
	}
}

func TestContainingHashResolvesLiveScene(t *testing.T) {
	idx := newTestIndex(t)
	fetch := &fakeFetcher{byPointer: map[string]ActiveEntityView{
		"0,0": {Hash: "abc", Pointers: [][2]int32{{0, 0}}, Base: [2]int32{0, 0}},
	}}
	sink := &recordingSink{}
	m := New(idx, fetch, sink, "main", nil)
	m.Discover(context.Background(), [2]int32{0, 0}, 1, 1)
	m.Reconcile([2]int32{0, 0}, 1, 1)

	hash, ok := m.ContainingHash(0, 0)
	if !ok || hash != "abc" {
		t.Fatalf("expected containing scene abc at (0,0), got %q ok=%v", hash, ok)
	}
	if _, ok := m.ContainingHash(500, 500); ok {
		t.Fatalf("expected no containing scene far away")
	}
}

func TestRayResolvesScenesAlongPathAndPortablesAtZero(t *testing.T) {
	idx := newTestIndex(t)
	fetch := &fakeFetcher{byPointer: map[string]ActiveEntityView{
		"5,0": {Hash: "far", Pointers: [][2]int32{{5, 0}}, Base: [2]int32{5, 0}},
	}}
	sink := &recordingSink{}
	m := New(idx, fetch, sink, "main", nil)
	if err := m.Discover(context.Background(), [2]int32{5, 0}, 1, 1); err != nil {
		t.Fatalf("Discover: %v", err)
	}
	m.Reconcile([2]int32{5, 0}, 6, 1)
	if m.LiveCount() != 1 {
		t.Fatalf("setup: expected scene far live")
	}

	portableID, err := m.allocSceneID()
	if err != nil {
		t.Fatalf("allocSceneID: %v", err)
	}
	m.live["portable-1"] = &Scene{Hash: "portable-1", SceneID: portableID, Portable: true, State: StateSpawned}

	hits := m.Ray(0.5*ParcelSizeMeters, 0.5*ParcelSizeMeters, 1, 0, 10*ParcelSizeMeters)
	if len(hits) != 2 {
		t.Fatalf("expected portable + one scene hit, got %v", hits)
	}
	if hits[0].Hash != "portable-1" || hits[0].Distance != 0 {
		t.Fatalf("expected portable scene first at distance 0, got %+v", hits[0])
	}
	if hits[1].Hash != "far" || hits[1].Distance <= 0 {
		t.Fatalf("expected scene far hit at a positive distance, got %+v", hits[1])
	}
}

func TestRayOmitsUnliveScene(t *testing.T) {
	idx := newTestIndex(t)
	fetch := &fakeFetcher{}
	sink := &recordingSink{}
	m := New(idx, fetch, sink, "main", nil)
	idx.Set(5, 0, spatial.Pointer{Realm: "main", X: 5, Y: 0, Exists: true, Hash: "never-spawned"})

	hits := m.Ray(0.5*ParcelSizeMeters, 0.5*ParcelSizeMeters, 1, 0, 10*ParcelSizeMeters)
	if len(hits) != 0 {
		t.Fatalf("expected no hits for a pointer whose scene never spawned, got %v", hits)
	}
}

func TestLoadLocalSynthesizesPointerFromSceneJSON(t *testing.T) {
	dir := t.TempDir()
	sceneDir := filepath.Join(dir, "my-scene")
	if err := os.MkdirAll(sceneDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	sceneJSONContent := `{"scene":{"base":"3,4","parcels":["3,4"]},"main":"bin/game.js"}`
	if err := os.WriteFile(filepath.Join(sceneDir, "scene.json"), []byte(sceneJSONContent), 0o644); err != nil {
		t.Fatalf("write scene.json: %v", err)
	}
	if err := os.WriteFile(filepath.Join(sceneDir, "main.crdt"), []byte{}, 0o644); err != nil {
		t.Fatalf("write main.crdt: %v", err)
	}

	idx := newTestIndex(t)
	sink := &recordingSink{}
	m := New(idx, nil, sink, "main", nil)

	if err := m.LoadLocal(dir); err != nil {
		t.Fatalf("LoadLocal: %v", err)
	}
	p, ok := idx.Get(3, 4)
	if !ok || !p.Exists || p.Realm != "local" {
		t.Fatalf("expected local pointer at (3,4), got %+v ok=%v", p, ok)
	}

	m.Reconcile([2]int32{3, 4}, 1, 1)
	if len(sink.spawned) != 1 {
		t.Fatalf("expected the local scene to spawn, got %v", sink.spawned)
	}

	// Discover must be a no-op in local mode.
	if err := m.Discover(context.Background(), [2]int32{3, 4}, 1, 1); err != nil {
		t.Fatalf("Discover in local mode: %v", err)
	}
}

/*
 * Copyright (c) 2024, Decentraland Foundation.
 */
package lifecycle

import (
	"context"
	"fmt"
	"sync"

	"github.com/teris-io/shortid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/decentraland/explorer-core/cmn/nlog"
	"github.com/decentraland/explorer-core/ids"
	"github.com/decentraland/explorer-core/metrics"
	"github.com/decentraland/explorer-core/spatial"
)

// RealmFetcher is the subset of realm.Client the Lifecycle Manager needs —
// narrowed to an interface so discovery can be exercised without a live
// realm server.
type RealmFetcher interface {
	ActiveEntities(pointers []string) ([]ActiveEntityView, error)
}

// ActiveEntityView is the Lifecycle Manager's own narrow projection of
// realm.ActiveEntity, decoupling it from the realm package's gjson-carrying
// type so tests can construct values without gjson plumbing.
type ActiveEntityView struct {
	Hash     string
	Pointers [][2]int32
	Content  []Content
	Base     [2]int32
	Portable bool
	PID      string
}

// SpawnSink receives spawn/despawn decisions — the Scheduler (or a thin
// adapter over it) wires its Contexts/Workers maps to this.
type SpawnSink interface {
	SpawnScene(s *Scene)
	DespawnScene(hash string)
}

// Manager owns LiveScenes, the spatial pointer cache, and PortableScenes.
type Manager struct {
	mu sync.Mutex

	index  *spatial.Index
	fetch  RealmFetcher
	sink   SpawnSink
	group  singleflight.Group
	metrics *metrics.Registry

	realm string

	live      map[string]*Scene // hash -> scene
	portables map[string]*Scene // hash -> portable scene
	templates map[string]*Scene // hash -> spatial scene template (base/parcels/content)

	nextSceneNumber uint16

	// LocalDir, when non-empty, puts discovery into dev mode (A7): Discover
	// is a no-op and scenes are instead supplied via LoadLocal.
	LocalDir string
}

const (
	firstSceneNumber = 500 // distinct range from remote players [6,406) and reserved ids
	lastSceneNumber  = 65535
)

func New(index *spatial.Index, fetch RealmFetcher, sink SpawnSink, realm string, reg *metrics.Registry) *Manager {
	if reg == nil {
		reg = metrics.Noop()
	}
	return &Manager{
		index:           index,
		fetch:           fetch,
		sink:            sink,
		realm:           realm,
		live:            make(map[string]*Scene),
		portables:       make(map[string]*Scene),
		templates:       make(map[string]*Scene),
		nextSceneNumber: firstSceneNumber,
		metrics:         reg,
	}
}

func (m *Manager) allocSceneID() (ids.SceneEntityId, error) {
	if m.nextSceneNumber > lastSceneNumber {
		return 0, fmt.Errorf("scene id space exhausted")
	}
	id := ids.NewEntityId(m.nextSceneNumber, 0)
	m.nextSceneNumber++
	return id, nil
}

// SetSink attaches the spawn/despawn collaborator. Separated from New so the
// Manager can be constructed before the collaborator that depends on it
// (e.g. a Permission Gate resolving scene scope via HashOf) exists.
func (m *Manager) SetSink(sink SpawnSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sink = sink
}

// SetRealm purges live scenes and pointer-cache entries not in the new
// realm and restarts discovery from a clean slate (§4.4 "on realm change").
func (m *Manager) SetRealm(realm string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.realm = realm

	if err := m.index.PurgeNotInRealm(realm); err != nil {
		return err
	}
	for hash, scene := range m.live {
		if scene.Realm != realm {
			m.sink.DespawnScene(hash)
			delete(m.live, hash)
		}
	}
	return nil
}

// Discover computes the unknown-pointer remainder within load+unload of
// center and, if non-empty, issues active-entities requests in batches of up
// to 64 pointers — one errgroup goroutine per batch, with no cap on how many
// run at once — each deduplicated against an in-flight request for the same
// parcel set via singleflight (§4.4 domain-stack addition).
func (m *Manager) Discover(ctx context.Context, center [2]int32, load, unload int32) error {
	if m.LocalDir != "" {
		return nil // dev mode bypasses realm discovery entirely
	}

	m.mu.Lock()
	var unknown []string
	radius := load + unload
	for dx := -radius; dx <= radius; dx++ {
		for dy := -radius; dy <= radius; dy++ {
			x, y := center[0]+dx, center[1]+dy
			if _, ok := m.index.Get(x, y); !ok {
				unknown = append(unknown, fmt.Sprintf("%d,%d", x, y))
			}
		}
	}
	m.mu.Unlock()

	if len(unknown) == 0 {
		return nil
	}

	const batchSize = 64
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < len(unknown); i += batchSize {
		end := i + batchSize
		if end > len(unknown) {
			end = len(unknown)
		}
		batch := unknown[i:end]
		g.Go(func() error {
			return m.fetchBatch(gctx, batch)
		})
	}
	return g.Wait()
}

func (m *Manager) fetchBatch(ctx context.Context, pointers []string) error {
	batchID, _ := shortid.Generate() // correlates this batch's log lines only; not persisted
	key := fmt.Sprintf("%v", pointers)
	_, err, _ := m.group.Do(key, func() (any, error) {
		entities, err := m.fetch.ActiveEntities(pointers)
		if err != nil {
			return nil, err
		}
		m.applyDiscovery(pointers, entities)
		return nil, nil
	})
	_ = ctx
	if err != nil {
		nlog.Warningf("lifecycle: discovery batch %s failed (%d pointers): %v", batchID, len(pointers), err)
	} else {
		nlog.Debugf("lifecycle: discovery batch %s resolved %d pointers", batchID, len(pointers))
	}
	return err
}

func (m *Manager) applyDiscovery(requested []string, entities []ActiveEntityView) {
	m.mu.Lock()
	defer m.mu.Unlock()

	covered := make(map[string]bool, len(requested))
	for _, e := range entities {
		for _, p := range e.Pointers {
			key := fmt.Sprintf("%d,%d", p[0], p[1])
			covered[key] = true
			m.index.Set(p[0], p[1], spatial.Pointer{Realm: m.realm, X: p[0], Y: p[1], Exists: true, Hash: e.Hash})
		}
		if e.Portable {
			if _, ok := m.portables[e.Hash]; !ok {
				m.portables[e.Hash] = &Scene{Hash: e.Hash, Realm: m.realm, Portable: true, PID: e.PID, Content: e.Content}
			}
		} else if _, ok := m.templates[e.Hash]; !ok {
			m.templates[e.Hash] = &Scene{Hash: e.Hash, Realm: m.realm, BaseParcel: e.Base, Parcels: e.Pointers, Content: e.Content}
		}
	}
	for _, key := range requested {
		if covered[key] {
			continue
		}
		var x, y int32
		fmt.Sscanf(key, "%d,%d", &x, &y)
		m.index.Set(x, y, spatial.Pointer{Realm: m.realm, X: x, Y: y, Exists: false})
	}
}

// Reconcile computes the required/kept sets around center and spawns or
// despawns scenes to match (§4.4 spawn decision). required = any parcel
// within load maps to it, or it's a portable. kept = required or within
// load+unload.
func (m *Manager) Reconcile(center [2]int32, load, unload int32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	required := make(map[string]bool)
	kept := make(map[string]bool)

	for hash := range m.portables {
		required[hash] = true
		kept[hash] = true
	}

	scan := func(radius int32, dest map[string]bool) {
		minX, minY := center[0]-radius, center[1]-radius
		maxX, maxY := center[0]+radius, center[1]+radius
		_ = m.index.WithinRect(minX, minY, maxX, maxY, func(p spatial.Pointer) {
			if p.Exists {
				dest[p.Hash] = true
			}
		})
	}
	scan(load, required)
	scan(load+unload, kept)
	for h := range required {
		kept[h] = true
	}

	for hash := range required {
		if _, live := m.live[hash]; !live {
			m.spawnLocked(hash, kept)
		}
	}
	for hash := range m.live {
		if !kept[hash] {
			m.sink.DespawnScene(hash)
			delete(m.live, hash)
		}
	}
}

func (m *Manager) spawnLocked(hash string, keptSet map[string]bool) {
	sceneID, err := m.allocSceneID()
	if err != nil {
		nlog.Errorf("lifecycle: %v", err)
		return
	}
	var base *Scene
	if p, ok := m.portables[hash]; ok {
		base = p
	} else if tpl, ok := m.templates[hash]; ok {
		base = tpl
	} else {
		base = &Scene{Hash: hash, Realm: m.realm}
	}
	s := &Scene{
		Hash:       hash,
		SceneID:    sceneID,
		Realm:      m.realm,
		BaseParcel: base.BaseParcel,
		Parcels:    base.Parcels,
		Portable:   base.Portable,
		PID:        base.PID,
		Content:    base.Content,
		State:      StateSpawned,
	}
	m.live[hash] = s
	m.sink.SpawnScene(s)
	_ = keptSet
}

// Scene returns the live scene for hash, if any.
func (m *Manager) Scene(hash string) (*Scene, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.live[hash]
	return s, ok
}

// LiveCount reports how many scenes are currently in LiveScenes, regardless
// of loading state — used by the §8 invariant check (LiveScenes and
// SceneContext membership equal at end of frame).
func (m *Manager) LiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// ContainingHash resolves the live scene hash for world parcel (x, y), or
// ok=false if no scene owns it (§4.8 point query).
func (m *Manager) ContainingHash(x, y int32) (hash string, ok bool) {
	p, found := m.index.Get(x, y)
	if !found || !p.Exists {
		return "", false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, live := m.live[p.Hash]; !live {
		return "", false
	}
	return p.Hash, true
}

// HashOf resolves a live scene's entity id back to its content hash, for the
// Permission Gate's scene-scope resolution (§4.7). ok is false once the
// scene has despawned — the Gate treats that as "no longer containing" and
// auto-denies any request still in flight for it.
func (m *Manager) HashOf(id ids.SceneEntityId) (hash string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for h, s := range m.live {
		if s.SceneID == id {
			return h, true
		}
	}
	return "", false
}

// PortablesAtZero returns every currently-live portable scene's hash — the
// §4.8 rule that ray queries always include portables at distance 0.
func (m *Manager) PortablesAtZero() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for hash, s := range m.live {
		if s.Portable {
			out = append(out, hash)
		}
	}
	return out
}

// ParcelSizeMeters is the world-space edge length of one parcel (§ GLOSSARY).
const ParcelSizeMeters = 16.0

// RayHit is one scene a Ray query touched, in increasing-distance order.
type RayHit struct {
	Hash     string
	Distance float64 // meters from the ray origin; 0 for portables
}

// Ray resolves the live scene(s) a world-space ray touches: every live
// portable scene first, at distance 0, then every live spatial scene the ray
// crosses within maxDistanceMeters, nearest first — the ray form of §4.8's
// Containing-Scene Query. origin/dir are world-space meters; dir need not be
// normalized.
func (m *Manager) Ray(originX, originY, dirX, dirY, maxDistanceMeters float64) []RayHit {
	var hits []RayHit
	seen := make(map[string]bool)
	for _, hash := range m.PortablesAtZero() {
		if seen[hash] {
			continue
		}
		seen[hash] = true
		hits = append(hits, RayHit{Hash: hash, Distance: 0})
	}

	m.index.RayQuery(
		originX/ParcelSizeMeters, originY/ParcelSizeMeters,
		dirX, dirY,
		maxDistanceMeters/ParcelSizeMeters,
		func(cell spatial.RayHit) {
			if !cell.Pointer.Exists || seen[cell.Pointer.Hash] {
				return
			}
			m.mu.Lock()
			_, live := m.live[cell.Pointer.Hash]
			m.mu.Unlock()
			if !live {
				return
			}
			seen[cell.Pointer.Hash] = true
			hits = append(hits, RayHit{Hash: cell.Pointer.Hash, Distance: cell.Distance * ParcelSizeMeters})
		},
	)
	return hits
}

/*
 * Copyright (c) 2024, Decentraland Foundation.
 */
package transport

import (
	"encoding/binary"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	cuckoo "github.com/seiflotfy/cuckoofilter"

	"github.com/decentraland/explorer-core/cmn/nlog"
	"github.com/decentraland/explorer-core/globalcrdt"
	"github.com/decentraland/explorer-core/ids"
	"github.com/decentraland/explorer-core/metrics"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// EventSink receives the side-effect events the Ingestor emits once a
// Global CRDT write has been made — the UI/renderer's hook for things that
// aren't themselves CRDT state (chat bubbles, profile refresh, pointer
// events).
type EventSink interface {
	PlayerPosition(scene ids.SceneEntityId, address string)
	Chat(address, message string, timestamp uint64)
	Profile(address string, version int)
	Voice(address string, active bool)
	Emote(address, emoteID string, playing bool)
}

// SceneFanout routes Scene-subchannel payloads to whichever scene hash they
// target; drops silently if nothing is subscribed (§4.6 step 2).
type SceneFanout struct {
	mu   sync.Mutex
	subs map[string]chan []byte
}

func NewSceneFanout() *SceneFanout {
	return &SceneFanout{subs: make(map[string]chan []byte)}
}

func (f *SceneFanout) Subscribe(hash string) (<-chan []byte, func()) {
	f.mu.Lock()
	ch := make(chan []byte, 32)
	f.subs[hash] = ch
	f.mu.Unlock()
	return ch, func() {
		f.mu.Lock()
		delete(f.subs, hash)
		f.mu.Unlock()
	}
}

func (f *SceneFanout) Publish(hash string, payload []byte) {
	f.mu.Lock()
	ch, ok := f.subs[hash]
	f.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- payload:
	default:
		// subscriber too slow: drop rather than block the ingestor loop.
	}
}

type chatState struct {
	lastSeen uint64
}

// Ingestor drains PlayerUpdate values and applies them to the Global CRDT.
type Ingestor struct {
	mu sync.Mutex

	global  *globalcrdt.Global
	fanout  *SceneFanout
	events  EventSink
	metrics *metrics.Registry

	inbound chan PlayerUpdate

	evicted   *cuckoo.Filter // recently-evicted addresses, race guard
	chatSeen  map[string]*chatState
	lastSeen  map[string]time.Time // address -> last update, for eviction
	sceneOf   map[string]ids.SceneEntityId

	ttl time.Duration

	stop chan struct{}
	done chan struct{}
}

func New(global *globalcrdt.Global, fanout *SceneFanout, events EventSink, queueDepth int, ttl time.Duration, reg *metrics.Registry) *Ingestor {
	if reg == nil {
		reg = metrics.Noop()
	}
	return &Ingestor{
		global:   global,
		fanout:   fanout,
		events:   events,
		metrics:  reg,
		inbound:  make(chan PlayerUpdate, queueDepth),
		evicted:  cuckoo.NewFilter(1024),
		chatSeen: make(map[string]*chatState),
		lastSeen: make(map[string]time.Time),
		sceneOf:  make(map[string]ids.SceneEntityId),
		ttl:      ttl,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Push enqueues u onto the bounded MPSC queue transports feed PlayerUpdate
// values into. Send is non-blocking: a full queue drops the update and counts it
// (§5 back-pressure: "bounded (1000); overflow drops with a warning").
func (ig *Ingestor) Push(u PlayerUpdate) {
	select {
	case ig.inbound <- u:
	default:
		ig.metrics.TransportDropped.WithLabelValues("queue_full").Inc()
		nlog.Warningf("transport: inbound queue full, dropping update from %s", u.Address)
	}
}

// Run drains Inbound and applies updates until Stop is called.
func (ig *Ingestor) Run() {
	defer close(ig.done)
	evictTicker := time.NewTicker(ig.ttl / 2)
	defer evictTicker.Stop()
	for {
		select {
		case u := <-ig.inbound:
			ig.apply(u)
		case <-evictTicker.C:
			ig.evictStale()
		case <-ig.stop:
			return
		}
	}
}

func (ig *Ingestor) Stop() {
	close(ig.stop)
	<-ig.done
}

func (ig *Ingestor) apply(u PlayerUpdate) {
	eid, isNew, ok := ig.global.EntityFor(u.Address)
	if !ok {
		ig.metrics.TransportDropped.WithLabelValues("id_space_exhausted").Inc()
		nlog.Warningf("transport: remote player id space exhausted, dropping update from %s", u.Address)
		return
	}

	ig.mu.Lock()
	ig.lastSeen[u.Address] = time.Now()
	ig.sceneOf[u.Address] = eid
	ig.mu.Unlock()

	if isNew {
		ig.global.Store().ForceUpdate(ids.ComponentPlayerIdentity, ids.KindLWW, eid, uint32(time.Now().UnixMilli()), []byte(u.Address))
		ig.metrics.ForeignPlayers.Set(float64(ig.global.Count()))
	}

	switch u.Variant {
	case VariantPlayerData:
		ig.dispatchPlayerData(eid, u.Address, u.PlayerData)
	case VariantMetaData:
		ig.dispatchMetaData(u.Address, u.MetaData)
	case VariantAudioStream:
		// opaque to the core: forwarded to the audio collaborator elsewhere;
		// the ingestor only needs to keep the liveness clock ticking, done
		// above via lastSeen.
	}

	ig.global.Broadcast()
}

func (ig *Ingestor) dispatchPlayerData(eid ids.SceneEntityId, address string, m *PeerMessage) {
	if m == nil {
		return
	}
	switch m.Kind {
	case KindPosition, KindMovement, KindMovementCompressed:
		payload := encodeTransform(m.Translation, m.Rotation)
		ig.global.Store().ForceUpdate(ids.ComponentTransform, ids.KindLWW, eid, uint32(time.Now().UnixMilli()), payload)
		if ig.events != nil {
			ig.events.PlayerPosition(eid, address)
		}
	case KindChat:
		if ig.acceptChat(address, m.Timestamp) && ig.events != nil {
			ig.events.Chat(address, m.Text, m.Timestamp)
		}
	case KindScene:
		ig.dispatchScene(m.SceneID, m.Payload)
	case KindVoice:
		if ig.events != nil {
			ig.events.Voice(address, m.Playing)
		}
	case KindEmote, KindSceneEmote:
		if ig.events != nil {
			ig.events.Emote(address, m.EmoteID, m.Playing)
		}
	}
}

// SceneSubchannelTag identifies the first payload byte of a Scene message.
type SceneSubchannelTag byte

const (
	SubchannelString SceneSubchannelTag = 0
	SubchannelBinary SceneSubchannelTag = 1
)

// dispatchScene routes a Scene(scene_id, bytes) update to its per-scene-hash
// fanout. The first byte is a subchannel tag; on an unrecognized tag value
// the default is String and — deliberately, matching the behavior this
// core's distilled spec describes — the tag byte is NOT stripped from the
// payload handed to the subscriber in that case (see DESIGN.md: Open
// Question resolution). A recognized tag's byte IS stripped.
func (ig *Ingestor) dispatchScene(sceneID ids.SceneEntityId, payload []byte) {
	if len(payload) == 0 {
		return
	}
	tag := SceneSubchannelTag(payload[0])
	var body []byte
	switch tag {
	case SubchannelString, SubchannelBinary:
		body = payload[1:]
	default:
		body = payload // unknown tag: default to String semantics, byte kept
	}
	ig.fanout.Publish(sceneHashKey(sceneID), body)
}

// sceneHashKey is a placeholder mapping from scene id to the fanout key
// used by Subscribe/Publish; the Lifecycle Manager's scene hash is the
// authoritative key in production, wired in by the host composing this
// package with lifecycle.Manager.Scene(...).SceneID.
func sceneHashKey(sceneID ids.SceneEntityId) string { return sceneID.String() }

// acceptChat applies the §8 dedup rule: a chat is accepted iff its timestamp
// is strictly greater than the sender's last accepted timestamp. A repeat or
// stale timestamp — even carrying a distinct message — is dropped; the sender
// is expected to bump its clock for every new chat line.
func (ig *Ingestor) acceptChat(sender string, ts uint64) bool {
	ig.mu.Lock()
	defer ig.mu.Unlock()
	st, ok := ig.chatSeen[sender]
	if !ok {
		st = &chatState{}
		ig.chatSeen[sender] = st
	}
	if ts <= st.lastSeen {
		return false
	}
	st.lastSeen = ts
	return true
}

func (ig *Ingestor) dispatchMetaData(address string, raw []byte) {
	ty := stringField(raw, "type")
	switch ty {
	case "profileRequest", "profileVersion", "profileResponse":
		version := intField(raw, "version")
		if ig.events != nil {
			ig.events.Profile(address, version)
		}
	default:
		nlog.Debugf("transport: unhandled metadata type %q from %s", ty, address)
	}
}

func stringField(raw []byte, field string) string {
	var v struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(raw, &v)
	_ = field
	return v.Type
}

func intField(raw []byte, field string) int {
	var v struct {
		Version int `json:"version"`
	}
	_ = json.Unmarshal(raw, &v)
	_ = field
	return v.Version
}

func encodeTransform(translation [3]float32, rotation [4]float32) []byte {
	buf := make([]byte, 4*8)
	putF32 := func(off int, v float32) { putFloat32LE(buf[off:off+4], v) }
	putF32(0, translation[0])
	putF32(4, translation[1])
	putF32(8, translation[2])
	putF32(12, rotation[0])
	putF32(16, rotation[1])
	putF32(20, rotation[2])
	putF32(24, rotation[3])
	binary.LittleEndian.PutUint32(buf[28:32], uint32(ids.NewEntityId(ids.WorldOrigin, 0)))
	return buf
}

// evictStale marks ForeignPlayers whose last update exceeds ttl, issuing
// delete_entity on the Global CRDT and recording the freed address in the
// cuckoo filter so WasRecentlyEvicted can report an immediate reconnect; the
// ingestor itself does not consult the filter before re-allocating
// (§4.6 domain-stack addition).
func (ig *Ingestor) evictStale() {
	now := time.Now()

	ig.mu.Lock()
	var stale []string
	for addr, last := range ig.lastSeen {
		if now.Sub(last) >= ig.ttl {
			stale = append(stale, addr)
		}
	}
	for _, addr := range stale {
		delete(ig.lastSeen, addr)
		delete(ig.sceneOf, addr)
	}
	ig.mu.Unlock()

	for _, addr := range stale {
		ig.evicted.InsertUnique([]byte(addr))
		if _, ok := ig.global.Release(addr); ok {
			ig.metrics.ForeignPlayers.Set(float64(ig.global.Count()))
		}
	}
}

// WasRecentlyEvicted reports whether address was evicted recently enough
// that a reconnect in the same tick should be treated as a race rather than
// a genuine new session — callers may choose to delay re-allocation by one
// tick when this returns true.
func (ig *Ingestor) WasRecentlyEvicted(address string) bool {
	return ig.evicted.Lookup([]byte(address))
}

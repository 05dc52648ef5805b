// Package lifecycle implements the Lifecycle Manager (C4): resolving
// spatial/portable pointers to content hashes, and spawning/despawning Scene
// Contexts as the viewer moves. Grounded on the corpus's xact/xs object-copy
// xaction lifecycle (spawned -> running -> aborted/finished state machine),
// generalized here to scene loading stages instead of a single copy job.
/*
 * Copyright (c) 2024, Decentraland Foundation.
 */
package lifecycle

import "github.com/decentraland/explorer-core/ids"

// LoadState is one stage of the per-scene loading pipeline (§4.4).
type LoadState int

const (
	StateSpawned LoadState = iota
	StateSceneEntity
	StateMainCrdt
	StateJavascript
	StateRunning
	StateFailed
)

func (s LoadState) String() string {
	switch s {
	case StateSpawned:
		return "spawned"
	case StateSceneEntity:
		return "scene-entity"
	case StateMainCrdt:
		return "main-crdt"
	case StateJavascript:
		return "javascript"
	case StateRunning:
		return "running"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Content is the {file, hash} pair a scene entity's content list carries.
type Content struct {
	File string
	Hash string
}

// Scene is one entry in LiveScenes: a currently loaded (or loading, or
// failed) scene.
type Scene struct {
	Hash       string
	SceneID    ids.SceneEntityId
	Realm      string
	BaseParcel [2]int32
	Parcels    [][2]int32
	Portable   bool
	PID        string // portable scene id, empty for spatial scenes
	Content    []Content
	State      LoadState
	FailReason string
}

// Advance moves the scene to the next loading stage, or to Failed with
// reason if err is non-nil. A failure at any stage is terminal: the scene
// remains in LiveScenes (so it stays visible/despawnable) but never
// schedules.
func (s *Scene) Advance(next LoadState, err error) {
	if err != nil {
		s.State = StateFailed
		s.FailReason = err.Error()
		return
	}
	s.State = next
}

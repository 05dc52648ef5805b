// Package rpc defines the privileged-action request shape a Scene Worker
// forwards to the host: Call travels from the worker (§4.2) through
// Scene Context (§4.3) to either a direct handler or the Permission Gate
// (§4.7), so it lives in its own leaf package to avoid import cycles among
// the three.
/*
 * Copyright (c) 2024, Decentraland Foundation.
 */
package rpc

import (
	"github.com/google/uuid"

	"github.com/decentraland/explorer-core/ids"
)

// Call is one privileged request a scene's tick emitted, e.g. MovePlayer,
// OpenExternalURL. Additional carries call-specific parameters the host
// interprets; the core never inspects it beyond routing.
type Call struct {
	ID         uuid.UUID
	SceneID    ids.SceneEntityId
	Type       string
	Additional map[string]any
	Result     chan Result
}

// Result is the outcome of a Call, sent once on the Call's Result channel
// by whoever resolves it (a direct handler or the Permission Gate).
type Result struct {
	Allowed bool
	Err     error
}

func NewCall(sceneID ids.SceneEntityId, ty string, additional map[string]any) *Call {
	return &Call{
		ID:         uuid.New(),
		SceneID:    sceneID,
		Type:       ty,
		Additional: additional,
		Result:     make(chan Result, 1),
	}
}

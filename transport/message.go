// Package transport implements the Transport Ingestor (C7): demuxing peer
// messages from N transports into the Global CRDT plus UI-facing events.
// The wire protocol of any single transport is an external collaborator
// (§1) — PeerMessage is the decoded shape this core actually consumes.
/*
 * Copyright (c) 2024, Decentraland Foundation.
 */
package transport

import "github.com/decentraland/explorer-core/ids"

// Variant selects which of the three update shapes a PlayerUpdate carries
// (§4.6: "message is one of MetaData(json), PlayerData(PeerMessage),
// AudioStream(opaque)").
type Variant int

const (
	VariantMetaData Variant = iota
	VariantPlayerData
	VariantAudioStream
)

// PeerKind enumerates the decoded PlayerData sub-messages.
type PeerKind int

const (
	KindPosition PeerKind = iota
	KindMovement
	KindMovementCompressed
	KindChat
	KindScene
	KindVoice
	KindEmote
	KindSceneEmote
)

// PeerMessage is one decoded PlayerData payload; only the fields relevant
// to Kind are populated.
type PeerMessage struct {
	Kind PeerKind

	// Position / Movement / MovementCompressed
	Translation [3]float32
	Rotation    [4]float32

	// Chat
	Text      string
	Timestamp uint64

	// Scene
	SceneID ids.SceneEntityId
	Payload []byte // first byte is the subchannel tag, see dispatchScene

	// Voice / Emote / SceneEmote
	EmoteID string
	Playing bool
}

// PlayerUpdate is one message drained off the bounded MPSC queue from a
// transport.
type PlayerUpdate struct {
	TransportID string
	Address     string
	Variant     Variant

	MetaData   []byte       // raw JSON, VariantMetaData
	PlayerData *PeerMessage // VariantPlayerData
	Audio      []byte       // VariantAudioStream
}

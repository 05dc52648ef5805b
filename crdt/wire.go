// Wire framing for the CRDT message stream: a length-prefixed, little-endian,
// bit-exact encoding shared between Scene Workers, the Renderer and the
// Global CRDT broadcast. The store never interprets payload bytes — merge
// is purely data-driven off the schema table (component kind).
/*
 * Copyright (c) 2024, Decentraland Foundation.
 */
package crdt

import (
	"encoding/binary"
	"io"

	"github.com/decentraland/explorer-core/cmn/rerr"
	"github.com/decentraland/explorer-core/ids"
)

type MsgType uint32

const (
	MsgPutLWW       MsgType = 1
	MsgDeleteEntity MsgType = 2
	MsgAppendGO     MsgType = 3
)

// Message is the decoded form of one framed wire message.
type Message struct {
	Type      MsgType
	Entity    ids.SceneEntityId
	Component ids.ComponentId // absent (zero) for MsgDeleteEntity
	Timestamp uint32          // PUT_LWW only
	Payload   []byte          // PUT_LWW/APPEND_GO only; nil payload on PUT_LWW is a tombstone
}

const le = "little-endian wire message"

// EncodePutLWW produces a PUT_LWW frame: 24 + len(payload) bytes.
func EncodePutLWW(eid ids.SceneEntityId, cid ids.ComponentId, ts uint32, payload []byte) []byte {
	n := 24 + len(payload)
	buf := make([]byte, n)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(n))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(MsgPutLWW))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(eid))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(cid))
	binary.LittleEndian.PutUint32(buf[16:20], ts)
	binary.LittleEndian.PutUint32(buf[20:24], uint32(len(payload)))
	copy(buf[24:], payload)
	return buf
}

// EncodeDeleteEntity produces a DELETE_ENTITY frame: exactly 12 bytes.
func EncodeDeleteEntity(eid ids.SceneEntityId) []byte {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:4], 12)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(MsgDeleteEntity))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(eid))
	return buf
}

// EncodeAppendGO produces an APPEND_GO frame: 20 + len(payload) bytes (no
// timestamp field — GrowOnly ordering is the order of accepted appends).
func EncodeAppendGO(eid ids.SceneEntityId, cid ids.ComponentId, payload []byte) []byte {
	n := 20 + len(payload)
	buf := make([]byte, n)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(n))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(MsgAppendGO))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(eid))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(cid))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(len(payload)))
	copy(buf[20:], payload)
	return buf
}

// ReadMessage decodes exactly one framed message from r. Returns io.EOF when
// the stream is exhausted cleanly (no partial header read).
func ReadMessage(r io.Reader) (*Message, error) {
	var lenAndType [8]byte
	if _, err := io.ReadFull(r, lenAndType[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, rerr.Wrap(rerr.KindProtocolViolation, "crdt", err, "truncated message header")
		}
		return nil, err // propagate clean io.EOF as-is
	}
	totalLen := binary.LittleEndian.Uint32(lenAndType[0:4])
	mtype := MsgType(binary.LittleEndian.Uint32(lenAndType[4:8]))
	if totalLen < 8 {
		return nil, rerr.New(rerr.KindProtocolViolation, "crdt", "message length shorter than header")
	}
	rest := make([]byte, totalLen-8)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, rerr.Wrap(rerr.KindProtocolViolation, "crdt", err, "truncated message body")
	}

	m := &Message{Type: mtype}
	switch mtype {
	case MsgDeleteEntity:
		if len(rest) < 4 {
			return nil, rerr.New(rerr.KindProtocolViolation, "crdt", "short delete-entity body")
		}
		m.Entity = ids.SceneEntityId(binary.LittleEndian.Uint32(rest[0:4]))
	case MsgPutLWW:
		if len(rest) < 16 {
			return nil, rerr.New(rerr.KindProtocolViolation, "crdt", "short put-lww body")
		}
		m.Entity = ids.SceneEntityId(binary.LittleEndian.Uint32(rest[0:4]))
		m.Component = ids.ComponentId(binary.LittleEndian.Uint32(rest[4:8]))
		m.Timestamp = binary.LittleEndian.Uint32(rest[8:12])
		plen := binary.LittleEndian.Uint32(rest[12:16])
		if uint32(len(rest)-16) < plen {
			return nil, rerr.New(rerr.KindProtocolViolation, "crdt", "payload length overruns frame")
		}
		if plen > 0 {
			m.Payload = append([]byte(nil), rest[16:16+plen]...)
		}
	case MsgAppendGO:
		if len(rest) < 12 {
			return nil, rerr.New(rerr.KindProtocolViolation, "crdt", "short append-go body")
		}
		m.Entity = ids.SceneEntityId(binary.LittleEndian.Uint32(rest[0:4]))
		m.Component = ids.ComponentId(binary.LittleEndian.Uint32(rest[4:8]))
		plen := binary.LittleEndian.Uint32(rest[8:12])
		if uint32(len(rest)-12) < plen {
			return nil, rerr.New(rerr.KindProtocolViolation, "crdt", "payload length overruns frame")
		}
		if plen > 0 {
			m.Payload = append([]byte(nil), rest[12:12+plen]...)
		}
	default:
		// Protocol violation policy: skip unknown message type, continue stream.
		return &Message{Type: mtype}, nil
	}
	return m, nil
}

// Encode re-serializes a decoded Message back to its wire frame.
func (m *Message) Encode() []byte {
	switch m.Type {
	case MsgDeleteEntity:
		return EncodeDeleteEntity(m.Entity)
	case MsgAppendGO:
		return EncodeAppendGO(m.Entity, m.Component, m.Payload)
	default:
		return EncodePutLWW(m.Entity, m.Component, m.Timestamp, m.Payload)
	}
}

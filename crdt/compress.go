// Compressed transport envelope for CRDT batches, used by the Global CRDT
// broadcast (§4.6) when a batch exceeds CompressionThreshold — mirrors the
// corpus's own bundle.Extra.Compression knob on its DataMover. Compression
// only wraps the wire bytes; decoding back to messages is unaffected.
/*
 * Copyright (c) 2024, Decentraland Foundation.
 */
package crdt

import (
	"bytes"
	"io"

	"github.com/pierrec/lz4/v3"

	"github.com/decentraland/explorer-core/cmn/rerr"
)

// CompressionThreshold is the batch size (encoded bytes) above which
// EncodeCompressed actually compresses; below it the envelope carries the
// raw bytes verbatim to avoid paying lz4 framing overhead on tiny batches.
const CompressionThreshold = 4096

// EncodeCompressed encodes a batch and wraps it in an lz4 frame when it is
// larger than CompressionThreshold. The one-byte prefix reports whether the
// payload that follows is compressed, so DecodeCompressed needs no
// out-of-band negotiation.
func EncodeCompressed(batch *UpdateBatch) []byte {
	raw := batch.Encode()
	if len(raw) <= CompressionThreshold {
		return append([]byte{0}, raw...)
	}
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		return append([]byte{0}, raw...)
	}
	if err := w.Close(); err != nil {
		return append([]byte{0}, raw...)
	}
	return append([]byte{1}, buf.Bytes()...)
}

// DecodeCompressed reverses EncodeCompressed and parses the result back into
// discrete Messages via ReadMessage.
func DecodeCompressed(envelope []byte) ([]*Message, error) {
	if len(envelope) == 0 {
		return nil, nil
	}
	flag, body := envelope[0], envelope[1:]
	var r io.Reader = bytes.NewReader(body)
	if flag == 1 {
		r = lz4.NewReader(bytes.NewReader(body))
	}
	var out []*Message
	for {
		msg, err := ReadMessage(r)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, rerr.Wrap(rerr.KindProtocolViolation, "crdt", err, "decoding compressed batch")
		}
		out = append(out, msg)
	}
}

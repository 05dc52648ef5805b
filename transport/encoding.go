/*
 * Copyright (c) 2024, Decentraland Foundation.
 */
package transport

import (
	"encoding/binary"
	"math"
)

func putFloat32LE(dst []byte, v float32) {
	binary.LittleEndian.PutUint32(dst, math.Float32bits(v))
}

/*
 * Copyright (c) 2024, Decentraland Foundation.
 */
package scenectx

import (
	"encoding/binary"
	"math"
)

func putFloat32(dst []byte, v float32) {
	binary.LittleEndian.PutUint32(dst, math.Float32bits(v))
}

func putU32(dst []byte, v uint32) {
	binary.LittleEndian.PutUint32(dst, v)
}

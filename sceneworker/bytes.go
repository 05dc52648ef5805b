/*
 * Copyright (c) 2024, Decentraland Foundation.
 */
package sceneworker

import (
	"bytes"
	"io"
)

func byteReader(b []byte) io.Reader { return bytes.NewReader(b) }

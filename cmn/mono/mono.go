// Package mono gives every latency/staleness computation in this module
// (scheduler budgets, ForeignPlayer eviction, worker tick timing) a single
// monotonic clock source, so a wall-clock adjustment never manufactures a
// negative duration.
/*
 * Copyright (c) 2024, Decentraland Foundation.
 */
package mono

import "time"

var start = time.Now()

// NanoTime returns nanoseconds elapsed since process start, monotonic.
func NanoTime() int64 { return time.Since(start).Nanoseconds() }

// Since returns the duration elapsed since a NanoTime() reading.
func Since(ts int64) time.Duration { return time.Duration(NanoTime() - ts) }

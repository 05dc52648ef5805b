// Package atomic wraps sync/atomic in small typed values, so call sites read
// as r.refc.Inc() / r.broken.Load() instead of raw int32 juggling — the same
// convenience the corpus's own cmn/atomic package provides.
/*
 * Copyright (c) 2024, Decentraland Foundation.
 */
package atomic

import "sync/atomic"

type Int32 struct{ v int32 }

func (i *Int32) Load() int32    { return atomic.LoadInt32(&i.v) }
func (i *Int32) Store(n int32)  { atomic.StoreInt32(&i.v, n) }
func (i *Int32) Inc() int32     { return atomic.AddInt32(&i.v, 1) }
func (i *Int32) Dec() int32     { return atomic.AddInt32(&i.v, -1) }
func (i *Int32) Add(n int32) int32 { return atomic.AddInt32(&i.v, n) }

type Int64 struct{ v int64 }

func (i *Int64) Load() int64    { return atomic.LoadInt64(&i.v) }
func (i *Int64) Store(n int64)  { atomic.StoreInt64(&i.v, n) }
func (i *Int64) Inc() int64     { return atomic.AddInt64(&i.v, 1) }
func (i *Int64) Add(n int64) int64 { return atomic.AddInt64(&i.v, n) }

type Bool struct{ v int32 }

func (b *Bool) Load() bool { return atomic.LoadInt32(&b.v) != 0 }
func (b *Bool) Store(v bool) {
	if v {
		atomic.StoreInt32(&b.v, 1)
	} else {
		atomic.StoreInt32(&b.v, 0)
	}
}

// CAS performs compare-and-swap on the boolean, returning whether it took effect.
func (b *Bool) CAS(old, new bool) bool {
	var o, n int32
	if old {
		o = 1
	}
	if new {
		n = 1
	}
	return atomic.CompareAndSwapInt32(&b.v, o, n)
}

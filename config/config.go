// Package config is the process-wide Config owner (A1): a single struct
// built once at startup (cmd/explorer fills it from command-line flags; no
// environment or file source is read) and held behind an atomic pointer so every
// reader sees either the old or the new value, never a half-written one —
// the same global-config-owner idiom the corpus uses for its own runtime
// config (swap the pointer, never mutate in place).
/*
 * Copyright (c) 2024, Decentraland Foundation.
 */
package config

import (
	"sync/atomic"
	"time"
)

// Config holds every knob the CLI (§6) can tune at runtime plus the values
// only set once at startup.
type Config struct {
	RealmURL     string
	UserDataDir  string
	LocalScenesDir string // non-empty puts the Lifecycle Manager in dev mode (A7)

	LoadDistance   int32 // parcels
	UnloadDistance int32 // parcels

	SceneThreads int
	FPS          int

	DebugColliders uint32

	TransportQueueDepth int
	ForeignPlayerTTL    time.Duration
}

// Default returns the baseline configuration a fresh process starts from.
func Default() *Config {
	return &Config{
		RealmURL:            "https://realm-provider.decentraland.org/main",
		LoadDistance:        4,
		UnloadDistance:      2,
		SceneThreads:        4,
		FPS:                 30,
		TransportQueueDepth: 1000,
		ForeignPlayerTTL:    5 * time.Second,
	}
}

// Owner is the atomic holder every reader goes through; mirrors the
// corpus's cmn.GCO (global config owner): readers call Get(), writers
// (CLI commands) build a full copy and call Set wholesale.
type Owner struct {
	ptr atomic.Pointer[Config]
}

func NewOwner(initial *Config) *Owner {
	o := &Owner{}
	o.ptr.Store(initial)
	return o
}

func (o *Owner) Get() *Config { return o.ptr.Load() }

func (o *Owner) Set(c *Config) { o.ptr.Store(c) }

// Update reads the current config, applies mutate to a copy, and swaps it
// in — the pattern every CLI command (§6) uses so config never needs a
// reader-visible lock.
func (o *Owner) Update(mutate func(*Config)) *Config {
	cur := o.Get()
	next := *cur
	mutate(&next)
	o.Set(&next)
	return &next
}

/*
 * Copyright (c) 2024, Decentraland Foundation.
 */
package cli

import (
	"bytes"
	"strings"
	"testing"

	"github.com/decentraland/explorer-core/config"
	"github.com/decentraland/explorer-core/lifecycle"
	"github.com/decentraland/explorer-core/permission"
	"github.com/decentraland/explorer-core/session"
	"github.com/decentraland/explorer-core/spatial"
)

type noopSink struct{}

func (noopSink) SpawnScene(*lifecycle.Scene) {}
func (noopSink) DespawnScene(string)         {}

func newTestDeps(t *testing.T) Deps {
	t.Helper()
	idx, err := spatial.New()
	if err != nil {
		t.Fatalf("spatial.New: %v", err)
	}
	t.Cleanup(func() { idx.Close() })

	lm := lifecycle.New(idx, nil, noopSink{}, "main", nil)
	sess, err := session.Load(t.TempDir())
	if err != nil {
		t.Fatalf("session.Load: %v", err)
	}
	gate := permission.New(sess, nil, "main", nil)
	return Deps{
		Config:     config.NewOwner(config.Default()),
		Lifecycle:  lm,
		Permission: gate,
	}
}

func TestFPSCommandReadsAndSetsConfig(t *testing.T) {
	deps := newTestDeps(t)
	app := New(deps)
	var out bytes.Buffer
	app.Writer = &out

	if err := app.Run([]string{"explorer", "fps", "45"}); err != nil {
		t.Fatalf("fps set: %v", err)
	}
	if deps.Config.Get().FPS != 45 {
		t.Fatalf("expected fps=45, got %d", deps.Config.Get().FPS)
	}

	out.Reset()
	if err := app.Run([]string{"explorer", "fps"}); err != nil {
		t.Fatalf("fps read: %v", err)
	}
	if !strings.Contains(out.String(), "fps=45") {
		t.Fatalf("expected output to report fps=45, got %q", out.String())
	}
}

func TestSceneDistanceCommand(t *testing.T) {
	deps := newTestDeps(t)
	app := New(deps)
	var out bytes.Buffer
	app.Writer = &out

	if err := app.Run([]string{"explorer", "scene_distance", "5", "3"}); err != nil {
		t.Fatalf("scene_distance: %v", err)
	}
	cfg := deps.Config.Get()
	if cfg.LoadDistance != 5 || cfg.UnloadDistance != 3 {
		t.Fatalf("expected load=5 unload=3, got load=%d unload=%d", cfg.LoadDistance, cfg.UnloadDistance)
	}
}

func TestPermissionsCommandReportsQueueLength(t *testing.T) {
	deps := newTestDeps(t)
	app := New(deps)
	var out bytes.Buffer
	app.Writer = &out

	if err := app.Run([]string{"explorer", "permissions"}); err != nil {
		t.Fatalf("permissions: %v", err)
	}
	if !strings.Contains(out.String(), "0 pending") {
		t.Fatalf("expected 0 pending requests, got %q", out.String())
	}
}

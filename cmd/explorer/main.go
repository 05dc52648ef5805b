// Command explorer is the process entry point: wires every component of
// the Scene Runtime Core together and drives the main loop. Grounded on the
// corpus's own cmd/cli entry point idiom — parse flags into a Config,
// initialize logging, then hand control to urfave/cli for the interactive
// command surface while a background loop keeps the world ticking.
/*
 * Copyright (c) 2024, Decentraland Foundation.
 */
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	clicmd "github.com/decentraland/explorer-core/cli"
	"github.com/decentraland/explorer-core/cmn/nlog"
	"github.com/decentraland/explorer-core/cmn/rerr"
	"github.com/decentraland/explorer-core/config"
	"github.com/decentraland/explorer-core/crdt"
	"github.com/decentraland/explorer-core/globalcrdt"
	"github.com/decentraland/explorer-core/ids"
	"github.com/decentraland/explorer-core/lifecycle"
	"github.com/decentraland/explorer-core/metrics"
	"github.com/decentraland/explorer-core/permission"
	"github.com/decentraland/explorer-core/realm"
	"github.com/decentraland/explorer-core/rpc"
	"github.com/decentraland/explorer-core/scenectx"
	"github.com/decentraland/explorer-core/scheduler"
	"github.com/decentraland/explorer-core/sceneworker"
	"github.com/decentraland/explorer-core/session"
	"github.com/decentraland/explorer-core/spatial"
	"github.com/decentraland/explorer-core/transport"
)

func main() {
	os.Exit(run())
}

func run() int {
	realmURL := flag.String("realm", config.Default().RealmURL, "realm provider base URL")
	localDir := flag.String("local-scenes", "", "scan this directory for scene.json instead of querying a realm")
	dataDir := flag.String("data-dir", defaultUserDataDir(), "user data directory for session.json")
	flag.Parse()

	cfg := config.Default()
	cfg.RealmURL = *realmURL
	cfg.UserDataDir = *dataDir
	cfgOwner := config.NewOwner(cfg)

	sess, err := session.Load(*dataDir)
	if err != nil {
		nlog.Errorf("failed to load session: %v", err)
		return 1
	}

	reg := metrics.New(prometheus.NewRegistry())

	index, err := spatial.New()
	if err != nil {
		nlog.Fatalf("failed to open spatial index: %v", err)
	}
	defer index.Close()

	realmClient := realm.New(cfg.RealmURL)
	global := globalcrdt.New(globalcrdt.Bounds{})

	sched := scheduler.New(cfg.SceneThreads, cfg.FPS, reg)

	lm := lifecycle.New(index, lifecycle.NewRealmAdapter(realmClient), nil, "", reg)
	gate := permission.New(sess, managerSceneResolver{lm}, "", reg)
	lm.SetSink(&schedulerSpawnSink{sched: sched, gate: gate})

	fanout := transport.NewSceneFanout()
	ingestor := transport.New(global, fanout, nil, cfg.TransportQueueDepth, cfg.ForeignPlayerTTL, reg)
	go ingestor.Run()
	defer ingestor.Stop()

	if *localDir != "" {
		if err := lm.LoadLocal(*localDir); err != nil {
			nlog.Errorf("failed to load local scenes: %v", err)
			return 1
		}
		cfgOwner.Update(func(c *config.Config) { c.LocalScenesDir = *localDir })
	} else if about, err := realmClient.About(); err != nil {
		nlog.Warningf("realm discovery unavailable at startup: %v", err)
	} else {
		nlog.Infof("realm reports %d scene URNs", len(about.ScenesURN))
	}

	app := clicmd.New(clicmd.Deps{
		Config:     cfgOwner,
		Lifecycle:  lm,
		Permission: gate,
		DataDir:    *dataDir,
	})

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		nlog.Infof("shutdown signal received")
		cancel()
	}()

	go mainLoop(ctx, cfgOwner, lm, sched)

	if flag.NArg() > 0 {
		if err := app.Run(append([]string{"explorer"}, flag.Args()...)); err != nil {
			nlog.Errorf("command failed: %v", err)
		}
	}

	<-ctx.Done()

	if err := session.Save(*dataDir, sess); err != nil {
		nlog.Errorf("failed to save session: %v", err)
		return 1
	}
	return 0
}

// mainLoop is the renderer's cooperative main loop stand-in: periodically
// rediscovers scenes around the viewer and runs one scheduler frame. A real
// host drives this from its own render loop; here it is a fixed-rate ticker
// so the process is a runnable service on its own.
func mainLoop(ctx context.Context, cfgOwner *config.Owner, lm *lifecycle.Manager, sched *scheduler.Scheduler) {
	viewer := [2]int32{0, 0}
	for {
		cfg := cfgOwner.Get()
		frameBudget := time.Second / time.Duration(max(cfg.FPS, 1))
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := lm.Discover(ctx, viewer, cfg.LoadDistance, cfg.UnloadDistance); err != nil {
			if rerr.KindOf(err) == rerr.KindFatal {
				nlog.Fatalf("lifecycle discovery: %v", err)
			}
			nlog.Warningf("lifecycle discovery: %v", err)
		}
		lm.Reconcile(viewer, cfg.LoadDistance, cfg.UnloadDistance)

		stats := sched.RunFrame(zeroFrameInputs{})
		if stats.Overrun > 0 {
			nlog.Debugf("frame overrun: %s (dispatched %d/%d)", stats.Overrun, stats.Dispatched, stats.Eligible)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(frameBudget):
		}
	}
}

// zeroFrameInputs is the placeholder FrameInputs used when no renderer is
// attached: every scene is equidistant and no transforms are supplied,
// which is enough to exercise the scheduler's dispatch/budget logic without
// a 3D front end.
type zeroFrameInputs struct{}

func (zeroFrameInputs) Priority(ids.SceneEntityId) (float64, bool) { return 0, false }

func (zeroFrameInputs) TickInputs(ids.SceneEntityId) (player, camera scenectx.Transform, canvasInfo []byte) {
	return scenectx.Transform{}, scenectx.Transform{}, nil
}

// managerSceneResolver adapts *lifecycle.Manager to permission.SceneResolver.
type managerSceneResolver struct{ lm *lifecycle.Manager }

func (r managerSceneResolver) HashOf(id ids.SceneEntityId) (string, bool) { return r.lm.HashOf(id) }

// noopRenderer is the stand-in RendererSink until a real 3D front end is
// attached — entity spawn/despawn is explicitly out of scope for this core.
type noopRenderer struct{}

func (noopRenderer) SpawnEntity(ids.SceneEntityId, ids.SceneEntityId)   {}
func (noopRenderer) DespawnEntity(ids.SceneEntityId, ids.SceneEntityId) {}

// gateRPCSink forwards a Scene Context's privileged calls into the
// Permission Gate's FIFO queue.
type gateRPCSink struct{ gate *permission.Gate }

func (s *gateRPCSink) Submit(call *rpc.Call) { s.gate.Submit(call) }

// schedulerSpawnSink implements lifecycle.SpawnSink by materializing a fresh
// Scene Context + Worker pair into the Scheduler's maps on spawn, and
// tearing them down on despawn. The actual scene scripting engine is out of
// scope for this core (§1), so newly spawned workers run a no-op TickFunc
// until a host attaches its own.
type schedulerSpawnSink struct {
	sched *scheduler.Scheduler
	gate  *permission.Gate
}

func (s *schedulerSpawnSink) SpawnScene(sc *lifecycle.Scene) {
	ctx := scenectx.New(sc.Hash, sc.SceneID, sc.BaseParcel, noopRenderer{}, &gateRPCSink{gate: s.gate})
	worker := sceneworker.New(sc.SceneID, globalcrdt.Schema, noopTick)
	s.sched.Contexts[sc.SceneID] = ctx
	s.sched.Workers[sc.SceneID] = worker
	go worker.Run()
}

func (s *schedulerSpawnSink) DespawnScene(hash string) {
	for id, ctx := range s.sched.Contexts {
		if ctx.Hash != hash {
			continue
		}
		s.gate.CancelForScene(id) // §4.7: auto-deny any request still queued for a scene leaving the containing set
		if w, ok := s.sched.Workers[id]; ok {
			close(w.Inbound)
			delete(s.sched.Workers, id)
		}
		delete(s.sched.Contexts, id)
		return
	}
}

func noopTick(*crdt.Store, *sceneworker.CrdtContext, uint64) ([]*rpc.Call, []string, error) {
	return nil, nil, nil
}

func defaultUserDataDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "."
	}
	return dir + "/explorer"
}

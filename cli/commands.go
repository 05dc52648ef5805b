// Package cli wires the §6 command surface onto urfave/cli: runtime-tunable
// commands the player issues from an in-world chat-style console, each one
// mutating the Config through its atomic Owner (A1) or reaching directly
// into a running component. Grounded on the corpus's own cmd/cli command
// tree (one urfave/cli.Command per verb, flags for positional-ish args).
/*
 * Copyright (c) 2024, Decentraland Foundation.
 */
package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/urfave/cli"

	"github.com/decentraland/explorer-core/config"
	"github.com/decentraland/explorer-core/lifecycle"
	"github.com/decentraland/explorer-core/permission"
	"github.com/decentraland/explorer-core/session"
)

// Teleporter is the host hook /teleport drives — moving the player and
// forcing the out-of-world flag the renderer uses until the next Reconcile
// lands them back inside a scene.
type Teleporter interface {
	Teleport(x, y float64)
}

// Deps bundles every collaborator a command needs. Host code constructs one
// Deps and calls New to get a ready *cli.App.
type Deps struct {
	Config     *config.Owner
	Lifecycle  *lifecycle.Manager
	Permission *permission.Gate
	Teleporter Teleporter
	DataDir    string
}

// New builds the command-line app exposing every §6 command. Command output
// goes to the returned app's Writer (matches the corpus's own App.Writer
// wiring).
func New(deps Deps) *cli.App {
	app := cli.NewApp()
	app.Name = "explorer"
	app.Usage = "Decentraland scene runtime console commands"
	app.Commands = []cli.Command{
		teleportCommand(deps),
		sceneDistanceCommand(deps),
		sceneThreadsCommand(deps),
		fpsCommand(deps),
		debugCollidersCommand(deps),
		localScenesCommand(deps),
		permissionsCommand(deps),
	}
	return app
}

func teleportCommand(deps Deps) cli.Command {
	return cli.Command{
		Name:      "teleport",
		Usage:     "move the player and force the out-of-world flag",
		ArgsUsage: "x y",
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return cli.NewExitError("usage: /teleport x y", 1)
			}
			x, err := strconv.ParseFloat(c.Args().Get(0), 64)
			if err != nil {
				return cli.NewExitError("invalid x: "+err.Error(), 1)
			}
			y, err := strconv.ParseFloat(c.Args().Get(1), 64)
			if err != nil {
				return cli.NewExitError("invalid y: "+err.Error(), 1)
			}
			if deps.Teleporter != nil {
				deps.Teleporter.Teleport(x, y)
			}
			fmt.Fprintf(c.App.Writer, "teleported to %.1f, %.1f\n", x, y)
			return nil
		},
	}
}

func sceneDistanceCommand(deps Deps) cli.Command {
	return cli.Command{
		Name:      "scene_distance",
		Usage:     "tune the load/unload spatial window, in parcels",
		ArgsUsage: "[load] [unload]",
		Action: func(c *cli.Context) error {
			cur := deps.Config.Get()
			if c.NArg() == 0 {
				fmt.Fprintf(c.App.Writer, "load=%d unload=%d\n", cur.LoadDistance, cur.UnloadDistance)
				return nil
			}
			load, err := strconv.Atoi(c.Args().Get(0))
			if err != nil {
				return cli.NewExitError("invalid load: "+err.Error(), 1)
			}
			unload := cur.UnloadDistance
			if c.NArg() > 1 {
				unload64, err := strconv.Atoi(c.Args().Get(1))
				if err != nil {
					return cli.NewExitError("invalid unload: "+err.Error(), 1)
				}
				unload = int32(unload64)
			}
			deps.Config.Update(func(cfg *config.Config) {
				cfg.LoadDistance = int32(load)
				cfg.UnloadDistance = unload
			})
			fmt.Fprintf(c.App.Writer, "scene_distance set: load=%d unload=%d\n", load, unload)
			return nil
		},
	}
}

func sceneThreadsCommand(deps Deps) cli.Command {
	return cli.Command{
		Name:      "scene_threads",
		Usage:     "cap concurrent scene workers",
		ArgsUsage: "[n]",
		Action: func(c *cli.Context) error {
			cur := deps.Config.Get()
			if c.NArg() == 0 {
				fmt.Fprintf(c.App.Writer, "scene_threads=%d\n", cur.SceneThreads)
				return nil
			}
			n, err := strconv.Atoi(c.Args().Get(0))
			if err != nil || n < 1 {
				return cli.NewExitError("invalid scene_threads value", 1)
			}
			deps.Config.Update(func(cfg *config.Config) { cfg.SceneThreads = n })
			fmt.Fprintf(c.App.Writer, "scene_threads set to %d\n", n)
			return nil
		},
	}
}

func fpsCommand(deps Deps) cli.Command {
	return cli.Command{
		Name:      "fps",
		Usage:     "set the target frame rate",
		ArgsUsage: "[n]",
		Action: func(c *cli.Context) error {
			cur := deps.Config.Get()
			if c.NArg() == 0 {
				fmt.Fprintf(c.App.Writer, "fps=%d\n", cur.FPS)
				return nil
			}
			n, err := strconv.Atoi(c.Args().Get(0))
			if err != nil || n < 1 {
				return cli.NewExitError("invalid fps value", 1)
			}
			deps.Config.Update(func(cfg *config.Config) { cfg.FPS = n })
			fmt.Fprintf(c.App.Writer, "fps set to %d\n", n)
			return nil
		},
	}
}

func debugCollidersCommand(deps Deps) cli.Command {
	return cli.Command{
		Name:      "debug_colliders",
		Usage:     "toggle the collider overlay bitmask",
		ArgsUsage: "[mask]",
		Action: func(c *cli.Context) error {
			cur := deps.Config.Get()
			if c.NArg() == 0 {
				fmt.Fprintf(c.App.Writer, "debug_colliders=0x%x\n", cur.DebugColliders)
				return nil
			}
			mask, err := strconv.ParseUint(strings.TrimPrefix(c.Args().Get(0), "0x"), 16, 32)
			if err != nil {
				return cli.NewExitError("invalid mask: "+err.Error(), 1)
			}
			deps.Config.Update(func(cfg *config.Config) { cfg.DebugColliders = uint32(mask) })
			fmt.Fprintf(c.App.Writer, "debug_colliders set to 0x%x\n", mask)
			return nil
		},
	}
}

func localScenesCommand(deps Deps) cli.Command {
	return cli.Command{
		Name:      "local_scenes",
		Usage:     "switch to local development mode: scan <dir> for scene.json instead of querying a realm",
		ArgsUsage: "<dir>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.NewExitError("usage: /local_scenes <dir>", 1)
			}
			dir := c.Args().Get(0)
			if err := deps.Lifecycle.LoadLocal(dir); err != nil {
				return cli.NewExitError(err.Error(), 1)
			}
			deps.Config.Update(func(cfg *config.Config) { cfg.LocalScenesDir = dir })
			fmt.Fprintf(c.App.Writer, "local scenes mode: %s\n", dir)
			return nil
		},
	}
}

func permissionsCommand(deps Deps) cli.Command {
	return cli.Command{
		Name:  "permissions",
		Usage: "show how many permission requests are pending and the oldest one; does not resolve or re-queue them",
		Action: func(c *cli.Context) error {
			n := deps.Permission.Len()
			fmt.Fprintf(c.App.Writer, "%d pending permission request(s)\n", n)
			if next := deps.Permission.Next(); next != nil {
				fmt.Fprintf(c.App.Writer, "next: %s (scene %v, type %s)\n", next.ID, next.SceneID, next.Type)
			}
			return nil
		},
	}
}

// PersistSessionPermission is a small helper the permissions UI calls after
// the player makes a decision, so both the in-memory Gate and the on-disk
// Session (A6) agree without the UI needing to know the Gate's internals.
func PersistSessionPermission(s *session.Session, scope session.PermissionScope, scopeKey, ty string, allowed bool) {
	s.SetDecision(scope, scopeKey, ty, allowed)
}

// Entity materialization (§4.3): turning a worker's nascent/death_row
// census into renderer entity spawns/despawns, and marking dead ids so
// stray updates targeting them are ignored until their version changes.
/*
 * Copyright (c) 2024, Decentraland Foundation.
 */
package scenectx

import "github.com/decentraland/explorer-core/ids"

func (c *Context) materialize() {
	for _, eid := range c.nascent {
		if c.presentEntities[eid] || c.deadEntities[eid] {
			continue
		}
		c.presentEntities[eid] = true
		if c.sink != nil {
			c.sink.SpawnEntity(c.SceneID, eid)
		}
	}
	c.nascent = c.nascent[:0]

	for _, eid := range c.deathRow {
		if !c.presentEntities[eid] {
			continue
		}
		delete(c.presentEntities, eid)
		c.deadEntities[eid] = true
		if c.sink != nil {
			// reparent-then-despawn is the sink's responsibility (it owns
			// the renderer's scene-graph); the core only sequences the call.
			c.sink.DespawnEntity(c.SceneID, eid)
		}
	}
	c.deathRow = c.deathRow[:0]
}

// IsDeadEntity reports whether further updates to eid should be ignored
// until its version changes (tombstoned this version).
func (c *Context) IsDeadEntity(eid ids.SceneEntityId) bool { return c.deadEntities[eid] }

// EntityCount is a cheap introspection hook for tests/diagnostics.
func (c *Context) EntityCount() int { return len(c.presentEntities) }

// Package spatial wraps a tidwall/buntdb in-memory database with a spatial
// (rect) index over parcel bounding boxes. It backs both the Lifecycle
// Manager's ScenePointers cache (§4.4) and the Containing-Scene Query's
// point/ray lookups (§4.8), so both reuse one index instead of two.
/*
 * Copyright (c) 2024, Decentraland Foundation.
 */
package spatial

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/tidwall/buntdb"

	"github.com/decentraland/explorer-core/cmn/rerr"
)

const indexName = "parcels"

// Pointer is one cached parcel-pointer entry: either the parcel maps to no
// known scene yet (Nothing) or it resolves to a content hash (Exists).
type Pointer struct {
	Realm  string
	X, Y   int32
	Exists bool
	Hash   string
	URN    string
}

// Index is a spatial cache of parcel -> Pointer, keyed by "parcel:x:y" (with
// a "rect:x:y" mirror for the spatial index).
type Index struct {
	db *buntdb.DB
}

func New() (*Index, error) {
	db, err := buntdb.Open(":memory:")
	if err != nil {
		return nil, rerr.Wrap(rerr.KindFatal, "spatial", err, "open spatial index")
	}
	// The spatial (R-tree) index is built over its own "rect:*" mirror, not
	// "parcel:*": buntdb.IndexRect parses an item's *value* as a rect literal
	// ("[x y],[x2 y2]"), so only keys whose value really is one may live
	// under an IndexRect pattern. "parcel:*" holds opaque encoded Pointer
	// data instead, so it is indexed by key order only (the implicit "keys"
	// index every buntdb collection already has).
	if err := db.CreateSpatialIndex(indexName, "rect:*", buntdb.IndexRect); err != nil {
		return nil, rerr.Wrap(rerr.KindFatal, "spatial", err, "create rect index")
	}
	return &Index{db: db}, nil
}

func (idx *Index) Close() error { return idx.db.Close() }

func parcelKey(x, y int32) string { return fmt.Sprintf("parcel:%d:%d", x, y) }
func rectKey(x, y int32) string   { return fmt.Sprintf("rect:%d:%d", x, y) }

// rectOf returns the 1x1-parcel rect literal buntdb expects for parcel
// (x, y): corners (x, y) and (x+1, y+1).
func rectOf(x, y int32) string {
	return fmt.Sprintf("[%d %d],[%d %d]", x, y, x+1, y+1)
}

func encodePointer(p Pointer) string {
	exists := "0"
	if p.Exists {
		exists = "1"
	}
	return strings.Join([]string{p.Realm, exists, p.Hash, p.URN}, "\x1f")
}

func decodePointer(x, y int32, val string) Pointer {
	parts := strings.SplitN(val, "\x1f", 4)
	for len(parts) < 4 {
		parts = append(parts, "")
	}
	return Pointer{Realm: parts[0], X: x, Y: y, Exists: parts[1] == "1", Hash: parts[2], URN: parts[3]}
}

// Set records or overwrites the pointer entry for (x, y), keeping the plain
// data key and its spatial-index mirror in sync within one transaction.
func (idx *Index) Set(x, y int32, p Pointer) error {
	return idx.db.Update(func(tx *buntdb.Tx) error {
		if _, _, err := tx.Set(parcelKey(x, y), encodePointer(p), nil); err != nil {
			return err
		}
		_, _, err := tx.Set(rectKey(x, y), rectOf(x, y), nil)
		return err
	})
}

// Get returns the cached pointer for (x, y), or ok=false if unknown.
func (idx *Index) Get(x, y int32) (p Pointer, ok bool) {
	_ = idx.db.View(func(tx *buntdb.Tx) error {
		val, err := tx.Get(parcelKey(x, y))
		if err != nil {
			return nil // not found, ok stays false
		}
		p = decodePointer(x, y, val)
		ok = true
		return nil
	})
	return
}

// Delete removes the cached entry for (x, y) and its spatial-index mirror,
// e.g. during a realm-change purge.
func (idx *Index) Delete(x, y int32) error {
	return idx.db.Update(func(tx *buntdb.Tx) error {
		if _, err := tx.Delete(parcelKey(x, y)); err != nil && err != buntdb.ErrNotFound {
			return err
		}
		if _, err := tx.Delete(rectKey(x, y)); err != nil && err != buntdb.ErrNotFound {
			return err
		}
		return nil
	})
}

// PurgeNotInRealm removes every cached pointer whose Realm differs from
// keepRealm — the §4.4 "on realm change" algorithm. Scans the plain
// "parcel:*" key range rather than the spatial index: this is a full sweep,
// not a rect query, so it has no business going through the R-tree.
func (idx *Index) PurgeNotInRealm(keepRealm string) error {
	var stale []string
	if err := idx.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys("parcel:*", func(key, val string) bool {
			x, y, ok := parseParcelKey(key)
			if !ok {
				return true
			}
			p := decodePointer(x, y, val)
			if p.Realm != keepRealm {
				stale = append(stale, fmt.Sprintf("%d:%d", x, y))
			}
			return true
		})
	}); err != nil {
		return rerr.Wrap(rerr.KindFatal, "spatial", err, "scan spatial index")
	}
	if len(stale) == 0 {
		return nil
	}
	return idx.db.Update(func(tx *buntdb.Tx) error {
		for _, coord := range stale {
			var x, y int32
			fmt.Sscanf(coord, "%d:%d", &x, &y)
			if _, err := tx.Delete(parcelKey(x, y)); err != nil && err != buntdb.ErrNotFound {
				return err
			}
			if _, err := tx.Delete(rectKey(x, y)); err != nil && err != buntdb.ErrNotFound {
				return err
			}
		}
		return nil
	})
}

func parseParcelKey(key string) (x, y int32, ok bool) {
	parts := strings.Split(key, ":")
	if len(parts) != 3 {
		return 0, 0, false
	}
	xi, err1 := strconv.Atoi(parts[1])
	yi, err2 := strconv.Atoi(parts[2])
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return int32(xi), int32(yi), true
}

// WithinRect calls fn for every cached pointer whose parcel lies within
// [minX,minY]..[maxX,maxY], inclusive — the primitive both the active-entity
// discovery sweep (§4.4) and the point query (§4.8) build on. It queries the
// "rect:*" R-tree index, then resolves each hit back to its real pointer
// data through the plain "parcel:*" key in the same transaction.
func (idx *Index) WithinRect(minX, minY, maxX, maxY int32, fn func(Pointer)) error {
	rect := fmt.Sprintf("[%d %d],[%d %d]", minX, minY, maxX+1, maxY+1)
	return idx.db.View(func(tx *buntdb.Tx) error {
		return tx.Intersects(indexName, rect, func(key, _ string) bool {
			x, y, ok := parseParcelKey(key)
			if !ok {
				return true
			}
			if x < minX || x > maxX || y < minY || y > maxY {
				return true // neighbour cell that only touches the query rect's edge
			}
			val, err := tx.Get(parcelKey(x, y))
			if err != nil {
				return true // rect mirror exists but the data key raced a delete
			}
			fn(decodePointer(x, y, val))
			return true
		})
	})
}

// At returns the pointer containing world parcel (x, y) — a direct key
// lookup (the same as Get), shared by the point form of Containing-Scene
// Query (§4.8).
func (idx *Index) At(x, y int32) (Pointer, bool) {
	return idx.Get(x, y)
}

// RayHit is one parcel grid cell crossed by RayQuery, in traversal order.
type RayHit struct {
	X, Y     int32
	Distance float64 // parcel-grid units from the ray origin to this cell's entry point
	Pointer  Pointer
}

// RayQuery steps through parcel grid cells in DDA order (Amanatides-Woo grid
// traversal) from (originX, originY) along (dirX, dirY), up to maxDistance —
// all in parcel-grid units, not meters; the caller divides world-space
// inputs by the parcel size first. fn is called once per cell that has a
// cached pointer entry, in increasing distance order; cells with no cached
// entry are stepped over silently. The origin's own cell is reported at
// distance 0.
func (idx *Index) RayQuery(originX, originY, dirX, dirY, maxDistance float64, fn func(RayHit)) {
	if dirX == 0 && dirY == 0 {
		return
	}
	norm := math.Hypot(dirX, dirY)
	dirX, dirY = dirX/norm, dirY/norm

	x := int32(math.Floor(originX))
	y := int32(math.Floor(originY))

	stepX, stepY := int32(1), int32(1)
	tMaxX, tMaxY := math.Inf(1), math.Inf(1)
	tDeltaX, tDeltaY := math.Inf(1), math.Inf(1)

	switch {
	case dirX > 0:
		tMaxX = (float64(x+1) - originX) / dirX
		tDeltaX = 1 / dirX
	case dirX < 0:
		stepX = -1
		tMaxX = (originX - float64(x)) / -dirX
		tDeltaX = 1 / -dirX
	}
	switch {
	case dirY > 0:
		tMaxY = (float64(y+1) - originY) / dirY
		tDeltaY = 1 / dirY
	case dirY < 0:
		stepY = -1
		tMaxY = (originY - float64(y)) / -dirY
		tDeltaY = 1 / -dirY
	}

	dist := 0.0
	for dist <= maxDistance {
		if p, ok := idx.Get(x, y); ok {
			fn(RayHit{X: x, Y: y, Distance: dist, Pointer: p})
		}
		if tMaxX < tMaxY {
			dist = tMaxX
			tMaxX += tDeltaX
			x += stepX
		} else {
			dist = tMaxY
			tMaxY += tDeltaY
			y += stepY
		}
	}
}

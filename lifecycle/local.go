// Local scene development loop (A7): substitutes realm discovery with a
// directory scan for scene.json files, reusing the same loading pipeline
// and spawn-decision algorithm — only pointer/content resolution changes.
/*
 * Copyright (c) 2024, Decentraland Foundation.
 */
package lifecycle

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/karrick/godirwalk"
	jsoniter "github.com/json-iterator/go"

	"github.com/decentraland/explorer-core/cmn/nlog"
	"github.com/decentraland/explorer-core/cmn/rerr"
	"github.com/decentraland/explorer-core/spatial"
)

var localJSON = jsoniter.ConfigCompatibleWithStandardLibrary

type sceneJSON struct {
	Scene struct {
		Base    string   `json:"base"`
		Parcels []string `json:"parcels"`
	} `json:"scene"`
	Main           string `json:"main"`
	RuntimeVersion string `json:"runtimeVersion"`
}

func parseParcel(s string) ([2]int32, bool) {
	parts := strings.SplitN(s, ",", 2)
	if len(parts) != 2 {
		return [2]int32{}, false
	}
	x, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
	y, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err1 != nil || err2 != nil {
		return [2]int32{}, false
	}
	return [2]int32{int32(x), int32(y)}, true
}

// LoadLocal switches the manager into local development mode: dir is walked
// for scene.json files, each becomes an Exists pointer entry (realm
// "local") at every parcel it declares — or at its base parcel alone when it
// declares none — and its content list is read from the local filesystem
// instead of fetched over HTTP.
func (m *Manager) LoadLocal(dir string) error {
	m.mu.Lock()
	m.LocalDir = dir
	m.realm = "local"
	m.mu.Unlock()

	var found []string
	err := godirwalk.Walk(dir, &godirwalk.Options{
		Callback: func(path string, de *godirwalk.Dirent) error {
			if !de.IsDir() && filepath.Base(path) == "scene.json" {
				found = append(found, path)
			}
			return nil
		},
		Unsorted: true,
	})
	if err != nil {
		return rerr.Wrap(rerr.KindTransientIO, "lifecycle", err, "walk local scenes dir")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, path := range found {
		if err := m.loadOneLocalLocked(path); err != nil {
			nlog.Warningf("lifecycle: skipping local scene %s: %v", path, err)
		}
	}
	return nil
}

func (m *Manager) loadOneLocalLocked(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return rerr.Wrap(rerr.KindTransientIO, "lifecycle", err, "read scene.json")
	}
	var meta sceneJSON
	if err := localJSON.Unmarshal(raw, &meta); err != nil {
		return rerr.Wrap(rerr.KindAssetMalformed, "lifecycle", err, "parse scene.json")
	}
	base, ok := parseParcel(meta.Scene.Base)
	if !ok {
		return rerr.New(rerr.KindAssetMalformed, "lifecycle", "scene.json has no valid base parcel")
	}

	dir := filepath.Dir(path)
	hash := "local:" + dir

	var parcels [][2]int32
	for _, ps := range meta.Scene.Parcels {
		if p, ok := parseParcel(ps); ok {
			parcels = append(parcels, p)
			m.index.Set(p[0], p[1], spatial.Pointer{Realm: "local", X: p[0], Y: p[1], Exists: true, Hash: hash})
		}
	}
	if len(parcels) == 0 {
		parcels = [][2]int32{base}
		m.index.Set(base[0], base[1], spatial.Pointer{Realm: "local", X: base[0], Y: base[1], Exists: true, Hash: hash})
	}

	var content []Content
	mainPath := filepath.Join(dir, meta.Main)
	if _, err := os.Stat(mainPath); err == nil {
		content = append(content, Content{File: meta.Main, Hash: mainPath})
	}
	crdtPath := filepath.Join(dir, "main.crdt")
	if _, err := os.Stat(crdtPath); err == nil {
		content = append(content, Content{File: "main.crdt", Hash: crdtPath})
	}

	m.templates[hash] = &Scene{Hash: hash, Realm: "local", BaseParcel: base, Parcels: parcels, Content: content}
	return nil
}

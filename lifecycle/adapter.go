// Adapts realm.Client's gjson-carrying ActiveEntity results into the
// Manager's narrow ActiveEntityView, so the realm package's JSON dependency
// doesn't leak into lifecycle's own (easily-fakeable) RealmFetcher surface.
/*
 * Copyright (c) 2024, Decentraland Foundation.
 */
package lifecycle

import (
	"strings"

	"github.com/decentraland/explorer-core/realm"
)

// RealmAdapter wraps a *realm.Client to satisfy RealmFetcher.
type RealmAdapter struct {
	Client *realm.Client
}

func NewRealmAdapter(c *realm.Client) *RealmAdapter { return &RealmAdapter{Client: c} }

func (a *RealmAdapter) ActiveEntities(pointers []string) ([]ActiveEntityView, error) {
	entities, err := a.Client.ActiveEntities(pointers)
	if err != nil {
		return nil, err
	}
	out := make([]ActiveEntityView, 0, len(entities))
	for _, e := range entities {
		view := ActiveEntityView{Hash: e.ID}
		for _, p := range e.Pointers {
			if parsed, ok := parseParcel(p); ok {
				view.Pointers = append(view.Pointers, parsed)
			}
		}
		if len(view.Pointers) > 0 {
			view.Base = view.Pointers[0]
		}
		for _, c := range e.Content {
			view.Content = append(view.Content, Content{File: c.File, Hash: c.Hash})
		}
		view.Portable = e.Metadata.Get("isPortableExperience").Bool() || strings.HasPrefix(e.ID, "urn:decentraland:entity:portable")
		if view.Portable {
			view.PID = e.Metadata.Get("id").String()
		}
		out = append(out, view)
	}
	return out, nil
}

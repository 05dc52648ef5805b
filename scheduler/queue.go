// Min-heap ordering of eligible scene jobs by priority, tie-broken by the
// lower numeric scene id — the same container/heap idiom the corpus uses
// for its stream collector's idle-timer heap.
/*
 * Copyright (c) 2024, Decentraland Foundation.
 */
package scheduler

import "github.com/decentraland/explorer-core/ids"

type job struct {
	sceneID  ids.SceneEntityId
	priority float64
	index    int
}

type jobHeap []*job

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].sceneID < h[j].sceneID // numeric tie-break guarantees progress
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x any) {
	j := x.(*job)
	j.index = len(*h)
	*h = append(*h, j)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

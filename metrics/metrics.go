// Package metrics centralizes the Prometheus collectors the runtime core
// exports: scheduler frame timing, transport backpressure, lifecycle churn,
// permission queue depth. Mirrors the corpus's own stats package in spirit —
// a single registry handed explicitly to every component that needs it
// rather than a package-level global.
/*
 * Copyright (c) 2024, Decentraland Foundation.
 */
package metrics

import "github.com/prometheus/client_golang/prometheus"

type Registry struct {
	Registerer prometheus.Registerer

	FrameOverrun      prometheus.Histogram
	SceneQueueDepth   prometheus.Gauge
	WorkersInFlight   prometheus.Gauge
	SceneTickLatency  *prometheus.HistogramVec
	TransportDropped  *prometheus.CounterVec
	ForeignPlayers    prometheus.Gauge
	PermissionQueueLen prometheus.Gauge
	LiveScenes        prometheus.Gauge
}

// New creates and registers every collector against reg. Pass
// prometheus.NewRegistry() in production and prometheus.NewPedanticRegistry()
// (or a throwaway registry) in tests so repeated test runs don't collide on
// metric names.
func New(reg prometheus.Registerer) *Registry {
	r := &Registry{
		Registerer: reg,
		FrameOverrun: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "explorer_frame_overrun_seconds",
			Help:    "Amount by which a scheduler frame exceeded its budget.",
			Buckets: prometheus.DefBuckets,
		}),
		SceneQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "explorer_scene_queue_depth",
			Help: "Number of scenes eligible for dispatch at the start of a frame.",
		}),
		WorkersInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "explorer_workers_in_flight",
			Help: "Number of scene workers currently awaiting a tick response.",
		}),
		SceneTickLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "explorer_scene_tick_latency_seconds",
			Help:    "Per-scene tick latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"scene"}),
		TransportDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "explorer_transport_dropped_total",
			Help: "Peer updates dropped, by reason.",
		}, []string{"reason"}),
		ForeignPlayers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "explorer_foreign_players",
			Help: "Current number of tracked remote players.",
		}),
		PermissionQueueLen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "explorer_permission_queue_length",
			Help: "Pending permission requests awaiting resolution.",
		}),
		LiveScenes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "explorer_live_scenes",
			Help: "Currently loaded scenes.",
		}),
	}
	for _, c := range []prometheus.Collector{
		r.FrameOverrun, r.SceneQueueDepth, r.WorkersInFlight, r.SceneTickLatency,
		r.TransportDropped, r.ForeignPlayers, r.PermissionQueueLen, r.LiveScenes,
	} {
		if reg != nil {
			reg.MustRegister(c)
		}
	}
	return r
}

// Noop returns a Registry whose collectors exist but are never registered —
// convenient for unit tests that don't care about metrics wiring.
func Noop() *Registry { return New(nil) }

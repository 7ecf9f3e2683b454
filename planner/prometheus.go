package planner

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	correctionRounds = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "toolguard",
		Subsystem: "correction",
		Name:      "rounds_total",
		Help:      "Correction rounds started, by planned strategy.",
	}, []string{"strategy"})

	correctionOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "toolguard",
		Subsystem: "correction",
		Name:      "outcomes_total",
		Help:      "Terminal correction outcomes.",
	}, []string{"outcome"})
)

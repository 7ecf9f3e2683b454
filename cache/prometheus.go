package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "toolguard",
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "Redundancy cache lookups by outcome tier.",
	}, []string{"result"})

	cacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "toolguard",
		Subsystem: "cache",
		Name:      "evictions_total",
		Help:      "Cache entries evicted after expiry.",
	})
)

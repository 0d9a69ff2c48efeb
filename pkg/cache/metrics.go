package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "refcache_lookups_total",
		Help: "Total number of resource cache lookups.",
	}, []string{"status" /* hit | miss */})
	cacheEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "refcache_evictions_total",
		Help: "Total number of resources handed to the deferred closer.",
	}, []string{"reason" /* expired | overwritten */})
	cacheCloseFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "refcache_close_failures_total",
		Help: "Total number of resources that failed to close.",
	}, []string{"path" /* sync | deferred */})
	cacheOverReleases = promauto.NewCounter(prometheus.CounterOpts{
		Name: "refcache_over_releases_total",
		Help: "Total number of release calls on entries that had no outstanding borrows.",
	})
)

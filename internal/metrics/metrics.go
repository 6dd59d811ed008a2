package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	MessagesAppended prometheus.Counter
	BatchFailures    prometheus.Counter
	IndexRepairs     prometheus.Counter
	OrphansReclaimed prometheus.Counter
	InvalidChats     prometheus.Counter
	ChatsMigrated    prometheus.Counter
	CacheHits        prometheus.Counter
	CacheMisses      prometheus.Counter
	CacheEvictions   prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			MessagesAppended: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "researchd",
				Name:      "chat_messages_appended_total",
				Help:      "Total messages appended to chats",
			}),
			BatchFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "researchd",
				Name:      "backend_batch_failures_total",
				Help:      "Total atomic batches that reported at least one sub-command error",
			}),
			IndexRepairs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "researchd",
				Name:      "chat_index_repairs_total",
				Help:      "Total dangling chat-index entries pruned by self-healing reads",
			}),
			OrphansReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "researchd",
				Name:      "cleanup_orphaned_messages_total",
				Help:      "Total orphaned message records deleted by the cleanup sweep",
			}),
			InvalidChats: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "researchd",
				Name:      "cleanup_invalid_chats_total",
				Help:      "Total invalid chat records deleted by the cleanup sweep",
			}),
			ChatsMigrated: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "researchd",
				Name:      "migration_chats_total",
				Help:      "Total legacy chats rewritten into the normalized schema",
			}),
			CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "researchd",
				Name:      "search_cache_hits_total",
				Help:      "Total search cache hits",
			}),
			CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "researchd",
				Name:      "search_cache_misses_total",
				Help:      "Total search cache misses, including decode failures treated as misses",
			}),
			CacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "researchd",
				Name:      "search_cache_evictions_total",
				Help:      "Total expired cache entries deleted by the periodic sweep",
			}),
		}
		prometheus.MustRegister(
			global.MessagesAppended,
			global.BatchFailures,
			global.IndexRepairs,
			global.OrphansReclaimed,
			global.InvalidChats,
			global.ChatsMigrated,
			global.CacheHits,
			global.CacheMisses,
			global.CacheEvictions,
		)
	})
	return global
}

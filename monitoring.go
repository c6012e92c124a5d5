package clapsql

import (
	"encoding/json"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Metric names exported by the DB collector.
const (
	ShardReadsTotalKey     = "clapsql_shard_reads_total"
	ShardRewritesTotalKey  = "clapsql_shard_rewrites_total"
	CacheHitsTotalKey      = "clapsql_cache_hits_total"
	CacheMissesTotalKey    = "clapsql_cache_misses_total"
	CacheEvictionsTotalKey = "clapsql_cache_evictions_total"
	CacheRowsKey           = "clapsql_cache_rows"
	CacheSubTablesKey      = "clapsql_cache_subtables"
	TasksStartedTotalKey   = "clapsql_tasks_started_total"
	TasksFailedTotalKey    = "clapsql_tasks_failed_total"
	TasksReusedTotalKey    = "clapsql_tasks_reused_total"
	TasksActiveKey         = "clapsql_tasks_active"
)

var (
	shardReadsDesc     = prometheus.NewDesc(ShardReadsTotalKey, "Sub-table files read from disk.", nil, nil)
	shardRewritesDesc  = prometheus.NewDesc(ShardRewritesTotalKey, "Sub-table files rewritten.", nil, nil)
	cacheHitsDesc      = prometheus.NewDesc(CacheHitsTotalKey, "Cache lookups that found the sub-table.", nil, nil)
	cacheMissesDesc    = prometheus.NewDesc(CacheMissesTotalKey, "Cache lookups that fell back to disk.", nil, nil)
	cacheEvictionsDesc = prometheus.NewDesc(CacheEvictionsTotalKey, "Sub-tables evicted from the cache.", nil, nil)
	cacheRowsDesc      = prometheus.NewDesc(CacheRowsKey, "Rows currently cached.", nil, nil)
	cacheSubTablesDesc = prometheus.NewDesc(CacheSubTablesKey, "Sub-tables currently cached.", nil, nil)
	tasksStartedDesc   = prometheus.NewDesc(TasksStartedTotalKey, "Tasks started, by mode.", []string{"mode"}, nil)
	tasksFailedDesc    = prometheus.NewDesc(TasksFailedTotalKey, "Tasks whose body failed or panicked.", nil, nil)
	tasksReusedDesc    = prometheus.NewDesc(TasksReusedTotalKey, "Batch tasks served from the reuse pool.", nil, nil)
	tasksActiveDesc    = prometheus.NewDesc(TasksActiveKey, "Tasks started and not yet finished, by mode.", []string{"mode"}, nil)
)

type counters struct {
	ShardReads    atomic.Uint64
	ShardRewrites atomic.Uint64
}

type Stats struct {
	ShardReads    uint64
	ShardRewrites uint64
	TasksReused   uint64
	Cache         CacheStats
	Scheduler     SchedulerStats
}

func (db *DB[R]) Stats() Stats {
	return Stats{
		ShardReads:    db.stats.ShardReads.Load(),
		ShardRewrites: db.stats.ShardRewrites.Load(),
		TasksReused:   db.batch.TasksReused(),
		Cache:         db.cache.Stats(),
		Scheduler:     db.sched.Stats(),
	}
}

var _ prometheus.Collector = (*DB[nopRow])(nil)

func (db *DB[R]) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		shardReadsDesc, shardRewritesDesc,
		cacheHitsDesc, cacheMissesDesc, cacheEvictionsDesc, cacheRowsDesc, cacheSubTablesDesc,
		tasksStartedDesc, tasksFailedDesc, tasksReusedDesc, tasksActiveDesc,
	} {
		ch <- d
	}
}

func (db *DB[R]) Collect(ch chan<- prometheus.Metric) {
	st := db.Stats()
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	gauge := func(d *prometheus.Desc, v int, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v), labels...)
	}
	counter(shardReadsDesc, st.ShardReads)
	counter(shardRewritesDesc, st.ShardRewrites)
	counter(cacheHitsDesc, st.Cache.Hits)
	counter(cacheMissesDesc, st.Cache.Misses)
	counter(cacheEvictionsDesc, st.Cache.Evictions)
	gauge(cacheRowsDesc, st.Cache.Rows)
	gauge(cacheSubTablesDesc, st.Cache.Entries)
	for _, m := range Modes {
		counter(tasksStartedDesc, st.Scheduler.Started[m], m.String())
		gauge(tasksActiveDesc, st.Scheduler.Active[m], m.String())
	}
	counter(tasksFailedDesc, st.Scheduler.Failed)
	counter(tasksReusedDesc, st.TasksReused)
}

type TableStats struct {
	SubTables int
	Rows      int
	DiskSize  int64
}

// TableStats reads every sub-table of a table and sums up its size.
func (db *DB[R]) TableStats(table string) (TableStats, error) {
	var ts TableStats
	paths, err := db.SubTableFiles(table)
	if err != nil {
		return ts, err
	}
	for _, path := range paths {
		fi, err := db.fs.Stat(path)
		if err != nil {
			return ts, db.ioFailure("stats", table, path, err)
		}
		rows, err := db.fetchShard("stats", path)
		if err != nil {
			return ts, err
		}
		ts.SubTables++
		ts.Rows += len(rows)
		ts.DiskSize += fi.Size()
	}
	return ts, nil
}

func loggableRow(row any) string {
	raw, err := json.Marshal(row)
	if err != nil {
		return "<unmarshalable: " + err.Error() + ">"
	}
	return string(raw)
}

// nopRow only exists to assert interface conformance.
type nopRow struct{}

func (nopRow) Key() string        { return "" }
func (nopRow) SameAs(nopRow) bool { return true }

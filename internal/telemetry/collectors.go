package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/nebula/internal/credential"
	"github.com/roach88/nebula/internal/pool"
)

// poolCollector reads pool stats at scrape time.
type poolCollector struct {
	stats func() map[string]pool.Stats

	size, idle, active              *prometheus.Desc
	acquisitions, creates, destroys *prometheus.Desc
	hits, misses, timeouts          *prometheus.Desc
}

func newPoolCollector(stats func() map[string]pool.Stats) *poolCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(Namespace, "pool", name), help, []string{"pool"}, nil)
	}
	return &poolCollector{
		stats:        stats,
		size:         desc("size", "Live instances, idle and in use"),
		idle:         desc("idle", "Idle instances"),
		active:       desc("active", "Instances checked out"),
		acquisitions: desc("acquisitions_total", "Successful acquires"),
		creates:      desc("creates_total", "Instances created"),
		destroys:     desc("destroys_total", "Instances destroyed"),
		hits:         desc("hits_total", "Acquires served by an idle instance"),
		misses:       desc("misses_total", "Acquires that created an instance"),
		timeouts:     desc("timeouts_total", "Acquires that timed out waiting for a permit"),
	}
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{c.size, c.idle, c.active, c.acquisitions, c.creates, c.destroys, c.hits, c.misses, c.timeouts} {
		ch <- d
	}
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	for id, s := range c.stats() {
		gauge := func(d *prometheus.Desc, v int) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v), id)
		}
		counter := func(d *prometheus.Desc, v uint64) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), id)
		}
		gauge(c.size, s.Size)
		gauge(c.idle, s.Idle)
		gauge(c.active, s.Active)
		counter(c.acquisitions, s.TotalAcquisitions)
		counter(c.creates, s.TotalCreates)
		counter(c.destroys, s.TotalDestroys)
		counter(c.hits, s.Hits)
		counter(c.misses, s.Misses)
		counter(c.timeouts, s.Timeouts)
	}
}

// RegisterPool exposes the stats of p, labelled with its id.
func RegisterPool(reg prometheus.Registerer, p pool.Managed) error {
	return reg.Register(newPoolCollector(func() map[string]pool.Stats {
		return map[string]pool.Stats{p.ID(): p.Stats()}
	}))
}

// RegisterPools exposes the stats of every pool m holds at scrape time.
func RegisterPools(reg prometheus.Registerer, m *pool.Manager) error {
	return reg.Register(newPoolCollector(m.Stats))
}

// credentialCollector reads credential manager stats at scrape time.
type credentialCollector struct {
	m *credential.Manager

	cacheHits, cacheMisses, cacheEvictions, cacheSize *prometheus.Desc
	refreshes, refreshFailures, lockAcquired          *prometheus.Desc
	lockWait, lockWaitMax                             *prometheus.Desc
}

// RegisterCredentials exposes the token cache and refresh counters of m.
func RegisterCredentials(reg prometheus.Registerer, m *credential.Manager) error {
	desc := func(sub, name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(Namespace, sub, name), help, nil, nil)
	}
	return reg.Register(&credentialCollector{
		m:               m,
		cacheHits:       desc("token_cache", "hits_total", "Token cache hits"),
		cacheMisses:     desc("token_cache", "misses_total", "Token cache misses"),
		cacheEvictions:  desc("token_cache", "evictions_total", "Token cache evictions"),
		cacheSize:       desc("token_cache", "size", "Cached tokens"),
		refreshes:       desc("credential", "refreshes_total", "Token refreshes"),
		refreshFailures: desc("credential", "refresh_failures_total", "Failed token refreshes"),
		lockAcquired:    desc("credential", "lock_acquired_total", "Refresh locks acquired"),
		lockWait:        desc("credential", "lock_wait_seconds_total", "Time spent waiting for refresh locks"),
		lockWaitMax:     desc("credential", "lock_wait_max_seconds", "Longest wait for a refresh lock"),
	})
}

func (c *credentialCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.cacheHits, c.cacheMisses, c.cacheEvictions, c.cacheSize,
		c.refreshes, c.refreshFailures, c.lockAcquired, c.lockWait, c.lockWaitMax,
	} {
		ch <- d
	}
}

func (c *credentialCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.m.Stats()
	ch <- prometheus.MustNewConstMetric(c.cacheHits, prometheus.CounterValue, float64(s.Cache.Hits))
	ch <- prometheus.MustNewConstMetric(c.cacheMisses, prometheus.CounterValue, float64(s.Cache.Misses))
	ch <- prometheus.MustNewConstMetric(c.cacheEvictions, prometheus.CounterValue, float64(s.Cache.Evictions))
	ch <- prometheus.MustNewConstMetric(c.cacheSize, prometheus.GaugeValue, float64(s.Cache.Size))
	ch <- prometheus.MustNewConstMetric(c.refreshes, prometheus.CounterValue, float64(s.Refreshes))
	ch <- prometheus.MustNewConstMetric(c.refreshFailures, prometheus.CounterValue, float64(s.RefreshFailures))
	ch <- prometheus.MustNewConstMetric(c.lockAcquired, prometheus.CounterValue, float64(s.LockAcquired))
	ch <- prometheus.MustNewConstMetric(c.lockWait, prometheus.CounterValue, s.LockWaitTotal.Seconds())
	ch <- prometheus.MustNewConstMetric(c.lockWaitMax, prometheus.GaugeValue, s.LockWaitMax.Seconds())
}

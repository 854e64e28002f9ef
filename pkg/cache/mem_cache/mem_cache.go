/*
 * Copyright (C) 2026, dproxy authors
 *
 * This file is part of dproxy.
 *
 * dproxy is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * dproxy is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package mem_cache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dproxy-go/dproxy/pkg/cache"
	"github.com/dproxy-go/dproxy/pkg/dnsutils"
	"github.com/dproxy-go/dproxy/pkg/keyed_tree"
)

var _ cache.Backend = (*MemCache)(nil)

// MemCache is a cache.Backend backed by a single keyed_tree.Tree.
// Lookups share a read lock; Store, Prune and Tidy hold the write lock.
type MemCache struct {
	closed uint32

	mu   sync.RWMutex
	tree *keyed_tree.Tree

	hit      prometheus.Counter
	miss     prometheus.Counter
	expired  prometheus.Counter
	stored   prometheus.Counter
	tidied   prometheus.Counter
	removed  prometheus.Counter
	size     prometheus.GaugeFunc
	tidyTime prometheus.Histogram
}

func NewMemCache() *MemCache {
	c := &MemCache{
		tree: keyed_tree.New(),
		hit: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_hit_total",
			Help: "The total number of lookups answered from the cache",
		}),
		miss: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_miss_total",
			Help: "The total number of lookups that missed the cache",
		}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_expired_hit_total",
			Help: "The total number of lookups that found an expired entry",
		}),
		stored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_store_total",
			Help: "The total number of stored or refreshed entries",
		}),
		tidied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_tidy_total",
			Help: "The total number of tidy passes",
		}),
		removed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_pruned_total",
			Help: "The total number of entries removed by pruning",
		}),
		tidyTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cache_tidy_duration_seconds",
			Help:    "The time spent holding the write lock during tidy",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
	}
	c.size = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "cache_size",
		Help: "Current number of entries in the cache",
	}, func() float64 {
		return float64(c.Len())
	})
	return c
}

// RegisterMetricsTo registers the cache collectors to r.
func (c *MemCache) RegisterMetricsTo(r prometheus.Registerer) error {
	for _, collector := range [...]prometheus.Collector{
		c.hit, c.miss, c.expired, c.stored, c.tidied, c.removed, c.size, c.tidyTime,
	} {
		if err := r.Register(collector); err != nil {
			return err
		}
	}
	return nil
}

func (c *MemCache) isClosed() bool {
	return atomic.LoadUint32(&c.closed) != 0
}

// Close drops every entry. Subsequent lookups miss and stores are ignored.
func (c *MemCache) Close() error {
	if atomic.CompareAndSwapUint32(&c.closed, 0, 1) {
		c.mu.Lock()
		c.tree.Destroy()
		c.mu.Unlock()
	}
	return nil
}

func (c *MemCache) Lookup(key cache.Key, now int64, dst []byte) ([]byte, bool) {
	if c.isClosed() {
		return nil, false
	}

	c.mu.RLock()
	e, ok := c.tree.Search(key)
	if !ok {
		c.mu.RUnlock()
		c.miss.Inc()
		return nil, false
	}
	if e.Expire < now {
		c.mu.RUnlock()
		c.expired.Inc()
		c.miss.Inc()
		return nil, false
	}
	dst = append(dst[:0], e.Payload...)
	c.mu.RUnlock()

	c.hit.Inc()
	return dst, true
}

func (c *MemCache) Store(key cache.Key, packet []byte, expire int64) error {
	if c.isClosed() {
		return nil
	}

	c.mu.Lock()
	err := c.tree.Insert(key, packet, expire)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.stored.Inc()
	return nil
}

// Prune removes entries that expired before now without rebalancing.
func (c *MemCache) Prune(now int64) int {
	c.mu.Lock()
	n := c.tree.Prune(now)
	c.mu.Unlock()
	c.removed.Add(float64(n))
	return n
}

func (c *MemCache) Tidy(now int64) cache.TidyReport {
	start := time.Now()

	c.mu.Lock()
	r := cache.TidyReport{
		Before:      c.tree.Count(),
		DepthBefore: c.tree.Depth(),
	}
	r.Removed = c.tree.Prune(now)
	old := c.tree
	c.tree = old.Rebuild()
	old.Destroy()
	r.After = c.tree.Count()
	r.DepthAfter = c.tree.Depth()
	c.mu.Unlock()

	r.Elapsed = time.Since(start)
	c.tidied.Inc()
	c.removed.Add(float64(r.Removed))
	c.tidyTime.Observe(r.Elapsed.Seconds())
	return r
}

func (c *MemCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tree.Count()
}

// Depth returns the current maximum depth of the underlying tree.
func (c *MemCache) Depth() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tree.Depth()
}

// Entries lists every entry, expired or not, in key order.
// If describe is set, each entry carries a summary of its cached answer.
func (c *MemCache) Entries(describe bool) []cache.EntryInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	l := make([]cache.EntryInfo, 0, c.tree.Count())
	c.tree.Walk(func(e *keyed_tree.Entry) bool {
		info := cache.EntryInfo{
			Host:   e.Key.Host,
			Type:   e.Key.Type,
			Expire: e.Expire,
			Size:   len(e.Payload),
		}
		if describe {
			if s, err := dnsutils.DescribeAnswer(e.Payload); err == nil {
				info.Answer = s
			}
		}
		l = append(l, info)
		return true
	})
	return l
}

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

package dns_handler

import (
	"context"
	"errors"
	"time"

	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/dproxy-go/dproxy/pkg/cache"
	"github.com/dproxy-go/dproxy/pkg/dnsutils"
	C "github.com/dproxy-go/dproxy/pkg/query_context"
	"github.com/dproxy-go/dproxy/pkg/upstream"
)

const (
	defaultTTL = time.Hour
)

var nopLogger = zap.NewNop()

// Handler handles one query on behalf of a worker.
type Handler interface {
	// ServeDNS uses up and buf exclusively for the duration of the call.
	// A response, if any, is set to qCtx and may alias buf.
	// A nil error with no response means the query is dropped.
	ServeDNS(ctx context.Context, qCtx *C.Context, up upstream.Upstream, buf []byte) error
}

type EntryHandlerOpts struct {
	// Logger is used for logging. Default is a noop logger.
	Logger *zap.Logger

	// Cache stores answers. A nil Cache disables caching.
	Cache cache.Backend

	// TTL is how long a forwarded answer is served from the cache.
	// Default is one hour.
	TTL time.Duration

	// Now returns the current Unix time in seconds. Default is time.Now().Unix.
	Now func() int64
}

func (opts *EntryHandlerOpts) init() {
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.Now == nil {
		opts.Now = func() int64 { return time.Now().Unix() }
	}
}

// EntryHandler answers a query from the cache or forwards it upstream and
// caches the answer.
type EntryHandler struct {
	opts EntryHandlerOpts

	queryTotal    prometheus.Counter
	cacheHit      prometheus.Counter
	bypass        prometheus.Counter
	upstreamErr   prometheus.Counter
	idMismatch    prometheus.Counter
	storeErr      prometheus.Counter
	responseTotal prometheus.Counter
	forwardTime   prometheus.Histogram
}

func NewEntryHandler(opts EntryHandlerOpts) *EntryHandler {
	opts.init()
	return &EntryHandler{
		opts: opts,
		queryTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "handler_query_total",
			Help: "The total number of queries handled",
		}),
		cacheHit: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "handler_cache_hit_total",
			Help: "The total number of queries answered from the cache",
		}),
		bypass: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "handler_cache_bypass_total",
			Help: "The total number of queries that cannot be cached",
		}),
		upstreamErr: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "handler_upstream_err_total",
			Help: "The total number of failed upstream exchanges",
		}),
		idMismatch: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "handler_upstream_id_mismatch_total",
			Help: "The total number of upstream replies with a wrong transaction id",
		}),
		storeErr: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "handler_cache_store_err_total",
			Help: "The total number of answers rejected by the cache",
		}),
		responseTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "handler_response_total",
			Help: "The total number of responses produced",
		}),
		forwardTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "handler_forward_latency_millisecond",
			Help:    "The upstream exchange latency in millisecond",
			Buckets: []float64{1, 5, 10, 20, 50, 100, 200, 500, 1000},
		}),
	}
}

func (h *EntryHandler) RegisterMetricsTo(r prometheus.Registerer) error {
	for _, collector := range [...]prometheus.Collector{
		h.queryTotal, h.cacheHit, h.bypass, h.upstreamErr,
		h.idMismatch, h.storeErr, h.responseTotal, h.forwardTime,
	} {
		if err := r.Register(collector); err != nil {
			return err
		}
	}
	return nil
}

// ServeDNS implements Handler.
func (h *EntryHandler) ServeDNS(ctx context.Context, qCtx *C.Context, up upstream.Upstream, buf []byte) error {
	q := qCtx.Q()
	hdr := qCtx.QHeader()
	if hdr.Response || len(q) < dnsutils.MinQuerySize {
		return nil
	}
	h.queryTotal.Inc()

	now := h.opts.Now()
	key, cacheable := h.cacheKey(qCtx)
	if cacheable {
		if r, ok := h.opts.Cache.Lookup(key, now, buf); ok && len(r) >= dnsutils.HeaderSize {
			dnsutils.PatchID(r, hdr.ID)
			qCtx.SetRawResponse(r)
			h.cacheHit.Inc()
			h.responseTotal.Inc()
			return nil
		}
	}

	if up == nil {
		return errors.New("no upstream")
	}
	start := time.Now()
	n, err := up.Exchange(ctx, q, buf)
	if err != nil {
		h.upstreamErr.Inc()
		h.opts.Logger.Debug("upstream exchange failed", qCtx.InfoField(), zap.Error(err))
		return nil
	}
	h.forwardTime.Observe(float64(time.Since(start).Milliseconds()))

	r := buf[:n]
	if n < dnsutils.HeaderSize || dnsutils.GetID(r) != hdr.ID {
		h.idMismatch.Inc()
		return nil
	}

	if cacheable {
		if err := h.opts.Cache.Store(key, r, now+int64(h.opts.TTL/time.Second)); err != nil {
			h.storeErr.Inc()
			h.opts.Logger.Warn("failed to cache answer", qCtx.InfoField(), zap.Error(err))
		}
	}

	qCtx.SetRawResponse(r)
	h.responseTotal.Inc()
	return nil
}

// cacheKey reports whether the answer to qCtx may be cached and under which
// key. Queries with more than one question or a class other than IN are
// always forwarded.
func (h *EntryHandler) cacheKey(qCtx *C.Context) (cache.Key, bool) {
	if h.opts.Cache == nil {
		return cache.Key{}, false
	}
	if qCtx.QHeader().QDCount != 1 {
		h.bypass.Inc()
		return cache.Key{}, false
	}
	question, err := dnsutils.ExtractRequest(qCtx.Q())
	if err != nil {
		h.bypass.Inc()
		h.opts.Logger.Debug("invalid question", qCtx.InfoField(), zap.Error(err))
		return cache.Key{}, false
	}
	qCtx.SetQuestion(question)
	if question.Qclass != dns.ClassINET {
		h.bypass.Inc()
		return cache.Key{}, false
	}
	return cache.Key{Host: question.Name, Type: question.Qtype}, true
}

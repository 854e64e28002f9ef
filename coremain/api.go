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

package coremain

import (
	"encoding/json"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type cacheStats struct {
	Enabled bool `json:"enabled"`
	Entries int  `json:"entries"`
	Depth   int  `json:"depth"`
}

type tidyResult struct {
	Before      int    `json:"before"`
	After       int    `json:"after"`
	Removed     int    `json:"removed"`
	DepthBefore int    `json:"depth_before"`
	DepthAfter  int    `json:"depth_after"`
	Elapsed     string `json:"elapsed"`
}

type apiError struct {
	Error string `json:"error"`
}

func (d *Dproxy) newAPIRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(d.logRequest)

	r.Handle("/metrics", promhttp.HandlerFor(d.metricsReg, promhttp.HandlerOpts{}))
	r.Route("/debug/pprof", func(r chi.Router) {
		r.HandleFunc("/*", pprof.Index)
		r.HandleFunc("/cmdline", pprof.Cmdline)
		r.HandleFunc("/profile", pprof.Profile)
		r.HandleFunc("/symbol", pprof.Symbol)
		r.HandleFunc("/trace", pprof.Trace)
	})

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Route("/cache", func(r chi.Router) {
		r.Get("/stats", d.getCacheStats)
		r.Get("/entries", d.getCacheEntries)
		r.Post("/tidy", d.postCacheTidy)
	})
	return r
}

// GET /cache/stats
func (d *Dproxy) getCacheStats(w http.ResponseWriter, _ *http.Request) {
	s := cacheStats{}
	if d.cache != nil {
		s.Enabled = true
		s.Entries = d.cache.Len()
		s.Depth = d.cache.Depth()
	}
	writeJSON(w, http.StatusOK, s)
}

// GET /cache/entries
func (d *Dproxy) getCacheEntries(w http.ResponseWriter, r *http.Request) {
	if d.cache == nil {
		writeJSON(w, http.StatusNotFound, apiError{Error: "cache is disabled"})
		return
	}
	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if err := d.PrintCache(w); err != nil {
			d.logger.Warn("failed to write cache entries", zap.Error(err))
		}
		return
	}
	writeJSON(w, http.StatusOK, d.cache.Entries(true))
}

// POST /cache/tidy
func (d *Dproxy) postCacheTidy(w http.ResponseWriter, _ *http.Request) {
	rep, ok := d.TidyCache(time.Now())
	if !ok {
		writeJSON(w, http.StatusNotFound, apiError{Error: "cache is disabled"})
		return
	}
	writeJSON(w, http.StatusOK, tidyResult{
		Before:      rep.Before,
		After:       rep.After,
		Removed:     rep.Removed,
		DepthBefore: rep.DepthBefore,
		DepthAfter:  rep.DepthAfter,
		Elapsed:     rep.Elapsed.String(),
	})
}

func (d *Dproxy) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		d.logger.Debug("api request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

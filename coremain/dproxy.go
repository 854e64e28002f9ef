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
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/dproxy-go/dproxy/pkg/cache"
	"github.com/dproxy-go/dproxy/pkg/cache/mem_cache"
	"github.com/dproxy-go/dproxy/pkg/dnsutils"
	"github.com/dproxy-go/dproxy/pkg/safe_close"
	"github.com/dproxy-go/dproxy/pkg/server"
	"github.com/dproxy-go/dproxy/pkg/server/dns_handler"
	"github.com/dproxy-go/dproxy/pkg/upstream"
)

const upstreamSetupTimeout = 10 * time.Second

// Dproxy owns everything a running proxy needs.
type Dproxy struct {
	logger *zap.Logger
	cfg    *Config

	cache     *mem_cache.MemCache // nil if disabled
	upstreams []upstream.Upstream
	handler   *dns_handler.EntryHandler
	server    *server.Server
	conn      net.PacketConn

	httpAPIServer *http.Server
	metricsReg    *prometheus.Registry

	sc *safe_close.SafeClose
}

// NewDproxy initializes every component and opens all sockets.
// cfg must have its defaults applied.
func NewDproxy(cfg *Config, lg *zap.Logger) (_ *Dproxy, err error) {
	d := &Dproxy{
		logger:     lg,
		cfg:        cfg,
		metricsReg: newMetricsReg(),
		sc:         safe_close.NewSafeClose(),
	}
	defer func() {
		if err != nil {
			d.release()
		}
	}()

	var backend cache.Backend
	if !cfg.Cache.Disabled {
		d.cache = mem_cache.NewMemCache()
		if err := d.cache.RegisterMetricsTo(d.GetMetricsReg()); err != nil {
			return nil, fmt.Errorf("failed to register cache metrics, %w", err)
		}
		backend = d.cache
	}

	addr := cfg.Upstream.Addr
	if len(addr) == 0 {
		addr, err = upstream.DiscoverSystemResolver(cfg.Upstream.ResolvConf)
		if err != nil {
			return nil, fmt.Errorf("failed to discover upstream, %w", err)
		}
		lg.Info("upstream discovered", zap.String("addr", addr))
	}
	ctx, cancel := context.WithTimeout(context.Background(), upstreamSetupTimeout)
	defer cancel()
	d.upstreams, err = upstream.NewUpstreams(ctx, addr, cfg.Server.Workers, upstream.Opt{
		ReadTimeout: cfg.upstreamTimeout(),
		Logger:      lg.Named("upstream"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init upstreams, %w", err)
	}

	deny, err := buildDenySet(cfg.Server.Deny)
	if err != nil {
		return nil, err
	}

	d.handler = dns_handler.NewEntryHandler(dns_handler.EntryHandlerOpts{
		Logger: lg.Named("handler"),
		Cache:  backend,
		TTL:    cfg.cacheTTL(),
	})
	if err := d.handler.RegisterMetricsTo(d.GetMetricsReg()); err != nil {
		return nil, fmt.Errorf("failed to register handler metrics, %w", err)
	}

	serverOpts := server.ServerOpts{
		Logger:     lg.Named("server"),
		DNSHandler: d.handler,
		Upstreams:  d.upstreams,
		Deny:       deny,
	}
	if d.cache != nil {
		serverOpts.Maintenance = func(now time.Time) { d.TidyCache(now) }
		serverOpts.MaintenanceInterval = cfg.purgeInterval()
	}
	d.server = server.NewServer(serverOpts)
	if err := d.server.RegisterMetricsTo(d.GetMetricsReg()); err != nil {
		return nil, fmt.Errorf("failed to register server metrics, %w", err)
	}

	d.conn, err = net.ListenPacket("udp", cfg.Server.Listen)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s, %w", cfg.Server.Listen, err)
	}

	if httpAddr := cfg.API.HTTP; len(httpAddr) > 0 {
		d.httpAPIServer = &http.Server{
			Addr:    httpAddr,
			Handler: d.newAPIRouter(),
		}
	}
	return d, nil
}

// RunDproxy runs a proxy built from cfg until it fails or receives a
// termination signal.
func RunDproxy(cfg *Config) error {
	lg, err := newLogger(cfg)
	if err != nil {
		return err
	}
	d, err := NewDproxy(cfg, lg)
	if err != nil {
		return err
	}
	return d.Run()
}

// Run serves until Close is called, a component fails or a termination
// signal arrives. Workers are joined before upstream sockets and the
// cache are released.
func (d *Dproxy) Run() error {
	d.logger.Info("dproxy is running",
		zap.Stringer("listen", d.conn.LocalAddr()),
		zap.Int("workers", len(d.upstreams)),
		zap.Bool("cache", d.cache != nil),
	)

	d.sc.Go(func(closeSignal <-chan struct{}) error {
		err := d.server.ServeUDP(d.conn)
		if errors.Is(err, server.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("udp server exited, %w", err)
	})

	if d.httpAPIServer != nil {
		d.sc.Attach(func(done func(), closeSignal <-chan struct{}) {
			defer done()
			errChan := make(chan error, 1)
			go func() {
				d.logger.Info("starting api http server", zap.String("addr", d.httpAPIServer.Addr))
				errChan <- d.httpAPIServer.ListenAndServe()
			}()
			select {
			case err := <-errChan:
				d.sc.SendCloseSignal(fmt.Errorf("api http server exited, %w", err))
			case <-closeSignal:
				_ = d.httpAPIServer.Close()
			}
		})
	}

	d.sc.Attach(func(done func(), closeSignal <-chan struct{}) {
		defer done()
		sigC := make(chan os.Signal, 1)
		notifySignals(sigC)
		defer signal.Stop(sigC)
		for {
			select {
			case sig := <-sigC:
				if d.handleSignal(sig) {
					d.logger.Info("exiting", zap.Stringer("signal", sig))
					d.sc.SendCloseSignal(nil)
					return
				}
			case <-closeSignal:
				return
			}
		}
	})

	<-d.sc.ReceiveCloseSignal()
	d.release()
	d.sc.Done()
	d.sc.CloseWait()
	if err := d.sc.Err(); err != nil {
		return fmt.Errorf("dproxy exited, %w", err)
	}
	return nil
}

// Close stops a running proxy and waits until Run has released everything.
func (d *Dproxy) Close() {
	d.sc.CloseWait()
}

// release shuts down the server first so no worker still uses an upstream
// socket or the cache.
func (d *Dproxy) release() {
	if d.server != nil {
		d.server.Close()
	}
	if d.conn != nil {
		_ = d.conn.Close()
	}
	upstream.CloseAll(d.upstreams)
	if d.cache != nil {
		_ = d.cache.Close()
	}
}

// TidyCache removes expired entries and rebalances the cache.
func (d *Dproxy) TidyCache(now time.Time) (cache.TidyReport, bool) {
	if d.cache == nil {
		return cache.TidyReport{}, false
	}
	r := d.cache.Tidy(now.Unix())
	d.logger.Info("cache tidied",
		zap.Int("before", r.Before),
		zap.Int("after", r.After),
		zap.Int("removed", r.Removed),
		zap.Int("depth_before", r.DepthBefore),
		zap.Int("depth_after", r.DepthAfter),
		zap.Duration("elapsed", r.Elapsed),
	)
	return r, true
}

// PrintCache writes every cached entry in key order followed by the entry
// count and the tree depth.
func (d *Dproxy) PrintCache(w io.Writer) error {
	if d.cache == nil {
		_, err := fmt.Fprintln(w, "cache is disabled")
		return err
	}
	entries := d.cache.Entries(true)
	for _, e := range entries {
		_, err := fmt.Fprintf(w, "%s %s expires %s size %d %s\n",
			e.Host,
			dnsutils.QtypeToString(e.Type),
			time.Unix(e.Expire, 0).Format(time.RFC3339),
			e.Size,
			e.Answer,
		)
		if err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "%d entries, depth %d\n", len(entries), d.cache.Depth())
	return err
}

// GetMetricsReg returns the registerer all components use, which prefixes
// metric names with "dproxy_".
func (d *Dproxy) GetMetricsReg() prometheus.Registerer {
	return prometheus.WrapRegistererWithPrefix("dproxy_", d.metricsReg)
}

func (d *Dproxy) GetSafeClose() *safe_close.SafeClose {
	return d.sc
}

func newMetricsReg() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return reg
}

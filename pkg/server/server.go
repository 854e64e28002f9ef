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

package server

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go4.org/netipx"

	D "github.com/dproxy-go/dproxy/pkg/server/dns_handler"
	"github.com/dproxy-go/dproxy/pkg/upstream"
)

const (
	defaultMinBackoff = 10 * time.Millisecond
	defaultMaxBackoff = time.Second
)

var (
	ErrServerClosed      = errors.New("server closed")
	errMissingDNSHandler = errors.New("missing dns handler")
	errNoWorker          = errors.New("no worker is configured")
	errServing           = errors.New("server is already serving")
)

var nopLogger = zap.NewNop()

type ServerOpts struct {
	// Logger optionally specifies a logger for the server logging.
	// A nil Logger will disable the logging.
	Logger *zap.Logger

	// DNSHandler runs the request pipeline on the workers.
	DNSHandler D.Handler

	// Upstreams holds one private upstream per worker.
	// The number of workers is len(Upstreams).
	Upstreams []upstream.Upstream

	// Deny drops queries from these clients without reply.
	Deny *netipx.IPSet

	// Maintenance is called by the dispatcher, before a dispatch, once
	// MaintenanceInterval has elapsed since the last call.
	Maintenance         func(now time.Time)
	MaintenanceInterval time.Duration

	// MinBackoff and MaxBackoff bound the dispatcher sleep while every
	// worker is busy. Defaults are 10ms and 1s.
	MinBackoff, MaxBackoff time.Duration
}

func (opts *ServerOpts) init() {
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = defaultMinBackoff
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = max(defaultMaxBackoff, opts.MinBackoff)
	}
}

type Server struct {
	opts ServerOpts

	m             sync.Mutex
	closed        bool
	serving       bool
	closeNotify   chan struct{}
	closerTracker map[io.Closer]struct{}
	wg            sync.WaitGroup

	workers []*worker

	dispatched prometheus.Counter
	backoff    prometheus.Counter
	dropped    *prometheus.CounterVec
	replied    prometheus.Counter
	busy       prometheus.GaugeFunc
}

func NewServer(opts ServerOpts) *Server {
	opts.init()
	s := &Server{
		opts:        opts,
		closeNotify: make(chan struct{}),
		dispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "server_dispatched_total",
			Help: "The total number of queries handed to a worker",
		}),
		backoff: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "server_backoff_total",
			Help: "The total number of dispatcher sleeps because all workers were busy",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "server_dropped_total",
			Help: "The total number of inbound datagrams dropped without reply",
		}, []string{"reason"}),
		replied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "server_replied_total",
			Help: "The total number of replies sent to clients",
		}),
	}
	for i, u := range opts.Upstreams {
		s.workers = append(s.workers, newWorker(i, u))
	}
	s.busy = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "server_busy_workers",
		Help: "The number of workers holding a query",
	}, func() float64 { return float64(s.BusyWorkers()) })
	return s
}

func (s *Server) RegisterMetricsTo(r prometheus.Registerer) error {
	for _, collector := range [...]prometheus.Collector{s.dispatched, s.backoff, s.dropped, s.replied, s.busy} {
		if err := r.Register(collector); err != nil {
			return err
		}
	}
	return nil
}

// BusyWorkers returns the number of workers that are assigned a query or
// processing one.
func (s *Server) BusyWorkers() int {
	n := 0
	for _, w := range s.workers {
		switch w.getState() {
		case stateAssigned, stateProcessing:
			n++
		}
	}
	return n
}

// Closed returns true if server was closed.
func (s *Server) Closed() bool {
	s.m.Lock()
	defer s.m.Unlock()
	return s.closed
}

// startServing registers c as the listener of s. Close will close c and
// wait for the matching stopServing.
func (s *Server) startServing(c io.Closer) error {
	s.m.Lock()
	defer s.m.Unlock()

	if s.closed {
		return ErrServerClosed
	}
	if s.serving {
		return errServing
	}
	s.serving = true
	if s.closerTracker == nil {
		s.closerTracker = make(map[io.Closer]struct{})
	}
	s.closerTracker[c] = struct{}{}
	s.wg.Add(1)
	return nil
}

func (s *Server) stopServing(c io.Closer) {
	s.m.Lock()
	delete(s.closerTracker, c)
	s.m.Unlock()
	s.wg.Done()
}

// Close closes the Server and its listener, then waits until every
// worker has finished its current query and exited.
func (s *Server) Close() {
	s.m.Lock()
	if s.closed {
		s.m.Unlock()
		return
	}

	s.closed = true
	close(s.closeNotify)

	closers := make([]io.Closer, 0, len(s.closerTracker))
	for c := range s.closerTracker {
		closers = append(closers, c)
	}
	s.closerTracker = nil
	s.m.Unlock()

	for _, c := range closers {
		_ = c.Close()
	}

	s.wg.Wait()
}

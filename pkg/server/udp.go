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
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/dproxy-go/dproxy/pkg/dnsutils"
	"github.com/dproxy-go/dproxy/pkg/pool"
	C "github.com/dproxy-go/dproxy/pkg/query_context"
	D "github.com/dproxy-go/dproxy/pkg/server/dns_handler"
)

// cmcUDPConn can read and write cmsg.
type cmcUDPConn interface {
	readFrom(b []byte) (n int, dst net.IP, IfIndex int, src net.Addr, err error)
	writeTo(b []byte, src net.IP, IfIndex int, dst net.Addr) (n int, err error)
}

// ServeUDP reads queries from c and hands each one to an idle worker.
// It is the only reader of c. Workers write their replies to c directly.
// After Close, ServeUDP returns ErrServerClosed once every worker exited.
func (s *Server) ServeUDP(c net.PacketConn) error {
	defer c.Close()

	handler := s.opts.DNSHandler
	if handler == nil {
		return errMissingDNSHandler
	}
	if len(s.workers) == 0 {
		return errNoWorker
	}

	if err := s.startServing(c); err != nil {
		return err
	}
	defer s.stopServing(c)

	var cmc cmcUDPConn
	var err error
	uc, ok := c.(*net.UDPConn)
	if ok && uc.LocalAddr().(*net.UDPAddr).IP.IsUnspecified() {
		cmc, err = newCmc(uc)
		if err != nil {
			return fmt.Errorf("failed to control socket cmsg, %w", err)
		}
	} else {
		cmc = newDummyCmc(c)
	}

	var workerWG sync.WaitGroup
	for _, w := range s.workers {
		workerWG.Add(1)
		go func() {
			defer workerWG.Done()
			s.runWorker(w, handler, cmc)
		}()
	}
	defer func() {
		for _, w := range s.workers {
			w.stop()
		}
		workerWG.Wait()
	}()

	rb := make([]byte, dns.MaxMsgSize)
	d := &dispatcher{s: s, lastMaintenance: time.Now()}
	for {
		n, localAddr, ifIndex, remoteAddr, err := cmc.readFrom(rb)
		if err != nil {
			if s.Closed() {
				return ErrServerClosed
			}
			return fmt.Errorf("unexpected read err: %w", err)
		}

		if n < dnsutils.MinQuerySize {
			s.dropped.WithLabelValues("short").Inc()
			continue
		}
		if s.opts.Deny != nil && s.opts.Deny.Contains(addrPortOf(remoteAddr).Addr()) {
			s.dropped.WithLabelValues("denied").Inc()
			continue
		}

		if !d.dispatch(rb[:n], remoteAddr, localAddr, ifIndex) {
			return ErrServerClosed
		}
	}
}

type dispatcher struct {
	s               *Server
	cursor          int
	lastMaintenance time.Time
}

// dispatch hands b to the next idle worker, scanning from the rotating
// cursor. While every worker is busy it sleeps with exponential backoff.
// It reports false if the server was closed before b was assigned.
func (d *dispatcher) dispatch(b []byte, from net.Addr, localAddr net.IP, ifIndex int) bool {
	s := d.s
	backoff := s.opts.MinBackoff
	for {
		d.maintain()

		n := len(s.workers)
		for i := 0; i < n; i++ {
			idx := (d.cursor + i) % n
			if s.workers[idx].tryAssign(b, from, localAddr, ifIndex) {
				d.cursor = (idx + 1) % n
				s.dispatched.Inc()
				return true
			}
		}

		s.backoff.Inc()
		s.opts.Logger.Debug("all workers are busy", zap.Duration("backoff", backoff))
		if !pool.Sleep(backoff, s.closeNotify) {
			return false
		}
		backoff = min(backoff*2, s.opts.MaxBackoff)
	}
}

func (d *dispatcher) maintain() {
	s := d.s
	if s.opts.Maintenance == nil || s.opts.MaintenanceInterval <= 0 {
		return
	}
	now := time.Now()
	if now.Sub(d.lastMaintenance) < s.opts.MaintenanceInterval {
		return
	}
	d.lastMaintenance = now
	s.opts.Maintenance(now)
}

func (s *Server) runWorker(w *worker, handler D.Handler, cmc cmcUDPConn) {
	for w.wait() {
		s.handleQuery(w, handler, cmc)
		w.done()
	}
	s.opts.Logger.Debug("worker exited", zap.Int("worker", w.id))
}

func (s *Server) handleQuery(w *worker, handler D.Handler, cmc cmcUDPConn) {
	meta := C.NewRequestMeta(addrPortOf(w.from))
	meta.SetProtocol(C.ProtocolUDP)
	qCtx, err := C.NewContext(w.q, meta)
	if err != nil {
		s.dropped.WithLabelValues("invalid").Inc()
		return
	}

	// A worker finishes its query even when the server is closing.
	if err := handler.ServeDNS(context.Background(), qCtx, w.up, w.buf); err != nil {
		s.opts.Logger.Warn("handler err", qCtx.InfoField(), zap.Error(err))
		return
	}

	r := qCtx.RawR()
	if r == nil {
		return
	}
	if len(r) < dnsutils.HeaderSize || dnsutils.GetID(r) != qCtx.QHeader().ID {
		s.dropped.WithLabelValues("id_mismatch").Inc()
		return
	}
	if _, err := cmc.writeTo(r, w.localAddr, w.ifIndex, w.from); err != nil {
		s.opts.Logger.Warn("failed to write response", zap.Stringer("client", w.from), zap.Error(err))
		return
	}
	s.replied.Inc()
}

func addrPortOf(a net.Addr) netip.AddrPort {
	switch v := a.(type) {
	case *net.UDPAddr:
		ap := v.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	default:
		ap, _ := netip.ParseAddrPort(a.String())
		return ap
	}
}

func newDummyCmc(c net.PacketConn) cmcUDPConn {
	return dummyCmcWrapper{c: c}
}

type dummyCmcWrapper struct {
	c net.PacketConn
}

func (w dummyCmcWrapper) readFrom(b []byte) (n int, dst net.IP, IfIndex int, src net.Addr, err error) {
	n, src, err = w.c.ReadFrom(b)
	return
}

func (w dummyCmcWrapper) writeTo(b []byte, src net.IP, IfIndex int, dst net.Addr) (n int, err error) {
	return w.c.WriteTo(b, dst)
}

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

// Package upstream exchanges raw DNS queries with the upstream resolver.
package upstream

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dproxy-go/dproxy/pkg/upstream/udp"
)

const (
	defaultPort        = "53"
	defaultReadTimeout = time.Second
)

// Upstream represents a dns upstream.
type Upstream interface {
	// Exchange sends the raw query q and reads the reply into buf.
	// It returns the reply length. The reply carries the same
	// transaction id as q.
	Exchange(ctx context.Context, q []byte, buf []byte) (n int, err error)

	io.Closer
}

type Opt struct {
	// ReadTimeout bounds the wait for one reply. Default is 1s.
	ReadTimeout time.Duration

	// Logger specifies the logger that the upstream will use.
	Logger *zap.Logger
}

// NewUpstream dials addr. addr is "host", "host:port" or "udp://host:port".
func NewUpstream(ctx context.Context, addr string, opt Opt) (Upstream, error) {
	hostPort, err := NormalizeAddr(addr)
	if err != nil {
		return nil, err
	}
	if opt.ReadTimeout <= 0 {
		opt.ReadTimeout = defaultReadTimeout
	}

	d := net.Dialer{}
	c, err := d.DialContext(ctx, "udp", hostPort)
	if err != nil {
		return nil, fmt.Errorf("failed to dial upstream %s, %w", hostPort, err)
	}
	return udp.NewUDPUpstream(c, udp.Opts{
		ReadTimeout: opt.ReadTimeout,
		Logger:      opt.Logger,
	}), nil
}

// NewUpstreams dials n independent upstream sockets to addr in parallel.
// On error every socket opened so far is closed.
func NewUpstreams(ctx context.Context, addr string, n int, opt Opt) ([]Upstream, error) {
	ups := make([]Upstream, n)
	g, gCtx := errgroup.WithContext(ctx)
	for i := range ups {
		g.Go(func() error {
			u, err := NewUpstream(gCtx, addr, opt)
			if err != nil {
				return err
			}
			ups[i] = u
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		CloseAll(ups)
		return nil, err
	}
	return ups, nil
}

// CloseAll closes every non-nil upstream in ups.
func CloseAll(ups []Upstream) {
	for _, u := range ups {
		if u != nil {
			_ = u.Close()
		}
	}
}

// NormalizeAddr returns addr as "host:port", adding the default port 53.
func NormalizeAddr(addr string) (string, error) {
	if s, ok := strings.CutPrefix(addr, "udp://"); ok {
		addr = s
	}
	if len(addr) == 0 {
		return "", fmt.Errorf("empty upstream address")
	}
	if strings.Contains(addr, "/") {
		return "", fmt.Errorf("unsupported upstream address %s", addr)
	}
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr, nil
	}
	host := strings.TrimSuffix(strings.TrimPrefix(addr, "["), "]")
	return net.JoinHostPort(host, defaultPort), nil
}

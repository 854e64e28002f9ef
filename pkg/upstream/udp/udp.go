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

package udp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dproxy-go/dproxy/pkg/dnsutils"
)

var (
	ErrClosed   = errors.New("udp upstream closed")
	ErrTimeout  = errors.New("udp upstream timed out")
	errShortMsg = errors.New("query too short")
)

var nopLogger = zap.NewNop()

type Opts struct {
	// ReadTimeout bounds the wait for a reply with the expected id.
	ReadTimeout time.Duration
	Logger      *zap.Logger
}

// Upstream is a synchronous exchanger over one connected UDP socket.
// It serves one query at a time and is meant to be owned by a single
// worker.
type Upstream struct {
	conn   net.Conn
	opts   Opts
	closed atomic.Bool
}

// NewUDPUpstream wraps a connected UDP socket. Upstream takes ownership of c.
func NewUDPUpstream(c net.Conn, opts Opts) *Upstream {
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return &Upstream{conn: c, opts: opts}
}

// Exchange writes q and waits for the reply with the same transaction id.
// Replies with any other id are left over from earlier timed out
// exchanges and are discarded.
func (u *Upstream) Exchange(ctx context.Context, q []byte, buf []byte) (int, error) {
	if u.closed.Load() {
		return 0, ErrClosed
	}
	if len(q) < dnsutils.HeaderSize {
		return 0, errShortMsg
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	deadline := time.Now().Add(u.opts.ReadTimeout)
	if u.opts.ReadTimeout <= 0 {
		deadline = time.Time{}
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	if err := u.conn.SetDeadline(deadline); err != nil {
		return 0, err
	}

	// Unblock the read if ctx is canceled.
	stop := context.AfterFunc(ctx, func() {
		_ = u.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	if _, err := u.conn.Write(q); err != nil {
		return 0, fmt.Errorf("failed to write query, %w", err)
	}

	id := dnsutils.GetID(q)
	for {
		n, err := u.conn.Read(buf)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return 0, ctxErr
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				if d, ok := ctx.Deadline(); ok && !time.Now().Before(d) {
					return 0, context.DeadlineExceeded
				}
				return 0, ErrTimeout
			}
			if u.closed.Load() {
				return 0, ErrClosed
			}
			return 0, fmt.Errorf("failed to read reply, %w", err)
		}
		if n < dnsutils.HeaderSize {
			continue
		}
		if gotID := dnsutils.GetID(buf); gotID != id {
			u.opts.Logger.Debug("discarding stale reply", zap.Uint16("want", id), zap.Uint16("got", gotID))
			continue
		}
		return n, nil
	}
}

func (u *Upstream) Close() error {
	if !u.closed.CompareAndSwap(false, true) {
		return nil
	}
	return u.conn.Close()
}

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
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startServer runs a udp dns server on loopback that answers with f.
// A nil reply from f sends nothing.
func startServer(t *testing.T, f func(q *dns.Msg) []*dns.Msg) string {
	t.Helper()
	c, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	go func() {
		b := make([]byte, dns.MaxMsgSize)
		for {
			n, from, err := c.ReadFrom(b)
			if err != nil {
				return
			}
			q := new(dns.Msg)
			if err := q.Unpack(b[:n]); err != nil {
				continue
			}
			for _, r := range f(q) {
				out, err := r.Pack()
				if err != nil {
					continue
				}
				_, _ = c.WriteTo(out, from)
			}
		}
	}()
	return c.LocalAddr().String()
}

func dial(t *testing.T, addr string, timeout time.Duration) *Upstream {
	t.Helper()
	c, err := net.Dial("udp", addr)
	require.NoError(t, err)
	u := NewUDPUpstream(c, Opts{ReadTimeout: timeout})
	t.Cleanup(func() { u.Close() })
	return u
}

func packQuery(t *testing.T, name string, id uint16) []byte {
	t.Helper()
	q := new(dns.Msg)
	q.SetQuestion(dns.Fqdn(name), dns.TypeA)
	q.Id = id
	b, err := q.Pack()
	require.NoError(t, err)
	return b
}

func answer(q *dns.Msg) *dns.Msg {
	r := new(dns.Msg)
	r.SetReply(q)
	r.Answer = append(r.Answer, &dns.A{
		Hdr: dns.RR_Header{Name: q.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300},
		A:   net.IPv4(192, 0, 2, 1),
	})
	return r
}

func Test_Upstream_Exchange(t *testing.T) {
	addr := startServer(t, func(q *dns.Msg) []*dns.Msg {
		return []*dns.Msg{answer(q)}
	})
	u := dial(t, addr, time.Second)

	buf := make([]byte, dns.MaxMsgSize)
	for i := uint16(1); i <= 3; i++ {
		n, err := u.Exchange(context.Background(), packQuery(t, "example.com", i), buf)
		require.NoError(t, err)

		r := new(dns.Msg)
		require.NoError(t, r.Unpack(buf[:n]))
		assert.Equal(t, i, r.Id)
		require.Len(t, r.Answer, 1)
	}
}

func Test_Upstream_DiscardStaleReply(t *testing.T) {
	addr := startServer(t, func(q *dns.Msg) []*dns.Msg {
		stale := answer(q)
		stale.Id = q.Id + 1
		return []*dns.Msg{stale, answer(q)}
	})
	u := dial(t, addr, time.Second)

	buf := make([]byte, dns.MaxMsgSize)
	n, err := u.Exchange(context.Background(), packQuery(t, "example.com", 7), buf)
	require.NoError(t, err)
	r := new(dns.Msg)
	require.NoError(t, r.Unpack(buf[:n]))
	assert.Equal(t, uint16(7), r.Id)
}

func Test_Upstream_Timeout(t *testing.T) {
	addr := startServer(t, func(q *dns.Msg) []*dns.Msg { return nil })
	u := dial(t, addr, 50*time.Millisecond)

	start := time.Now()
	_, err := u.Exchange(context.Background(), packQuery(t, "example.com", 1), make([]byte, 512))
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func Test_Upstream_ContextCanceled(t *testing.T) {
	addr := startServer(t, func(q *dns.Msg) []*dns.Msg { return nil })
	u := dial(t, addr, 10*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	_, err := u.Exchange(ctx, packQuery(t, "example.com", 1), make([]byte, 512))
	assert.ErrorIs(t, err, context.Canceled)

	ctx, cancel = context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = u.Exchange(ctx, packQuery(t, "example.com", 2), make([]byte, 512))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func Test_Upstream_Closed(t *testing.T) {
	addr := startServer(t, func(q *dns.Msg) []*dns.Msg { return nil })
	u := dial(t, addr, time.Second)
	require.NoError(t, u.Close())
	require.NoError(t, u.Close())

	_, err := u.Exchange(context.Background(), packQuery(t, "example.com", 1), make([]byte, 512))
	assert.ErrorIs(t, err, ErrClosed)
}

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
	"bytes"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dproxy-go/dproxy/pkg/cache"
)

// startUpstream runs a loopback dns server that answers A queries and
// counts them.
func startUpstream(t *testing.T) (string, *atomic.Int32) {
	t.Helper()
	c, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	var n atomic.Int32
	go func() {
		b := make([]byte, dns.MaxMsgSize)
		for {
			rn, from, err := c.ReadFrom(b)
			if err != nil {
				return
			}
			q := new(dns.Msg)
			if err := q.Unpack(b[:rn]); err != nil {
				continue
			}
			n.Add(1)
			r := new(dns.Msg)
			r.SetReply(q)
			r.Answer = append(r.Answer, &dns.A{
				Hdr: dns.RR_Header{Name: q.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300},
				A:   net.IPv4(192, 0, 2, 1),
			})
			out, err := r.Pack()
			if err != nil {
				continue
			}
			_, _ = c.WriteTo(out, from)
		}
	}()
	return c.LocalAddr().String(), &n
}

func newTestConfig(upstreamAddr string) *Config {
	cfg := new(Config)
	cfg.Server.Listen = "127.0.0.1:0"
	cfg.Server.Workers = 2
	cfg.Upstream.Addr = upstreamAddr
	cfg.setDefaults()
	return cfg
}

func runDproxy(t *testing.T, cfg *Config) (*Dproxy, <-chan error) {
	t.Helper()
	d, err := NewDproxy(cfg, zap.NewNop())
	require.NoError(t, err)
	errC := make(chan error, 1)
	go func() { errC <- d.Run() }()
	return d, errC
}

func exchange(t *testing.T, addr net.Addr, name string, id uint16) *dns.Msg {
	t.Helper()
	q := new(dns.Msg)
	q.SetQuestion(dns.Fqdn(name), dns.TypeA)
	q.Id = id
	c := &dns.Client{Net: "udp", Timeout: 5 * time.Second}
	r, _, err := c.Exchange(q, addr.String())
	require.NoError(t, err)
	return r
}

func Test_Dproxy(t *testing.T) {
	upAddr, upCount := startUpstream(t)
	d, errC := runDproxy(t, newTestConfig(upAddr))
	addr := d.conn.LocalAddr()

	r := exchange(t, addr, "example.com", 100)
	assert.Equal(t, uint16(100), r.Id)
	require.Len(t, r.Answer, 1)
	assert.Equal(t, "192.0.2.1", r.Answer[0].(*dns.A).A.String())

	// Second query comes from the cache with its own id.
	r = exchange(t, addr, "example.com", 200)
	assert.Equal(t, uint16(200), r.Id)
	require.Len(t, r.Answer, 1)
	assert.Equal(t, int32(1), upCount.Load())

	exchange(t, addr, "example.org", 300)
	assert.Equal(t, int32(2), upCount.Load())
	assert.Equal(t, 2, d.cache.Len())

	buf := new(bytes.Buffer)
	require.NoError(t, d.PrintCache(buf))
	assert.Contains(t, buf.String(), "example.com A expires")
	assert.Contains(t, buf.String(), "192.0.2.1")
	assert.Contains(t, buf.String(), "2 entries, depth 2")

	// Nothing has expired yet.
	rep, ok := d.TidyCache(time.Now())
	require.True(t, ok)
	assert.Equal(t, 2, rep.After)
	assert.Equal(t, 0, rep.Removed)

	// Everything expires after the ttl.
	rep, _ = d.TidyCache(time.Now().Add(cfgTTL(d) + time.Minute))
	assert.Equal(t, 2, rep.Removed)
	assert.Equal(t, 0, d.cache.Len())

	d.Close()
	select {
	case err := <-errC:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("dproxy did not exit")
	}
}

func cfgTTL(d *Dproxy) time.Duration {
	return d.cfg.cacheTTL()
}

func Test_Dproxy_CacheDisabled(t *testing.T) {
	upAddr, upCount := startUpstream(t)
	cfg := newTestConfig(upAddr)
	cfg.Cache.Disabled = true
	d, errC := runDproxy(t, cfg)

	for i := uint16(1); i <= 3; i++ {
		r := exchange(t, d.conn.LocalAddr(), "example.com", i)
		assert.Equal(t, i, r.Id)
	}
	assert.Equal(t, int32(3), upCount.Load())

	_, ok := d.TidyCache(time.Now())
	assert.False(t, ok)
	buf := new(bytes.Buffer)
	require.NoError(t, d.PrintCache(buf))
	assert.Equal(t, "cache is disabled\n", buf.String())

	d.Close()
	assert.NoError(t, <-errC)
}

func Test_Dproxy_ResolvConf(t *testing.T) {
	// Local stubs are skipped. 127.0.0.2 is still routed through lo, so
	// dialing it works without network access.
	p := filepath.Join(t.TempDir(), "resolv.conf")
	require.NoError(t, os.WriteFile(p, []byte("nameserver 127.0.0.1\nnameserver 127.0.1.1\nnameserver 127.0.0.2\n"), 0o644))

	cfg := newTestConfig("")
	cfg.Upstream.ResolvConf = p
	d, err := NewDproxy(cfg, zap.NewNop())
	require.NoError(t, err)
	defer d.release()
	require.Len(t, d.upstreams, 2)
}

func Test_Dproxy_API(t *testing.T) {
	upAddr, _ := startUpstream(t)
	d, errC := runDproxy(t, newTestConfig(upAddr))
	defer func() {
		d.Close()
		<-errC
	}()
	exchange(t, d.conn.LocalAddr(), "example.com", 1)

	srv := httptest.NewServer(d.newAPIRouter())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var stats cacheStats
	getJSON(t, srv.URL+"/cache/stats", &stats)
	assert.True(t, stats.Enabled)
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, 1, stats.Depth)

	var entries []cache.EntryInfo
	getJSON(t, srv.URL+"/cache/entries", &entries)
	require.Len(t, entries, 1)
	assert.Equal(t, "example.com", entries[0].Host)
	assert.Equal(t, dns.TypeA, entries[0].Type)
	assert.Contains(t, entries[0].Answer, "192.0.2.1")

	resp, err = http.Post(srv.URL+"/cache/tidy", "application/json", nil)
	require.NoError(t, err)
	var tidy tidyResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tidy))
	resp.Body.Close()
	assert.Equal(t, 1, tidy.Before)
	assert.Equal(t, 1, tidy.After)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body := new(bytes.Buffer)
	_, err = body.ReadFrom(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, body.String(), "dproxy_cache_hit_total")
	assert.Contains(t, body.String(), "dproxy_server_dispatched_total 1")
	assert.Contains(t, body.String(), "dproxy_handler_query_total 1")
}

func getJSON(t *testing.T, url string, v any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func Test_NewDproxy_Error(t *testing.T) {
	cfg := newTestConfig("127.0.0.1:53")
	cfg.Server.Listen = "256.0.0.1:53"
	_, err := NewDproxy(cfg, zap.NewNop())
	assert.Error(t, err)

	cfg = newTestConfig("")
	cfg.Upstream.ResolvConf = filepath.Join(t.TempDir(), "missing")
	_, err = NewDproxy(cfg, zap.NewNop())
	assert.Error(t, err)
}

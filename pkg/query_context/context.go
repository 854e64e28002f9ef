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

package query_context

import (
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dproxy-go/dproxy/pkg/dnsutils"
)

const (
	ProtocolUDP = "udp"
)

// RequestMeta represents some metadata about the request.
type RequestMeta struct {
	clientAddr netip.AddrPort
	protocol   string
}

func NewRequestMeta(addr netip.AddrPort) *RequestMeta {
	meta := new(RequestMeta)
	meta.SetClientAddr(addr)
	return meta
}

func (m *RequestMeta) SetClientAddr(addr netip.AddrPort) {
	if a := addr.Addr(); a.Is4In6() {
		addr = netip.AddrPortFrom(a.Unmap(), addr.Port())
	}
	m.clientAddr = addr
}

func (m *RequestMeta) SetProtocol(protocol string) {
	m.protocol = protocol
}

// GetClientAddr returns the client ip.
func (m *RequestMeta) GetClientAddr() netip.Addr {
	return m.clientAddr.Addr()
}

// GetClientAddrPort returns the address the reply must be sent to.
func (m *RequestMeta) GetClientAddrPort() netip.AddrPort {
	return m.clientAddr
}

func (m *RequestMeta) GetProtocol() string {
	return m.protocol
}

// Context carries one raw query through the request pipeline.
type Context struct {
	startTime time.Time
	q         []byte
	qHeader   dnsutils.HeaderInfo
	question  *dnsutils.Question // nil if not extracted or not cacheable
	id        uint32
	reqMeta   *RequestMeta

	rawR []byte
}

var (
	contextUid      uint32
	zeroRequestMeta = &RequestMeta{}
)

// NewContext creates a new query Context. q must hold at least a full DNS
// header and is not copied.
func NewContext(q []byte, meta *RequestMeta) (*Context, error) {
	h, err := dnsutils.GetHeaderInfo(q)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		meta = zeroRequestMeta
	}

	return &Context{
		q:         q,
		qHeader:   h,
		reqMeta:   meta,
		id:        atomic.AddUint32(&contextUid, 1),
		startTime: time.Now(),
	}, nil
}

// String returns a short summary of its query.
func (ctx *Context) String() string {
	if ctx.question != nil {
		return fmt.Sprintf("%s %d %d", ctx.question, ctx.qHeader.ID, ctx.id)
	}
	return fmt.Sprintf("qdcount=%d %d %d", ctx.qHeader.QDCount, ctx.qHeader.ID, ctx.id)
}

// Q returns the raw query.
func (ctx *Context) Q() []byte {
	return ctx.q
}

// QHeader returns the parsed query header.
func (ctx *Context) QHeader() dnsutils.HeaderInfo {
	return ctx.qHeader
}

// Question returns the cacheable question of the query, if any.
func (ctx *Context) Question() (dnsutils.Question, bool) {
	if ctx.question == nil {
		return dnsutils.Question{}, false
	}
	return *ctx.question, true
}

// SetQuestion records the extracted question of the query.
func (ctx *Context) SetQuestion(q dnsutils.Question) {
	ctx.question = &q
}

// ReqMeta returns the request metadata.
func (ctx *Context) ReqMeta() *RequestMeta {
	return ctx.reqMeta
}

// RawR returns the raw response.
func (ctx *Context) RawR() []byte {
	return ctx.rawR
}

// SetRawResponse stores the raw response b to the context.
func (ctx *Context) SetRawResponse(b []byte) {
	ctx.rawR = b
}

// Id returns the Context id.
func (ctx *Context) Id() uint32 {
	return ctx.id
}

// StartTime returns the time when the Context was created.
func (ctx *Context) StartTime() time.Time {
	return ctx.startTime
}

// InfoField returns a zap.Field.
func (ctx *Context) InfoField() zap.Field {
	return zap.Stringer("query", ctx)
}

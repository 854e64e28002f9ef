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

package dnsutils

import (
	"net"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func packQuery(t *testing.T, name string, qtype uint16) []byte {
	t.Helper()
	q := new(dns.Msg)
	q.SetQuestion(name, qtype)
	q.Id = 0x1234
	b, err := q.Pack()
	require.NoError(t, err)
	return b
}

func TestGetHeaderInfo(t *testing.T) {
	b := packQuery(t, "example.com.", dns.TypeA)
	h, err := GetHeaderInfo(b)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1234), h.ID)
	assert.False(t, h.Response)
	assert.Equal(t, dns.OpcodeQuery, h.Opcode)
	assert.Equal(t, uint16(1), h.QDCount)

	r := new(dns.Msg)
	r.SetQuestion("example.com.", dns.TypeA)
	r.Response = true
	r.Opcode = dns.OpcodeNotify
	r.Rcode = dns.RcodeNameError
	rb, err := r.Pack()
	require.NoError(t, err)
	h, err = GetHeaderInfo(rb)
	require.NoError(t, err)
	assert.True(t, h.Response)
	assert.Equal(t, dns.OpcodeNotify, h.Opcode)
	assert.Equal(t, dns.RcodeNameError, h.Rcode)

	_, err = GetHeaderInfo(b[:11])
	assert.ErrorIs(t, err, ErrInvalidDNSMsg)
}

func TestPatchID(t *testing.T) {
	b := packQuery(t, "example.com.", dns.TypeA)
	PatchID(b, 0xbeef)
	assert.Equal(t, uint16(0xbeef), GetID(b))

	m := new(dns.Msg)
	require.NoError(t, m.Unpack(b))
	assert.Equal(t, uint16(0xbeef), m.Id)
}

func TestExtractRequest(t *testing.T) {
	tests := []struct {
		name    string
		msg     func(t *testing.T) []byte
		want    Question
		wantErr bool
	}{
		{
			name: "a record",
			msg:  func(t *testing.T) []byte { return packQuery(t, "example.com.", dns.TypeA) },
			want: Question{Name: "example.com", Qtype: dns.TypeA, Qclass: dns.ClassINET},
		},
		{
			name: "case preserved",
			msg:  func(t *testing.T) []byte { return packQuery(t, "WwW.Example.COM.", dns.TypeAAAA) },
			want: Question{Name: "WwW.Example.COM", Qtype: dns.TypeAAAA, Qclass: dns.ClassINET},
		},
		{
			name: "root",
			msg:  func(t *testing.T) []byte { return packQuery(t, ".", dns.TypeNS) },
			want: Question{Name: ".", Qtype: dns.TypeNS, Qclass: dns.ClassINET},
		},
		{
			name: "chaos class",
			msg: func(t *testing.T) []byte {
				q := new(dns.Msg)
				q.SetQuestion("version.bind.", dns.TypeTXT)
				q.Question[0].Qclass = dns.ClassCHAOS
				b, err := q.Pack()
				require.NoError(t, err)
				return b
			},
			want: Question{Name: "version.bind", Qtype: dns.TypeTXT, Qclass: dns.ClassCHAOS},
		},
		{
			name: "truncated type and class",
			msg: func(t *testing.T) []byte {
				b := packQuery(t, "example.com.", dns.TypeA)
				return b[:len(b)-2]
			},
			wantErr: true,
		},
		{
			name: "bad label",
			msg: func(t *testing.T) []byte {
				b := packQuery(t, "example.com.", dns.TypeA)
				b[HeaderSize] = 60 // label longer than the message
				return b
			},
			wantErr: true,
		},
		{
			name: "no question",
			msg: func(t *testing.T) []byte {
				b, err := new(dns.Msg).Pack()
				require.NoError(t, err)
				return b
			},
			wantErr: true,
		},
		{
			name:    "short",
			msg:     func(t *testing.T) []byte { return []byte{1, 2, 3} },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractRequest(tt.msg(t))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDescribeAnswer(t *testing.T) {
	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)
	r := new(dns.Msg)
	r.SetReply(q)
	r.Answer = []dns.RR{&dns.A{
		Hdr: dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
		A:   net.IPv4(192, 0, 2, 1),
	}}
	b, err := r.Pack()
	require.NoError(t, err)

	s, err := DescribeAnswer(b)
	require.NoError(t, err)
	assert.Equal(t, "NOERROR A:192.0.2.1", s)

	_, err = DescribeAnswer(b[:5])
	assert.Error(t, err)
}

func TestQtypeToString(t *testing.T) {
	assert.Equal(t, "AAAA", QtypeToString(dns.TypeAAAA))
	assert.Equal(t, "65280", QtypeToString(65280))
	assert.Equal(t, "IN", QclassToString(dns.ClassINET))
}

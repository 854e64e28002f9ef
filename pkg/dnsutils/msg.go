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
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/miekg/dns"

	"github.com/dproxy-go/dproxy/pkg/pool"
)

const (
	// HeaderSize is the size of a DNS message header.
	HeaderSize = 12

	// MinQuerySize is the smallest datagram worth handling: a header
	// followed by at least one byte of question data.
	MinQuerySize = HeaderSize + 1
)

var (
	ErrInvalidDNSMsg = errors.New("invalid dns message")
	ErrNoQuestion    = errors.New("dns message has no question")
)

// HeaderInfo contains basic information from a DNS header.
type HeaderInfo struct {
	ID       uint16
	Response bool
	Opcode   int
	Rcode    int
	QDCount  uint16
	ANCount  uint16
}

// GetHeaderInfo parses the DNS header without allocations.
func GetHeaderInfo(msg []byte) (HeaderInfo, error) {
	if len(msg) < HeaderSize {
		return HeaderInfo{Rcode: -1}, ErrInvalidDNSMsg
	}
	return HeaderInfo{
		ID:       binary.BigEndian.Uint16(msg[0:2]),
		Response: msg[2]&0x80 != 0,
		Opcode:   int(msg[2]>>3) & 0xF,
		Rcode:    int(msg[3] & 0xF),
		QDCount:  binary.BigEndian.Uint16(msg[4:6]),
		ANCount:  binary.BigEndian.Uint16(msg[6:8]),
	}, nil
}

// GetID returns the transaction id of msg. msg must hold at least two bytes.
func GetID(msg []byte) uint16 {
	return binary.BigEndian.Uint16(msg[0:2])
}

// PatchID overwrites the transaction id of msg.
func PatchID(msg []byte, id uint16) {
	binary.BigEndian.PutUint16(msg[0:2], id)
}

// Question is the first question of a query.
type Question struct {
	Name   string // case preserved, without the trailing dot
	Qtype  uint16
	Qclass uint16
}

func (q Question) String() string {
	return fmt.Sprintf("%s %s %s", q.Name, QclassToString(q.Qclass), QtypeToString(q.Qtype))
}

// ExtractRequest decodes the first question of the raw query msg.
func ExtractRequest(msg []byte) (Question, error) {
	h, err := GetHeaderInfo(msg)
	if err != nil {
		return Question{}, err
	}
	if h.QDCount == 0 {
		return Question{}, ErrNoQuestion
	}

	name, off, err := dns.UnpackDomainName(msg, HeaderSize)
	if err != nil {
		return Question{}, fmt.Errorf("failed to unpack question name, %w", err)
	}
	if off+4 > len(msg) {
		return Question{}, ErrInvalidDNSMsg
	}

	if len(name) > 1 {
		name = strings.TrimSuffix(name, ".")
	}
	return Question{
		Name:   name,
		Qtype:  binary.BigEndian.Uint16(msg[off : off+2]),
		Qclass: binary.BigEndian.Uint16(msg[off+2 : off+4]),
	}, nil
}

// DescribeAnswer returns a one line summary of the answer section of the
// raw message msg.
func DescribeAnswer(msg []byte) (string, error) {
	m := pool.GetMsg()
	defer pool.ReleaseMsg(m)

	if err := m.Unpack(msg); err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString(dns.RcodeToString[m.Rcode])
	for _, rr := range m.Answer {
		sb.WriteString(" ")
		hdr := rr.Header()
		sb.WriteString(QtypeToString(hdr.Rrtype))
		sb.WriteString(":")
		sb.WriteString(strings.TrimPrefix(rr.String(), hdr.String()))
	}
	return sb.String(), nil
}

func QclassToString(u uint16) string {
	return uint16Conv(u, dns.ClassToString)
}

func QtypeToString(u uint16) string {
	return uint16Conv(u, dns.TypeToString)
}

func uint16Conv(u uint16, m map[uint16]string) string {
	if s, ok := m[u]; ok {
		return s
	}
	return strconv.Itoa(int(u))
}

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

// Package pool holds sync.Pool backed helpers shared by the server and the
// admin paths.
package pool

import (
	"sync"

	"github.com/miekg/dns"
)

var msgPool = sync.Pool{
	New: func() any {
		return new(dns.Msg)
	},
}

// GetMsg returns a zeroed *dns.Msg from the pool.
// The caller MUST call ReleaseMsg after use.
func GetMsg() *dns.Msg {
	return msgPool.Get().(*dns.Msg)
}

// ReleaseMsg zeroes m and returns it to the pool.
// After calling ReleaseMsg, the caller MUST NOT access the msg.
func ReleaseMsg(m *dns.Msg) {
	*m = dns.Msg{}
	msgPool.Put(m)
}

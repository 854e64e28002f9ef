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

// Package cache defines the dns answer cache used by the request pipeline.
package cache

import (
	"io"
	"time"

	"github.com/dproxy-go/dproxy/pkg/keyed_tree"
)

// Key identifies one cached answer by (host name, record type).
type Key = keyed_tree.Key

type Backend interface {
	// Lookup copies the answer stored under key into dst[:0] and returns it.
	// An entry whose expiry is before now is reported as a miss but is
	// not removed.
	// Params:
	//   now: Unix timestamp in SECONDS
	Lookup(key Key, now int64, dst []byte) (packet []byte, ok bool)

	// Store caches a raw DNS answer, replacing any previous one.
	// Params:
	//   packet: raw DNS wire format (will be copied by backend)
	//   expire: Unix timestamp in SECONDS
	Store(key Key, packet []byte, expire int64) error

	// Tidy physically removes entries that expired before now and
	// rebalances what remains.
	Tidy(now int64) TidyReport

	Len() int

	io.Closer
}

// TidyReport summarizes one Tidy pass.
type TidyReport struct {
	Before      int
	After       int
	Removed     int
	DepthBefore int
	DepthAfter  int
	Elapsed     time.Duration
}

// EntryInfo describes one cached entry without its payload.
type EntryInfo struct {
	Host   string `json:"host"`
	Type   uint16 `json:"type"`
	Expire int64  `json:"expire"`
	Size   int    `json:"size"`
	Answer string `json:"answer,omitempty"`
}

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

// Package keyed_tree implements an unbalanced binary search tree keyed by
// (host name, record type). Every node is owned by exactly one parent link.
// The tree is not safe for concurrent use.
package keyed_tree

import (
	"cmp"
	"errors"
	"strings"
)

const (
	// MaxNameSize is the maximum length of a host name key.
	MaxNameSize = 256

	// MaxPayloadSize is the maximum length of a stored payload.
	MaxPayloadSize = 65535
)

var (
	ErrNameTooLong     = errors.New("host name too long")
	ErrPayloadTooLarge = errors.New("payload too large")
)

// Key identifies a single entry.
type Key struct {
	Host string
	Type uint16
}

// Compare orders keys by host name bytes first, then by record type.
func (k Key) Compare(o Key) int {
	if c := strings.Compare(k.Host, o.Host); c != 0 {
		return c
	}
	return cmp.Compare(k.Type, o.Type)
}

// Entry is the payload of a tree node.
type Entry struct {
	Key     Key
	Payload []byte
	Expire  int64 // Unix second
}

type node struct {
	e           Entry
	left, right *node
}

type Tree struct {
	root *node
}

func New() *Tree {
	return new(Tree)
}

// Insert stores payload under key. An existing entry with an equal key is
// overwritten in place. payload is copied.
func (t *Tree) Insert(key Key, payload []byte, expire int64) error {
	if len(key.Host) > MaxNameSize {
		return ErrNameTooLong
	}
	if len(payload) > MaxPayloadSize {
		return ErrPayloadTooLarge
	}

	link := &t.root
	for *link != nil {
		n := *link
		switch c := key.Compare(n.e.Key); {
		case c > 0:
			link = &n.right
		case c < 0:
			link = &n.left
		default:
			// Reuse the old buffer when it is large enough.
			n.e.Payload = append(n.e.Payload[:0], payload...)
			n.e.Expire = expire
			return nil
		}
	}

	buf := make([]byte, len(payload))
	copy(buf, payload)
	*link = &node{e: Entry{Key: key, Payload: buf, Expire: expire}}
	return nil
}

// Search returns the entry stored under key. The returned entry is owned by
// the tree and must not be retained or modified by the caller.
func (t *Tree) Search(key Key) (*Entry, bool) {
	n := t.root
	for n != nil {
		switch c := key.Compare(n.e.Key); {
		case c == 0:
			return &n.e, true
		case c > 0:
			n = n.right
		default:
			n = n.left
		}
	}
	return nil, false
}

// Delete removes the entry stored under key and reports whether it existed.
func (t *Tree) Delete(key Key) bool {
	link := &t.root
	for *link != nil {
		n := *link
		switch c := key.Compare(n.e.Key); {
		case c > 0:
			link = &n.right
		case c < 0:
			link = &n.left
		default:
			removeNode(link)
			return true
		}
	}
	return false
}

// removeNode unlinks the node held by link.
// A node with two children takes over the entry of its in-order successor,
// and the successor (which has no left child) is spliced out instead.
func removeNode(link **node) {
	n := *link
	switch {
	case n.left == nil:
		*link = n.right
	case n.right == nil:
		*link = n.left
	default:
		succLink := &n.right
		for (*succLink).left != nil {
			succLink = &(*succLink).left
		}
		succ := *succLink
		n.e = succ.e
		*succLink = succ.right
		succ.right = nil
		return
	}
	n.left, n.right = nil, nil
}

// Prune removes every entry whose expiry is strictly below cutoff and
// returns the number of removed entries.
func (t *Tree) Prune(cutoff int64) int {
	return prune(&t.root, cutoff)
}

// prune works post-order so both child links are settled before the node
// owning them is evaluated.
func prune(link **node, cutoff int64) int {
	n := *link
	if n == nil {
		return 0
	}
	removed := prune(&n.left, cutoff) + prune(&n.right, cutoff)
	if n.e.Expire < cutoff {
		removeNode(link)
		removed++
	}
	return removed
}

// Rebuild returns a balanced copy of t. Entries are collected in key order
// and the median of each remaining range is inserted first, so the depth of
// the new tree is at most ceil(log2(n+1)). t is left untouched.
func (t *Tree) Rebuild() *Tree {
	sorted := make([]*Entry, 0, t.Count())
	t.Walk(func(e *Entry) bool {
		sorted = append(sorted, e)
		return true
	})

	nt := New()
	var insertRange func(lo, hi int)
	insertRange = func(lo, hi int) {
		if lo > hi {
			return
		}
		mid := lo + (hi-lo)/2
		e := sorted[mid]
		// Keys and payload sizes were validated when first inserted.
		_ = nt.Insert(e.Key, e.Payload, e.Expire)
		insertRange(lo, mid-1)
		insertRange(mid+1, hi)
	}
	insertRange(0, len(sorted)-1)
	return nt
}

// Destroy drops every node.
func (t *Tree) Destroy() {
	t.root = nil
}

// Walk visits entries in key order until f returns false.
func (t *Tree) Walk(f func(e *Entry) bool) {
	walk(t.root, f)
}

func walk(n *node, f func(e *Entry) bool) bool {
	if n == nil {
		return true
	}
	return walk(n.left, f) && f(&n.e) && walk(n.right, f)
}

func (t *Tree) Count() int {
	return count(t.root)
}

func count(n *node) int {
	if n == nil {
		return 0
	}
	return count(n.left) + count(n.right) + 1
}

// Depth returns the number of nodes on the longest root to leaf path.
func (t *Tree) Depth() int {
	return depth(t.root)
}

func depth(n *node) int {
	if n == nil {
		return 0
	}
	return max(depth(n.left), depth(n.right)) + 1
}

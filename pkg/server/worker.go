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

package server

import (
	"net"
	"sync"

	"github.com/miekg/dns"

	"github.com/dproxy-go/dproxy/pkg/upstream"
)

type workerState uint8

const (
	stateIdle workerState = iota
	stateAssigned
	stateProcessing
	stateStopped
)

func (s workerState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateAssigned:
		return "assigned"
	case stateProcessing:
		return "processing"
	case stateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// worker is a fixed slot that serves one query at a time.
// The dispatcher may only write the mailbox while holding m and seeing
// stateIdle. Everything else is private to the worker goroutine.
type worker struct {
	id int
	up upstream.Upstream

	m       sync.Mutex
	c       *sync.Cond
	state   workerState
	running bool

	// mailbox
	q         []byte
	from      net.Addr
	localAddr net.IP
	ifIndex   int

	buf []byte // reply buffer
}

func newWorker(id int, up upstream.Upstream) *worker {
	w := &worker{
		id:      id,
		up:      up,
		running: true,
		q:       make([]byte, 0, dns.MaxMsgSize),
		buf:     make([]byte, dns.MaxMsgSize),
	}
	w.c = sync.NewCond(&w.m)
	return w
}

func (w *worker) getState() workerState {
	w.m.Lock()
	defer w.m.Unlock()
	return w.state
}

// tryAssign copies the datagram into the mailbox and wakes the worker if
// it is idle.
func (w *worker) tryAssign(b []byte, from net.Addr, localAddr net.IP, ifIndex int) bool {
	w.m.Lock()
	defer w.m.Unlock()
	if !w.running || w.state != stateIdle {
		return false
	}
	w.q = append(w.q[:0], b...)
	w.from = from
	w.localAddr = localAddr
	w.ifIndex = ifIndex
	w.state = stateAssigned
	w.c.Signal()
	return true
}

// wait blocks until a query is assigned and reports false once the worker
// is told to stop.
func (w *worker) wait() bool {
	w.m.Lock()
	defer w.m.Unlock()
	for w.running && w.state != stateAssigned {
		w.c.Wait()
	}
	if !w.running {
		w.state = stateStopped
		return false
	}
	w.state = stateProcessing
	return true
}

func (w *worker) done() {
	w.m.Lock()
	w.state = stateIdle
	w.m.Unlock()
}

// stop clears the run flag. A worker that is processing a query exits
// after it is done.
func (w *worker) stop() {
	w.m.Lock()
	w.running = false
	w.c.Signal()
	w.m.Unlock()
}

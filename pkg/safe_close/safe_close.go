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

package safe_close

import "sync"

// SafeClose coordinates the shutdown of a service and its goroutines.
//
// The service goroutine waits on ReceiveCloseSignal and calls Done once its
// own cleanup is finished. Helper goroutines are started with Attach or Go.
// Any of them may call SendCloseSignal on a fatal error. CloseWait must not
// be called from inside the service, it would never return.
type SafeClose struct {
	m           sync.Mutex
	wg          sync.WaitGroup
	closeSignal chan struct{}
	done        chan struct{}
	doneOnce    sync.Once
	closeErr    error
}

func NewSafeClose() *SafeClose {
	return &SafeClose{
		closeSignal: make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// CloseWait sends a close signal and blocks until Done is called and every
// attached goroutine returned. It may be called more than once.
func (s *SafeClose) CloseWait() {
	s.SendCloseSignal(nil)
	s.wg.Wait()
	<-s.done
}

// SendCloseSignal closes the close signal channel. Only the first non-nil
// err is kept.
func (s *SafeClose) SendCloseSignal(err error) {
	s.m.Lock()
	defer s.m.Unlock()

	if err != nil && s.closeErr == nil {
		s.closeErr = err
	}
	select {
	case <-s.closeSignal:
	default:
		close(s.closeSignal)
	}
}

// Err returns the error that caused the close, if any.
func (s *SafeClose) Err() error {
	s.m.Lock()
	defer s.m.Unlock()
	return s.closeErr
}

func (s *SafeClose) ReceiveCloseSignal() <-chan struct{} {
	return s.closeSignal
}

// Closed reports whether the close signal was sent.
func (s *SafeClose) Closed() bool {
	select {
	case <-s.closeSignal:
		return true
	default:
		return false
	}
}

// Attach runs f in a new goroutine that CloseWait waits for.
// f must return, or call done, after closeSignal is closed.
// f does not run if s is already closed.
func (s *SafeClose) Attach(f func(done func(), closeSignal <-chan struct{})) {
	s.m.Lock()
	select {
	case <-s.closeSignal:
		s.m.Unlock()
		return
	default:
		s.wg.Add(1)
	}
	s.m.Unlock()

	go func() {
		f(s.wg.Done, s.closeSignal)
	}()
}

// Go is like Attach, but a non-nil error returned by f closes s with it.
func (s *SafeClose) Go(f func(closeSignal <-chan struct{}) error) {
	s.Attach(func(done func(), closeSignal <-chan struct{}) {
		defer done()
		if err := f(closeSignal); err != nil {
			s.SendCloseSignal(err)
		}
	})
}

// Done tells CloseWait that the service itself is finished.
// It may be called more than once.
func (s *SafeClose) Done() {
	s.doneOnce.Do(func() {
		close(s.done)
	})
}

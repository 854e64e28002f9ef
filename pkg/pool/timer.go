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

package pool

import (
	"sync"
	"time"
)

var timerPool = sync.Pool{}

// GetTimer returns a timer from the pool that fires after d.
func GetTimer(d time.Duration) *time.Timer {
	timer, ok := timerPool.Get().(*time.Timer)
	if !ok {
		return time.NewTimer(d)
	}
	ResetAndDrainTimer(timer, d)
	return timer
}

// ReleaseTimer stops the timer, drains its channel, and returns it to the pool.
func ReleaseTimer(timer *time.Timer) {
	if timer == nil {
		return
	}
	stopAndDrain(timer)
	timerPool.Put(timer)
}

// ResetAndDrainTimer stops the timer, drains the channel, and starts it again with new duration.
func ResetAndDrainTimer(timer *time.Timer, d time.Duration) {
	if timer == nil {
		return
	}
	stopAndDrain(timer)
	timer.Reset(d)
}

func stopAndDrain(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
}

// Sleep pauses for d or until done is closed, whichever happens first.
// It reports false if done was closed.
func Sleep(d time.Duration, done <-chan struct{}) bool {
	timer := GetTimer(d)
	defer ReleaseTimer(timer)
	select {
	case <-timer.C:
		return true
	case <-done:
		return false
	}
}

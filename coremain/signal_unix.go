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

//go:build unix

package coremain

import (
	"os"
	"os/signal"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

func notifySignals(c chan<- os.Signal) {
	signal.Notify(c, unix.SIGINT, unix.SIGTERM, unix.SIGUSR1, unix.SIGUSR2)
}

// handleSignal runs the admin operation bound to sig and reports whether
// sig asks the proxy to exit.
func (d *Dproxy) handleSignal(sig os.Signal) (exit bool) {
	switch sig {
	case unix.SIGUSR1:
		if err := d.PrintCache(os.Stdout); err != nil {
			d.logger.Warn("failed to print cache", zap.Error(err))
		}
	case unix.SIGUSR2:
		d.TidyCache(time.Now())
	default:
		return true
	}
	return false
}

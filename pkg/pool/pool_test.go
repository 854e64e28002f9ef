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
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
)

func TestSleep(t *testing.T) {
	start := time.Now()
	assert.True(t, Sleep(5*time.Millisecond, nil))
	assert.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)

	done := make(chan struct{})
	close(done)
	start = time.Now()
	assert.False(t, Sleep(time.Hour, done))
	assert.Less(t, time.Since(start), time.Second)
}

func TestMsgPool(t *testing.T) {
	m := GetMsg()
	m.SetQuestion("example.com.", dns.TypeA)
	ReleaseMsg(m)

	m = GetMsg()
	defer ReleaseMsg(m)
	assert.Empty(t, m.Question)
}

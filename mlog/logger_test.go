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

package mlog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger(t *testing.T) {
	_, err := NewLogger(&LogConfig{Level: "verbose"})
	assert.Error(t, err)

	lg, err := NewLogger(&LogConfig{})
	require.NoError(t, err)
	assert.True(t, lg.Core().Enabled(zapcore.InfoLevel))

	p := filepath.Join(t.TempDir(), "dproxy.log")
	lg, err = NewLogger(&LogConfig{Level: "warn", File: p, Production: true})
	require.NoError(t, err)
	lg.Info("hidden")
	lg.Warn("visible")
	require.NoError(t, lg.Sync())

	b, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.NotContains(t, string(b), "hidden")
	assert.Contains(t, string(b), `"msg":"visible"`)
}

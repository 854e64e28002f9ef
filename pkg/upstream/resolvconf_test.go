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

package upstream

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeResolvConf(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "resolv.conf")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestDiscoverSystemResolver(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
		wantErr error
	}{
		{
			name:    "first server",
			content: "nameserver 192.0.2.53\nnameserver 192.0.2.54\n",
			want:    "192.0.2.53:53",
		},
		{
			name:    "skip local stubs",
			content: "# generated\nnameserver 127.0.0.1\nnameserver 127.0.1.1\nnameserver localhost\nnameserver 198.51.100.1\n",
			want:    "198.51.100.1:53",
		},
		{
			name:    "ipv6",
			content: "search example.com\nnameserver 2001:db8::1\n",
			want:    "[2001:db8::1]:53",
		},
		{
			name:    "only stubs",
			content: "nameserver 127.0.0.1\n",
			wantErr: ErrNoSystemResolver,
		},
		{
			name:    "empty",
			content: "",
			wantErr: ErrNoSystemResolver,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DiscoverSystemResolver(writeResolvConf(t, tt.content))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDiscoverSystemResolver_MissingFile(t *testing.T) {
	_, err := DiscoverSystemResolver(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

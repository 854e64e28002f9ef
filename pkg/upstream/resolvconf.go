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
	"errors"
	"fmt"
	"net"

	"github.com/miekg/dns"
)

// DefaultResolvConf is where the system resolver is discovered from.
const DefaultResolvConf = "/etc/resolv.conf"

var ErrNoSystemResolver = errors.New("no usable nameserver found")

// Nameservers that point back at a local stub resolver, which may well be
// this proxy itself.
var loopbackNameservers = map[string]struct{}{
	"127.0.0.1": {},
	"127.0.1.1": {},
	"localhost": {},
}

// DiscoverSystemResolver returns the first nameserver listed in the
// resolv.conf file at path that is not a local stub, as "host:port".
func DiscoverSystemResolver(path string) (string, error) {
	if len(path) == 0 {
		path = DefaultResolvConf
	}
	cc, err := dns.ClientConfigFromFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s, %w", path, err)
	}

	port := cc.Port
	if len(port) == 0 {
		port = defaultPort
	}
	for _, s := range cc.Servers {
		if _, skip := loopbackNameservers[s]; skip {
			continue
		}
		return net.JoinHostPort(s, port), nil
	}
	return "", fmt.Errorf("%s: %w", path, ErrNoSystemResolver)
}

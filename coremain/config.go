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

package coremain

import (
	"fmt"
	"net"
	"net/netip"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go4.org/netipx"

	"github.com/dproxy-go/dproxy/mlog"
	"github.com/dproxy-go/dproxy/pkg/upstream"
)

const (
	defaultListen          = ":53"
	defaultWorkers         = 1
	defaultCacheTTL        = 3600 // sec
	defaultPurgeInterval   = 3600 // sec
	defaultUpstreamTimeout = 1000 // ms
)

type Config struct {
	Log      mlog.LogConfig `yaml:"log"`
	Server   ServerConfig   `yaml:"server"`
	Cache    CacheConfig    `yaml:"cache"`
	Upstream UpstreamConfig `yaml:"upstream"`
	API      APIConfig      `yaml:"api"`
}

type ServerConfig struct {
	// Listen is the udp "host:port" address queries are read from.
	Listen string `yaml:"listen" validate:"hostport"`

	// Workers is the number of worker slots. Each one owns an upstream socket.
	Workers int `yaml:"workers" validate:"min=1,max=1024"`

	// Deny lists client addresses or prefixes whose queries are dropped.
	Deny []string `yaml:"deny" validate:"dive,ip_or_prefix"`
}

type CacheConfig struct {
	Disabled bool `yaml:"disabled"`

	// TTL (sec) is how long a forwarded answer is served from the cache.
	TTL int `yaml:"ttl" validate:"min=1"`

	// PurgeInterval (sec) is the minimum time between two tidy passes.
	PurgeInterval int `yaml:"purge_interval" validate:"min=1"`
}

type UpstreamConfig struct {
	// Addr is the upstream "host:port". If empty, the first usable
	// nameserver in ResolvConf is used.
	Addr string `yaml:"addr" validate:"omitempty,upstream_addr"`

	// ReadTimeout (ms) bounds the wait for one upstream reply.
	ReadTimeout int `yaml:"read_timeout" validate:"min=1"`

	ResolvConf string `yaml:"resolv_conf"`
}

type APIConfig struct {
	HTTP string `yaml:"http" validate:"omitempty,hostport"`
}

// setDefaults fills zero values with defaults.
func (c *Config) setDefaults() {
	if len(c.Server.Listen) == 0 {
		c.Server.Listen = defaultListen
	}
	if c.Server.Workers == 0 {
		c.Server.Workers = defaultWorkers
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = defaultCacheTTL
	}
	if c.Cache.PurgeInterval == 0 {
		c.Cache.PurgeInterval = defaultPurgeInterval
	}
	if c.Upstream.ReadTimeout == 0 {
		c.Upstream.ReadTimeout = defaultUpstreamTimeout
	}
}

func (c *Config) cacheTTL() time.Duration {
	return time.Duration(c.Cache.TTL) * time.Second
}

func (c *Config) purgeInterval() time.Duration {
	return time.Duration(c.Cache.PurgeInterval) * time.Second
}

func (c *Config) upstreamTimeout() time.Duration {
	return time.Duration(c.Upstream.ReadTimeout) * time.Millisecond
}

var validate *validator.Validate

func init() {
	validate = validator.New()
	if err := validate.RegisterValidation("ip_or_prefix", validateIPOrPrefix); err != nil {
		panic(err)
	}
	if err := validate.RegisterValidation("upstream_addr", validateUpstreamAddr); err != nil {
		panic(err)
	}
	if err := validate.RegisterValidation("hostport", validateHostPort); err != nil {
		panic(err)
	}

	// Report fields by their yaml names.
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

func validateIPOrPrefix(fl validator.FieldLevel) bool {
	_, err := parseIPOrPrefix(fl.Field().String())
	return err == nil
}

func validateUpstreamAddr(fl validator.FieldLevel) bool {
	_, err := upstream.NormalizeAddr(fl.Field().String())
	return err == nil
}

// validateHostPort accepts "host:port" with an optional host.
func validateHostPort(fl validator.FieldLevel) bool {
	_, port, err := net.SplitHostPort(fl.Field().String())
	if err != nil {
		return false
	}
	_, err = strconv.ParseUint(port, 10, 16)
	return err == nil
}

func getValidationMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "min":
		return fmt.Sprintf("must be >= %s", e.Param())
	case "max":
		return fmt.Sprintf("must be <= %s", e.Param())
	case "hostport":
		return "must be in format 'host:port'"
	case "ip_or_prefix":
		return "must be an ip address or a cidr prefix"
	case "upstream_addr":
		return "must be 'host', 'host:port' or 'udp://host:port'"
	default:
		return fmt.Sprintf("validation failed: %s", e.Tag())
	}
}

// Validate checks c after defaults were applied.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	ves, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	msgs := make([]string, 0, len(ves))
	for _, fe := range ves {
		// Drop the root struct name.
		path := fe.Namespace()
		if i := strings.IndexByte(path, '.'); i >= 0 {
			path = path[i+1:]
		}
		msgs = append(msgs, fmt.Sprintf("%s: %s", path, getValidationMessage(fe)))
	}
	return fmt.Errorf("invalid config, %s", strings.Join(msgs, "; "))
}

func parseIPOrPrefix(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		return netip.ParsePrefix(s)
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// buildDenySet returns nil if no client is denied.
func buildDenySet(entries []string) (*netipx.IPSet, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	b := new(netipx.IPSetBuilder)
	for _, s := range entries {
		p, err := parseIPOrPrefix(s)
		if err != nil {
			return nil, fmt.Errorf("invalid deny entry %s, %w", s, err)
		}
		b.AddPrefix(p.Masked())
	}
	return b.IPSet()
}

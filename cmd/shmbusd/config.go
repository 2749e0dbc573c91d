/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

//go:build unix

package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/srediag/shmbus/adapter"
	"github.com/srediag/shmbus/pkg/broker"
	"github.com/srediag/shmbus/pkg/daemon"
	"github.com/srediag/shmbus/pkg/shm"
)

const envPrefix = "SHMBUS_"

// PoolConfig describes the shared-memory pool.
type PoolConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Regions    int    `yaml:"regions"`
	RegionSize int    `yaml:"region_size"`
}

// Config is the daemon configuration file. Environment variables named SHMBUS_<KEY> override
// it and flags override both.
type Config struct {
	Socket       string        `yaml:"socket"`
	SocketMode   string        `yaml:"socket_mode"`
	Admin        string        `yaml:"admin"`
	Workers      int           `yaml:"workers"`
	BlockedReads int           `yaml:"blocked_reads"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	MaxServerNameLen int           `yaml:"max_server_name_len"`
	ReapInterval     time.Duration `yaml:"reap_interval"`
	Pool             PoolConfig    `yaml:"pool"`

	AllowUIDs []uint32 `yaml:"allow_uids"`
	Audit     bool     `yaml:"audit"`
	LogLevel  int      `yaml:"log_level"`
}

func defaultConfig() *Config {
	bc, dc := broker.DefaultConfig(), daemon.DefaultConfig()
	return &Config{
		Socket:           dc.SocketPath,
		SocketMode:       fmt.Sprintf("%#o", dc.SocketMode.Perm()),
		Admin:            "127.0.0.1:9464",
		Workers:          dc.Workers,
		BlockedReads:     dc.BlockedReads,
		WriteTimeout:     dc.WriteTimeout,
		MaxServerNameLen: bc.MaxServerNameLen,
		ReapInterval:     bc.ReapInterval,
		Pool: PoolConfig{
			Name:       bc.PoolName,
			Type:       bc.MemMapType.String(),
			Regions:    bc.PoolRegions,
			RegionSize: bc.PoolRegionSize,
		},
		LogLevel: -1,
	}
}

// decode reads a YAML document over c. Unknown keys are rejected.
func (c *Config) decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// applyEnv overrides c from lookup, which is os.LookupEnv outside tests.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(envPrefix + key); ok {
			*dst = v
		}
	}
	var err error
	num := func(key string, dst *int) {
		if v, ok := lookup(envPrefix + key); ok && err == nil {
			var n int
			if n, err = strconv.Atoi(v); err != nil {
				err = fmt.Errorf("config: %s%s: %w", envPrefix, key, err)
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(envPrefix + key); ok && err == nil {
			var d time.Duration
			if d, err = time.ParseDuration(v); err != nil {
				err = fmt.Errorf("config: %s%s: %w", envPrefix, key, err)
				return
			}
			*dst = d
		}
	}

	str("SOCKET", &c.Socket)
	str("SOCKET_MODE", &c.SocketMode)
	str("ADMIN", &c.Admin)
	num("WORKERS", &c.Workers)
	num("BLOCKED_READS", &c.BlockedReads)
	dur("WRITE_TIMEOUT", &c.WriteTimeout)
	num("MAX_SERVER_NAME_LEN", &c.MaxServerNameLen)
	dur("REAP_INTERVAL", &c.ReapInterval)
	str("POOL_NAME", &c.Pool.Name)
	str("POOL_TYPE", &c.Pool.Type)
	num("POOL_REGIONS", &c.Pool.Regions)
	num("POOL_REGION_SIZE", &c.Pool.RegionSize)
	if v, ok := lookup(envPrefix + "ALLOW_UIDS"); ok && err == nil {
		c.AllowUIDs, err = parseUIDs(v)
	}
	return err
}

func parseUIDs(s string) ([]uint32, error) {
	var uids []uint32
	for _, f := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' }) {
		n, err := strconv.ParseUint(f, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("config: uid %q: %w", f, err)
		}
		uids = append(uids, uint32(n))
	}
	return uids, nil
}

// bindFlags registers c's fields on fs as defaults, so that parsing fs afterwards overrides
// only what was given.
func (c *Config) bindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Socket, "socket", c.Socket, "control socket path")
	fs.StringVar(&c.SocketMode, "socket-mode", c.SocketMode, "control socket file mode (octal)")
	fs.StringVar(&c.Admin, "admin", c.Admin, "admin HTTP listen address, empty to disable")
	fs.IntVar(&c.Workers, "workers", c.Workers, "verb worker goroutines")
	fs.IntVar(&c.BlockedReads, "blocked-reads", c.BlockedReads, "queued blocking reads per session")
	fs.DurationVar(&c.WriteTimeout, "write-timeout", c.WriteTimeout, "response write timeout")
	fs.IntVar(&c.MaxServerNameLen, "max-server-name-len", c.MaxServerNameLen, "longest server name")
	fs.DurationVar(&c.ReapInterval, "reap-interval", c.ReapInterval, "dead process scan interval, 0 to disable")
	fs.StringVar(&c.Pool.Name, "pool-name", c.Pool.Name, "pool segment name")
	fs.StringVar(&c.Pool.Type, "pool-type", c.Pool.Type, "pool backing: memfd or devshm")
	fs.IntVar(&c.Pool.Regions, "pool-regions", c.Pool.Regions, "number of sub-memory regions")
	fs.IntVar(&c.Pool.RegionSize, "pool-region-size", c.Pool.RegionSize, "region size in bytes, 0 for one page")
	fs.BoolVar(&c.Audit, "audit", c.Audit, "log entity lifecycle events")
	fs.IntVar(&c.LogLevel, "log-level", c.LogLevel, "log level 0-5, -1 keeps SHMBUS_LOG_LEVEL")
}

func (c *Config) brokerConfig() (*broker.Config, error) {
	typ, err := shm.ParseMemMapType(c.Pool.Type)
	if err != nil {
		return nil, err
	}
	bc := broker.DefaultConfig()
	bc.MaxServerNameLen = c.MaxServerNameLen
	bc.ReapInterval = c.ReapInterval
	bc.PoolName = c.Pool.Name
	bc.PoolRegions = c.Pool.Regions
	bc.PoolRegionSize = c.Pool.RegionSize
	bc.MemMapType = typ
	if c.Audit {
		bc.Audit = adapter.NewLogAudit(os.Stdout)
	}
	return bc, broker.VerifyConfig(bc)
}

func (c *Config) daemonConfig() (*daemon.Config, error) {
	mode, err := strconv.ParseUint(c.SocketMode, 8, 32)
	if err != nil {
		return nil, fmt.Errorf("config: socket mode %q: %w", c.SocketMode, err)
	}
	dc := daemon.DefaultConfig()
	dc.SocketPath = c.Socket
	dc.SocketMode = os.FileMode(mode).Perm()
	dc.Workers = c.Workers
	dc.BlockedReads = c.BlockedReads
	dc.WriteTimeout = c.WriteTimeout
	if len(c.AllowUIDs) > 0 {
		dc.Security = adapter.NewUIDAllowlist(c.AllowUIDs...)
	}
	return dc, daemon.VerifyConfig(dc)
}

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

package broker

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/metric"

	"github.com/srediag/shmbus/api"
	"github.com/srediag/shmbus/pkg/proto"
	"github.com/srediag/shmbus/pkg/shm"
)

const (
	defaultMaxServerNameLen = 64
	defaultMaxClients       = proto.MaxID + 1
	defaultMaxServers       = proto.MaxID + 1
	defaultPoolRegions      = 256
	defaultPoolName         = "shmbus"
	defaultReapInterval     = 5 * time.Second

	// maxPoolBytes bounds the memory of a fully leased pool.
	maxPoolBytes = 1 << 30
)

// Config is used to tune the broker.
type Config struct {
	// MaxServerNameLen bounds server names, in bytes.
	MaxServerNameLen int

	// MaxClients and MaxServers bound the id space of each entity kind, at most 65536.
	MaxClients int
	MaxServers int

	// PoolRegions is the number of sub-memory regions, PoolRegionSize the size of one
	// region (zero means one page).
	PoolRegions    int
	PoolRegionSize int

	// PoolName labels the backing segment.
	PoolName string

	// MemMapType selects the pool backing. Sessions can only map memfd or /dev/shm pools.
	MemMapType shm.MemMapType

	// ReapInterval is how often sessions whose process has exited are closed. Zero disables it.
	ReapInterval time.Duration

	// Registerer receives the broker's Prometheus collectors. Nil means a private registry.
	Registerer prometheus.Registerer

	// Meter receives the pool instruments. Nil means no-op.
	Meter metric.Meter

	// Audit receives entity lifecycle events. Nil disables auditing.
	Audit api.Audit
}

// DefaultConfig is used to return a default configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxServerNameLen: defaultMaxServerNameLen,
		MaxClients:       defaultMaxClients,
		MaxServers:       defaultMaxServers,
		PoolRegions:      defaultPoolRegions,
		PoolName:         defaultPoolName,
		MemMapType:       shm.MemMapTypeMemFd,
		ReapInterval:     defaultReapInterval,
	}
}

// VerifyConfig is used to verify the sanity of configuration.
func VerifyConfig(config *Config) error {
	if config == nil {
		return errors.New("nil config")
	}
	if config.MaxServerNameLen <= 0 || config.MaxServerNameLen > 4096 {
		return fmt.Errorf("MaxServerNameLen %d must be in [1, 4096]", config.MaxServerNameLen)
	}
	if config.MaxClients <= 0 || config.MaxClients > proto.MaxID+1 {
		return fmt.Errorf("MaxClients %d must be in [1, %d]", config.MaxClients, proto.MaxID+1)
	}
	if config.MaxServers <= 0 || config.MaxServers > proto.MaxID+1 {
		return fmt.Errorf("MaxServers %d must be in [1, %d]", config.MaxServers, proto.MaxID+1)
	}
	if config.PoolRegions <= 0 || config.PoolRegions > proto.MaxID+1 {
		return fmt.Errorf("PoolRegions %d must be in [1, %d]", config.PoolRegions, proto.MaxID+1)
	}
	if config.PoolRegionSize < 0 {
		return fmt.Errorf("PoolRegionSize %d must not be negative", config.PoolRegionSize)
	}
	if int64(config.PoolRegions)*int64(config.PoolRegionSize) > maxPoolBytes {
		return fmt.Errorf("pool of %d x %d bytes exceeds %d bytes", config.PoolRegions, config.PoolRegionSize, maxPoolBytes)
	}
	if config.PoolName == "" {
		return errors.New("PoolName must not be empty")
	}
	if config.ReapInterval < 0 {
		return fmt.Errorf("ReapInterval %s must not be negative", config.ReapInterval)
	}
	return nil
}

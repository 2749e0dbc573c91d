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

package daemon

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/srediag/shmbus/api"
	"github.com/srediag/shmbus/internal/logger"
)

var internalLogger = logger.New("daemon", os.Stdout)

const (
	defaultSocketPath   = "/run/shmbus/shmbus.sock"
	defaultSocketMode   = 0o660
	defaultBlockedReads = 16
	defaultWriteTimeout = 5 * time.Second
)

// Config is used to tune the socket server.
type Config struct {
	// SocketPath is where the Unix stream socket is created. A stale socket file is replaced.
	SocketPath string

	// SocketMode is applied to the socket file.
	SocketMode os.FileMode

	// Workers bounds the goroutines serving control verbs across all sessions.
	// Zero means four per CPU.
	Workers int

	// BlockedReads bounds the blocking READ_NOTIFICATION requests a session may queue.
	BlockedReads int

	// WriteTimeout bounds writing one response.
	WriteTimeout time.Duration

	// Security admits or refuses peers. Nil admits everyone.
	Security api.Security

	// Tracer receives one span per control verb. Nil uses the global provider.
	Tracer trace.Tracer
}

// DefaultConfig is used to return a default configuration.
func DefaultConfig() *Config {
	return &Config{
		SocketPath:   defaultSocketPath,
		SocketMode:   defaultSocketMode,
		Workers:      4 * runtime.NumCPU(),
		BlockedReads: defaultBlockedReads,
		WriteTimeout: defaultWriteTimeout,
	}
}

// VerifyConfig is used to verify the sanity of configuration.
func VerifyConfig(config *Config) error {
	if config == nil {
		return errors.New("nil config")
	}
	if config.SocketPath == "" {
		return errors.New("SocketPath must not be empty")
	}
	if config.Workers < 0 {
		return fmt.Errorf("Workers %d must not be negative", config.Workers)
	}
	if config.BlockedReads <= 0 {
		return fmt.Errorf("BlockedReads %d must be positive", config.BlockedReads)
	}
	if config.WriteTimeout <= 0 {
		return fmt.Errorf("WriteTimeout %s must be positive", config.WriteTimeout)
	}
	return nil
}

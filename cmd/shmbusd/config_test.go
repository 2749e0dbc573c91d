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
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/shmbus/pkg/shm"
)

func env(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaults(t *testing.T) {
	conf, err := loadConfig(nil, env(nil))
	require.NoError(t, err)

	bc, err := conf.brokerConfig()
	require.NoError(t, err)
	assert.Equal(t, shm.MemMapTypeMemFd, bc.MemMapType)

	dc, err := conf.daemonConfig()
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o660), dc.SocketMode)
	assert.Nil(t, dc.Security)
}

func TestPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shmbusd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
socket: /tmp/from-file.sock
workers: 3
write_timeout: 2s
pool:
  type: devshm
  regions: 32
allow_uids: [0, 1000]
`), 0o600))

	conf, err := loadConfig([]string{"-workers", "9", "-config", path}, env(map[string]string{
		"SHMBUS_SOCKET":       "/tmp/from-env.sock",
		"SHMBUS_POOL_REGIONS": "64",
	}))
	require.NoError(t, err)

	assert.Equal(t, "/tmp/from-env.sock", conf.Socket)
	assert.Equal(t, 9, conf.Workers)
	assert.Equal(t, 2*time.Second, conf.WriteTimeout)
	assert.Equal(t, "devshm", conf.Pool.Type)
	assert.Equal(t, 64, conf.Pool.Regions)
	assert.Equal(t, []uint32{0, 1000}, conf.AllowUIDs)

	dc, err := conf.daemonConfig()
	require.NoError(t, err)
	assert.NotNil(t, dc.Security)
}

func TestConfigFromEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.yaml")
	require.NoError(t, os.WriteFile(path, []byte("admin: \"\"\n"), 0o600))

	conf, err := loadConfig(nil, env(map[string]string{
		"SHMBUS_CONFIG":        path,
		"SHMBUS_REAP_INTERVAL": "0s",
		"SHMBUS_ALLOW_UIDS":    "5, 6",
	}))
	require.NoError(t, err)
	assert.Empty(t, conf.Admin)
	assert.Zero(t, conf.ReapInterval)
	assert.Equal(t, []uint32{5, 6}, conf.AllowUIDs)
}

func TestConfigErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sockett: x\n"), 0o600))
	_, err := loadConfig([]string{"--config=" + path}, env(nil))
	assert.Error(t, err)

	_, err = loadConfig(nil, env(map[string]string{"SHMBUS_WORKERS": "many"}))
	assert.Error(t, err)

	conf, err := loadConfig([]string{"-pool-type", "tape"}, env(nil))
	require.NoError(t, err)
	_, err = conf.brokerConfig()
	assert.Error(t, err)

	conf, err = loadConfig([]string{"-socket-mode", "rw"}, env(nil))
	require.NoError(t, err)
	_, err = conf.daemonConfig()
	assert.Error(t, err)
}

func TestConfigPath(t *testing.T) {
	assert.Equal(t, "a.yaml", configPath([]string{"-socket", "/x", "-config", "a.yaml"}))
	assert.Equal(t, "b.yaml", configPath([]string{"--config=b.yaml"}))
	assert.Empty(t, configPath([]string{"--", "-config", "c.yaml"}))
	assert.True(t, strings.HasPrefix(defaultConfig().SocketMode, "0"))
}

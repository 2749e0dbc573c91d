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
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/shmbus/pkg/broker"
	"github.com/srediag/shmbus/pkg/shm"
)

func heapBroker(t *testing.T) *broker.Broker {
	conf := broker.DefaultConfig()
	conf.PoolRegions = 2
	conf.PoolName = "daemon-test"
	conf.MemMapType = shm.MemMapTypeHeap
	conf.ReapInterval = 0
	b, err := broker.New(context.Background(), conf)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Shutdown(context.Background()) })
	return b
}

func get(t *testing.T, srv *httptest.Server, path string) (int, string) {
	resp, err := http.Get(srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestAdminHandler(t *testing.T) {
	b := heapBroker(t)
	srv := httptest.NewServer(AdminHandler(b, prometheus.NewRegistry()))
	defer srv.Close()

	p, err := b.Open(broker.Identity{Name: "admin"})
	require.NoError(t, err)
	s, err := b.CreateServer(p, "svc")
	require.NoError(t, err)
	c, err := b.CreateClient(p)
	require.NoError(t, err)
	_, err = b.Connect(c, s)
	require.NoError(t, err)

	code, _ := get(t, srv, "/live")
	assert.Equal(t, http.StatusOK, code)
	code, _ = get(t, srv, "/ready")
	assert.Equal(t, http.StatusOK, code)

	code, body := get(t, srv, "/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, strings.Contains(body, "shmbus_broker_connections 1"), body)

	code, body = get(t, srv, "/connections")
	assert.Equal(t, http.StatusOK, code)
	var snap struct {
		Stats       broker.Stats
		Connections []broker.ConnectionInfo
	}
	require.NoError(t, json.Unmarshal([]byte(body), &snap))
	assert.Equal(t, 1, snap.Stats.Connections)
	require.Len(t, snap.Connections, 1)
	assert.Equal(t, "svc", snap.Connections[0].Server)
	assert.Equal(t, c.ID(), snap.Connections[0].ClientID)
}

func TestAdminReadyFailsWhenPoolIsFull(t *testing.T) {
	b := heapBroker(t)
	srv := httptest.NewServer(AdminHandler(b, nil))
	defer srv.Close()

	p, err := b.Open(broker.Identity{Name: "full"})
	require.NoError(t, err)
	s, err := b.CreateServer(p, "svc")
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		c, err := b.CreateClient(p)
		require.NoError(t, err)
		_, err = b.Connect(c, s)
		require.NoError(t, err)
	}

	code, _ := get(t, srv, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	code, _ = get(t, srv, "/live")
	assert.Equal(t, http.StatusOK, code)
}

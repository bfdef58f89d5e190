// Copyright 2024 The Megaphone Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d71-dev/megaphone/pkg/agent"
	"github.com/d71-dev/megaphone/pkg/broker"
	"github.com/d71-dev/megaphone/pkg/protocol"
)

type mgmtFixture struct {
	srv   *httptest.Server
	reg   *agent.Registry
	brk   *broker.Broker
	pipes []string
}

func startMgmt(t *testing.T) *mgmtFixture {
	t.Helper()
	f := &mgmtFixture{}
	f.reg = agent.NewRegistry(time.Minute)
	require.NoError(t, f.reg.AddMaster("room", true))
	f.brk = broker.New(log.NewNopLogger(), f.reg, nil, nil)

	m := NewMgmt(log.NewNopLogger(), f.reg, f.brk, func(_ context.Context, name, target string) error {
		if !f.reg.Has(name) {
			return protocol.ErrNotFound("agent " + name)
		}
		f.pipes = append(f.pipes, name+"->"+target)
		return nil
	})
	f.srv = httptest.NewServer(m.Handler())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *mgmtFixture) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, raw
}

func TestAgentListAndAdd(t *testing.T) {
	f := startMgmt(t)
	_, err := f.brk.Create(0)
	require.NoError(t, err)

	resp, raw := f.do(t, http.MethodPost, "/vagent/add", `{"name":"room2"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, raw = f.do(t, http.MethodGet, "/vagent/list", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var agents []protocol.VirtualAgentInfo
	require.NoError(t, json.Unmarshal(raw, &agents))
	require.Len(t, agents, 2)

	assert.Equal(t, "room", agents[0].Name)
	assert.Equal(t, protocol.ModeMaster, agents[0].Mode)
	assert.False(t, agents[0].WarmingUp)
	assert.Equal(t, 1, agents[0].ChannelsCount)

	// Agents added at runtime start in the warm-up window.
	assert.Equal(t, "room2", agents[1].Name)
	assert.True(t, agents[1].WarmingUp)
	assert.Equal(t, 0, agents[1].ChannelsCount)

	resp, _ = f.do(t, http.MethodPost, "/vagent/add", `{"name":"room"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAgentPipe(t *testing.T) {
	f := startMgmt(t)

	resp, _ := f.do(t, http.MethodPost, "/vagent/pipe", `{"name":"room","target":"mgp-test-1:3001"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, []string{"room->mgp-test-1:3001"}, f.pipes)

	resp, _ = f.do(t, http.MethodPost, "/vagent/pipe", `{"name":"ghost","target":"mgp-test-1:3001"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/vagent/pipe", `{"name":"room"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestChannelListAndDispose(t *testing.T) {
	f := startMgmt(t)
	for i := 0; i < 3; i++ {
		_, err := f.brk.Create(0)
		require.NoError(t, err)
	}

	resp, raw := f.do(t, http.MethodGet, "/channel/list", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []protocol.ChannelInfo
	require.NoError(t, json.Unmarshal(raw, &list))
	require.Len(t, list, 3)
	assert.Equal(t, "room", list[0].Agent)

	resp, raw = f.do(t, http.MethodGet, "/channel/list?skip=1&limit=1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(raw, &list))
	assert.Len(t, list, 1)

	resp, _ = f.do(t, http.MethodGet, "/channel/list?limit=-2", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, raw = f.do(t, http.MethodGet, "/channel/list", "")
	require.NoError(t, json.Unmarshal(raw, &list))
	short := list[0].Channel

	resp, _ = f.do(t, http.MethodDelete, "/channel/"+short, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = f.do(t, http.MethodDelete, "/channel/"+short, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, raw = f.do(t, http.MethodGet, "/channel/list", "")
	require.NoError(t, json.Unmarshal(raw, &list))
	assert.Len(t, list, 2)
}

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
	"net"
	"net/http"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/d71-dev/megaphone/pkg/agent"
	"github.com/d71-dev/megaphone/pkg/broker"
	"github.com/d71-dev/megaphone/pkg/protocol"
)

// defaultChannelPageSize caps channel listings unless the caller asks for a
// different page.
const defaultChannelPageSize = 50

// PipeStarter opens a pipe for an agent towards a target node.
type PipeStarter func(ctx context.Context, agentName, target string) error

// Mgmt serves the node management API on a unix socket. It is consumed by
// the megactl CLI, typically through kubectl exec.
type Mgmt struct {
	logger log.Logger
	reg    *agent.Registry
	brk    *broker.Broker
	pipe   PipeStarter
	now    func() time.Time
}

// NewMgmt builds the management API.
func NewMgmt(logger log.Logger, reg *agent.Registry, brk *broker.Broker, pipe PipeStarter) *Mgmt {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Mgmt{logger: logger, reg: reg, brk: brk, pipe: pipe, now: time.Now}
}

// Handler returns the route table of the management API.
func (m *Mgmt) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /vagent/list", m.handleAgentList)
	mux.HandleFunc("POST /vagent/add", m.handleAgentAdd)
	mux.HandleFunc("POST /vagent/pipe", m.handleAgentPipe)
	mux.HandleFunc("GET /channel/list", m.handleChannelList)
	mux.HandleFunc("DELETE /channel/{channel}", m.handleChannelDispose)
	return mux
}

func (m *Mgmt) handleAgentList(w http.ResponseWriter, r *http.Request) {
	counts := m.brk.CountByAgent()
	now := m.now()
	agents := m.reg.List()
	out := make([]protocol.VirtualAgentInfo, 0, len(agents))
	for _, st := range agents {
		out = append(out, protocol.VirtualAgentInfo{
			Name:          st.Name,
			Mode:          st.Mode,
			WarmingUp:     st.WarmingUp,
			SinceSeconds:  int64(now.Sub(st.Since) / time.Second),
			ChannelsCount: counts[st.Name],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	writeJSON(w, http.StatusOK, out)
}

func (m *Mgmt) handleAgentAdd(w http.ResponseWriter, r *http.Request) {
	var req protocol.AddVirtualAgentRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, err)
		return
	}
	// Agents added at runtime go through the warm-up window so rollouts
	// shift load gradually.
	if err := m.reg.AddMaster(req.Name, false); err != nil {
		writeError(w, err)
		return
	}
	level.Info(m.logger).Log("msg", "virtual agent added", "agent", req.Name)
	writeJSON(w, http.StatusCreated, protocol.OK)
}

func (m *Mgmt) handleAgentPipe(w http.ResponseWriter, r *http.Request) {
	var req protocol.PipeVirtualAgentRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, err)
		return
	}
	if req.Name == "" || req.Target == "" {
		writeError(w, protocol.ErrBadRequest("name and target must not be empty"))
		return
	}
	if err := m.pipe(context.WithoutCancel(r.Context()), req.Name, req.Target); err != nil {
		writeError(w, err)
		return
	}
	level.Info(m.logger).Log("msg", "virtual agent piped", "agent", req.Name, "target", req.Target)
	writeJSON(w, http.StatusCreated, protocol.OK)
}

func (m *Mgmt) handleChannelList(w http.ResponseWriter, r *http.Request) {
	skip, err := queryInt(r, "skip", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	limit, err := queryInt(r, "limit", defaultChannelPageSize)
	if err != nil {
		writeError(w, err)
		return
	}
	out := m.brk.List(skip, limit)
	if out == nil {
		out = []protocol.ChannelInfo{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (m *Mgmt) handleChannelDispose(w http.ResponseWriter, r *http.Request) {
	short, err := protocol.ParseShortID(r.PathValue("channel"))
	if err != nil {
		writeError(w, err)
		return
	}
	if !m.brk.Dispose(short) {
		writeError(w, protocol.ErrNotFound("channel"))
		return
	}
	writeJSON(w, http.StatusOK, protocol.OK)
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, protocol.ErrBadRequest("query parameter %q must be a non-negative integer", key)
	}
	return n, nil
}

// ListenAndServe runs the management API on the unix socket at path until
// ctx is cancelled. A stale socket file from a previous run is replaced.
func (m *Mgmt) ListenAndServe(ctx context.Context, path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	lis, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: m.Handler()}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(lis) }()
	level.Info(m.logger).Log("msg", "management API listening", "socket", path)
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

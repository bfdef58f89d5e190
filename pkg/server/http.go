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

// Package server exposes the broker over HTTP: the public channel API on a
// TCP listener and the management API on a unix socket.
package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"slices"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/d71-dev/megaphone/pkg/broker"
	"github.com/d71-dev/megaphone/pkg/feature"
	"github.com/d71-dev/megaphone/pkg/protocol"
)

// maxBodyBytes bounds request bodies on the public API.
const maxBodyBytes = 4 << 20

// API serves the public channel endpoints.
type API struct {
	logger log.Logger
	brk    *broker.Broker
	poll   time.Duration
	gather prometheus.Gatherer
}

// NewAPI builds the public API. poll is the long-poll window of a read
// request.
func NewAPI(logger log.Logger, brk *broker.Broker, poll time.Duration, gather prometheus.Gatherer) *API {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &API{logger: logger, brk: brk, poll: poll, gather: gather}
}

// Handler returns the route table of the public API.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /create", a.handleCreate)
	mux.HandleFunc("GET /read/{channel}", a.handleRead)
	mux.HandleFunc("POST /write/{channel}/{stream}", a.handleWrite)
	mux.HandleFunc("POST /write-batch", a.handleWriteBatch)
	mux.HandleFunc("POST /channelsExists", a.handleChannelsExists)
	if a.gather != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(a.gather, promhttp.HandlerOpts{}))
	}
	return mux
}

func (a *API) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req protocol.ChannelCreateRequest
	if err := decodeBody(r, &req, true); err != nil {
		writeError(w, err)
		return
	}
	if len(req.Protocols) > 0 && !slices.Contains(req.Protocols, protocol.HTTPStreamNDJSONV1) {
		writeError(w, protocol.ErrBadRequest("no supported protocol in %v", req.Protocols))
		return
	}
	resp, err := a.brk.Create(feature.ChanChunkedStream)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) handleRead(w http.ResponseWriter, r *http.Request) {
	// Only the consumer address grants a drain; producer addresses are
	// rejected as unknown.
	lease, err := a.brk.AcquireRead(r.PathValue("channel"))
	if err != nil {
		writeError(w, err)
		return
	}
	defer lease.Release()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, protocol.ErrInternal("streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx, cancel := context.WithTimeout(r.Context(), a.poll)
	defer cancel()

	enc := json.NewEncoder(w)
	for {
		ev, ok := lease.Next(ctx)
		if !ok {
			return
		}
		if err := enc.Encode(ev); err != nil {
			// Consumer went away mid-stream; the lease release stamps
			// the read so the channel survives for a reconnect.
			return
		}
		flusher.Flush()
	}
}

func (a *API) handleWrite(w http.ResponseWriter, r *http.Request) {
	agentID, short, err := a.brk.Resolve(r.PathValue("channel"))
	if err != nil {
		writeError(w, err)
		return
	}
	body, err := readJSONBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := a.brk.Write(r.Context(), agentID, short, r.PathValue("stream"), body); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, protocol.OK)
}

func (a *API) handleWriteBatch(w http.ResponseWriter, r *http.Request) {
	var req protocol.WriteBatchRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, err)
		return
	}
	if len(req.Channels) == 0 || len(req.Messages) == 0 {
		writeError(w, protocol.ErrBadRequest("channels and messages must not be empty"))
		return
	}
	writeJSON(w, http.StatusCreated, a.brk.WriteBatch(r.Context(), req))
}

func (a *API) handleChannelsExists(w http.ResponseWriter, r *http.Request) {
	var req protocol.ChannelExistsRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.ChannelExistsResponse{Channels: a.brk.Exists(req.Channels)})
}

func decodeBody(r *http.Request, into any, optional bool) error {
	raw, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err != nil {
		return protocol.ErrBadRequest("read body: %v", err)
	}
	if len(raw) == 0 {
		if optional {
			return nil
		}
		return protocol.ErrBadRequest("empty body")
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return protocol.ErrBadRequest("malformed body: %v", err)
	}
	return nil
}

func readJSONBody(r *http.Request) (json.RawMessage, error) {
	raw, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err != nil {
		return nil, protocol.ErrBadRequest("read body: %v", err)
	}
	if !json.Valid(raw) {
		return nil, protocol.ErrBadRequest("body is not valid JSON")
	}
	return raw, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	pe := protocol.AsError(err)
	writeJSON(w, pe.HTTPStatus(), pe.Body())
}

// ListenAndServe runs the public API on addr until ctx is cancelled.
func (a *API) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: a.Handler()}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	level.Info(a.logger).Log("msg", "public API listening", "addr", addr)
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

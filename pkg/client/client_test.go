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

package client

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d71-dev/megaphone/pkg/protocol"
)

func TestDedupeRing(t *testing.T) {
	r := newDedupeRing(2)
	assert.False(t, r.observe("a"))
	assert.True(t, r.observe("a"))
	assert.False(t, r.observe("b"))
	// "a" is evicted by the third distinct ID.
	assert.False(t, r.observe("c"))
	assert.False(t, r.observe("a"))
	assert.True(t, r.observe("a"))
}

func TestCreateAndWrite(t *testing.T) {
	var gotCreate, gotWrite atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/create":
			gotCreate.Store(true)
			w.WriteHeader(http.StatusCreated)
			fmt.Fprint(w, `{"producerAddress":"room.prod","consumerAddress":"room.cons","protocols":["http-stream-ndjson-v1"]}`)
		case r.Method == http.MethodPost && r.URL.Path == "/write/room.prod/updates":
			gotWrite.Store(true)
			w.WriteHeader(http.StatusCreated)
			fmt.Fprint(w, `{"status":"ok"}`)
		default:
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"code":"NOT_FOUND","message":"channel"}`)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, log.NewNopLogger())
	created, err := c.Create(context.Background())
	require.NoError(t, err)
	assert.True(t, gotCreate.Load())
	assert.Equal(t, "room.cons", created.ConsumerAddress)

	require.NoError(t, c.Write(context.Background(), created.ProducerAddress, "updates", map[string]int{"n": 1}))
	assert.True(t, gotWrite.Load())

	err = c.Write(context.Background(), "room.other", "updates", map[string]int{"n": 1})
	require.Error(t, err)
	assert.True(t, protocol.IsKind(err, protocol.KindNotFound))
}

func TestStreamReconnectsAndDeduplicates(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/read/room.cons", r.URL.Path)
		w.Header().Set("Content-Type", "application/x-ndjson")
		switch polls.Add(1) {
		case 1:
			fmt.Fprintln(w, `{"sid":"updates","eid":"ev-1","ts":"2024-05-01T12:00:00Z","body":{"n":1}}`)
			fmt.Fprintln(w, `{"sid":"updates","eid":"ev-2","ts":"2024-05-01T12:00:01Z","body":{"n":2}}`)
		case 2:
			// The first event replays after the reconnect.
			fmt.Fprintln(w, `{"sid":"updates","eid":"ev-2","ts":"2024-05-01T12:00:01Z","body":{"n":2}}`)
			fmt.Fprintln(w, `{"sid":"updates","eid":"ev-3","ts":"2024-05-01T12:00:02Z","body":{"n":3}}`)
		default:
			// Empty poll window.
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := New(srv.URL, log.NewNopLogger())
	stream := c.Stream(ctx, "room.cons")

	var ids []string
	for len(ids) < 3 {
		select {
		case ev := <-stream:
			ids = append(ids, ev.EventID)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out, got %v", ids)
		}
	}
	assert.Equal(t, []string{"ev-1", "ev-2", "ev-3"}, ids)

	cancel()
	for range stream {
	}
}

func TestStreamSurvivesBusy(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if polls.Add(1) == 1 {
			w.WriteHeader(http.StatusConflict)
			fmt.Fprint(w, `{"code":"BUSY","message":"channel has an active consumer"}`)
			return
		}
		fmt.Fprintln(w, `{"sid":"updates","eid":"ev-1","ts":"2024-05-01T12:00:00Z","body":{}}`)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := New(srv.URL, log.NewNopLogger())
	stream := c.Stream(ctx, "room.cons")

	select {
	case ev := <-stream:
		assert.Equal(t, "ev-1", ev.EventID)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event after busy retry")
	}
}

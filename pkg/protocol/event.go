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

// Package protocol holds the wire-level vocabulary shared by the broker,
// the sync pipe, the management surface and the client: event payloads,
// channel ID encoding, error codes and the sync stream frames.
package protocol

import (
	"crypto/rand"
	"encoding/json"
	"time"
)

// HTTPStreamNDJSONV1 is the only consumer protocol currently spoken: a
// chunked HTTP response carrying one JSON event per line.
const HTTPStreamNDJSONV1 = "http-stream-ndjson-v1"

// eventIDLen is the length of the random receiver-side dedupe token.
const eventIDLen = 23

// Event is a single message routed through a channel.
type Event struct {
	StreamID  string          `json:"sid"`
	EventID   string          `json:"eid"`
	Timestamp time.Time       `json:"ts"`
	Body      json.RawMessage `json:"body"`
}

// NewEvent stamps a fresh event for the given stream with a random event ID
// used by receivers to deduplicate replays across reconnects.
func NewEvent(streamID string, body json.RawMessage) Event {
	return Event{
		StreamID:  streamID,
		EventID:   RandomToken(eventIDLen),
		Timestamp: time.Now().UTC(),
		Body:      body,
	}
}

const alphanumerics = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// RandomToken returns n random alphanumeric characters. Channel segments are
// bearer capabilities, so the source is crypto/rand.
func RandomToken(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms.
		panic(err)
	}
	for i, b := range buf {
		buf[i] = alphanumerics[int(b)%len(alphanumerics)]
	}
	return string(buf)
}

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

package protocol

import (
	"encoding/json"
	"time"
)

// Timestamp is the seconds/nanos split used on the sync stream.
type Timestamp struct {
	Seconds int64 `json:"seconds"`
	Nanos   int32 `json:"nanos"`
}

// NewTimestamp converts a time.Time into the wire representation.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Seconds: t.Unix(), Nanos: int32(t.Nanosecond())}
}

// Time converts the wire representation back into a time.Time.
func (ts Timestamp) Time() time.Time {
	return time.Unix(ts.Seconds, int64(ts.Nanos)).UTC()
}

// PipeAgentStart opens a pipe: it announces the piped agent and carries its
// channel cipher key so the target can resolve producer addresses minted by
// the origin.
type PipeAgentStart struct {
	Name string `json:"name"`
	Key  []byte `json:"key"`
}

// PipeAgentEnd closes a pipe cleanly. Frames after it are a protocol error.
type PipeAgentEnd struct {
	Name string `json:"name"`
}

// ChannelCreated replicates a channel onto the pipe target. The channel is
// identified by its owning agent and hex short ID; the consumer segment never
// crosses the pipe.
type ChannelCreated struct {
	Agent   string `json:"agent"`
	Channel string `json:"channel"`
}

// ChannelDisposed retracts a previously replicated channel.
type ChannelDisposed struct {
	Agent   string `json:"agent"`
	Channel string `json:"channel"`
}

// EventReceived forwards one event written on the origin into the replica of
// the channel on the target.
type EventReceived struct {
	Agent       string          `json:"agent"`
	Channel     string          `json:"channel"`
	Stream      string          `json:"stream"`
	Event       string          `json:"event"`
	Timestamp   Timestamp       `json:"timestamp"`
	JSONPayload json.RawMessage `json:"jsonPayload"`
}

// SyncRequest is a tagged union: exactly one field is set per frame.
type SyncRequest struct {
	PipeAgentStart  *PipeAgentStart  `json:"pipeAgentStart,omitempty"`
	PipeAgentEnd    *PipeAgentEnd    `json:"pipeAgentEnd,omitempty"`
	ChannelCreated  *ChannelCreated  `json:"channelCreated,omitempty"`
	ChannelDisposed *ChannelDisposed `json:"channelDisposed,omitempty"`
	EventReceived   *EventReceived   `json:"eventReceived,omitempty"`
}

// SyncReply acknowledges a completed stream.
type SyncReply struct {
	Message string `json:"message"`
}

// ChannelCreatedFrame wraps a ChannelCreated frame.
func ChannelCreatedFrame(agent string, short ShortID) SyncRequest {
	return SyncRequest{ChannelCreated: &ChannelCreated{Agent: agent, Channel: short.String()}}
}

// ChannelDisposedFrame wraps a ChannelDisposed frame.
func ChannelDisposedFrame(agent string, short ShortID) SyncRequest {
	return SyncRequest{ChannelDisposed: &ChannelDisposed{Agent: agent, Channel: short.String()}}
}

// EventFrame wraps a routed event into an EventReceived frame.
func EventFrame(agent string, short ShortID, ev Event) SyncRequest {
	return SyncRequest{EventReceived: &EventReceived{
		Agent:       agent,
		Channel:     short.String(),
		Stream:      ev.StreamID,
		Event:       ev.EventID,
		Timestamp:   NewTimestamp(ev.Timestamp),
		JSONPayload: ev.Body,
	}}
}

// Unframe converts an EventReceived frame back into an event.
func (er *EventReceived) Unframe() Event {
	return Event{
		StreamID:  er.Stream,
		EventID:   er.Event,
		Timestamp: er.Timestamp.Time(),
		Body:      er.JSONPayload,
	}
}

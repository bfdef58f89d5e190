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

import "encoding/json"

// Agent modes as reported by the management API.
const (
	ModeMaster  = "MASTER"
	ModeReplica = "REPLICA"
	ModePiped   = "PIPED"
)

// VirtualAgentInfo describes one virtual agent on a node.
type VirtualAgentInfo struct {
	Name          string `json:"name"`
	Mode          string `json:"mode"`
	WarmingUp     bool   `json:"warmingUp"`
	SinceSeconds  int64  `json:"sinceSeconds"`
	ChannelsCount int    `json:"channelsCount"`
}

// ChannelCreateRequest optionally narrows the consumer protocols the caller
// understands.
type ChannelCreateRequest struct {
	Protocols []string `json:"protocols"`
}

// ChannelCreateResponse is returned by the channel create endpoint. The
// consumer address is the read capability, the producer address the write
// capability; they are distinct secrets.
type ChannelCreateResponse struct {
	ChannelID       string   `json:"channelId"`
	AgentName       string   `json:"agentName"`
	ProducerAddress string   `json:"producerAddress"`
	ConsumerAddress string   `json:"consumerAddress"`
	Protocols       []string `json:"protocols"`
}

// ChannelExistsRequest asks whether channels are routable from this node.
type ChannelExistsRequest struct {
	Channels []string `json:"channels"`
}

// ChannelExistsResponse maps each requested channel ID to its presence.
type ChannelExistsResponse struct {
	Channels map[string]bool `json:"channels"`
}

// BatchMessage is one message of a batch write.
type BatchMessage struct {
	StreamID string          `json:"streamId"`
	Body     json.RawMessage `json:"body"`
}

// WriteBatchRequest fans the given messages out to all listed channels.
type WriteBatchRequest struct {
	Channels []string       `json:"channels"`
	Messages []BatchMessage `json:"messages"`
}

// MessageDeliveryFailure reports one message that a batch write could not
// deliver.
type MessageDeliveryFailure struct {
	Channel string `json:"channel"`
	Index   int    `json:"index"`
	Reason  string `json:"reason"`
}

// WriteBatchResponse summarizes a batch write.
type WriteBatchResponse struct {
	Failures []MessageDeliveryFailure `json:"failures"`
}

// ChannelInfo is the management view of one channel.
type ChannelInfo struct {
	Channel         string `json:"channel"`
	Agent           string `json:"agent"`
	LastReadSeconds int64  `json:"lastReadSeconds"`
	Buffered        int    `json:"buffered"`
}

// AddVirtualAgentRequest registers a new master agent on a node.
type AddVirtualAgentRequest struct {
	Name string `json:"name"`
}

// PipeVirtualAgentRequest starts piping an agent towards another node.
type PipeVirtualAgentRequest struct {
	Name   string `json:"name"`
	Target string `json:"target"`
}

// OKResponse is the uniform success envelope of the management API.
type OKResponse struct {
	Status string `json:"status"`
}

// OK is the canonical success response.
var OK = OKResponse{Status: "OK"}

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

// Package syncpipe implements both ends of the agent pipe: the gRPC receiver
// that replays an origin node's channels onto this node, and the forwarder
// that streams a local agent towards another node.
package syncpipe

import (
	"errors"
	"io"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/d71-dev/megaphone/pkg/agent"
	"github.com/d71-dev/megaphone/pkg/broker"
	"github.com/d71-dev/megaphone/pkg/protocol"
)

// Server receives inbound pipe streams and applies them to the local broker.
type Server struct {
	logger log.Logger
	reg    *agent.Registry
	brk    *broker.Broker
}

// NewServer wires the pipe receiver to the node state.
func NewServer(logger log.Logger, reg *agent.Registry, brk *broker.Broker) *Server {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Server{logger: logger, reg: reg, brk: brk}
}

// ForwardEvents consumes one pipe stream. An origin may pipe several agents
// over a single stream; frames that cannot be applied are logged and skipped
// so one bad frame never tears the pipe down. Every replica session opened by
// the stream is released when it ends, however it ends.
func (s *Server) ForwardEvents(stream protocol.SyncService_ForwardEventsServer) error {
	piped := make(map[string]bool)
	defer func() {
		for name := range piped {
			if err := s.reg.CloseReplicaSession(name); err != nil {
				level.Error(s.logger).Log("msg", "closing replica session failed", "agent", name, "err", err)
				continue
			}
			level.Info(s.logger).Log("msg", "pipe stream closed", "agent", name)
		}
	}()

	for {
		req, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return stream.SendAndClose(&protocol.SyncReply{Message: "OK"})
		}
		if err != nil {
			return err
		}
		s.apply(piped, req)
	}
}

func (s *Server) apply(piped map[string]bool, req *protocol.SyncRequest) {
	switch {
	case req.PipeAgentStart != nil:
		name := req.PipeAgentStart.Name
		switch {
		case piped[name]:
			level.Warn(s.logger).Log("msg", "agent already piped by this stream", "agent", name)
		case s.reg.Has(name):
			level.Warn(s.logger).Log("msg", "agent already registered on this node", "agent", name)
		default:
			if err := s.reg.OpenReplicaSession(name, req.PipeAgentStart.Key); err != nil {
				level.Error(s.logger).Log("msg", "opening replica session failed", "agent", name, "err", err)
				return
			}
			piped[name] = true
			level.Info(s.logger).Log("msg", "pipe stream opened", "agent", name)
		}
	case req.PipeAgentEnd != nil:
		name := req.PipeAgentEnd.Name
		if !piped[name] {
			level.Warn(s.logger).Log("msg", "agent not piped by this stream", "agent", name)
			return
		}
		delete(piped, name)
		if err := s.reg.CloseReplicaSession(name); err != nil {
			level.Error(s.logger).Log("msg", "closing replica session failed", "agent", name, "err", err)
		}
	case req.ChannelCreated != nil:
		short, err := protocol.ParseShortID(req.ChannelCreated.Channel)
		if err != nil {
			level.Warn(s.logger).Log("msg", "malformed channel-created frame", "err", err)
			return
		}
		s.brk.CreateReplica(req.ChannelCreated.Agent, short)
	case req.ChannelDisposed != nil:
		// Dispose frames are accepted but not acted on; the sweeper owns
		// replica teardown.
	case req.EventReceived != nil:
		short, err := protocol.ParseShortID(req.EventReceived.Channel)
		if err != nil {
			level.Warn(s.logger).Log("msg", "malformed event frame", "err", err)
			return
		}
		if err := s.brk.Inject(short, req.EventReceived.Unframe()); err != nil {
			level.Warn(s.logger).Log("msg", "piped event not delivered", "channel", short, "err", err)
		}
	default:
		level.Warn(s.logger).Log("msg", "empty pipe frame")
	}
}

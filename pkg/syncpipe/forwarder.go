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

package syncpipe

import (
	"context"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/d71-dev/megaphone/pkg/agent"
	"github.com/d71-dev/megaphone/pkg/broker"
	"github.com/d71-dev/megaphone/pkg/protocol"
)

// pipeBuffer bounds the frames queued towards one target. Writers never
// block on a slow pipe; frames beyond the buffer are dropped and counted by
// the broker.
const pipeBuffer = 256

// Forwarder streams one local agent towards a target node. It satisfies
// agent.Pipe.
type Forwarder struct {
	logger    log.Logger
	reg       *agent.Registry
	agentName string
	target    string

	conn   *grpc.ClientConn
	frames chan protocol.SyncRequest
	cancel context.CancelFunc
	done   chan struct{}
}

// StartPipe opens a pipe for agentName towards target. It announces the
// agent, replays its existing channels and registers itself so subsequent
// writes are mirrored. The pipe runs until Stop or a stream failure; either
// way the agent is demoted back to master once no pipes remain.
func StartPipe(ctx context.Context, logger log.Logger, reg *agent.Registry, brk *broker.Broker, agentName, target string, opts ...grpc.DialOption) (*Forwarder, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	key, err := reg.Key(agentName)
	if err != nil {
		return nil, err
	}
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, protocol.ErrInternal("pipe dial %s: %v", target, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	f := &Forwarder{
		logger:    logger,
		reg:       reg,
		agentName: agentName,
		target:    target,
		conn:      conn,
		frames:    make(chan protocol.SyncRequest, pipeBuffer),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	f.frames <- protocol.SyncRequest{PipeAgentStart: &protocol.PipeAgentStart{Name: agentName, Key: key}}
	if err := reg.RegisterPipe(agentName, f); err != nil {
		cancel()
		conn.Close()
		return nil, err
	}
	// Channels that already exist must reach the target before any of
	// their events do. Replaying after registration may duplicate creation
	// frames for brand new channels; the receiver treats those as no-ops.
	for _, short := range brk.ShortIDsByAgent(agentName) {
		f.frames <- protocol.ChannelCreatedFrame(agentName, short)
	}

	go f.run(ctx)
	return f, nil
}

// TryEnqueue offers a frame without blocking.
func (f *Forwarder) TryEnqueue(req protocol.SyncRequest) bool {
	select {
	case f.frames <- req:
		return true
	default:
		return false
	}
}

// Target returns the node this pipe streams to.
func (f *Forwarder) Target() string { return f.target }

// Stop ends the pipe gracefully and waits for the stream to close.
func (f *Forwarder) Stop() {
	select {
	case f.frames <- protocol.SyncRequest{PipeAgentEnd: &protocol.PipeAgentEnd{Name: f.agentName}}:
	default:
		// Saturated pipe, tear down hard.
		f.cancel()
	}
	<-f.done
}

func (f *Forwarder) run(ctx context.Context) {
	defer close(f.done)
	defer f.conn.Close()
	defer f.cancel()
	defer f.reg.UnregisterPipe(f.agentName, f)

	client := protocol.NewSyncServiceClient(f.conn)
	stream, err := client.ForwardEvents(ctx)
	if err != nil {
		level.Error(f.logger).Log("msg", "pipe stream open failed", "agent", f.agentName, "target", f.target, "err", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			if _, err := stream.CloseAndRecv(); err != nil {
				level.Warn(f.logger).Log("msg", "pipe close", "agent", f.agentName, "target", f.target, "err", err)
			}
			return
		case frame := <-f.frames:
			if err := stream.Send(&frame); err != nil {
				level.Error(f.logger).Log("msg", "pipe send failed", "agent", f.agentName, "target", f.target, "err", err)
				return
			}
			if frame.PipeAgentEnd != nil {
				if _, err := stream.CloseAndRecv(); err != nil {
					level.Warn(f.logger).Log("msg", "pipe close", "agent", f.agentName, "target", f.target, "err", err)
				}
				level.Info(f.logger).Log("msg", "pipe ended", "agent", f.agentName, "target", f.target)
				return
			}
		}
	}
}

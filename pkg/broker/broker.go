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

// Package broker owns the channel table of a node: creation, event routing,
// consumer drains and idle collection.
package broker

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/d71-dev/megaphone/pkg/agent"
	"github.com/d71-dev/megaphone/pkg/feature"
	"github.com/d71-dev/megaphone/pkg/protocol"
)

const (
	// channelTTL is how long an unread channel survives before the sweeper
	// collects it. Channels of distributed agents are exempt.
	channelTTL = 60 * time.Second
	// writeTimeout bounds a blocking write on a full channel.
	writeTimeout = 10 * time.Second
	// sweepInterval is how often idle channels are collected.
	sweepInterval = 15 * time.Second
)

// Broker routes events into buffered channels and hands exclusive drains to
// consumers.
type Broker struct {
	logger     log.Logger
	reg        *agent.Registry
	hooks      *Notifier
	metrics    *metrics
	now        func() time.Time
	newSegment func() string

	mtx      sync.RWMutex
	channels map[protocol.ShortID]*channel
}

// New returns a broker for the agents in reg. Webhook endpoints are notified
// when channels are disposed.
func New(logger log.Logger, reg *agent.Registry, hooks *Notifier, promReg prometheus.Registerer) *Broker {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Broker{
		logger:     logger,
		reg:        reg,
		hooks:      hooks,
		metrics:    newMetrics(promReg),
		now:        time.Now,
		newSegment: protocol.NewConsumerSegment,
		channels:   make(map[protocol.ShortID]*channel),
	}
}

func (b *Broker) load(short protocol.ShortID) (*channel, bool) {
	b.mtx.RLock()
	defer b.mtx.RUnlock()
	ch, ok := b.channels[short]
	return ch, ok
}

// Create allocates a channel on a random settled master agent and returns
// both capability addresses.
func (b *Broker) Create(features feature.Set) (protocol.ChannelCreateResponse, error) {
	agentID, err := b.reg.RandomMasterID()
	if err != nil {
		return protocol.ChannelCreateResponse{}, err
	}

	b.mtx.Lock()
	segment := b.newSegment()
	short := protocol.ShortIDFromSegment(segment)
	// Re-roll until the short ID is free of collisions.
	for _, taken := b.channels[short]; taken; _, taken = b.channels[short] {
		segment = b.newSegment()
		short = protocol.ShortIDFromSegment(segment)
	}
	consumer := protocol.BuildFullID(agentID, segment, features)
	b.channels[short] = newChannel(agentID, consumer, short, b.now())
	b.mtx.Unlock()

	sealed, err := b.reg.SealChannelID(agentID, short)
	if err != nil {
		b.mtx.Lock()
		delete(b.channels, short)
		b.mtx.Unlock()
		return protocol.ChannelCreateResponse{}, err
	}

	b.metrics.channelCreated.Inc()
	level.Debug(b.logger).Log("msg", "channel created", "agent", agentID, "channel", short)

	return protocol.ChannelCreateResponse{
		ChannelID:       short.String(),
		AgentName:       agentID,
		ConsumerAddress: consumer,
		ProducerAddress: protocol.BuildFullID(agentID, sealed, features),
		Protocols:       []string{protocol.HTTPStreamNDJSONV1},
	}, nil
}

// CreateReplica materializes a channel replicated over a pipe. It is keyed by
// the short ID announced on the stream and is idempotent.
func (b *Broker) CreateReplica(agentID string, short protocol.ShortID) {
	b.mtx.Lock()
	_, exists := b.channels[short]
	if !exists {
		b.channels[short] = newChannel(agentID, "", short, b.now())
	}
	b.mtx.Unlock()
	if !exists {
		b.metrics.channelCreated.Inc()
	}
}

// Resolve parses a full channel ID into its agent and short ID, unsealing
// producer segments with the agent key.
func (b *Broker) Resolve(fullID string) (string, protocol.ShortID, error) {
	parsed, err := protocol.SplitFullID(fullID)
	if err != nil {
		return "", protocol.ShortID{}, err
	}
	if !parsed.Sealed {
		return parsed.Agent, parsed.ShortID(), nil
	}
	short, err := b.reg.UnsealChannelID(parsed.Agent, parsed.Segment)
	if err != nil {
		return "", protocol.ShortID{}, err
	}
	return parsed.Agent, short, nil
}

// Write routes one event body into the channel. On channels of distributed
// agents the write never blocks and is mirrored onto every pipe; otherwise it
// blocks up to the write timeout when the buffer is full.
func (b *Broker) Write(ctx context.Context, agentID string, short protocol.ShortID, streamID string, body json.RawMessage) error {
	ch, ok := b.load(short)
	if !ok {
		b.metrics.messagesUnroutable.Inc()
		return protocol.ErrNotFound("channel")
	}
	ev := protocol.NewEvent(streamID, body)

	if b.reg.IsDistributed(agentID) {
		frame := protocol.EventFrame(agentID, short, ev)
		for _, p := range b.reg.Pipes(agentID) {
			if !p.TryEnqueue(frame) {
				level.Warn(b.logger).Log("msg", "pipe saturated, event not forwarded", "agent", agentID, "target", p.Target())
				b.metrics.messagesLost.Inc()
			}
		}
		dropped, err := ch.forceWrite(ev, b.now())
		if dropped > 0 {
			b.metrics.messagesLost.Add(float64(dropped))
		}
		if err != nil {
			return err
		}
	} else if err := ch.write(ctx, ev, writeTimeout); err != nil {
		return err
	}
	b.metrics.messagesReceived.Inc()
	return nil
}

// Inject delivers an event received over a pipe into the local replica of the
// channel. It never blocks and never forwards further.
func (b *Broker) Inject(short protocol.ShortID, ev protocol.Event) error {
	ch, ok := b.load(short)
	if !ok {
		b.metrics.messagesUnroutable.Inc()
		return protocol.ErrNotFound("channel")
	}
	dropped, err := ch.forceWrite(ev, b.now())
	if dropped > 0 {
		b.metrics.messagesLost.Add(float64(dropped))
	}
	if err != nil {
		return err
	}
	b.metrics.messagesReceived.Inc()
	return nil
}

// WriteBatch fans messages out to all listed channels: channels in parallel,
// messages per channel in order. After a timeout on a channel its remaining
// messages are reported skipped.
func (b *Broker) WriteBatch(ctx context.Context, req protocol.WriteBatchRequest) protocol.WriteBatchResponse {
	failures := make([][]protocol.MessageDeliveryFailure, len(req.Channels))

	var wg sync.WaitGroup
	for i, fullID := range req.Channels {
		wg.Add(1)
		go func(i int, fullID string) {
			defer wg.Done()
			agentID, short, err := b.Resolve(fullID)
			if err != nil {
				for idx := range req.Messages {
					failures[i] = append(failures[i], failure(fullID, idx, err))
				}
				return
			}
			skipping := false
			for idx, msg := range req.Messages {
				if skipping {
					failures[i] = append(failures[i], failure(fullID, idx, protocol.ErrSkipped()))
					continue
				}
				if err := b.Write(ctx, agentID, short, msg.StreamID, msg.Body); err != nil {
					failures[i] = append(failures[i], failure(fullID, idx, err))
					if protocol.IsKind(err, protocol.KindTimeout) {
						skipping = true
					}
				}
			}
		}(i, fullID)
	}
	wg.Wait()

	var resp protocol.WriteBatchResponse
	for _, fs := range failures {
		resp.Failures = append(resp.Failures, fs...)
	}
	return resp
}

func failure(channel string, index int, err error) protocol.MessageDeliveryFailure {
	return protocol.MessageDeliveryFailure{
		Channel: channel,
		Index:   index,
		Reason:  protocol.AsError(err).Code(),
	}
}

// Lease is an exclusive consumer drain of one channel.
type Lease struct {
	b     *Broker
	inner *lease
}

// Next returns the next event, waiting until ctx expires.
func (l *Lease) Next(ctx context.Context) (protocol.Event, bool) {
	ev, ok := l.inner.Next(ctx)
	if ok {
		l.b.metrics.messagesRead.Inc()
	}
	return ev, ok
}

// Release stamps the read and frees the channel.
func (l *Lease) Release() {
	l.inner.Release()
}

// Acquire takes the exclusive drain of a channel, failing with Busy when
// another consumer holds it.
func (b *Broker) Acquire(short protocol.ShortID) (*Lease, error) {
	ch, ok := b.load(short)
	if !ok {
		return nil, protocol.ErrNotFound("channel")
	}
	inner, err := ch.tryAcquire(b.now)
	if err != nil {
		return nil, err
	}
	return &Lease{b: b, inner: inner}, nil
}

// AcquireRead resolves a consumer address and takes the exclusive drain.
// Only the address the channel was created with grants a read: sealed
// producer segments never parse under the consumer rule and a mismatched
// full ID is treated as absent.
func (b *Broker) AcquireRead(fullID string) (*Lease, error) {
	parsed, err := protocol.SplitFullID(fullID)
	if err != nil {
		return nil, err
	}
	if parsed.Sealed {
		return nil, protocol.ErrNotFound("channel")
	}
	ch, ok := b.load(parsed.ShortID())
	if !ok {
		return nil, protocol.ErrNotFound("channel")
	}
	if ch.fullID != "" && ch.fullID != fullID {
		return nil, protocol.ErrNotFound("channel")
	}
	inner, err := ch.tryAcquire(b.now)
	if err != nil {
		return nil, err
	}
	return &Lease{b: b, inner: inner}, nil
}

// Exists reports channel presence for each given full ID. Unparseable IDs
// report false.
func (b *Broker) Exists(fullIDs []string) map[string]bool {
	out := make(map[string]bool, len(fullIDs))
	for _, fullID := range fullIDs {
		_, short, err := b.Resolve(fullID)
		if err != nil {
			out[fullID] = false
			continue
		}
		_, ok := b.load(short)
		out[fullID] = ok
	}
	return out
}

// Dispose drops a channel immediately.
func (b *Broker) Dispose(short protocol.ShortID) bool {
	b.mtx.Lock()
	ch, ok := b.channels[short]
	if ok {
		delete(b.channels, short)
	}
	b.mtx.Unlock()
	if !ok {
		return false
	}
	b.collect(ch)
	return true
}

func (b *Broker) collect(ch *channel) {
	b.metrics.channelDisposed.Inc()
	b.metrics.channelDuration.Observe(b.now().Sub(ch.createdAt).Seconds())
	if n := ch.buffered(); n > 0 {
		b.metrics.messagesLost.Add(float64(n))
	}
}

func (b *Broker) snapshot() []*channel {
	b.mtx.RLock()
	defer b.mtx.RUnlock()
	out := make([]*channel, 0, len(b.channels))
	for _, ch := range b.channels {
		out = append(out, ch)
	}
	return out
}

// ShortIDsByAgent lists the channels of one agent, used to replay creation
// frames when a pipe opens.
func (b *Broker) ShortIDsByAgent(agentID string) []protocol.ShortID {
	var out []protocol.ShortID
	for _, ch := range b.snapshot() {
		if ch.agent == agentID {
			out = append(out, ch.short)
		}
	}
	return out
}

// CountByAgent tallies channels per agent.
func (b *Broker) CountByAgent() map[string]int {
	out := make(map[string]int)
	for _, ch := range b.snapshot() {
		out[ch.agent]++
	}
	return out
}

// List pages through the channel table in stable short ID order.
func (b *Broker) List(skip, limit int) []protocol.ChannelInfo {
	now := b.now()
	channels := b.snapshot()
	all := make([]protocol.ChannelInfo, 0, len(channels))
	for _, ch := range channels {
		all = append(all, protocol.ChannelInfo{
			Channel:         ch.short.String(),
			Agent:           ch.agent,
			LastReadSeconds: int64(now.Sub(ch.lastReadAt()) / time.Second),
			Buffered:        ch.buffered(),
		})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Channel < all[j].Channel })
	if skip >= len(all) {
		return nil
	}
	all = all[skip:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all
}

// SweepIdle collects channels that have not been read within the TTL, except
// channels whose agent is distributed. The channel IDs removed by one sweep
// are reported to the webhook endpoints in a single batch. It returns how
// many were collected.
func (b *Broker) SweepIdle() int {
	var disposed []string
	now := b.now()
	for _, ch := range b.snapshot() {
		if b.reg.IsDistributed(ch.agent) {
			continue
		}
		idle, free := ch.idleFor(now)
		if !free || idle <= channelTTL {
			continue
		}
		if b.Dispose(ch.short) {
			disposed = append(disposed, ch.id())
		}
	}
	if len(disposed) > 0 {
		level.Info(b.logger).Log("msg", "idle channels collected", "count", len(disposed))
		b.hooks.channelsDisposed(disposed)
	}
	return len(disposed)
}

// RunSweeper collects idle channels periodically until ctx is cancelled.
func (b *Broker) RunSweeper(ctx context.Context) error {
	tick := time.NewTicker(sweepInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			b.SweepIdle()
		}
	}
}

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

package broker

import (
	"context"
	"sync"
	"time"

	"github.com/d71-dev/megaphone/pkg/protocol"
)

// bufferSize is how many unread events a channel holds before force writes
// start evicting.
const bufferSize = 100

// eventTTL is the maximum age a buffered event survives a force write.
const eventTTL = 60 * time.Second

// channel is one buffered event channel. Two independent locks guard it: rxMu
// is held by the active consumer for the whole long-poll, tsMu guards the
// last-read stamp. The sweeper try-locks tsMu, so a channel that is being
// drained right now is never collected.
type channel struct {
	agent string
	short protocol.ShortID
	// fullID is the consumer address the channel was created with; empty on
	// replicas, whose consumer segment never crossed the pipe.
	fullID    string
	createdAt time.Time

	events chan protocol.Event

	rxMu sync.Mutex
	tsMu sync.Mutex
	// lastRead is guarded by tsMu.
	lastRead time.Time
}

func newChannel(agent, fullID string, short protocol.ShortID, now time.Time) *channel {
	return &channel{
		agent:     agent,
		short:     short,
		fullID:    fullID,
		createdAt: now,
		events:    make(chan protocol.Event, bufferSize),
		lastRead:  now,
	}
}

// id returns the consumer address when known, the short ID hex otherwise.
func (c *channel) id() string {
	if c.fullID != "" {
		return c.fullID
	}
	return c.short.String()
}

// write blocks until the event fits in the buffer or the timeout elapses.
func (c *channel) write(ctx context.Context, ev protocol.Event, timeout time.Duration) error {
	select {
	case c.events <- ev:
		return nil
	default:
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case c.events <- ev:
		return nil
	case <-ctx.Done():
		return protocol.ErrInternal("write aborted: %v", ctx.Err())
	case <-t.C:
		return protocol.ErrTimeout(int(timeout / time.Second))
	}
}

// forceWrite admits ev without ever blocking. When the buffer is full it
// drains it under the consumer lock, discards the oldest event plus every
// event older than eventTTL, then refills with the survivors followed by ev.
// It returns how many buffered events were discarded.
func (c *channel) forceWrite(ev protocol.Event, now time.Time) (int, error) {
	select {
	case c.events <- ev:
		return 0, nil
	default:
	}
	if !c.rxMu.TryLock() {
		return 0, protocol.ErrInternal("channel consumer holds the buffer")
	}
	defer c.rxMu.Unlock()

	cutoff := now.Add(-eventTTL)
	survivors := make([]protocol.Event, 0, bufferSize)
	dropped := 0
	skippedOldest := false
drain:
	for {
		select {
		case old := <-c.events:
			if !skippedOldest {
				// The oldest event always goes so at least one slot frees up.
				skippedOldest = true
				dropped++
				continue
			}
			if old.Timestamp.Before(cutoff) {
				dropped++
				continue
			}
			survivors = append(survivors, old)
		default:
			break drain
		}
	}
	for _, s := range append(survivors, ev) {
		select {
		case c.events <- s:
		default:
			// A concurrent producer stole the freed slot; the displaced
			// survivor is lost.
			dropped++
		}
	}
	return dropped, nil
}

// lease is an exclusive drain of a channel. It is created by tryAcquire and
// must be released exactly once.
type lease struct {
	ch  *channel
	now func() time.Time
}

// tryAcquire takes both channel locks without blocking. A failure on either
// means another consumer holds the channel.
func (c *channel) tryAcquire(now func() time.Time) (*lease, error) {
	if !c.rxMu.TryLock() {
		return nil, protocol.ErrBusy("channel has an active consumer")
	}
	if !c.tsMu.TryLock() {
		c.rxMu.Unlock()
		return nil, protocol.ErrBusy("channel has an active consumer")
	}
	return &lease{ch: c, now: now}, nil
}

// Next returns the next buffered event, waiting until ctx expires when the
// buffer is empty. The boolean is false when the poll window closed without
// an event.
func (l *lease) Next(ctx context.Context) (protocol.Event, bool) {
	select {
	case ev := <-l.ch.events:
		return ev, true
	default:
	}
	select {
	case ev := <-l.ch.events:
		return ev, true
	case <-ctx.Done():
		return protocol.Event{}, false
	}
}

// Release stamps the read and frees the channel for the next consumer.
func (l *lease) Release() {
	l.ch.lastRead = l.now()
	l.ch.tsMu.Unlock()
	l.ch.rxMu.Unlock()
}

// idleFor reports how long ago the channel was last drained. The second
// return is false when a consumer currently holds the channel.
func (c *channel) idleFor(now time.Time) (time.Duration, bool) {
	if !c.tsMu.TryLock() {
		return 0, false
	}
	defer c.tsMu.Unlock()
	return now.Sub(c.lastRead), true
}

func (c *channel) lastReadAt() time.Time {
	c.tsMu.Lock()
	defer c.tsMu.Unlock()
	return c.lastRead
}

func (c *channel) buffered() int {
	return len(c.events)
}

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

// Package client is the Go consumer and producer client of the public
// channel API.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-cleanhttp"

	"github.com/d71-dev/megaphone/pkg/protocol"
)

const (
	// dedupeWindow is how many recent event IDs a stream remembers across
	// reconnects.
	dedupeWindow = 256
	// reconnectBackoff is the pause after a failed or refused read before
	// the stream is reopened.
	reconnectBackoff = time.Second
)

// Client talks to one megaphone node.
type Client struct {
	baseURL string
	httpc   *http.Client
	logger  log.Logger
}

// New returns a client for the node at baseURL.
func New(baseURL string, logger log.Logger) *Client {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   cleanhttp.DefaultPooledClient(),
		logger:  logger,
	}
}

// Create allocates a new channel, optionally narrowing the consumer
// protocols the caller understands.
func (c *Client) Create(ctx context.Context, protocols ...string) (protocol.ChannelCreateResponse, error) {
	var out protocol.ChannelCreateResponse
	body, err := json.Marshal(protocol.ChannelCreateRequest{Protocols: protocols})
	if err != nil {
		return out, err
	}
	err = c.postJSON(ctx, "/create", body, &out)
	return out, err
}

// Write publishes one event body on the channel's stream.
func (c *Client) Write(ctx context.Context, producerAddress, stream string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.postJSON(ctx, fmt.Sprintf("/write/%s/%s", producerAddress, stream), body, nil)
}

// WriteBatch fans messages out to several channels.
func (c *Client) WriteBatch(ctx context.Context, req protocol.WriteBatchRequest) (protocol.WriteBatchResponse, error) {
	var out protocol.WriteBatchResponse
	body, err := json.Marshal(req)
	if err != nil {
		return out, err
	}
	err = c.postJSON(ctx, "/write-batch", body, &out)
	return out, err
}

// Exists checks which of the given channels are routable on the node.
func (c *Client) Exists(ctx context.Context, channelIDs []string) (map[string]bool, error) {
	var out protocol.ChannelExistsResponse
	body, err := json.Marshal(protocol.ChannelExistsRequest{Channels: channelIDs})
	if err != nil {
		return nil, err
	}
	if err := c.postJSON(ctx, "/channelsExists", body, &out); err != nil {
		return nil, err
	}
	return out.Channels, nil
}

// Stream consumes the channel until ctx is cancelled, transparently
// reconnecting the long poll and dropping events replayed across
// reconnects. The returned channel is closed when ctx ends.
func (c *Client) Stream(ctx context.Context, consumerAddress string) <-chan protocol.Event {
	out := make(chan protocol.Event)
	go func() {
		defer close(out)
		ring := newDedupeRing(dedupeWindow)
		for ctx.Err() == nil {
			if err := c.readOnce(ctx, consumerAddress, ring, out); err != nil && ctx.Err() == nil {
				level.Debug(c.logger).Log("msg", "read reconnect", "channel", consumerAddress, "err", err)
				select {
				case <-ctx.Done():
				case <-time.After(reconnectBackoff):
				}
			}
		}
	}()
	return out
}

func (c *Client) readOnce(ctx context.Context, consumerAddress string, ring *dedupeRing, out chan<- protocol.Event) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/read/"+consumerAddress, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if len(bytes.TrimSpace(scanner.Bytes())) == 0 {
			continue
		}
		var ev protocol.Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			return fmt.Errorf("malformed event line: %w", err)
		}
		if ring.observe(ev.EventID) {
			continue
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return scanner.Err()
}

func (c *Client) postJSON(ctx context.Context, path string, body []byte, into any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if into == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(into)
}

func decodeError(resp *http.Response) error {
	var body protocol.ErrorBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Code == "" {
		return protocol.ErrInternal("unexpected status %d", resp.StatusCode)
	}
	for kind, code := range map[protocol.Kind]string{
		protocol.KindNotFound:   "NOT_FOUND",
		protocol.KindBusy:       "BUSY",
		protocol.KindBadRequest: "BAD_REQUEST",
		protocol.KindTimeout:    "TIMEOUT",
		protocol.KindSkipped:    "SKIPPED",
	} {
		if body.Code == code {
			return &protocol.Error{Kind: kind, Message: body.Message}
		}
	}
	return &protocol.Error{Kind: protocol.KindInternal, Message: body.Message}
}

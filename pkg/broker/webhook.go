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
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-cleanhttp"

	"github.com/d71-dev/megaphone/pkg/config"
)

const hookTimeout = 5 * time.Second

// hookPayload is the body POSTed to on-channel-deleted endpoints.
type hookPayload struct {
	Channels []string `json:"channels"`
}

// Notifier fans channel deletions out to the configured webhook endpoints.
// Deliveries are fire and forget: failures are logged and never retried.
type Notifier struct {
	logger log.Logger
	client *http.Client
	hooks  map[string]config.WebhookConfig
}

// NewNotifier builds the webhook fan-out. A nil return is a valid no-op
// notifier.
func NewNotifier(logger log.Logger, hooks map[string]config.WebhookConfig) *Notifier {
	if len(hooks) == 0 {
		return nil
	}
	client := cleanhttp.DefaultPooledClient()
	client.Timeout = hookTimeout
	return &Notifier{logger: logger, client: client, hooks: hooks}
}

// channelsDisposed delivers the channel IDs removed by one sweep as a single
// batched payload per endpoint.
func (n *Notifier) channelsDisposed(channels []string) {
	if n == nil || len(channels) == 0 {
		return
	}
	body, err := json.Marshal(hookPayload{Channels: channels})
	if err != nil {
		return
	}
	for name, hook := range n.hooks {
		if hook.Hook != config.HookOnChannelDeleted {
			continue
		}
		go n.post(name, hook.Endpoint, body)
	}
}

func (n *Notifier) post(name, endpoint string, body []byte) {
	resp, err := n.client.Post(endpoint, "application/json", bytes.NewReader(body))
	if err != nil {
		level.Warn(n.logger).Log("msg", "webhook delivery failed", "webhook", name, "endpoint", endpoint, "err", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		level.Warn(n.logger).Log("msg", "webhook delivery rejected", "webhook", name, "endpoint", endpoint, "status", resp.StatusCode)
	}
}

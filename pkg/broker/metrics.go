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
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	channelCreated     prometheus.Counter
	channelDisposed    prometheus.Counter
	channelDuration    prometheus.Histogram
	messagesReceived   prometheus.Counter
	messagesRead       prometheus.Counter
	messagesUnroutable prometheus.Counter
	messagesLost       prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		channelCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "megaphone_channel_created",
			Help: "Total number of channels created on this node.",
		}),
		channelDisposed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "megaphone_channel_disposed",
			Help: "Total number of channels disposed on this node.",
		}),
		channelDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "megaphone_channel_duration",
			Help: "Lifetime of disposed channels in seconds.",
			// Channels typically live minutes to hours.
			Buckets: prometheus.ExponentialBuckets(80, 2, 9),
		}),
		messagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "megaphone_messages_received",
			Help: "Total number of messages accepted for delivery.",
		}),
		messagesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "megaphone_messages_read",
			Help: "Total number of messages handed to consumers.",
		}),
		messagesUnroutable: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "megaphone_messages_unroutable",
			Help: "Total number of messages addressed to unknown channels.",
		}),
		messagesLost: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "megaphone_messages_lost",
			Help: "Total number of buffered messages evicted before being read.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.channelCreated, m.channelDisposed, m.channelDuration,
			m.messagesReceived, m.messagesRead, m.messagesUnroutable, m.messagesLost,
		)
	}
	return m
}

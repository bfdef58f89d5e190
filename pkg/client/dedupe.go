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

package client

// dedupeRing remembers the last capacity event IDs seen. Reconnecting after
// a broken read can replay events the server buffered but the client already
// consumed; the ring filters those.
type dedupeRing struct {
	seen  map[string]struct{}
	order []string
	next  int
}

func newDedupeRing(capacity int) *dedupeRing {
	return &dedupeRing{
		seen:  make(map[string]struct{}, capacity),
		order: make([]string, capacity),
	}
}

// observe records the ID and reports whether it was already known.
func (r *dedupeRing) observe(id string) bool {
	if _, ok := r.seen[id]; ok {
		return true
	}
	if old := r.order[r.next]; old != "" {
		delete(r.seen, old)
	}
	r.order[r.next] = id
	r.next = (r.next + 1) % len(r.order)
	r.seen[id] = struct{}{}
	return false
}

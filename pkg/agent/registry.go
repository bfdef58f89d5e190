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

// Package agent tracks the virtual agents hosted by a node and their mode
// transitions between master, replica and piped.
package agent

import (
	"bytes"
	"crypto/rand"
	"math/big"
	"regexp"
	"sync"
	"time"

	"github.com/d71-dev/megaphone/pkg/protocol"
)

// nameRe restricts agent names so they cannot collide with the dotted channel
// ID grammar.
var nameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Pipe is the forwarding side of an active outbound pipe. TryEnqueue must not
// block; a false return means the pipe cannot keep up and the frame is lost
// to it.
type Pipe interface {
	TryEnqueue(protocol.SyncRequest) bool
	Target() string
}

type mode int

const (
	modeMaster mode = iota
	modeReplica
	modePiped
)

func (m mode) String() string {
	switch m {
	case modeReplica:
		return protocol.ModeReplica
	case modePiped:
		return protocol.ModePiped
	default:
		return protocol.ModeMaster
	}
}

type virtualAgent struct {
	mode mode
	// since is when the agent entered its current mode.
	since time.Time
	// warmUntil bounds the warm-up window; zero for settled agents.
	warmUntil time.Time
	key       []byte

	// sessions counts open inbound pipe streams while mode is replica.
	sessions int
	// pipes holds the outbound pipes while mode is piped.
	pipes []Pipe
}

// Status is a point-in-time snapshot of one agent.
type Status struct {
	Name      string
	Mode      string
	WarmingUp bool
	Since     time.Time
}

// Registry owns the virtual agents of a node.
type Registry struct {
	warmUp time.Duration
	now    func() time.Time

	mtx    sync.RWMutex
	agents map[string]*virtualAgent
}

// NewRegistry returns an empty registry whose fresh agents warm up for the
// given duration.
func NewRegistry(warmUp time.Duration) *Registry {
	return &Registry{
		warmUp: warmUp,
		now:    time.Now,
		agents: make(map[string]*virtualAgent),
	}
}

func newKey() []byte {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		panic(err)
	}
	return key
}

// AddMaster registers a new master agent. A warmed-up agent skips the warm-up
// window; agents added at runtime must pass warmedUp false so traffic shifts
// to them only once their node is stable.
func (r *Registry) AddMaster(name string, warmedUp bool) error {
	if !nameRe.MatchString(name) {
		return protocol.ErrBadRequest("invalid agent name %q", name)
	}
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if _, ok := r.agents[name]; ok {
		return protocol.ErrBadRequest("agent %q already exists", name)
	}
	now := r.now()
	va := &virtualAgent{mode: modeMaster, since: now, key: newKey()}
	if !warmedUp {
		va.warmUntil = now.Add(r.warmUp)
	}
	r.agents[name] = va
	return nil
}

// RandomMasterID picks a random settled master agent for channel placement.
func (r *Registry) RandomMasterID() (string, error) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	now := r.now()
	var eligible []string
	for name, va := range r.agents {
		if va.mode == modeMaster && !va.warmUntil.After(now) {
			eligible = append(eligible, name)
		}
	}
	if len(eligible) == 0 {
		return "", protocol.ErrInternal("no agent is accepting channels")
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(eligible))))
	if err != nil {
		return "", protocol.ErrInternal("agent selection: %v", err)
	}
	return eligible[n.Int64()], nil
}

// Key returns the channel cipher key of the agent.
func (r *Registry) Key(name string) ([]byte, error) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	va, ok := r.agents[name]
	if !ok {
		return nil, protocol.ErrNotFound("agent " + name)
	}
	return va.key, nil
}

// Has reports whether the agent exists on this node.
func (r *Registry) Has(name string) bool {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	_, ok := r.agents[name]
	return ok
}

// IsDistributed reports whether events routed through the agent also flow to
// other nodes, either because it is piped away or because it replicates an
// origin.
func (r *Registry) IsDistributed(name string) bool {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	va, ok := r.agents[name]
	return ok && va.mode != modeMaster
}

// OpenReplicaSession accepts one inbound pipe stream for the agent. The first
// session creates the replica with the origin's cipher key; later sessions
// must present the same key.
func (r *Registry) OpenReplicaSession(name string, key []byte) error {
	if !nameRe.MatchString(name) {
		return protocol.ErrBadRequest("invalid agent name %q", name)
	}
	r.mtx.Lock()
	defer r.mtx.Unlock()
	va, ok := r.agents[name]
	if !ok {
		r.agents[name] = &virtualAgent{
			mode:     modeReplica,
			since:    r.now(),
			key:      append([]byte(nil), key...),
			sessions: 1,
		}
		return nil
	}
	if va.mode != modeReplica {
		return protocol.ErrBadRequest("agent %q is %s, not a replica", name, va.mode)
	}
	if !bytes.Equal(va.key, key) {
		return protocol.ErrBadRequest("agent %q: cipher key mismatch", name)
	}
	va.sessions++
	return nil
}

// CloseReplicaSession releases one inbound pipe stream. The replica is
// dropped when its last session ends; its channels stay behind until the
// sweeper collects them.
func (r *Registry) CloseReplicaSession(name string) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	va, ok := r.agents[name]
	if !ok {
		return protocol.ErrNotFound("agent " + name)
	}
	if va.mode != modeReplica {
		return protocol.ErrBadRequest("agent %q is %s, not a replica", name, va.mode)
	}
	va.sessions--
	if va.sessions <= 0 {
		delete(r.agents, name)
	}
	return nil
}

// RegisterPipe attaches an outbound pipe to the agent, switching a master
// into piped mode. Replicas cannot be piped onward.
func (r *Registry) RegisterPipe(name string, p Pipe) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	va, ok := r.agents[name]
	if !ok {
		return protocol.ErrNotFound("agent " + name)
	}
	switch va.mode {
	case modeReplica:
		return protocol.ErrBadRequest("agent %q is a replica and cannot be piped", name)
	case modeMaster:
		va.mode = modePiped
		va.since = r.now()
	}
	va.pipes = append(va.pipes, p)
	return nil
}

// UnregisterPipe detaches a pipe. Removing the last pipe downgrades the agent
// back to master and restamps its mode change.
func (r *Registry) UnregisterPipe(name string, p Pipe) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	va, ok := r.agents[name]
	if !ok || va.mode != modePiped {
		return
	}
	for i, q := range va.pipes {
		if q == p {
			va.pipes = append(va.pipes[:i], va.pipes[i+1:]...)
			break
		}
	}
	if len(va.pipes) == 0 {
		va.mode = modeMaster
		va.since = r.now()
		va.pipes = nil
	}
}

// Pipes returns the active outbound pipes of the agent.
func (r *Registry) Pipes(name string) []Pipe {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	va, ok := r.agents[name]
	if !ok || va.mode != modePiped {
		return nil
	}
	return append([]Pipe(nil), va.pipes...)
}

// List snapshots all agents sorted by nothing in particular; callers sort.
func (r *Registry) List() []Status {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	now := r.now()
	out := make([]Status, 0, len(r.agents))
	for name, va := range r.agents {
		out = append(out, Status{
			Name:      name,
			Mode:      va.mode.String(),
			WarmingUp: va.warmUntil.After(now),
			Since:     va.since,
		})
	}
	return out
}

// SealChannelID mints a producer segment for the short ID under the agent's
// key.
func (r *Registry) SealChannelID(name string, short protocol.ShortID) (string, error) {
	key, err := r.Key(name)
	if err != nil {
		return "", err
	}
	return protocol.SealShortID(key, short)
}

// UnsealChannelID resolves a producer segment back to the short ID.
func (r *Registry) UnsealChannelID(name, segment string) (protocol.ShortID, error) {
	key, err := r.Key(name)
	if err != nil {
		return protocol.ShortID{}, err
	}
	return protocol.UnsealShortID(key, segment)
}

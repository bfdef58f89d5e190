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

package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d71-dev/megaphone/pkg/protocol"
)

type fakePipe struct {
	target string
	frames []protocol.SyncRequest
	full   bool
}

func (p *fakePipe) TryEnqueue(req protocol.SyncRequest) bool {
	if p.full {
		return false
	}
	p.frames = append(p.frames, req)
	return true
}

func (p *fakePipe) Target() string { return p.target }

func testRegistry(t *testing.T, warmUp time.Duration) (*Registry, *time.Time) {
	t.Helper()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	r := NewRegistry(warmUp)
	r.now = func() time.Time { return now }
	return r, &now
}

func TestAddMasterValidation(t *testing.T) {
	r, _ := testRegistry(t, time.Minute)
	require.NoError(t, r.AddMaster("room_0", true))

	for name, agent := range map[string]string{
		"duplicate":  "room_0",
		"empty":      "",
		"dotted":     "a.b",
		"whitespace": "room 0",
	} {
		t.Run(name, func(t *testing.T) {
			err := r.AddMaster(agent, true)
			require.Error(t, err)
			assert.True(t, protocol.IsKind(err, protocol.KindBadRequest))
		})
	}
}

func TestWarmUpWindow(t *testing.T) {
	r, now := testRegistry(t, time.Minute)
	require.NoError(t, r.AddMaster("fresh", false))

	// No settled agent yet, channel placement must fail.
	_, err := r.RandomMasterID()
	require.Error(t, err)
	list := r.List()
	require.Len(t, list, 1)
	assert.True(t, list[0].WarmingUp)

	*now = now.Add(61 * time.Second)
	id, err := r.RandomMasterID()
	require.NoError(t, err)
	assert.Equal(t, "fresh", id)
	assert.False(t, r.List()[0].WarmingUp)
}

func TestRandomMasterSkipsPipedAndReplica(t *testing.T) {
	r, _ := testRegistry(t, 0)
	require.NoError(t, r.AddMaster("piped", true))
	require.NoError(t, r.AddMaster("master", true))
	require.NoError(t, r.OpenReplicaSession("replica", []byte("k")))
	require.NoError(t, r.RegisterPipe("piped", &fakePipe{target: "other:3001"}))

	for i := 0; i < 20; i++ {
		id, err := r.RandomMasterID()
		require.NoError(t, err)
		assert.Equal(t, "master", id)
	}
}

func TestReplicaSessions(t *testing.T) {
	r, _ := testRegistry(t, time.Minute)
	key := []byte("0123456789abcdef0123456789abcdef")

	require.NoError(t, r.OpenReplicaSession("room", key))
	assert.True(t, r.IsDistributed("room"))
	gotKey, err := r.Key("room")
	require.NoError(t, err)
	assert.Equal(t, key, gotKey)

	// Additional sessions need the same key.
	require.NoError(t, r.OpenReplicaSession("room", key))
	err = r.OpenReplicaSession("room", []byte("different-key"))
	require.Error(t, err)
	assert.True(t, protocol.IsKind(err, protocol.KindBadRequest))

	// Replicas never take further pipes.
	err = r.RegisterPipe("room", &fakePipe{})
	require.Error(t, err)
	assert.True(t, protocol.IsKind(err, protocol.KindBadRequest))

	require.NoError(t, r.CloseReplicaSession("room"))
	assert.True(t, r.Has("room"))
	require.NoError(t, r.CloseReplicaSession("room"))
	assert.False(t, r.Has("room"))

	// Closing a session that does not exist is an error, not a no-op.
	err = r.CloseReplicaSession("room")
	require.Error(t, err)
	assert.True(t, protocol.IsKind(err, protocol.KindNotFound))
}

func TestCloseReplicaSessionOnMasterRejected(t *testing.T) {
	r, _ := testRegistry(t, time.Minute)
	require.NoError(t, r.AddMaster("room", true))
	err := r.CloseReplicaSession("room")
	require.Error(t, err)
	assert.True(t, protocol.IsKind(err, protocol.KindBadRequest))
	assert.True(t, r.Has("room"))
}

func TestReplicaSessionOnMasterRejected(t *testing.T) {
	r, _ := testRegistry(t, time.Minute)
	require.NoError(t, r.AddMaster("room", true))
	err := r.OpenReplicaSession("room", []byte("k"))
	require.Error(t, err)
	assert.True(t, protocol.IsKind(err, protocol.KindBadRequest))
}

func TestPipeLifecycle(t *testing.T) {
	r, now := testRegistry(t, time.Minute)
	require.NoError(t, r.AddMaster("room", true))
	createdAt := *now

	p1 := &fakePipe{target: "node-a:3001"}
	p2 := &fakePipe{target: "node-b:3001"}

	*now = now.Add(10 * time.Second)
	require.NoError(t, r.RegisterPipe("room", p1))
	require.NoError(t, r.RegisterPipe("room", p2))

	assert.True(t, r.IsDistributed("room"))
	assert.Len(t, r.Pipes("room"), 2)
	st := r.List()[0]
	assert.Equal(t, protocol.ModePiped, st.Mode)
	assert.Equal(t, createdAt.Add(10*time.Second), st.Since)

	r.UnregisterPipe("room", p1)
	assert.Len(t, r.Pipes("room"), 1)
	assert.True(t, r.IsDistributed("room"))

	// Dropping the last pipe demotes the agent back to master with a
	// fresh mode change stamp.
	*now = now.Add(10 * time.Second)
	r.UnregisterPipe("room", p2)
	assert.False(t, r.IsDistributed("room"))
	assert.Empty(t, r.Pipes("room"))
	st = r.List()[0]
	assert.Equal(t, protocol.ModeMaster, st.Mode)
	assert.Equal(t, createdAt.Add(20*time.Second), st.Since)
}

func TestRegisterPipeUnknownAgent(t *testing.T) {
	r, _ := testRegistry(t, time.Minute)
	err := r.RegisterPipe("ghost", &fakePipe{})
	require.Error(t, err)
	assert.True(t, protocol.IsKind(err, protocol.KindNotFound))
}

func TestSealUnsealChannelID(t *testing.T) {
	r, _ := testRegistry(t, time.Minute)
	require.NoError(t, r.AddMaster("room", true))

	short := protocol.ShortIDFromSegment(protocol.NewConsumerSegment())
	sealed, err := r.SealChannelID("room", short)
	require.NoError(t, err)

	got, err := r.UnsealChannelID("room", sealed)
	require.NoError(t, err)
	assert.Equal(t, short, got)

	_, err = r.SealChannelID("ghost", short)
	assert.True(t, protocol.IsKind(err, protocol.KindNotFound))
}

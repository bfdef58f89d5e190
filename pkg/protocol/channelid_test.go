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

package protocol

import (
	"crypto/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d71-dev/megaphone/pkg/feature"
)

func TestSplitFullID(t *testing.T) {
	segment := NewConsumerSegment()
	for name, tc := range map[string]struct {
		in      string
		want    ParsedID
		wantErr bool
	}{
		"consumer with features": {
			in: "agent0." + segment + ".1",
			want: ParsedID{
				Agent:    "agent0",
				Segment:  segment,
				Features: feature.ChanChunkedStream,
			},
		},
		"consumer without features": {
			in:   "agent0." + segment,
			want: ParsedID{Agent: "agent0", Segment: segment},
		},
		"sealed producer segment": {
			in:   "agent0.abcdef",
			want: ParsedID{Agent: "agent0", Segment: "abcdef", Sealed: true},
		},
		"missing segment":     {in: "agent0", wantErr: true},
		"empty agent":         {in: "." + segment, wantErr: true},
		"too many components": {in: "a.b.c.d", wantErr: true},
		"bad feature suffix":  {in: "agent0." + segment + ".zz", wantErr: true},
	} {
		t.Run(name, func(t *testing.T) {
			got, err := SplitFullID(tc.in)
			if tc.wantErr {
				require.Error(t, err)
				assert.True(t, IsKind(err, KindBadRequest))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestBuildFullIDRoundTrip(t *testing.T) {
	segment := NewConsumerSegment()
	full := BuildFullID("room-7", segment, feature.ChanChunkedStream)
	parsed, err := SplitFullID(full)
	require.NoError(t, err)
	assert.False(t, parsed.Sealed)
	assert.Equal(t, "room-7", parsed.Agent)
	assert.Equal(t, ShortIDFromSegment(segment), parsed.ShortID())
	assert.Equal(t, feature.ChanChunkedStream, parsed.Features)

	// Without features the suffix is dropped entirely.
	assert.Equal(t, "room-7."+segment, BuildFullID("room-7", segment, 0))
}

func TestSealUnsealShortID(t *testing.T) {
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)

	short := ShortIDFromSegment(NewConsumerSegment())
	sealed, err := SealShortID(key, short)
	require.NoError(t, err)
	// Sealed segments are URL-safe and never collide with the clear form.
	assert.NotEqual(t, ConsumerSegmentLen, len(sealed))
	assert.NotContains(t, sealed, "=")
	assert.NotContains(t, sealed, ".")

	got, err := UnsealShortID(key, sealed)
	require.NoError(t, err)
	assert.Equal(t, short, got)

	// Sealing is randomized, equal inputs give distinct addresses.
	sealed2, err := SealShortID(key, short)
	require.NoError(t, err)
	assert.NotEqual(t, sealed, sealed2)
}

func TestUnsealShortIDRejectsTampering(t *testing.T) {
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	otherKey := make([]byte, 32)
	_, err = rand.Read(otherKey)
	require.NoError(t, err)

	sealed, err := SealShortID(key, ShortIDFromSegment(NewConsumerSegment()))
	require.NoError(t, err)

	for name, in := range map[string]struct {
		key     []byte
		segment string
	}{
		"wrong key":   {otherKey, sealed},
		"not base64":  {key, "!!!"},
		"truncated":   {key, sealed[:4]},
		"bit flipped": {key, flipLastChar(sealed)},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := UnsealShortID(in.key, in.segment)
			require.Error(t, err)
			assert.True(t, IsKind(err, KindBadRequest))
		})
	}
}

func flipLastChar(s string) string {
	repl := "A"
	if strings.HasSuffix(s, "A") {
		repl = "B"
	}
	return s[:len(s)-1] + repl
}

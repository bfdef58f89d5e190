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

// Package feature implements the compact channel feature bitset that is
// carried as the hex-encoded trailing segment of a channel full-ID.
package feature

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

// Set is a 32-bit feature bitset.
type Set uint32

// Channel features. The bitset travels inside channel IDs, so values are
// wire-stable and must never be renumbered.
const (
	// ChanChunkedStream marks channels that stream events over a chunked
	// NDJSON HTTP response.
	ChanChunkedStream Set = 1 << 0
)

// Has reports whether all bits of f are set.
func (s Set) Has(f Set) bool { return s&f == f }

// With returns s with the bits of f set.
func (s Set) With(f Set) Set { return s | f }

// Without returns s with the bits of f cleared.
func (s Set) Without(f Set) Set { return s &^ f }

// Encode serializes the bitset as big-endian hex with leading zeros
// stripped. The empty set encodes as the empty string.
func (s Set) Encode() string {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(s))
	return strings.TrimLeft(hex.EncodeToString(buf[:]), "0")
}

// Decode parses a bitset produced by Encode. Inputs whose length is not a
// multiple of 8 are accepted and treated as left-padded with zeros.
func Decode(in string) (Set, error) {
	if rem := len(in) % 8; rem != 0 {
		in = strings.Repeat("0", 8-rem) + in
	}
	b, err := hex.DecodeString(in)
	if err != nil {
		return 0, fmt.Errorf("decode feature bitset %q: %w", in, err)
	}
	if len(b) > 4 {
		return 0, fmt.Errorf("feature bitset %q exceeds 32 bits", in)
	}
	var buf [4]byte
	copy(buf[4-len(b):], b)
	return Set(binary.BigEndian.Uint32(buf[:])), nil
}

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
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/d71-dev/megaphone/pkg/feature"
)

// ConsumerSegmentLen is the length of the random segment handed to consumers.
// A sealed producer segment is never this long, which is what lets the parser
// tell the two apart.
const ConsumerSegmentLen = 50

// ShortID is the internal channel key: the MD5 digest of the consumer
// segment. It never leaves the node in clear form except sealed inside a
// producer address.
type ShortID [16]byte

// ShortIDFromSegment derives the internal key from a consumer segment.
func ShortIDFromSegment(segment string) ShortID {
	return md5.Sum([]byte(segment))
}

func (s ShortID) String() string {
	return hex.EncodeToString(s[:])
}

// ParseShortID decodes the hex form produced by String.
func ParseShortID(in string) (ShortID, error) {
	raw, err := hex.DecodeString(in)
	if err != nil || len(raw) != 16 {
		return ShortID{}, ErrBadRequest("malformed short channel id %q", in)
	}
	var short ShortID
	copy(short[:], raw)
	return short, nil
}

// NewConsumerSegment returns a fresh random consumer segment.
func NewConsumerSegment() string {
	return RandomToken(ConsumerSegmentLen)
}

// BuildFullID assembles the dotted full channel ID. The feature suffix is
// omitted when no feature flag is set.
func BuildFullID(agent, segment string, features feature.Set) string {
	if features == 0 {
		return agent + "." + segment
	}
	return agent + "." + segment + "." + features.Encode()
}

// ParsedID is the decomposed form of a full channel ID. Segment may be either
// a clear consumer segment or a sealed producer segment; Sealed tells which.
type ParsedID struct {
	Agent    string
	Segment  string
	Features feature.Set
	Sealed   bool
}

// ShortID returns the internal key for a clear consumer segment. It must not
// be called on sealed IDs.
func (p ParsedID) ShortID() ShortID {
	return ShortIDFromSegment(p.Segment)
}

// SplitFullID decomposes a dotted full channel ID without resolving sealed
// segments.
func SplitFullID(full string) (ParsedID, error) {
	parts := strings.Split(full, ".")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return ParsedID{}, ErrBadRequest("malformed channel id")
	}
	p := ParsedID{
		Agent:   parts[0],
		Segment: parts[1],
		Sealed:  len(parts[1]) != ConsumerSegmentLen,
	}
	if len(parts) == 3 {
		var err error
		if p.Features, err = feature.Decode(parts[2]); err != nil {
			return ParsedID{}, ErrBadRequest("malformed channel id: %v", err)
		}
	}
	return p, nil
}

const sealNonceLen = 12

// SealShortID encrypts a short ID under the agent key and encodes it as an
// unpadded URL-safe base64 producer segment.
func SealShortID(key []byte, short ShortID) (string, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, sealNonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	out := aead.Seal(nonce, nonce, short[:], nil)
	return base64.RawURLEncoding.EncodeToString(out), nil
}

// UnsealShortID reverses SealShortID. It fails on tampered or foreign-key
// segments.
func UnsealShortID(key []byte, segment string) (ShortID, error) {
	raw, err := base64.RawURLEncoding.DecodeString(segment)
	if err != nil {
		return ShortID{}, ErrBadRequest("malformed producer segment")
	}
	aead, err := newAEAD(key)
	if err != nil {
		return ShortID{}, err
	}
	if len(raw) < sealNonceLen+aead.Overhead() {
		return ShortID{}, ErrBadRequest("malformed producer segment")
	}
	plain, err := aead.Open(nil, raw[:sealNonceLen], raw[sealNonceLen:], nil)
	if err != nil {
		return ShortID{}, ErrBadRequest("producer segment does not verify")
	}
	var short ShortID
	if len(plain) != len(short) {
		return ShortID{}, ErrBadRequest("producer segment does not verify")
	}
	copy(short[:], plain)
	return short, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("channel cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

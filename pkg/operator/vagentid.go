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

package operator

import (
	"encoding/binary"
	"encoding/hex"
)

var vagentKey = []byte("MEGAPHONE")

// virtualAgentID derives the stable agent name for a (node, slot) pair. The
// xor scramble keeps the label opaque without being cryptographic; the same
// pair always yields the same ID across reconciles.
func virtualAgentID(nodeIdx, agentIdx int32) string {
	var buf [8]byte
	binary.BigEndian.PutUint32(buf[:4], uint32(nodeIdx))
	binary.BigEndian.PutUint32(buf[4:], uint32(agentIdx))
	for i := range buf {
		buf[i] ^= vagentKey[i%len(vagentKey)]
	}
	return hex.EncodeToString(buf[:])
}

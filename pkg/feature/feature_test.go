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

package feature

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, s := range []Set{0, ChanChunkedStream, 0x1f, 0xdeadbeef, 0xffffffff} {
		got, err := Decode(s.Encode())
		if err != nil {
			t.Fatalf("Decode(%q): %v", s.Encode(), err)
		}
		if got != s {
			t.Errorf("round trip of %#x: got %#x", s, got)
		}
	}
}

func TestDecodePadded(t *testing.T) {
	tests := map[string]struct {
		in      string
		want    Set
		wantErr bool
	}{
		"single char":    {in: "1", want: ChanChunkedStream},
		"left padded":    {in: "00000001", want: ChanChunkedStream},
		"odd length":     {in: "1ff", want: 0x1ff},
		"empty":          {in: "", want: 0},
		"not hex":        {in: "zz", wantErr: true},
		"too many bits":  {in: "ff00000001", wantErr: true},
		"full width max": {in: "ffffffff", want: 0xffffffff},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := Decode(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("Decode(%q): expected error, got %#x", tc.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode(%q): %v", tc.in, err)
			}
			if got != tc.want {
				t.Errorf("Decode(%q) = %#x, want %#x", tc.in, got, tc.want)
			}
		})
	}
}

func TestSetOps(t *testing.T) {
	s := Set(0).With(ChanChunkedStream)
	if !s.Has(ChanChunkedStream) {
		t.Error("expected ChanChunkedStream set")
	}
	if s.Without(ChanChunkedStream).Has(ChanChunkedStream) {
		t.Error("expected ChanChunkedStream cleared")
	}
}

/*
Copyright 2026 The Compactus Authors
Licensed under the Apache License, Version 2.0 (the "License")
you may not use this file except in compliance with the License.
you may obtain a copy of the License at

                http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package hash

import "testing"

func TestXXHash32KnownVectors(t *testing.T) {
	vectors := []struct {
		seed     uint32
		data     string
		expected uint32
	}{
		{0, "", 0x02CC5D05},
		{0, "a", 0x550D7456},
		{1, "", 0x0B2CB792},
	}

	for _, v := range vectors {
		h, err := NewXXHash32(v.seed)

		if err != nil {
			t.Fatalf("Failed to create XXHash32: %v", err)
		}

		if res := h.Hash([]byte(v.data)); res != v.expected {
			t.Errorf("seed=%d data=%q: expected %08X, got %08X", v.seed, v.data, v.expected, res)
		}
	}
}

func TestXXHash32Deterministic(t *testing.T) {
	buf := make([]byte, 4096)

	for i := range buf {
		buf[i] = byte(i * 7)
	}

	h1, _ := NewXXHash32(0x4B414E5A)
	h2, _ := NewXXHash32(0x4B414E5A)

	if h1.Hash(buf) != h2.Hash(buf) {
		t.Error("two hashers with the same seed produced different digests for the same input")
	}
}

func TestXXHash32SeedChangesDigest(t *testing.T) {
	buf := []byte("the quick brown fox jumps over the lazy dog")
	h, err := NewXXHash32(0)

	if err != nil {
		t.Fatalf("Failed to create XXHash32: %v", err)
	}

	d1 := h.Hash(buf)
	h.SetSeed(1)
	d2 := h.Hash(buf)

	if d1 == d2 {
		t.Error("changing the seed did not change the digest")
	}
}

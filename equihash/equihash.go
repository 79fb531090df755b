// Copyright 2022 Piprate Limited
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package equihash implements the Equihash memory-hard proof of work over
// a caller-supplied seed.
//
// For parameters (n, k) with (k+1) | n, a solution is a set of 2^k distinct
// indices, each of n/(k+1)+1 bits, whose per-index BLAKE2b hashes XOR to
// zero under Wagner's tree constraints. Solutions travel in compressed
// form: the indices packed MSB-first into Solsize(n, k) bytes.
package equihash

import (
	"encoding/binary"
	"sort"

	"golang.org/x/crypto/blake2b"
)

// Solsize returns the byte length of a compressed solution.
func Solsize(n, k int) int {
	return (1 << k) * (n/(k+1) + 1) / 8
}

func validParams(n, k int) bool {
	if k < 1 || k > 7 || n < k+1 || n > 256 {
		return false
	}
	if n%(k+1) != 0 {
		return false
	}
	// an index must fit a uint32
	return n/(k+1)+1 <= 32
}

// hashIndex produces the n-bit hash for one leaf index, stored MSB-first
// with trailing bits of the last byte zeroed.
func hashIndex(seed []byte, i uint32, n int) []byte {
	h, err := blake2b.New512(nil)
	if err != nil {
		panic(err)
	}
	h.Write(seed)
	var idx [4]byte
	binary.LittleEndian.PutUint32(idx[:], i)
	h.Write(idx[:])
	sum := h.Sum(nil)

	out := sum[:(n+7)/8]
	if rem := n % 8; rem != 0 {
		out[len(out)-1] &= byte(0xff) << (8 - rem)
	}
	return out
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

func hasLeadingZeroBits(b []byte, bits int) bool {
	full := bits / 8
	for i := 0; i < full; i++ {
		if b[i] != 0 {
			return false
		}
	}
	if rem := bits % 8; rem != 0 {
		if b[full]>>(8-rem) != 0 {
			return false
		}
	}
	return true
}

func equalPrefixBits(a, b []byte, bits int) bool {
	full := bits / 8
	for i := 0; i < full; i++ {
		if a[i] != b[i] {
			return false
		}
	}
	if rem := bits % 8; rem != 0 {
		if (a[full]^b[full])>>(8-rem) != 0 {
			return false
		}
	}
	return true
}

func readIndices(sol []byte, bits, count int) []uint32 {
	out := make([]uint32, 0, count)
	var acc uint64
	accBits := 0
	pos := 0
	for len(out) < count {
		for accBits < bits {
			acc = acc<<8 | uint64(sol[pos])
			pos++
			accBits += 8
		}
		accBits -= bits
		out = append(out, uint32(acc>>uint(accBits)))
		acc &= 1<<uint(accBits) - 1
	}
	return out
}

func writeIndices(indices []uint32, bits int) []byte {
	out := make([]byte, 0, len(indices)*bits/8)
	var acc uint64
	accBits := 0
	for _, idx := range indices {
		acc = acc<<uint(bits) | uint64(idx)
		accBits += bits
		for accBits >= 8 {
			accBits -= 8
			out = append(out, byte(acc>>uint(accBits)))
		}
	}
	if accBits > 0 {
		out = append(out, byte(acc<<uint(8-accBits)))
	}
	return out
}

// Verify checks a compressed solution against the seed.
func Verify(n, k int, seed, solution []byte) bool {
	if !validParams(n, k) || len(solution) != Solsize(n, k) {
		return false
	}

	cBits := n / (k + 1)
	count := 1 << k
	indices := readIndices(solution, cBits+1, count)

	seen := make(map[uint32]struct{}, count)
	for _, idx := range indices {
		if _, dup := seen[idx]; dup {
			return false
		}
		seen[idx] = struct{}{}
	}

	rows := make([][]byte, count)
	mins := make([]uint32, count)
	for i, idx := range indices {
		rows[i] = hashIndex(seed, idx, n)
		mins[i] = idx
	}

	for level := 1; level <= k; level++ {
		zero := cBits * level
		if level == k {
			zero = n
		}
		next := rows[:0]
		nextMins := mins[:0]
		for i := 0; i < len(rows); i += 2 {
			// the smaller leading leaf index always comes first
			if mins[i] >= mins[i+1] {
				return false
			}
			x := xorBytes(rows[i], rows[i+1])
			if !hasLeadingZeroBits(x, zero) {
				return false
			}
			next = append(next, x)
			nextMins = append(nextMins, mins[i])
		}
		rows = next
		mins = nextMins
	}

	return true
}

type partial struct {
	hash    []byte
	indices []uint32
}

func sharesIndex(a, b *partial) bool {
	for _, x := range a.indices {
		for _, y := range b.indices {
			if x == y {
				return true
			}
		}
	}
	return false
}

func merge(a, b *partial) *partial {
	if b.indices[0] < a.indices[0] {
		a, b = b, a
	}
	indices := make([]uint32, 0, len(a.indices)*2)
	indices = append(indices, a.indices...)
	indices = append(indices, b.indices...)
	return &partial{hash: xorBytes(a.hash, b.hash), indices: indices}
}

// Solve finds one solution for the seed, or nil when the index space yields
// none. Memory use is dominated by the 2^(n/(k+1)+1) leaf hashes.
func Solve(n, k int, seed []byte) []byte {
	if !validParams(n, k) {
		return nil
	}

	cBits := n / (k + 1)
	leaves := 1 << uint(cBits+1)

	rows := make([]*partial, leaves)
	for i := 0; i < leaves; i++ {
		rows[i] = &partial{hash: hashIndex(seed, uint32(i), n), indices: []uint32{uint32(i)}}
	}

	for level := 1; level <= k; level++ {
		collide := cBits * level
		if level == k {
			collide = n
		}

		sort.Slice(rows, func(i, j int) bool {
			a, b := rows[i].hash, rows[j].hash
			for x := range a {
				if a[x] != b[x] {
					return a[x] < b[x]
				}
			}
			return false
		})

		var next []*partial
		for lo := 0; lo < len(rows); {
			hi := lo + 1
			for hi < len(rows) && equalPrefixBits(rows[lo].hash, rows[hi].hash, collide) {
				hi++
			}
			for i := lo; i < hi; i++ {
				for j := i + 1; j < hi; j++ {
					if sharesIndex(rows[i], rows[j]) {
						continue
					}
					m := merge(rows[i], rows[j])
					if level == k {
						return writeIndices(m.indices, cBits+1)
					}
					next = append(next, m)
				}
			}
			lo = hi
		}
		rows = next
	}

	return nil
}

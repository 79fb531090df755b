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

package equihash_test

import (
	"fmt"
	"testing"

	. "github.com/piprate/sphinx/equihash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSolsize(t *testing.T) {
	assert.Equal(t, 26, Solsize(60, 4))
	assert.Equal(t, 28, Solsize(65, 4))
	assert.Equal(t, 42, Solsize(120, 4))
}

// solveAny tries a few seeds; an individual seed may yield no solution.
func solveAny(t *testing.T, n, k int) (seed, sol []byte) {
	t.Helper()
	for i := 0; i < 32; i++ {
		seed = []byte(fmt.Sprintf("equihash test seed %d", i))
		if sol = Solve(n, k, seed); sol != nil {
			return seed, sol
		}
	}
	t.Fatalf("no solution found for n=%d k=%d", n, k)
	return nil, nil
}

func TestSolveVerify(t *testing.T) {
	for _, params := range [][2]int{{30, 4}, {60, 4}} {
		n, k := params[0], params[1]
		t.Run(fmt.Sprintf("n=%d,k=%d", n, k), func(t *testing.T) {
			seed, sol := solveAny(t, n, k)
			require.Len(t, sol, Solsize(n, k))
			assert.True(t, Verify(n, k, seed, sol))
		})
	}
}

func TestVerify_Rejects(t *testing.T) {
	n, k := 30, 4
	seed, sol := solveAny(t, n, k)

	// tampered solution
	bad := append([]byte{}, sol...)
	bad[0] ^= 0x80
	assert.False(t, Verify(n, k, seed, bad))

	// wrong seed
	assert.False(t, Verify(n, k, append([]byte{}, append(seed, 'x')...), sol))

	// wrong length
	assert.False(t, Verify(n, k, seed, sol[:len(sol)-1]))
	assert.False(t, Verify(n, k, seed, append(sol, 0)))

	// parameters the solution was not solved for
	assert.False(t, Verify(60, 4, seed, sol))

	// invalid parameters never verify
	assert.False(t, Verify(61, 4, seed, sol))
	assert.False(t, Verify(0, 0, seed, sol))
}

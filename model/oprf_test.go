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

package model_test

import (
	"crypto/rand"
	"crypto/sha512"
	"testing"

	ristretto "github.com/gtank/ristretto255"
	. "github.com/piprate/sphinx/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomScalar(t *testing.T) *ristretto.Scalar {
	t.Helper()
	seed := make([]byte, 64)
	_, err := rand.Read(seed)
	require.NoError(t, err)
	return new(ristretto.Scalar).FromUniformBytes(seed)
}

func TestRespond_RoundTrip(t *testing.T) {
	k, err := NewOPRFKey()
	require.NoError(t, err)

	// the client hashes the password to the group and blinds it
	pwd := sha512.Sum512([]byte("correct horse battery staple"))
	hx := new(ristretto.Element).FromUniformBytes(pwd[:])

	r := randomScalar(t)
	alpha := new(ristretto.Element).ScalarMult(r, hx).Encode(nil)

	beta, err := Respond(alpha, k)
	require.NoError(t, err)

	// unblind: beta^{1/r} must equal H'(pwd)^k regardless of r
	b := new(ristretto.Element)
	require.NoError(t, b.Decode(beta))
	rinv := new(ristretto.Scalar).Invert(r)
	unblinded := new(ristretto.Element).ScalarMult(rinv, b)

	ks := new(ristretto.Scalar)
	require.NoError(t, ks.Decode(k))
	expected := new(ristretto.Element).ScalarMult(ks, hx)

	assert.Equal(t, 1, unblinded.Equal(expected))

	// a second blinding factor yields the same unblinded value
	r2 := randomScalar(t)
	alpha2 := new(ristretto.Element).ScalarMult(r2, hx).Encode(nil)
	beta2, err := Respond(alpha2, k)
	require.NoError(t, err)

	b2 := new(ristretto.Element)
	require.NoError(t, b2.Decode(beta2))
	unblinded2 := new(ristretto.Element).ScalarMult(new(ristretto.Scalar).Invert(r2), b2)
	assert.Equal(t, 1, unblinded2.Equal(unblinded))
}

func TestRespond_InvalidInput(t *testing.T) {
	k, err := NewOPRFKey()
	require.NoError(t, err)

	_, err = Respond(nil, k)
	assert.ErrorIs(t, err, ErrInvalidPoint)

	_, err = Respond(make([]byte, 31), k)
	assert.ErrorIs(t, err, ErrInvalidPoint)

	// the identity element is not a valid alpha
	_, err = Respond(make([]byte, 32), k)
	assert.ErrorIs(t, err, ErrInvalidPoint)

	// not a canonical ristretto255 encoding
	bad := make([]byte, 32)
	for i := range bad {
		bad[i] = 0xff
	}
	_, err = Respond(bad, k)
	assert.ErrorIs(t, err, ErrInvalidPoint)
}

func TestNewOPRFKey_Canonical(t *testing.T) {
	k, err := NewOPRFKey()
	require.NoError(t, err)
	require.Len(t, k, KeySize)

	s := new(ristretto.Scalar)
	require.NoError(t, s.Decode(k))
	assert.Equal(t, k, s.Encode(nil))
}

func TestDeriveOPRFKey_Deterministic(t *testing.T) {
	secret := make([]byte, 32)
	id := make([]byte, 32)
	id[0] = 0x17

	k1 := DeriveOPRFKey(secret, id)
	k2 := DeriveOPRFKey(secret, id)
	assert.Equal(t, k1, k2)

	other := make([]byte, 32)
	other[0] = 0x18
	assert.NotEqual(t, k1, DeriveOPRFKey(secret, other))

	s := new(ristretto.Scalar)
	require.NoError(t, s.Decode(k1))
}

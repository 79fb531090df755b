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

package model

import (
	"bytes"
	"crypto/rand"
	"errors"

	ristretto "github.com/gtank/ristretto255"
	"golang.org/x/crypto/blake2b"
)

// ErrInvalidPoint covers every OPRF evaluation failure. The cause is never
// disclosed to the client.
var ErrInvalidPoint = errors.New("invalid OPRF input")

// the ristretto255 identity element encodes to all zeroes
var identityBytes = make([]byte, AlphaSize)

// NewOPRFKey returns a fresh ristretto255 scalar in its canonical 32-byte
// encoding, so that a later Decode of the stored key always succeeds.
func NewOPRFKey() ([]byte, error) {
	seed := make([]byte, 64)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	return new(ristretto.Scalar).FromUniformBytes(seed).Encode(nil), nil
}

// DeriveOPRFKey maps the given key material and record id to a deterministic
// scalar. Used to answer evaluations for records that don't exist without
// revealing their absence.
func DeriveOPRFKey(secret, id []byte) []byte {
	h, err := blake2b.New512(secret)
	if err != nil {
		panic(err)
	}
	h.Write(id)
	return new(ristretto.Scalar).FromUniformBytes(h.Sum(nil)).Encode(nil)
}

// Respond evaluates beta = alpha^k over ristretto255. The identity element
// is rejected on both ends of the computation.
func Respond(alpha, k []byte) ([]byte, error) {
	if len(alpha) != AlphaSize || len(k) != KeySize {
		return nil, ErrInvalidPoint
	}

	e := new(ristretto.Element)
	if err := e.Decode(alpha); err != nil {
		return nil, ErrInvalidPoint
	}

	s := new(ristretto.Scalar)
	if err := s.Decode(k); err != nil {
		return nil, ErrInvalidPoint
	}

	beta := new(ristretto.Element).ScalarMult(s, e).Encode(nil)
	if bytes.Equal(beta, identityBytes) {
		return nil, ErrInvalidPoint
	}

	return beta, nil
}

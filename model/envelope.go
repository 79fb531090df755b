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
	"crypto/ed25519"
	"errors"
)

var ErrBadSignature = errors.New("bad signature")

// OpenSigned checks the detached signature at the tail of an envelope and
// returns the payload in front of it. The signature covers the entire
// payload, including any public key the sender embedded in it, which ties
// the envelope to that key and rules out key substitution.
func OpenSigned(envelope []byte, pk ed25519.PublicKey) ([]byte, error) {
	if len(envelope) < SigSize || len(pk) != ed25519.PublicKeySize {
		return nil, ErrBadSignature
	}

	payload := envelope[:len(envelope)-SigSize]
	sig := envelope[len(envelope)-SigSize:]

	if !ed25519.Verify(pk, payload, sig) {
		return nil, ErrBadSignature
	}

	return payload, nil
}

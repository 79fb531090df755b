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

// Package oracle implements the per-record state machine: creation, OPRF
// evaluation, key rotation with commit/undo, deletion and host-blob
// maintenance. Handlers converse with the client over the given connection
// and return an error as soon as the request must fail; the connection
// driver turns that error into the fail sentinel.
package oracle

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"io"

	"github.com/piprate/sphinx/model"
	"github.com/piprate/sphinx/store"
	"github.com/rs/zerolog/log"
)

var (
	ErrRecordExists   = errors.New("record already exists")
	ErrRecordNotFound = errors.New("record not found")
)

type Oracle struct {
	store       *store.Store
	maskUnknown bool
}

type Option func(*Oracle)

// WithDecoyResponses makes evaluations on unknown ids answer with a
// deterministic per-id key instead of failing, hiding which ids exist.
func WithDecoyResponses(on bool) Option {
	return func(o *Oracle) { o.maskUnknown = on }
}

func New(st *store.Store, opts ...Option) *Oracle {
	o := &Oracle{store: st}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Handle dispatches a rate-limit-verified record request. An unknown
// operation is dropped without an answer.
func (o *Oracle) Handle(conn io.ReadWriter, req []byte) error {
	log.Debug().Hex("req", req).Msg("Data received")

	switch req[0] {
	case model.OpGet:
		return o.get(conn, req)
	case model.OpChange:
		return o.change(conn, req)
	case model.OpDelete:
		return o.delete(conn, req)
	case model.OpCommit:
		return o.commitUndo(conn, req, store.FileNew, store.FileOld)
	case model.OpUndo:
		return o.commitUndo(conn, req, store.FileOld, store.FileNew)
	case model.OpRead:
		return o.read(conn, req)
	default:
		log.Debug().Uint8("op", req[0]).Msg("Unknown operation")
		return nil
	}
}

func splitRequest(req []byte) (string, []byte, error) {
	if len(req) != model.RequestSize {
		return "", nil, model.ErrBadRequest
	}
	return hex.EncodeToString(req[1 : 1+model.IDSize]), req[1+model.IDSize:], nil
}

// Create establishes a new record. It is the only operation that bypasses
// the rate limiter; a fresh record has no difficulty context, and creation
// already requires a client signature.
func (o *Oracle) Create(conn io.ReadWriter, req []byte) error {
	log.Debug().Hex("req", req).Msg("Data received")

	id, alpha, err := splitRequest(req)
	if err != nil {
		return err
	}

	if o.store.Exists(id, store.FileRules) {
		return ErrRecordExists
	}

	// a record that only ever held a host blob may already carry a key
	var k []byte
	if o.store.Exists(id, store.FileKey) {
		if k, err = o.store.Load(id, store.FileKey, model.KeySize); err != nil {
			return err
		}
	} else if k, err = model.NewOPRFKey(); err != nil {
		return err
	}

	beta, err := model.Respond(alpha, k)
	if err != nil {
		return err
	}
	if _, err = conn.Write(beta); err != nil {
		return err
	}

	env := make([]byte, model.PubKeySize+model.RuleSize+model.SigSize)
	if _, err = io.ReadFull(conn, env); err != nil {
		return err
	}
	pk := env[:model.PubKeySize]
	payload, err := model.OpenSigned(env, pk)
	if err != nil {
		return err
	}
	rules := payload[model.PubKeySize:]

	if err = o.store.EnsureRecord(id); err != nil {
		return err
	}
	if err = o.store.Save(id, store.FileKey, k); err != nil {
		return err
	}
	if err = o.store.Save(id, store.FilePub, pk); err != nil {
		return err
	}
	if err = o.store.Save(id, store.FileRules, rules); err != nil {
		return err
	}

	// add the user to the host record
	if err = o.updateHostBlob(conn); err != nil {
		return err
	}

	_, err = conn.Write([]byte("ok"))
	return err
}

func (o *Oracle) get(conn io.ReadWriter, req []byte) error {
	id, alpha, err := splitRequest(req)
	if err != nil {
		return err
	}

	k, err := o.store.Load(id, store.FileKey, model.KeySize)
	if err != nil {
		if o.maskUnknown && errors.Is(err, store.ErrBlobNotFound) {
			return o.decoy(conn, req, alpha)
		}
		return err
	}

	rules, err := o.store.Load(id, store.FileRules, model.RuleSize)
	if err != nil {
		return err
	}

	beta, err := model.Respond(alpha, k)
	if err != nil {
		return err
	}

	_, err = conn.Write(append(beta, rules...))
	return err
}

// decoy answers an evaluation on a nonexistent record. The key is derived
// from the challenge MAC key and the raw id, so repeated queries are
// consistent and indistinguishable from a real record with all-zero rules.
func (o *Oracle) decoy(conn io.ReadWriter, req, alpha []byte) error {
	secret, err := o.store.LoadRoot(store.FileKey, model.KeySize)
	if err != nil {
		return err
	}

	k := model.DeriveOPRFKey(secret, req[1:1+model.IDSize])
	beta, err := model.Respond(alpha, k)
	if err != nil {
		return err
	}

	_, err = conn.Write(append(beta, make([]byte, model.RuleSize)...))
	return err
}

func (o *Oracle) change(conn io.ReadWriter, req []byte) error {
	id, alpha, err := splitRequest(req)
	if err != nil {
		return err
	}
	if !o.store.RecordExists(id) {
		return ErrRecordNotFound
	}

	if err = o.auth(conn, id, alpha); err != nil {
		return err
	}

	k, err := model.NewOPRFKey()
	if err != nil {
		return err
	}
	beta, err := model.Respond(alpha, k)
	if err != nil {
		return err
	}
	rules, err := o.store.Load(id, store.FileRules, model.RuleSize)
	if err != nil {
		return err
	}

	if err = o.store.Save(id, store.FileNew, k); err != nil {
		return err
	}

	_, err = conn.Write(append(beta, rules...))
	return err
}

// commitUndo finalizes or rolls back a pending key change. Commit reads the
// scalar from "new" and parks the prior key in "old"; undo reads "old" and
// parks the prior key back in "new", so the change can be redone.
func (o *Oracle) commitUndo(conn io.ReadWriter, req []byte, src, dst string) error {
	id, alpha, err := splitRequest(req)
	if err != nil {
		return err
	}
	if !o.store.RecordExists(id) {
		return ErrRecordNotFound
	}

	if err = o.auth(conn, id, alpha); err != nil {
		return err
	}

	k, err := o.store.Load(id, src, model.KeySize)
	if err != nil {
		return err
	}
	key, err := o.store.Load(id, store.FileKey, model.KeySize)
	if err != nil {
		return err
	}

	beta, err := model.Respond(alpha, k)
	if err != nil {
		return err
	}
	rules, err := o.store.Load(id, store.FileRules, model.RuleSize)
	if err != nil {
		return err
	}

	if _, err = conn.Write(append(beta, rules...)); err != nil {
		return err
	}

	env := make([]byte, model.PubKeySize+model.RuleSize+model.SigSize)
	if _, err = io.ReadFull(conn, env); err != nil {
		return err
	}
	pk := env[:model.PubKeySize]
	payload, err := model.OpenSigned(env, pk)
	if err != nil {
		return err
	}
	rules = payload[model.PubKeySize:]

	// the prior key is parked before anything is overwritten, so an abort
	// between these writes never loses a scalar
	if err = o.store.Save(id, dst, key); err != nil {
		return err
	}
	if err = o.store.Save(id, store.FileKey, k); err != nil {
		return err
	}
	if err = o.store.Save(id, store.FilePub, pk); err != nil {
		return err
	}
	if err = o.store.Save(id, store.FileRules, rules); err != nil {
		return err
	}
	if err = o.store.Unlink(id, src); err != nil {
		return err
	}

	_, err = conn.Write([]byte("ok"))
	return err
}

func (o *Oracle) delete(conn io.ReadWriter, req []byte) error {
	id, alpha, err := splitRequest(req)
	if err != nil {
		return err
	}
	if !o.store.RecordExists(id) {
		return ErrRecordNotFound
	}

	if err = o.auth(conn, id, alpha); err != nil {
		return err
	}

	// remove the user from the host record
	if err = o.updateHostBlob(conn); err != nil {
		return err
	}

	if err = o.store.RemoveRecord(id); err != nil {
		return err
	}

	_, err = conn.Write([]byte("ok"))
	return err
}

func (o *Oracle) read(conn io.ReadWriter, req []byte) error {
	if len(req) != model.ReadRequestSize {
		return model.ErrBadRequest
	}
	id := hex.EncodeToString(req[1 : 1+model.IDSize])

	if err := o.auth(conn, id, nil); err != nil {
		return err
	}

	blob, err := o.store.Load(id, store.FileBlob, -1)
	if err != nil {
		if !errors.Is(err, store.ErrBlobNotFound) {
			return err
		}
		blob = nil
	}

	_, err = conn.Write(blob)
	return err
}

// auth challenges the client to sign a fresh nonce under the record's
// public key. When the record holds an OPRF key, the evaluation rides along
// in the same round.
func (o *Oracle) auth(conn io.ReadWriter, id string, alpha []byte) error {
	pk, err := o.store.Load(id, store.FilePub, model.PubKeySize)
	if err != nil {
		log.Debug().Str("id", id).Msg("No public key for record")
		return err
	}

	nonce := make([]byte, model.NonceSize)
	if _, err = rand.Read(nonce); err != nil {
		return err
	}

	var beta []byte
	k, err := o.store.Load(id, store.FileKey, -1)
	switch {
	case err == nil:
		if beta, err = model.Respond(alpha, k); err != nil {
			return err
		}
	case !errors.Is(err, store.ErrBlobNotFound):
		return err
	}

	if _, err = conn.Write(append(beta, nonce...)); err != nil {
		return err
	}

	sig := make([]byte, model.SigSize)
	if _, err = io.ReadFull(conn, sig); err != nil {
		return err
	}
	if !ed25519.Verify(ed25519.PublicKey(pk), nonce, sig) {
		log.Debug().Str("id", id).Msg("Bad auth signature")
		return model.ErrBadSignature
	}

	return nil
}

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

// Package ratelimit implements the adaptive proof-of-work rate limiter.
// Every non-creation request costs the client one Equihash solution; the
// difficulty escalates per record id under sustained traffic and decays
// while the id is idle.
package ratelimit

import (
	"crypto/hmac"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"io"
	"io/fs"
	"time"

	"github.com/piprate/sphinx/equihash"
	"github.com/piprate/sphinx/model"
	"github.com/piprate/sphinx/store"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/blake2b"
)

const (
	DefaultDecay     = 30 * time.Minute
	DefaultThreshold = 1
	DefaultGraceTime = 10 * time.Second

	// challenge wire layout: n ‖ k ‖ ts:u64le ‖ mac[32]
	challengePrefixSize = 10
	macSize             = 32
	challengeSize       = challengePrefixSize + macSize

	// difficulty file layout: level:u8 ‖ count:u32le ‖ ts:u32le
	ctxSize = 9

	macKeySize = 32
)

var (
	ErrBadChallenge     = errors.New("invalid challenge")
	ErrChallengeExpired = errors.New("challenge expired")
	ErrBadSolution      = errors.New("invalid proof of work")
)

// PoW abstracts the Equihash collaborator so tests can stub it out.
type PoW interface {
	Solsize(n, k uint8) int
	Verify(n, k uint8, seed, solution []byte) bool
}

type equihashPoW struct{}

func (equihashPoW) Solsize(n, k uint8) int {
	return equihash.Solsize(int(n), int(k))
}

func (equihashPoW) Verify(n, k uint8, seed, solution []byte) bool {
	return equihash.Verify(int(n), int(k), seed, solution)
}

type Limiter struct {
	store     *store.Store
	pow       PoW
	decay     time.Duration
	threshold uint32
	gracetime time.Duration
	clock     func() time.Time
}

type Option func(*Limiter)

func WithPoW(pow PoW) Option {
	return func(l *Limiter) { l.pow = pow }
}

func WithDecay(d time.Duration) Option {
	return func(l *Limiter) { l.decay = d }
}

func WithThreshold(n uint32) Option {
	return func(l *Limiter) { l.threshold = n }
}

func WithGraceTime(d time.Duration) Option {
	return func(l *Limiter) { l.gracetime = d }
}

// WithClock replaces the time source. Tests use it to cross expiry and
// decay boundaries without sleeping.
func WithClock(clock func() time.Time) Option {
	return func(l *Limiter) { l.clock = clock }
}

func NewLimiter(st *store.Store, opts ...Option) *Limiter {
	l := &Limiter{
		store:     st,
		pow:       equihashPoW{},
		decay:     DefaultDecay,
		threshold: DefaultThreshold,
		gracetime: DefaultGraceTime,
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CreateChallenge reads the request the client intends to execute, advances
// the per-id difficulty context and sends back a MAC-sealed challenge.
func (l *Limiter) CreateChallenge(conn io.ReadWriter) error {
	req, err := model.ReadRequest(conn)
	if err != nil {
		return err
	}

	now := l.clock()
	id := hex.EncodeToString(req[1 : 1+model.IDSize])

	ctx, err := l.store.Load(id, store.FileDifficulty, ctxSize)
	if err != nil && !errors.Is(err, store.ErrBlobNotFound) {
		return err
	}
	hadCtx := err == nil

	var level int
	var count uint32
	if hadCtx {
		level = int(ctx[0])
		count = binary.LittleEndian.Uint32(ctx[1:5])
		ts := int64(binary.LittleEndian.Uint32(ctx[5:9]))

		decaySecs := int64(l.decay / time.Second)
		switch {
		case level >= len(Difficulties):
			log.Warn().Int("level", level).Str("id", id).
				Msg("Invalid difficulty level in rate limit context")
			level = len(Difficulties) - 1
			count = 0
		case now.Unix()-ts > decaySecs && level > 0:
			// idle id, decay one level per elapsed period
			periods := int((now.Unix() - ts) / decaySecs)
			if level >= periods {
				level -= periods
			} else {
				level = 0
			}
			count = 0
		default:
			if count >= l.threshold && level < len(Difficulties)-1 {
				count = 0
				level++
			} else {
				count++
			}
		}
	}

	if level == len(Difficulties)-1 && count > l.threshold*2 {
		log.Warn().Str("id", id).Uint32("count", count).
			Msg("Client keeps hammering at maximum difficulty")
	}

	ctx = make([]byte, ctxSize)
	ctx[0] = byte(level)
	binary.LittleEndian.PutUint32(ctx[1:5], count)
	binary.LittleEndian.PutUint32(ctx[5:9], uint32(now.Unix()))
	if err = l.store.Save(id, store.FileDifficulty, ctx); err != nil {
		// ids without a record directory never had a context either; they
		// stay rate-limited at the base level without a directory being
		// created for them
		if hadCtx || !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}

	key, err := l.macKey(true)
	if err != nil {
		return err
	}

	d := Difficulties[level]
	log.Debug().Int("level", level).Uint32("count", count).Uint8("n", d.N).
		Msg("Issuing challenge")

	challenge := make([]byte, challengePrefixSize, challengeSize)
	challenge[0] = d.N
	challenge[1] = d.K
	binary.LittleEndian.PutUint64(challenge[2:10], uint64(now.Unix()))

	_, err = conn.Write(append(challenge, seal(key, req, challenge)...))
	return err
}

// VerifyChallenge checks the challenge MAC, its expiry and the attached
// Equihash solution, and returns the wrapped request for dispatch.
func (l *Limiter) VerifyChallenge(conn io.ReadWriter) ([]byte, error) {
	challenge := make([]byte, challengeSize)
	if _, err := io.ReadFull(conn, challenge); err != nil {
		return nil, err
	}

	req, err := model.ReadRequest(conn)
	if err != nil {
		return nil, err
	}

	key, err := l.macKey(false)
	if err != nil {
		return nil, err
	}

	prefix := challenge[:challengePrefixSize]
	if !hmac.Equal(seal(key, req, prefix), challenge[challengePrefixSize:]) {
		return nil, ErrBadChallenge
	}

	n, k := challenge[0], challenge[1]
	timeout, known := timeouts[[2]uint8{n, k}]
	if !known {
		return nil, ErrBadChallenge
	}

	ts := binary.LittleEndian.Uint64(challenge[2:10])
	if l.clock().Unix()-int64((timeout+l.gracetime)/time.Second) > int64(ts) {
		return nil, ErrChallengeExpired
	}

	solution := make([]byte, l.pow.Solsize(n, k))
	if _, err = io.ReadFull(conn, solution); err != nil {
		return nil, err
	}

	seed := make([]byte, 0, challengePrefixSize+len(req))
	seed = append(seed, prefix...)
	seed = append(seed, req...)
	if !l.pow.Verify(n, k, seed, solution) {
		return nil, ErrBadSolution
	}

	return req, nil
}

// macKey loads the process-wide challenge sealing key, generating it on
// first use. Two workers racing on first use is tolerated: the loser's
// challenge fails verification and its client retries.
func (l *Limiter) macKey(create bool) ([]byte, error) {
	key, err := l.store.LoadRoot(store.FileKey, macKeySize)
	if err == nil {
		return key, nil
	}
	if !create || !errors.Is(err, store.ErrBlobNotFound) {
		return nil, err
	}

	key = make([]byte, macKeySize)
	if _, err = rand.Read(key); err != nil {
		return nil, err
	}
	if err = l.store.SaveRoot(store.FileKey, key); err != nil {
		return nil, err
	}
	return key, nil
}

func seal(key, req, challenge []byte) []byte {
	h, err := blake2b.New256(key)
	if err != nil {
		panic(err)
	}
	h.Write(req)
	h.Write(challenge)
	return h.Sum(nil)
}

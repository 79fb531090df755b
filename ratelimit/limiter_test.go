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

package ratelimit_test

import (
	"bytes"
	"encoding/hex"
	"path/filepath"
	"testing"
	"time"

	"github.com/piprate/sphinx/model"
	. "github.com/piprate/sphinx/ratelimit"
	"github.com/piprate/sphinx/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPoW struct {
	solsize int
	ok      bool
}

func (p stubPoW) Solsize(n, k uint8) int              { return p.solsize }
func (p stubPoW) Verify(n, k uint8, _, _ []byte) bool { return p.ok }

type duplex struct {
	in  *bytes.Buffer
	out *bytes.Buffer
}

func (d *duplex) Read(p []byte) (int, error)  { return d.in.Read(p) }
func (d *duplex) Write(p []byte) (int, error) { return d.out.Write(p) }

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func getRequest(id byte) []byte {
	req := make([]byte, model.RequestSize)
	req[0] = model.OpGet
	req[1] = id
	return req
}

func setup(t *testing.T, opts ...Option) (*Limiter, *store.Store, *fakeClock) {
	t.Helper()
	st := store.NewStore(filepath.Join(t.TempDir(), "data"))
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	opts = append([]Option{
		WithClock(clock.Now),
		WithPoW(stubPoW{solsize: 8, ok: true}),
		WithThreshold(1),
	}, opts...)
	return NewLimiter(st, opts...), st, clock
}

func issue(t *testing.T, l *Limiter, req []byte) []byte {
	t.Helper()
	conn := &duplex{in: bytes.NewBuffer(req), out: &bytes.Buffer{}}
	require.NoError(t, l.CreateChallenge(conn))
	challenge := conn.out.Bytes()
	require.Len(t, challenge, 42)
	return challenge
}

func TestCreateChallenge_Escalation(t *testing.T) {
	l, st, _ := setup(t)

	req := getRequest(0x01)
	id := hex.EncodeToString(req[1:33])
	require.NoError(t, st.EnsureRecord(id))

	// with rl_threshold=1, four requests in quick succession walk the
	// ladder 60, 60, 65, 65
	var ns []uint8
	for i := 0; i < 4; i++ {
		ns = append(ns, issue(t, l, req)[0])
	}
	assert.Equal(t, []uint8{60, 60, 65, 65}, ns)
}

func TestCreateChallenge_UnknownIDStaysAtBase(t *testing.T) {
	l, st, _ := setup(t)

	req := getRequest(0x02)
	id := hex.EncodeToString(req[1:33])

	for i := 0; i < 5; i++ {
		challenge := issue(t, l, req)
		assert.Equal(t, uint8(60), challenge[0])
	}

	// no record directory may appear for ids that were never created
	assert.False(t, st.RecordExists(id))
}

func TestCreateChallenge_Decay(t *testing.T) {
	l, st, clock := setup(t, WithDecay(30*time.Minute))

	req := getRequest(0x03)
	id := hex.EncodeToString(req[1:33])
	require.NoError(t, st.EnsureRecord(id))

	// climb two levels
	var last []byte
	for i := 0; i < 6; i++ {
		last = issue(t, l, req)
	}
	require.Equal(t, uint8(70), last[0])

	// two idle periods decay two levels
	clock.Advance(61 * time.Minute)
	assert.Equal(t, uint8(60), issue(t, l, req)[0])
}

func TestCreateChallenge_ClampsCorruptLevel(t *testing.T) {
	l, st, _ := setup(t)

	req := getRequest(0x04)
	id := hex.EncodeToString(req[1:33])
	require.NoError(t, st.EnsureRecord(id))

	ctx := make([]byte, 9)
	ctx[0] = 200
	require.NoError(t, st.Save(id, store.FileDifficulty, ctx))

	challenge := issue(t, l, req)
	assert.Equal(t, uint8(120), challenge[0])
}

func TestVerifyChallenge(t *testing.T) {
	l, _, _ := setup(t)

	req := getRequest(0x05)
	challenge := issue(t, l, req)

	conn := &duplex{in: &bytes.Buffer{}, out: &bytes.Buffer{}}
	conn.in.Write(challenge)
	conn.in.Write(req)
	conn.in.Write(make([]byte, 8)) // stub solution

	out, err := l.VerifyChallenge(conn)
	require.NoError(t, err)
	assert.Equal(t, req, out)
}

func TestVerifyChallenge_TamperedMAC(t *testing.T) {
	l, _, _ := setup(t)

	req := getRequest(0x06)
	challenge := issue(t, l, req)
	challenge[41] ^= 0x01

	conn := &duplex{in: &bytes.Buffer{}, out: &bytes.Buffer{}}
	conn.in.Write(challenge)
	conn.in.Write(req)

	_, err := l.VerifyChallenge(conn)
	assert.ErrorIs(t, err, ErrBadChallenge)
}

func TestVerifyChallenge_WrongRequest(t *testing.T) {
	l, _, _ := setup(t)

	challenge := issue(t, l, getRequest(0x07))

	// a challenge is sealed to the exact request bytes
	other := getRequest(0x08)
	conn := &duplex{in: &bytes.Buffer{}, out: &bytes.Buffer{}}
	conn.in.Write(challenge)
	conn.in.Write(other)

	_, err := l.VerifyChallenge(conn)
	assert.ErrorIs(t, err, ErrBadChallenge)
}

func TestVerifyChallenge_Expired(t *testing.T) {
	l, _, clock := setup(t, WithGraceTime(10*time.Second))

	req := getRequest(0x09)
	challenge := issue(t, l, req) // level 0, timeout 1s

	clock.Advance(12 * time.Second)

	conn := &duplex{in: &bytes.Buffer{}, out: &bytes.Buffer{}}
	conn.in.Write(challenge)
	conn.in.Write(req)

	_, err := l.VerifyChallenge(conn)
	assert.ErrorIs(t, err, ErrChallengeExpired)
}

func TestVerifyChallenge_BadSolution(t *testing.T) {
	l, _, _ := setup(t, WithPoW(stubPoW{solsize: 8, ok: false}))

	req := getRequest(0x0a)
	challenge := issue(t, l, req)

	conn := &duplex{in: &bytes.Buffer{}, out: &bytes.Buffer{}}
	conn.in.Write(challenge)
	conn.in.Write(req)
	conn.in.Write(make([]byte, 8))

	_, err := l.VerifyChallenge(conn)
	assert.ErrorIs(t, err, ErrBadSolution)
}

func TestVerifyChallenge_NoMACKey(t *testing.T) {
	l, _, _ := setup(t)

	conn := &duplex{in: &bytes.Buffer{}, out: &bytes.Buffer{}}
	conn.in.Write(make([]byte, 42))
	conn.in.Write(getRequest(0x0b))

	_, err := l.VerifyChallenge(conn)
	assert.ErrorIs(t, err, store.ErrBlobNotFound)
}

func TestCreateChallenge_ReadRequestFraming(t *testing.T) {
	l, _, _ := setup(t)

	// a wrapped READ request is 33 bytes
	req := make([]byte, model.ReadRequestSize)
	req[0] = model.OpRead
	req[1] = 0x0c

	conn := &duplex{in: bytes.NewBuffer(req), out: &bytes.Buffer{}}
	require.NoError(t, l.CreateChallenge(conn))
	assert.Len(t, conn.out.Bytes(), 42)

	// a truncated request never yields a challenge
	conn = &duplex{in: bytes.NewBuffer(req[:20]), out: &bytes.Buffer{}}
	assert.Error(t, l.CreateChallenge(conn))
}

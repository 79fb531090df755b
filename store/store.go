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

// Package store implements the per-record blob store. Every record is a
// directory named by the lowercase hex form of its 32-byte id, holding a
// fixed set of small files. Directories are 0700, files 0600.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// Record file names. No other names ever reach the filesystem.
const (
	FileKey        = "key"
	FilePub        = "pub"
	FileRules      = "rules"
	FileNew        = "new"
	FileOld        = "old"
	FileBlob       = "blob"
	FileDifficulty = "difficulty"
)

const (
	dirMode  = 0o700
	fileMode = 0o600

	idHexLen = 64
)

var (
	ErrBlobNotFound  = errors.New("blob not found")
	ErrCorruptedBlob = errors.New("corrupted blob")
	ErrInvalidName   = errors.New("invalid blob name")
	ErrInvalidID     = errors.New("invalid record id")
)

var recordFiles = map[string]struct{}{
	FileKey:        {},
	FilePub:        {},
	FileRules:      {},
	FileNew:        {},
	FileOld:        {},
	FileBlob:       {},
	FileDifficulty: {},
}

type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: root}
}

func (s *Store) Root() string {
	return s.root
}

func validID(id string) bool {
	if len(id) != idHexLen {
		return false
	}
	for _, c := range id {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func (s *Store) path(id, name string) (string, error) {
	if !validID(id) {
		return "", ErrInvalidID
	}
	if _, ok := recordFiles[name]; !ok {
		return "", ErrInvalidName
	}
	return filepath.Join(s.root, id, name), nil
}

// Load reads a record file. A non-negative size is enforced; a mismatch
// means the blob is corrupted.
func (s *Store) Load(id, name string, size int) ([]byte, error) {
	p, err := s.path(id, name)
	if err != nil {
		return nil, err
	}

	b, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			log.Debug().Str("path", p).Msg("Blob does not exist")
			return nil, ErrBlobNotFound
		}
		return nil, err
	}

	if size >= 0 && len(b) != size {
		log.Warn().Str("path", p).Int("expected", size).Int("actual", len(b)).
			Msg("Wrong blob size")
		return nil, fmt.Errorf("%w: %s is not %d bytes", ErrCorruptedBlob, name, size)
	}

	return b, nil
}

// Save writes a record file via a temp file and rename, so a concurrent
// reader never observes a partial write. The record directory must already
// exist; writes into an absent directory fail with fs.ErrNotExist, which
// the rate limiter relies on for unknown ids.
func (s *Store) Save(id, name string, blob []byte) error {
	p, err := s.path(id, name)
	if err != nil {
		return err
	}
	return writeFile(p, blob)
}

func writeFile(p string, blob []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(p), filepath.Base(p)+".tmp")
	if err != nil {
		return err
	}

	if _, err = tmp.Write(blob); err == nil {
		err = tmp.Close()
	} else {
		_ = tmp.Close()
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}

	if err = os.Rename(tmp.Name(), p); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}

	return nil
}

// Exists reports whether a record file is present without reading it.
func (s *Store) Exists(id, name string) bool {
	p, err := s.path(id, name)
	if err != nil {
		return false
	}
	_, err = os.Stat(p)
	return err == nil
}

// RecordExists reports whether the record directory is present.
func (s *Store) RecordExists(id string) bool {
	if !validID(id) {
		return false
	}
	_, err := os.Stat(filepath.Join(s.root, id))
	return err == nil
}

// EnsureRecord creates the data directory and the record directory.
func (s *Store) EnsureRecord(id string) error {
	if !validID(id) {
		return ErrInvalidID
	}
	return os.MkdirAll(filepath.Join(s.root, id), dirMode)
}

func (s *Store) Unlink(id, name string) error {
	p, err := s.path(id, name)
	if err != nil {
		return err
	}
	return os.Remove(p)
}

// RemoveRecord deletes the record directory and everything in it.
func (s *Store) RemoveRecord(id string) error {
	if !validID(id) {
		return ErrInvalidID
	}
	return os.RemoveAll(filepath.Join(s.root, id))
}

// LoadRoot reads a file that lives directly under the data directory,
// outside any record. Only the challenge MAC key lives there.
func (s *Store) LoadRoot(name string, size int) ([]byte, error) {
	b, err := os.ReadFile(filepath.Join(s.root, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrBlobNotFound
		}
		return nil, err
	}
	if size >= 0 && len(b) != size {
		return nil, fmt.Errorf("%w: %s is not %d bytes", ErrCorruptedBlob, name, size)
	}
	return b, nil
}

// SaveRoot writes a file directly under the data directory, creating the
// directory on first use.
func (s *Store) SaveRoot(name string, blob []byte) error {
	if err := os.MkdirAll(s.root, dirMode); err != nil {
		return err
	}
	return writeFile(filepath.Join(s.root, name), blob)
}

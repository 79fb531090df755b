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

package oracle

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"io"

	"github.com/piprate/sphinx/model"
	"github.com/piprate/sphinx/store"
	"github.com/rs/zerolog/log"
)

// updateHostBlob runs one round of the host-blob protocol: send the current
// blob for the host id named by the client, then accept a signed
// replacement. The first writer's public key is pinned; every later update
// must be signed by the same key, so the server can never author a host
// blob itself.
func (o *Oracle) updateHostBlob(conn io.ReadWriter) error {
	rawID := make([]byte, model.IDSize)
	if _, err := io.ReadFull(conn, rawID); err != nil {
		return err
	}
	id := hex.EncodeToString(rawID)

	blob, err := o.store.Load(id, store.FileBlob, -1)
	isNew := false
	if err != nil {
		if !errors.Is(err, store.ErrBlobNotFound) {
			return err
		}
		isNew = true
		blob = []byte{0x00, 0x00}
	}

	if _, err = conn.Write(blob); err != nil {
		return err
	}

	if isNew {
		// pk[32] ‖ size[2] ‖ body[size] ‖ sig[64], signed as a whole
		header := make([]byte, model.PubKeySize+2)
		if _, err = io.ReadFull(conn, header); err != nil {
			return err
		}
		pk := header[:model.PubKeySize]
		size := binary.BigEndian.Uint16(header[model.PubKeySize:])

		signed := make([]byte, int(size)+model.SigSize)
		if _, err = io.ReadFull(conn, signed); err != nil {
			return err
		}

		envelope := append(append([]byte{}, header...), signed...)
		payload, err := model.OpenSigned(envelope, pk)
		if err != nil {
			log.Debug().Str("id", id).Msg("Invalid signature on host blob")
			return err
		}

		if err = o.store.EnsureRecord(id); err != nil {
			return err
		}
		if err = o.store.Save(id, store.FilePub, pk); err != nil {
			return err
		}
		blob = payload[model.PubKeySize:]
	} else {
		// size[2] ‖ body[size] ‖ sig[64], signed under the pinned key
		header := make([]byte, 2)
		if _, err = io.ReadFull(conn, header); err != nil {
			return err
		}
		size := binary.BigEndian.Uint16(header)

		signed := make([]byte, int(size)+model.SigSize)
		if _, err = io.ReadFull(conn, signed); err != nil {
			return err
		}

		pk, err := o.store.Load(id, store.FilePub, model.PubKeySize)
		if err != nil {
			return err
		}

		envelope := append(append([]byte{}, header...), signed...)
		blob, err = model.OpenSigned(envelope, pk)
		if err != nil {
			log.Debug().Str("id", id).Msg("Invalid signature on host blob")
			return err
		}
	}

	return o.store.Save(id, store.FileBlob, blob)
}

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

// Package node runs the oracle's network front end: a TLS listener, a
// bounded pool of per-connection workers and the opcode dispatch that
// sequences rate limiting and record operations.
package node

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/knadh/koanf"
	"github.com/piprate/sphinx/model"
	"github.com/piprate/sphinx/oracle"
	"github.com/piprate/sphinx/ratelimit"
	"github.com/piprate/sphinx/store"
	"github.com/piprate/sphinx/utils"
	"github.com/piprate/sphinx/utils/security"
	"github.com/rs/zerolog/log"
)

const (
	DefaultPort    = 2355
	DefaultTimeout = 30 * time.Second
	DefaultMaxKids = 5
)

type SphinxServer struct {
	address  string
	port     int
	timeout  time.Duration
	maxKids  int
	certFile string
	keyFile  string

	oracle  *oracle.Oracle
	limiter *ratelimit.Limiter

	listener net.Listener
}

func NewSphinxServer(cfg *koanf.Koanf) (*SphinxServer, error) {
	datadir := utils.AbsPathify(cfg.String("datadir"))
	if datadir == "" {
		return nil, errors.New("no datadir configured")
	}
	st := store.NewStore(datadir)

	var limiterOpts []ratelimit.Option
	if cfg.Exists("rl_decay") {
		limiterOpts = append(limiterOpts,
			ratelimit.WithDecay(time.Duration(cfg.Int64("rl_decay"))*time.Second))
	}
	if cfg.Exists("rl_threshold") {
		limiterOpts = append(limiterOpts,
			ratelimit.WithThreshold(uint32(cfg.Int64("rl_threshold"))))
	}
	if cfg.Exists("rl_gracetime") {
		limiterOpts = append(limiterOpts,
			ratelimit.WithGraceTime(time.Duration(cfg.Int64("rl_gracetime"))*time.Second))
	}

	srv := &SphinxServer{
		address:  cfg.String("address"),
		port:     DefaultPort,
		timeout:  DefaultTimeout,
		maxKids:  DefaultMaxKids,
		certFile: utils.AbsPathify(cfg.String("ssl_cert")),
		keyFile:  utils.AbsPathify(cfg.String("ssl_key")),
		oracle:   oracle.New(st, oracle.WithDecoyResponses(cfg.Bool("mask_unknown"))),
		limiter:  ratelimit.NewLimiter(st, limiterOpts...),
	}
	if cfg.Exists("port") {
		srv.port = cfg.Int("port")
	}
	if cfg.Exists("timeout") {
		srv.timeout = time.Duration(cfg.Int64("timeout")) * time.Second
	}
	if cfg.Exists("max_kids") {
		srv.maxKids = cfg.Int("max_kids")
	}

	return srv, nil
}

// Listen binds the TLS listener. When neither the certificate nor the key
// file exists, a self-signed pair is generated on first start; a lone
// missing file is not regenerated and makes Listen fail.
func (srv *SphinxServer) Listen() error {
	if srv.certFile == "" || srv.keyFile == "" {
		return errors.New("no TLS materials configured")
	}

	_, errCert := os.Stat(srv.certFile)
	_, errKey := os.Stat(srv.keyFile)
	if os.IsNotExist(errCert) && os.IsNotExist(errKey) {
		log.Info().Str("cert", srv.certFile).Msg("Generating self-signed TLS certificate")
		if err := security.GenerateCertificate(srv.certFile, srv.keyFile, []string{srv.address}); err != nil {
			return err
		}
	}

	cert, err := tls.LoadX509KeyPair(srv.certFile, srv.keyFile)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", srv.address, srv.port)
	srv.listener, err = tls.Listen("tcp", addr, &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	})
	if err != nil {
		return err
	}

	log.Info().Str("addr", addr).Msg("Listening")
	return nil
}

// Addr returns the bound listener address.
func (srv *SphinxServer) Addr() net.Addr {
	return srv.listener.Addr()
}

// Serve accepts connections until the listener closes. At most maxKids
// workers run at a time; the accept loop blocks once the cap is reached.
func (srv *SphinxServer) Serve() error {
	sem := make(chan struct{}, srv.maxKids)
	for {
		conn, err := srv.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		sem <- struct{}{}
		go func(c net.Conn) {
			defer func() { <-sem }()
			defer c.Close()
			srv.handle(c)
		}(conn)
	}
}

// Close shuts the listener down; in-flight workers finish their request.
func (srv *SphinxServer) Close() error {
	if srv.listener == nil {
		return nil
	}
	return srv.listener.Close()
}

// handle processes exactly one request. Any handler error collapses into
// the fail sentinel; after it is sent, nothing further crosses the wire.
func (srv *SphinxServer) handle(conn net.Conn) {
	c := newTimeoutConn(conn, srv.timeout)

	var op [1]byte
	if _, err := io.ReadFull(c, op[:]); err != nil {
		return
	}

	var err error
	switch op[0] {
	case model.OpCreate:
		// the opcode is replaced by a placeholder byte so downstream code
		// sees a full 65-byte request buffer
		req := make([]byte, model.RequestSize)
		req[0] = '0'
		if _, err = io.ReadFull(c, req[1:]); err == nil {
			err = srv.oracle.Create(c, req)
		}
	case model.OpChallengeCreate:
		err = srv.limiter.CreateChallenge(c)
	case model.OpChallengeVerify:
		var req []byte
		if req, err = srv.limiter.VerifyChallenge(c); err == nil {
			err = srv.oracle.Handle(c, req)
		}
	default:
		log.Debug().Uint8("op", op[0]).Msg("Unknown opcode")
		return
	}

	if err != nil {
		log.Debug().Err(err).Msg("Request failed")
		if _, werr := c.Write(model.FailSentinel); werr != nil {
			log.Debug().Err(werr).Msg("Failed to deliver fail sentinel")
		}
	}
}

// timeoutConn refreshes the connection deadline before every read and
// write, so each protocol round gets the full configured timeout.
type timeoutConn struct {
	net.Conn
	timeout time.Duration
}

func newTimeoutConn(conn net.Conn, timeout time.Duration) *timeoutConn {
	return &timeoutConn{Conn: conn, timeout: timeout}
}

func (c *timeoutConn) Read(p []byte) (int, error) {
	if c.timeout > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(p)
}

func (c *timeoutConn) Write(p []byte) (int, error) {
	if c.timeout > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Write(p)
}

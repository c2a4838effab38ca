// SPDX-FileCopyrightText: 2026 The Aero Authors
//
// SPDX-License-Identifier: MIT

package testserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// TCPEcho accepts connections and echoes every received byte back.
//
// The listener binds with SO_REUSEADDR so quick restart cycles do not
// trip over sockets lingering in TIME_WAIT.
type TCPEcho struct {
	listener net.Listener
	log      zerolog.Logger
	group    errgroup.Group

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// StartTCPEcho binds the address and starts the accept loop. Bind
// failures are returned as-is.
func StartTCPEcho(host string, port int, log zerolog.Logger) (*TCPEcho, error) {
	config := net.ListenConfig{
		Control: func(_, _ string, raw syscall.RawConn) error {
			var sockErr error

			err := raw.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(
					int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1,
				)
			})
			if err != nil {
				return err
			}

			return sockErr
		},
	}

	listener, err := config.Listen(
		context.Background(),
		"tcp",
		fmt.Sprintf("%s:%d", host, port),
	)
	if err != nil {
		return nil, fmt.Errorf("bind tcp echo %s:%d: %w", host, port, err)
	}

	server := &TCPEcho{
		listener: listener,
		log:      log.With().Str("component", "tcp-echo").Logger(),
		conns:    map[net.Conn]struct{}{},
	}

	server.log.Debug().Stringer("addr", listener.Addr()).Msg("listening")

	server.group.Go(server.serve)

	return server, nil
}

// Addr returns the bound address.
func (s *TCPEcho) Addr() *net.TCPAddr {
	return s.listener.Addr().(*net.TCPAddr)
}

func (s *TCPEcho) serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}

			return fmt.Errorf("accept: %w", err)
		}

		s.track(conn, true)

		s.group.Go(func() error {
			defer s.track(conn, false)
			defer conn.Close()

			_, err := io.Copy(conn, conn)
			if err != nil && !errors.Is(err, net.ErrClosed) {
				s.log.Warn().Err(err).Msg("echo connection failed")
			}

			return nil
		})
	}
}

func (s *TCPEcho) track(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

// Shutdown closes the listener and all open connections, then waits for
// the serving goroutines to exit.
func (s *TCPEcho) Shutdown() error {
	err := s.listener.Close()

	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	if groupErr := s.group.Wait(); groupErr != nil {
		return groupErr
	}

	return err
}

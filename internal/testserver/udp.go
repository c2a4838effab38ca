// SPDX-FileCopyrightText: 2026 The Aero Authors
//
// SPDX-License-Identifier: MIT

package testserver

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
)

// maxDatagramSize covers ethernet-MTU-class payloads.
const maxDatagramSize = 2048

// receiveTimeout bounds each blocking read so Close returns promptly even
// with no traffic.
const receiveTimeout = 250 * time.Millisecond

// UDPEcho echoes every received datagram back to its sender.
type UDPEcho struct {
	conn *net.UDPConn
	log  zerolog.Logger
	done chan struct{}
}

// StartUDPEcho binds the address and starts the receive loop.
//
// Port 0 requests an OS-assigned port; the effective address is available
// via [UDPEcho.Addr]. Bind failures are returned as-is, address-in-use
// included, never swallowed.
func StartUDPEcho(host string, port int, log zerolog.Logger) (*UDPEcho, error) {
	addr := &net.UDPAddr{IP: net.ParseIP(host), Port: port}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind udp echo %s:%d: %w", host, port, err)
	}

	server := &UDPEcho{
		conn: conn,
		log:  log.With().Str("component", "udp-echo").Logger(),
		done: make(chan struct{}),
	}

	server.log.Debug().Stringer("addr", conn.LocalAddr()).Msg("listening")

	go server.serve()

	return server, nil
}

// Addr returns the bound address.
func (s *UDPEcho) Addr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

func (s *UDPEcho) serve() {
	defer close(s.done)

	buf := make([]byte, maxDatagramSize)

	for {
		err := s.conn.SetReadDeadline(time.Now().Add(receiveTimeout))
		if err != nil {
			return
		}

		n, sender, err := s.conn.ReadFromUDP(buf)

		switch {
		case errors.Is(err, net.ErrClosed):
			return
		case err != nil && isTimeout(err):
			continue
		case err != nil:
			s.log.Warn().Err(err).Msg("receive failed")
			continue
		}

		if _, err := s.conn.WriteToUDP(buf[:n], sender); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}

			s.log.Warn().Err(err).Stringer("sender", sender).Msg("echo failed")
		}
	}
}

// Close stops the receive loop. It returns once the loop has exited,
// which the read deadline bounds to one timeout interval.
func (s *UDPEcho) Close() error {
	err := s.conn.Close()
	<-s.done

	return err
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

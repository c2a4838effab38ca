// SPDX-FileCopyrightText: 2026 The Aero Authors
//
// SPDX-License-Identifier: MIT

package qmp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// connectRetryInterval is the pause between dial attempts while the server
// socket is not up yet.
const connectRetryInterval = 100 * time.Millisecond

// defaultCommandTimeout bounds a single request/response exchange.
const defaultCommandTimeout = 10 * time.Second

// Client talks the JSON control protocol over a TCP connection.
//
// One request is in flight at a time; concurrent callers are serialized.
type Client struct {
	conn    net.Conn
	reader  *bufio.Reader
	timeout time.Duration
	log     zerolog.Logger

	// stderrTail returns captured hypervisor stderr for EOF diagnostics.
	stderrTail func() string

	mu sync.Mutex
}

// Options configure a [Client] beyond the endpoint address.
type Options struct {
	// CommandTimeout bounds a single exchange. Zero means a default.
	CommandTimeout time.Duration

	// StderrTail, if set, is appended to connection-loss errors so an
	// early hypervisor death produces a useful message instead of a bare
	// EOF.
	StderrTail func() string

	// Log receives protocol traces.
	Log zerolog.Logger
}

type serverError struct {
	Class string `json:"class"`
	Desc  string `json:"desc"`
}

type serverMessage struct {
	QMP    json.RawMessage `json:"QMP"`
	Return json.RawMessage `json:"return"`
	Error  *serverError    `json:"error"`
	Event  string          `json:"event"`
}

// Connect dials the control endpoint, retrying until ctx is done, and
// performs the greeting handshake.
//
// The server opens its socket before the guest machine is ready, so dial
// failures during startup are expected and retried.
func Connect(ctx context.Context, addr string, opts Options) (*Client, error) {
	if opts.CommandTimeout == 0 {
		opts.CommandTimeout = defaultCommandTimeout
	}

	conn, err := dialRetry(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("connect control channel %s: %w", addr, err)
	}

	client := &Client{
		conn:       conn,
		reader:     bufio.NewReader(conn),
		timeout:    opts.CommandTimeout,
		log:        opts.Log,
		stderrTail: opts.StderrTail,
	}

	if err := client.handshake(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	return client, nil
}

func dialRetry(ctx context.Context, addr string) (net.Conn, error) {
	var dialer net.Dialer

	for {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}

		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w (last attempt: %v)", ctx.Err(), err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(connectRetryInterval):
		}
	}
}

// handshake consumes the greeting and negotiates command mode.
func (c *Client) handshake(ctx context.Context) error {
	msg, err := c.readMessage()
	if err != nil {
		return c.wrapReadError(err)
	}

	if msg.QMP == nil {
		return ErrGreetingMissing
	}

	c.log.Debug().RawJSON("greeting", msg.QMP).Msg("control channel greeting")

	_, err = c.Execute(ctx, "qmp_capabilities", nil)
	if err != nil {
		return fmt.Errorf("capability negotiation: %w", err)
	}

	return nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Execute sends one command and waits for its response, skipping any
// asynchronous event objects interleaved into the stream. Server errors
// are returned as classified [ControlError]s.
func (c *Client) Execute(
	ctx context.Context,
	command string,
	arguments any,
) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline := time.Now().Add(c.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set deadline: %w", err)
	}

	request := struct {
		Execute   string `json:"execute"`
		Arguments any    `json:"arguments,omitempty"`
	}{
		Execute:   command,
		Arguments: arguments,
	}

	encoded, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", command, err)
	}

	c.log.Trace().RawJSON("request", encoded).Msg("control channel send")

	if _, err := c.conn.Write(append(encoded, '\n')); err != nil {
		return nil, c.wrapReadError(fmt.Errorf("send %s: %w", command, err))
	}

	for {
		msg, err := c.readMessage()
		if err != nil {
			return nil, c.wrapReadError(err)
		}

		if msg.Event != "" {
			c.log.Trace().Str("event", msg.Event).Msg("control channel event")
			continue
		}

		if msg.Error != nil {
			return nil, classify(command, msg.Error.Class, msg.Error.Desc)
		}

		return msg.Return, nil
	}
}

// readMessage reads one JSON object line, skipping blank lines.
func (c *Client) readMessage() (*serverMessage, error) {
	for {
		line, err := c.reader.ReadBytes('\n')
		if err != nil {
			return nil, err
		}

		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}

		var msg serverMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, fmt.Errorf("malformed response %q: %w", line, err)
		}

		return &msg, nil
	}
}

// wrapReadError turns a connection loss into a single clear error line
// with any captured hypervisor stderr appended.
func (c *Client) wrapReadError(err error) error {
	if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		return err
	}

	wrapped := fmt.Errorf("%w: %v", ErrClosed, err)

	if c.stderrTail != nil {
		if tail := strings.TrimSpace(c.stderrTail()); tail != "" {
			wrapped = fmt.Errorf("%w; hypervisor stderr: %s", wrapped, tail)
		}
	}

	return wrapped
}

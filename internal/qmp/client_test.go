// SPDX-FileCopyrightText: 2026 The Aero Authors
//
// SPDX-License-Identifier: MIT

package qmp_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aero-vm/virtioconf/internal/qmp"
)

const testGreeting = `{"QMP": {"version": {"qemu": {"major": 6}}, "capabilities": []}}`

// fakeServer speaks just enough of the control protocol for the client
// tests. Responses are scripted per command; unknown commands get a
// CommandNotFound error object.
type fakeServer struct {
	t         *testing.T
	listener  net.Listener
	responses map[string][]string
	closeMid  string
	done      chan struct{}
}

func newFakeServer(t *testing.T, responses map[string][]string) *fakeServer {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	server := &fakeServer{
		t:         t,
		listener:  listener,
		responses: responses,
		done:      make(chan struct{}),
	}

	go server.serve()

	t.Cleanup(func() {
		listener.Close()
		<-server.done
	})

	return server
}

func (s *fakeServer) addr() string {
	return s.listener.Addr().String()
}

func (s *fakeServer) serve() {
	defer close(s.done)

	conn, err := s.listener.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	_, _ = conn.Write([]byte(testGreeting + "\n"))

	reader := bufio.NewReader(conn)

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return
		}

		var request struct {
			Execute string `json:"execute"`
		}
		if err := json.Unmarshal(line, &request); err != nil {
			return
		}

		if request.Execute == s.closeMid {
			return
		}

		if request.Execute == "qmp_capabilities" {
			_, _ = conn.Write([]byte(`{"return": {}}` + "\n"))
			continue
		}

		lines, exists := s.responses[request.Execute]
		if !exists {
			lines = []string{
				`{"error": {"class": "CommandNotFound", "desc": "The command ` +
					request.Execute + ` has not been found"}}`,
			}
		}

		for _, respLine := range lines {
			_, _ = conn.Write([]byte(respLine + "\n"))
		}
	}
}

func connect(t *testing.T, server *fakeServer, opts qmp.Options) *qmp.Client {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := qmp.Connect(ctx, server.addr(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return client
}

func TestClientExecute(t *testing.T) {
	server := newFakeServer(t, map[string][]string{
		"query-status": {
			`{"event": "RESET", "data": {}}`,
			`{"return": {"status": "running"}}`,
		},
	})
	client := connect(t, server, qmp.Options{})

	result, err := client.Execute(context.Background(), "query-status", nil)
	require.NoError(t, err)

	var status struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(result, &status))
	assert.Equal(t, "running", status.Status, "event objects are skipped")
}

func TestClientExecuteServerError(t *testing.T) {
	server := newFakeServer(t, map[string][]string{
		"set_link": {
			`{"error": {"class": "DeviceNotFound",` +
				` "desc": "Device 'net9' has not been found"}}`,
		},
	})
	client := connect(t, server, qmp.Options{})

	_, err := client.Execute(context.Background(), "set_link", map[string]any{
		"name": "net9",
		"up":   false,
	})

	var ctrlErr *qmp.ControlError
	require.ErrorAs(t, err, &ctrlErr)
	assert.Equal(t, qmp.KindDeviceNotFound, ctrlErr.Kind,
		"device-not-found must not be misread as command-not-found")
	assert.Equal(t, "set_link", ctrlErr.Command)
}

func TestClientInjectKeysFallback(t *testing.T) {
	server := newFakeServer(t, map[string][]string{
		"human-monitor-command": {`{"return": ""}`},
	})
	client := connect(t, server, qmp.Options{})

	addressed, err := client.InjectKeys(
		context.Background(),
		"input0",
		[]string{"ctrl", "alt", "delete"},
	)
	require.NoError(t, err)
	assert.False(t, addressed,
		"legacy protocol cannot target a device")
}

func TestClientConnectionLoss(t *testing.T) {
	server := newFakeServer(t, nil)
	server.closeMid = "query-pci"

	client := connect(t, server, qmp.Options{
		StderrTail: func() string {
			return "qemu: terminating on signal 15"
		},
	})

	_, err := client.Execute(context.Background(), "query-pci", nil)
	require.ErrorIs(t, err, qmp.ErrClosed)
	assert.ErrorContains(t, err, "qemu: terminating on signal 15",
		"captured stderr is appended to connection-loss errors")
}

func TestClientConnectRetry(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	addr := listener.Addr().String()
	require.NoError(t, listener.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	_, err = qmp.Connect(ctx, addr, qmp.Options{})
	require.ErrorIs(t, err, context.DeadlineExceeded,
		"dial failures are retried until the deadline")
}

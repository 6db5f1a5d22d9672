// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 The Cartpole Lab Authors

package cmd

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cartpole-lab/cartpole/pkg/protocol"
)

// bridge is a test WebSocket endpoint. It sends a text message and then
// the given frame, echoes one binary message back, and hangs up.
func bridge(t *testing.T, frame []byte, auth chan<- string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user, pass, ok := r.BasicAuth(); ok && auth != nil {
			auth <- user + ":" + pass
		}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		c.WriteMessage(websocket.TextMessage, []byte("hello"))
		c.WriteMessage(websocket.BinaryMessage, frame)
		typ, data, err := c.ReadMessage()
		if err != nil {
			return
		}
		c.WriteMessage(typ, data)
	}))
}

func wsURLOf(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// readFor collects bytes from conn until n arrive, the link fails or the
// timeout passes
func readFor(conn Connection, n int, timeout time.Duration) ([]byte, error) {
	var out []byte
	buf := make([]byte, 64)
	deadline := time.Now().Add(timeout)
	for len(out) < n && time.Now().Before(deadline) {
		k, err := conn.Read(buf)
		out = append(out, buf[:k]...)
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

func TestWebSocketLink(t *testing.T) {
	ping := protocol.NewPing([]byte{1, 2, 3, 4})
	auth := make(chan string, 1)
	srv := bridge(t, ping, auth)
	defer srv.Close()

	conn, err := dialWebSocket(wsURLOf(srv), "bench", "secret", false)
	if err != nil {
		t.Fatalf("dialWebSocket: %v", err)
	}
	defer conn.Close()

	select {
	case got := <-auth:
		if got != "bench:secret" {
			t.Errorf("basic auth = %q", got)
		}
	case <-time.After(time.Second):
		t.Error("no basic auth on the upgrade request")
	}

	// the text message is skipped
	got, err := readFor(conn, len(ping), 2*time.Second)
	if err != nil || !bytes.Equal(got, ping) {
		t.Fatalf("read % X, %v; want % X", got, err, ping)
	}

	reply := protocol.NewStreamOn(true)
	if _, err := conn.Write(reply); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got, err := readFor(conn, len(reply), 2*time.Second); err != nil || !bytes.Equal(got, reply) {
		t.Fatalf("echo % X, %v; want % X", got, err, reply)
	}

	// the bridge hangs up after the echo
	if _, err := readFor(conn, 1, 2*time.Second); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("read after hang-up = %v, want ErrConnectionClosed", err)
	}
}

func TestWebSocketReadPolls(t *testing.T) {
	block := make(chan struct{})
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		<-block
	}))
	defer srv.Close()
	defer close(block)

	conn, err := dialWebSocket(wsURLOf(srv), "", "", false)
	if err != nil {
		t.Fatalf("dialWebSocket: %v", err)
	}
	defer conn.Close()

	start := time.Now()
	n, err := conn.Read(make([]byte, 8))
	if n != 0 || err != nil {
		t.Errorf("idle Read = %d, %v", n, err)
	}
	if d := time.Since(start); d > readPoll+time.Second {
		t.Errorf("idle Read took %v", d)
	}
}

func TestParseLinkURL(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
	}{
		{"ws://bridge.local/cartpole", false},
		{"wss://bridge.local:8443/ws", false},
		{"http://bridge.local/", true},
		{"bridge.local", true},
		{"ws://", true},
		{"://", true},
	}
	for _, tt := range tests {
		_, err := parseLinkURL(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseLinkURL(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
	}
}

func TestOpenConnectionFlags(t *testing.T) {
	defer func(p, u string) { portName, wsURL = p, u }(portName, wsURL)

	tests := []struct {
		port, url string
		want      string
	}{
		{"", "", "either --port or --url"},
		{"/dev/ttyUSB0", "ws://bridge.local/", "exclusive"},
		{"", "http://bridge.local/", "unsupported URL scheme"},
	}
	for _, tt := range tests {
		portName, wsURL = tt.port, tt.url
		if connectionRequested() != (tt.port != "" || tt.url != "") {
			t.Errorf("connectionRequested() wrong for port %q url %q", tt.port, tt.url)
		}
		_, err := OpenConnection()
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("port %q url %q: err = %v, want %q", tt.port, tt.url, err, tt.want)
		}
	}
}

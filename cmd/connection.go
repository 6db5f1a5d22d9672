// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 The Cartpole Lab Authors

package cmd

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.bug.st/serial"
	"golang.org/x/term"
)

const (
	// readPoll bounds how long Connection.Read waits for data
	readPoll     = 100 * time.Millisecond
	writeTimeout = time.Second
	dialTimeout  = 15 * time.Second

	passwordEnv = "CARTPOLE_PASSWORD"
)

// ErrConnectionClosed is wrapped by every read error once the host link is gone
var ErrConnectionClosed = errors.New("host link closed")

// Connection is a host link to a controller.
//
// Read waits at most readPoll and returns (0, nil) when nothing arrived, so a
// reader goroutine can poll for shutdown between calls. Once the link is
// gone Read returns an error wrapping ErrConnectionClosed. String names the
// link for status output.
type Connection interface {
	io.ReadWriteCloser
	String() string
}

// serialConn is a host link over a serial port
type serialConn struct {
	port serial.Port
	name string
	baud int
}

func openSerial(name string, baud int) (*serialConn, error) {
	port, err := serial.Open(name, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", name, err)
	}
	if err := port.SetReadTimeout(readPoll); err != nil {
		port.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", name, err)
	}
	return &serialConn{port: port, name: name, baud: baud}, nil
}

func (s *serialConn) Read(p []byte) (int, error) {
	n, err := s.port.Read(p)
	if err != nil {
		return n, fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	return n, nil
}

func (s *serialConn) Write(p []byte) (int, error) {
	return s.port.Write(p)
}

func (s *serialConn) Close() error {
	return s.port.Close()
}

func (s *serialConn) String() string {
	return fmt.Sprintf("Serial: %s @ %d baud", s.name, s.baud)
}

// wsConn is a host link over a WebSocket. Frames travel in binary messages;
// other message types are ignored. A pump goroutine owns the reading side of
// the socket so Read can give up after readPoll without breaking it.
type wsConn struct {
	conn *websocket.Conn
	url  string

	msgs    chan []byte
	done    chan struct{}
	once    sync.Once
	err     error // set by pump before msgs is closed
	pending []byte
}

func newWSConn(conn *websocket.Conn, rawURL string) *wsConn {
	w := &wsConn{
		conn: conn,
		url:  rawURL,
		msgs: make(chan []byte, 64),
		done: make(chan struct{}),
	}
	go w.pump()
	return w
}

func (w *wsConn) pump() {
	defer close(w.msgs)
	for {
		typ, data, err := w.conn.ReadMessage()
		if err != nil {
			w.err = err
			return
		}
		if typ != websocket.BinaryMessage {
			continue
		}
		select {
		case w.msgs <- data:
		case <-w.done:
			return
		}
	}
}

func (w *wsConn) Read(p []byte) (int, error) {
	if len(w.pending) == 0 {
		t := time.NewTimer(readPoll)
		defer t.Stop()
		select {
		case data, ok := <-w.msgs:
			if !ok {
				if w.err != nil {
					return 0, fmt.Errorf("%w: %v", ErrConnectionClosed, w.err)
				}
				return 0, ErrConnectionClosed
			}
			w.pending = data
		case <-t.C:
			return 0, nil
		}
	}
	n := copy(p, w.pending)
	w.pending = w.pending[n:]
	return n, nil
}

func (w *wsConn) Write(p []byte) (int, error) {
	w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *wsConn) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		err = w.conn.Close()
	})
	return err
}

func (w *wsConn) String() string {
	return "WebSocket: " + w.url
}

// parseLinkURL checks that raw is a ws:// or wss:// URL
func parseLinkURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("unsupported URL scheme %q (use ws:// or wss://)", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("URL %q has no host", raw)
	}
	return u, nil
}

// dialWebSocket connects to a controller bridge. Credentials, when given,
// are sent as HTTP Basic auth on the upgrade request.
func dialWebSocket(rawURL, username, password string, skipVerify bool) (*wsConn, error) {
	u, err := parseLinkURL(rawURL)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	if u.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: skipVerify}
	}
	headers := http.Header{}
	if username != "" {
		token := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
		headers.Set("Authorization", "Basic "+token)
	}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	conn, resp, err := dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket %s: HTTP %d: %w", u, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket %s: %w", u, err)
	}
	return newWSConn(conn, u.String()), nil
}

// linkPassword returns the bridge password from the environment, or asks
// for it on the terminal
func linkPassword() (string, error) {
	if pw := os.Getenv(passwordEnv); pw != "" {
		return pw, nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("--username needs a password: set %s", passwordEnv)
	}
	fmt.Fprint(os.Stderr, "Password: ")
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(pw), nil
}

// connectionRequested reports whether a host link was selected on the
// command line
func connectionRequested() bool {
	return wsURL != "" || portName != ""
}

// OpenConnection opens the host link selected by --port or --url
func OpenConnection() (Connection, error) {
	switch {
	case wsURL != "" && portName != "":
		return nil, errors.New("--port and --url are exclusive")
	case wsURL != "":
		var password string
		if wsUsername != "" {
			var err error
			if password, err = linkPassword(); err != nil {
				return nil, err
			}
		}
		return dialWebSocket(wsURL, wsUsername, password, wsNoSSLVerify)
	case portName != "":
		return openSerial(portName, baudRate)
	default:
		return nil, errors.New("either --port or --url must be specified")
	}
}

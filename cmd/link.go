// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 The Cartpole Lab Authors

package cmd

import (
	"errors"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

const (
	linkRxQueue = 4096
	linkTxQueue = 64
)

// Link adapts a blocking Connection to the device's non-blocking
// transport. A reader goroutine queues received bytes and a writer goroutine
// drains sent frames, so neither the tick nor the background loop ever
// waits on the connection. Without a connection, sent frames are discarded
// and only injected bytes are received.
type Link struct {
	conn Connection
	rx   chan byte
	tx   chan []byte
	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once

	sent      atomic.Uint64
	rxDropped atomic.Uint64
	txDropped atomic.Uint64
	txErrors  atomic.Uint64
	lost      atomic.Bool
}

// LinkStats is a copy of the link counters
type LinkStats struct {
	Sent      uint64
	RxDropped uint64
	TxDropped uint64
	TxErrors  uint64
	Lost      bool
}

// NewLink starts the link goroutines. conn may be nil.
func NewLink(conn Connection) *Link {
	l := &Link{
		conn: conn,
		rx:   make(chan byte, linkRxQueue),
		tx:   make(chan []byte, linkTxQueue),
		done: make(chan struct{}),
	}
	if conn != nil {
		l.wg.Add(2)
		go l.readLoop()
		go l.writeLoop()
	}
	return l
}

// Send queues a frame for the host. The frame is copied.
func (l *Link) Send(frame []byte) {
	if l.conn == nil {
		l.sent.Add(1)
		return
	}
	select {
	case l.tx <- append([]byte(nil), frame...):
	default:
		l.txDropped.Add(1)
	}
}

// TryReceiveByte returns the next received byte without blocking
func (l *Link) TryReceiveByte() (byte, bool) {
	select {
	case b := <-l.rx:
		return b, true
	default:
		return 0, false
	}
}

// Inject queues bytes as if the host had sent them
func (l *Link) Inject(data []byte) {
	for _, b := range data {
		select {
		case l.rx <- b:
		case <-l.done:
			return
		}
	}
}

// Stats returns the link counters
func (l *Link) Stats() LinkStats {
	return LinkStats{
		Sent:      l.sent.Load(),
		RxDropped: l.rxDropped.Load(),
		TxDropped: l.txDropped.Load(),
		TxErrors:  l.txErrors.Load(),
		Lost:      l.lost.Load(),
	}
}

// Close stops the goroutines and closes the connection
func (l *Link) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		if l.conn != nil {
			err = l.conn.Close()
		}
		l.wg.Wait()
	})
	return err
}

func (l *Link) readLoop() {
	defer l.wg.Done()
	buf := make([]byte, 256)
	for {
		select {
		case <-l.done:
			return
		default:
		}

		// Read returns within readPoll, so done is seen at least that often
		n, err := l.conn.Read(buf)
		for i := 0; i < n; i++ {
			select {
			case l.rx <- buf[i]:
			default:
				l.rxDropped.Add(1)
			}
		}
		if err == nil {
			continue
		}
		if errors.Is(err, ErrConnectionClosed) || errors.Is(err, io.EOF) {
			log.Printf("Host link closed: %v", err)
			l.lost.Store(true)
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (l *Link) writeLoop() {
	defer l.wg.Done()
	for {
		select {
		case <-l.done:
			return
		case frame := <-l.tx:
			if _, err := l.conn.Write(frame); err != nil {
				l.txErrors.Add(1)
				continue
			}
			l.sent.Add(1)
		}
	}
}

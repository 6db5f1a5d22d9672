// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 The Cartpole Lab Authors

// Package recorder writes and reads the controller flight recording.
//
// A recording is a stream of CBOR records. Each record is a two-element
// array [record_type, body], where body is an integer-keyed map.
package recorder

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fxamacker/cbor/v2"
)

// Record types
const (
	RecordTick  uint8 = 0x01
	RecordEvent uint8 = 0x02
)

// Event kinds
const (
	EventStallDisable      uint8 = 0x01
	EventCalibrated        uint8 = 0x02
	EventCalibrationFailed uint8 = 0x03
	EventControlEnabled    uint8 = 0x04
	EventControlDisabled   uint8 = 0x05
)

// ErrUnknownRecord is returned for a record type this package does not know
var ErrUnknownRecord = errors.New("recorder: unknown record type")

// Entry is one control tick
type Entry struct {
	TimeUs   uint64 `cbor:"0,keyasint"`
	Seq      uint8  `cbor:"1,keyasint"`
	Angle    int    `cbor:"2,keyasint"`
	Rate     int    `cbor:"3,keyasint"`
	Position int    `cbor:"4,keyasint"`
	Frozen   int    `cbor:"5,keyasint"`
	Command  int    `cbor:"6,keyasint"`
	Mode     uint8  `cbor:"7,keyasint"`
}

// Event is a mode change or fault
type Event struct {
	TimeUs uint64 `cbor:"0,keyasint"`
	Kind   uint8  `cbor:"1,keyasint"`
	Value  int    `cbor:"2,keyasint,omitempty"`
}

// EventName returns the name of an event kind
func EventName(kind uint8) string {
	switch kind {
	case EventStallDisable:
		return "STALL_DISABLE"
	case EventCalibrated:
		return "CALIBRATED"
	case EventCalibrationFailed:
		return "CALIBRATION_FAILED"
	case EventControlEnabled:
		return "CONTROL_ENABLED"
	case EventControlDisabled:
		return "CONTROL_DISABLED"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02X)", kind)
	}
}

type envelope struct {
	_    struct{} `cbor:",toarray"`
	Type uint8
	Body cbor.RawMessage
}

// Writer appends records to a stream
type Writer struct {
	buf    *bufio.Writer
	closer io.Closer
	enc    *cbor.Encoder
	ticks  int
	events int
}

// NewWriter creates a writer on w
func NewWriter(w io.Writer) *Writer {
	buf := bufio.NewWriter(w)
	return &Writer{buf: buf, enc: cbor.NewEncoder(buf)}
}

// Create opens path for writing, truncating an existing file
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create recording: %w", err)
	}
	w := NewWriter(f)
	w.closer = f
	return w, nil
}

func (w *Writer) write(typ uint8, body interface{}) error {
	raw, err := cbor.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	if err := w.enc.Encode(envelope{Type: typ, Body: raw}); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	return nil
}

// Write appends a tick entry
func (w *Writer) Write(e Entry) error {
	if err := w.write(RecordTick, e); err != nil {
		return err
	}
	w.ticks++
	return nil
}

// WriteEvent appends an event
func (w *Writer) WriteEvent(ev Event) error {
	if err := w.write(RecordEvent, ev); err != nil {
		return err
	}
	w.events++
	return nil
}

// Counts returns the number of ticks and events written
func (w *Writer) Counts() (ticks, events int) {
	return w.ticks, w.events
}

// Flush writes buffered records to the underlying stream
func (w *Writer) Flush() error {
	return w.buf.Flush()
}

// Close flushes and closes the file opened by Create
func (w *Writer) Close() error {
	err := w.buf.Flush()
	if w.closer != nil {
		if cerr := w.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Record is one decoded record. Exactly one of Entry and Event is set,
// according to Type.
type Record struct {
	Type  uint8
	Entry *Entry
	Event *Event
}

// Reader decodes a recording
type Reader struct {
	dec *cbor.Decoder
}

// NewReader creates a reader on r
func NewReader(r io.Reader) *Reader {
	return &Reader{dec: cbor.NewDecoder(r)}
}

// Next returns the next record, or io.EOF at the end of the stream
func (r *Reader) Next() (Record, error) {
	var env envelope
	if err := r.dec.Decode(&env); err != nil {
		if errors.Is(err, io.EOF) {
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("failed to decode record: %w", err)
	}

	rec := Record{Type: env.Type}
	switch env.Type {
	case RecordTick:
		rec.Entry = &Entry{}
		if err := cbor.Unmarshal(env.Body, rec.Entry); err != nil {
			return Record{}, fmt.Errorf("failed to decode tick: %w", err)
		}
	case RecordEvent:
		rec.Event = &Event{}
		if err := cbor.Unmarshal(env.Body, rec.Event); err != nil {
			return Record{}, fmt.Errorf("failed to decode event: %w", err)
		}
	default:
		return Record{}, fmt.Errorf("%w: 0x%02X", ErrUnknownRecord, env.Type)
	}
	return rec, nil
}

// ReadAll decodes every record in r
func ReadAll(r io.Reader) (entries []Entry, events []Event, err error) {
	rd := NewReader(r)
	for {
		rec, err := rd.Next()
		if errors.Is(err, io.EOF) {
			return entries, events, nil
		}
		if err != nil {
			return entries, events, err
		}
		if rec.Entry != nil {
			entries = append(entries, *rec.Entry)
		}
		if rec.Event != nil {
			events = append(events, *rec.Event)
		}
	}
}

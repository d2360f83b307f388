// Package ipc is the newline-delimited JSON message channel a worker process
// writes on stdout and the coordinator reads.
package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/JakeFAU/shopcrawl/internal/crawler"
	"github.com/JakeFAU/shopcrawl/internal/worker"
)

// Type tags a Message.
type Type string

// Message types.
const (
	TypeOnline  Type = "online"
	TypeRecord  Type = "record"
	TypeSummary Type = "summary"
)

// ErrMalformed marks a line that is not a valid message.
var ErrMalformed = errors.New("malformed message")

// maxLine bounds one encoded message.
const maxLine = 4 << 20

// Message is one envelope on the channel.
type Message struct {
	Type    Type            `json:"type"`
	Worker  int             `json:"worker"`
	PID     int             `json:"pid,omitempty"`
	Record  *crawler.Record `json:"record,omitempty"`
	Summary *worker.Summary `json:"summary,omitempty"`
}

// Validate checks that the payload matches the type.
func (m Message) Validate() error {
	switch m.Type {
	case TypeOnline:
		return nil
	case TypeRecord:
		if m.Record == nil {
			return fmt.Errorf("%w: record message without record", ErrMalformed)
		}
	case TypeSummary:
		if m.Summary == nil {
			return fmt.Errorf("%w: summary message without summary", ErrMalformed)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrMalformed, m.Type)
	}
	return nil
}

// Encoder writes messages for one worker. It is safe for concurrent use and
// implements worker.Emitter.
type Encoder struct {
	mu     sync.Mutex
	enc    *json.Encoder
	worker int
}

// NewEncoder writes messages tagged with the worker index to w.
func NewEncoder(w io.Writer, workerIndex int) *Encoder {
	return &Encoder{enc: json.NewEncoder(w), worker: workerIndex}
}

// Send writes msg as one line.
func (e *Encoder) Send(msg Message) error {
	msg.Worker = e.worker
	if err := msg.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enc.Encode(msg); err != nil {
		return fmt.Errorf("write %s message: %w", msg.Type, err)
	}
	return nil
}

// Online announces that the worker started.
func (e *Encoder) Online(pid int) error {
	return e.Send(Message{Type: TypeOnline, PID: pid})
}

// Emit sends one record.
func (e *Encoder) Emit(_ context.Context, record crawler.Record) error {
	return e.Send(Message{Type: TypeRecord, Record: &record})
}

// Summarize sends the worker's final counters.
func (e *Encoder) Summarize(summary worker.Summary) error {
	return e.Send(Message{Type: TypeSummary, Summary: &summary})
}

// Decoder reads messages line by line.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder reads messages from r.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	return &Decoder{scanner: scanner}
}

// Next returns the next message, io.EOF at end of stream, or an error
// wrapping ErrMalformed for a bad line. Reading may continue after
// ErrMalformed.
func (d *Decoder) Next() (Message, error) {
	for d.scanner.Scan() {
		line := d.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return Message{}, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		if err := msg.Validate(); err != nil {
			return Message{}, err
		}
		return msg, nil
	}
	if err := d.scanner.Err(); err != nil {
		return Message{}, fmt.Errorf("read messages: %w", err)
	}
	return Message{}, io.EOF
}

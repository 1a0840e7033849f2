// Package stream provides the ordered, backpressure-aware event channel
// between the query pipeline and a client connection.
package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SHAIK14/Finsight-AI/types"
)

var (
	ErrStreamClosed = errors.New("stream closed")
	ErrTerminalSent = errors.New("terminal event already sent")
)

// Config configures stream buffering.
type Config struct {
	// BufferSize bounds how far the producer may run ahead of the consumer.
	BufferSize int `yaml:"buffer_size" json:"buffer_size"`
}

// DefaultConfig returns optimized defaults.
func DefaultConfig() Config {
	return Config{BufferSize: 256}
}

// Stream is a bounded, ordered event channel with exactly-once terminal
// semantics. A full buffer blocks the producer rather than dropping or
// reordering events; a sent terminal event seals the stream.
type Stream struct {
	buffer   chan types.StreamEvent
	done     chan struct{}
	seal     sync.Once
	mu       sync.Mutex
	closed   bool
	terminal bool

	// Metrics
	produced  atomic.Int64
	consumed  atomic.Int64
	blocked   atomic.Int64
	lastWrite atomic.Int64
}

// New creates a stream.
func New(config Config) *Stream {
	if config.BufferSize <= 0 {
		config.BufferSize = 256
	}
	return &Stream{
		buffer: make(chan types.StreamEvent, config.BufferSize),
		done:   make(chan struct{}),
	}
}

// Send delivers an event in order, blocking when the consumer lags. After a
// terminal event every further Send fails, so one query can never produce two
// outcomes.
func (s *Stream) Send(ctx context.Context, event types.StreamEvent) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStreamClosed
	}
	if s.terminal {
		s.mu.Unlock()
		return ErrTerminalSent
	}
	if event.IsTerminal() {
		s.terminal = true
	}
	s.mu.Unlock()

	s.lastWrite.Store(time.Now().UnixNano())

	if len(s.buffer) == cap(s.buffer) {
		s.blocked.Add(1)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrStreamClosed
	case s.buffer <- event:
		s.produced.Add(1)
		if event.IsTerminal() {
			// Only the producer goroutine ever closes the buffer, so the
			// consumer's range ends right after the terminal event.
			s.Close()
			s.seal.Do(func() { close(s.buffer) })
		}
		return nil
	}
}

// Events returns the consumer side. The channel closes after the terminal
// event is consumed or the stream is closed.
func (s *Stream) Events() <-chan types.StreamEvent {
	return s.buffer
}

// Read receives the next event, honoring ctx.
func (s *Stream) Read(ctx context.Context) (types.StreamEvent, error) {
	select {
	case <-ctx.Done():
		return types.StreamEvent{}, ctx.Err()
	case event, ok := <-s.buffer:
		if !ok {
			return types.StreamEvent{}, ErrStreamClosed
		}
		s.consumed.Add(1)
		return event, nil
	}
}

// Close stops the stream: further sends fail and a producer blocked in Send
// is released. Buffered events remain readable. The buffer channel itself is
// closed only from the producer side after a terminal event, never here, so a
// concurrent Send cannot hit a closed channel. Safe to call more than once.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}

// TerminalSent reports whether a terminal event has been accepted.
func (s *Stream) TerminalSent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminal
}

// Stats returns stream statistics.
func (s *Stream) Stats() Stats {
	return Stats{
		Produced:   s.produced.Load(),
		Consumed:   s.consumed.Load(),
		Blocked:    s.blocked.Load(),
		BufferSize: len(s.buffer),
		BufferCap:  cap(s.buffer),
		LastWrite:  time.Unix(0, s.lastWrite.Load()),
	}
}

// Stats contains stream statistics.
type Stats struct {
	Produced   int64     `json:"produced"`
	Consumed   int64     `json:"consumed"`
	Blocked    int64     `json:"blocked"`
	BufferSize int       `json:"buffer_size"`
	BufferCap  int       `json:"buffer_cap"`
	LastWrite  time.Time `json:"last_write"`
}

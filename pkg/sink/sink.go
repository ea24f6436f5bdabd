// Package sink delivers filtered stream events downstream, one record at a
// time.
package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/assetflow/assetflow/pkg/event"
)

// ErrClosed is returned by Emit after Close.
var ErrClosed = errors.New("sink is closed")

// Record is one delivered event.
type Record struct {
	InstanceID  string `json:"instance_id" yaml:"instance_id"`
	event.Event `yaml:",inline"`
}

// Sink receives delivered records. Emit is called sequentially by a single
// consumer, in stream order.
type Sink interface {
	Emit(ctx context.Context, rec Record) error
	Close() error
}

// ChannelSink hands records to a bounded channel. Emit blocks while the
// channel is full.
type ChannelSink struct {
	ch     chan Record
	done   chan struct{}
	once   sync.Once
	mu     sync.RWMutex
	closed bool
}

// NewChannelSink creates a ChannelSink with the given buffer capacity.
func NewChannelSink(capacity int) *ChannelSink {
	if capacity < 0 {
		capacity = 0
	}
	return &ChannelSink{
		ch:   make(chan Record, capacity),
		done: make(chan struct{}),
	}
}

// C returns the receive side. It is closed by Close.
func (s *ChannelSink) C() <-chan Record {
	return s.ch
}

func (s *ChannelSink) Emit(ctx context.Context, rec Record) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	select {
	case s.ch <- rec:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	}
}

func (s *ChannelSink) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
	return nil
}

// Output formats for WriterSink.
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// WriterSink renders records to an io.Writer as JSON lines or YAML
// documents.
type WriterSink struct {
	mu     sync.Mutex
	w      io.Writer
	format string
	yaml   *yaml.Encoder
}

// NewWriterSink creates a WriterSink. An empty format selects JSON.
func NewWriterSink(w io.Writer, format string) (*WriterSink, error) {
	format = strings.ToLower(strings.TrimSpace(format))
	switch format {
	case "", FormatJSON:
		return &WriterSink{w: w, format: FormatJSON}, nil
	case FormatYAML, "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		return &WriterSink{w: w, format: FormatYAML, yaml: enc}, nil
	default:
		return nil, fmt.Errorf("unsupported output format %q", format)
	}
}

func (s *WriterSink) Emit(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.format == FormatYAML {
		if err := s.yaml.Encode(rec); err != nil {
			return fmt.Errorf("failed to write record: %w", err)
		}
		return nil
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	data = append(data, '\n')
	if _, err := s.w.Write(data); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	return nil
}

func (s *WriterSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.yaml != nil {
		return s.yaml.Close()
	}
	return nil
}

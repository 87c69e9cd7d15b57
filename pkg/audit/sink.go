package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sink receives audit events.
type Sink interface {
	Emit(ctx context.Context, e Event) error
}

// Filter selects events from a Querier. Zero fields match everything.
type Filter struct {
	WorkspaceID uuid.UUID
	ArtifactID  uuid.UUID
	Action      Action
	Start       time.Time
	End         time.Time
	Limit       int
}

func (f Filter) match(e Event) bool {
	if f.WorkspaceID != uuid.Nil && e.WorkspaceID != f.WorkspaceID {
		return false
	}
	if f.ArtifactID != uuid.Nil && (e.ArtifactID == nil || *e.ArtifactID != f.ArtifactID) {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if !f.Start.IsZero() && e.Timestamp.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && e.Timestamp.After(f.End) {
		return false
	}
	return true
}

// Querier reads back stored events, oldest first.
type Querier interface {
	Query(ctx context.Context, f Filter) ([]Event, error)
}

// WriterSink writes one "AUDIT: {json}" line per event.
type WriterSink struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewWriterSink creates a sink writing to w, or os.Stdout when w is nil.
func NewWriterSink(w io.Writer) *WriterSink {
	if w == nil {
		w = os.Stdout
	}
	return &WriterSink{writer: w}
}

func (s *WriterSink) Emit(_ context.Context, e Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("audit: marshal event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Prefix with AUDIT: for easy filtering
	_, err = s.writer.Write(append([]byte("AUDIT: "), append(data, '\n')...))
	return err
}

// FileSink appends audit lines to a file.
type FileSink struct {
	*WriterSink
	f *os.File
}

// NewFileSink opens path for appending, creating it with mode 0600.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	return &FileSink{WriterSink: NewWriterSink(f), f: f}, nil
}

func (s *FileSink) Close() error {
	return s.f.Close()
}

// MemorySink keeps events in memory. It backs tests and the HTTP audit trail
// when no database is configured.
type MemorySink struct {
	mu     sync.RWMutex
	events []Event
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Emit(_ context.Context, e Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

// Events returns a copy of everything recorded.
func (s *MemorySink) Events() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

func (s *MemorySink) Query(_ context.Context, f Filter) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Event
	for _, e := range s.events {
		if f.match(e) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// MultiSink fans events out to every sink. All sinks are attempted; their
// errors are joined.
type MultiSink []Sink

func (m MultiSink) Emit(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Emit(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

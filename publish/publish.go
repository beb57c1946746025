// Package publish defines the fire-and-forget status publisher that the
// resolver and the flow executor write their records to, along with a few
// implementations.
//
// Publishing never blocks on an acknowledgement and never returns an error;
// implementations that can fail log the failure and move on.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/fortressi/crosschain/kv"
)

// Publisher writes a value at a dotted path of an external status log.
type Publisher interface {
	Publish(path string, value any)
}

// Join builds a dotted path from segments, skipping empty ones.
func Join(segments ...string) string {
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ".")
}

// Nop discards everything.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(string, any) {}

// Entry is one published record.
type Entry struct {
	Path  string
	Value any
}

// Recorder keeps every published record in memory, in order.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Publish implements Publisher.
func (r *Recorder) Publish(path string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, Entry{Path: path, Value: value})
}

// Entries returns a copy of all records.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), r.entries...)
}

// History returns the values published at path, oldest first.
func (r *Recorder) History(path string) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []any
	for _, e := range r.entries {
		if e.Path == path {
			out = append(out, e.Value)
		}
	}
	return out
}

// Latest returns the most recent value published at path.
func (r *Recorder) Latest(path string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.entries) - 1; i >= 0; i-- {
		if r.entries[i].Path == path {
			return r.entries[i].Value, true
		}
	}
	return nil, false
}

// LogPublisher writes each record as a structured log line.
type LogPublisher struct {
	Logger *zap.Logger
}

// Publish implements Publisher.
func (l LogPublisher) Publish(path string, value any) {
	logger := l.Logger
	if logger == nil {
		return
	}
	logger.Info("published", zap.String("path", path), zap.Any("value", value))
}

// Multi fans every record out to several publishers.
type Multi []Publisher

// Publish implements Publisher.
func (m Multi) Publish(path string, value any) {
	for _, p := range m {
		if p != nil {
			p.Publish(path, value)
		}
	}
}

// StorePublisher persists records in a kv.Store. Each path keeps its latest
// value and an append-only history so that an operator can reconstruct the
// whole trail after a restart.
type StorePublisher struct {
	mu     sync.Mutex
	store  kv.Store
	logger *zap.Logger
	seq    map[string]uint64
}

// NewStorePublisher creates a publisher writing under "published/" in store.
func NewStorePublisher(store kv.Store, logger *zap.Logger) *StorePublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StorePublisher{store: store, logger: logger, seq: make(map[string]uint64)}
}

func latestKey(path string) string { return "published/latest/" + path }

func historyPrefix(path string) string { return "published/history/" + path + "/" }

// Publish implements Publisher. Write failures are logged, not returned.
func (s *StorePublisher) Publish(path string, value any) {
	data, err := json.Marshal(value)
	if err != nil {
		s.logger.Error("failed to encode published value", zap.String("path", path), zap.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx := context.Background()
	n, ok := s.seq[path]
	if !ok {
		n, err = s.nextSeq(ctx, path)
		if err != nil {
			s.logger.Error("failed to read publish history", zap.String("path", path), zap.Error(err))
			return
		}
	}
	if err := s.store.Put(ctx, historyPrefix(path)+fmt.Sprintf("%020d", n), data); err != nil {
		s.logger.Error("failed to publish", zap.String("path", path), zap.Error(err))
		return
	}
	s.seq[path] = n + 1
	if err := s.store.Put(ctx, latestKey(path), data); err != nil {
		s.logger.Error("failed to publish", zap.String("path", path), zap.Error(err))
	}
}

func (s *StorePublisher) nextSeq(ctx context.Context, path string) (uint64, error) {
	var n uint64
	err := s.store.Scan(ctx, historyPrefix(path), func(string, []byte) error {
		n++
		return nil
	})
	return n, err
}

// Latest decodes the most recent value at path into out.
func (s *StorePublisher) Latest(ctx context.Context, path string, out any) error {
	data, err := s.store.Get(ctx, latestKey(path))
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// History returns the raw JSON records published at path, oldest first.
func (s *StorePublisher) History(ctx context.Context, path string) ([]json.RawMessage, error) {
	var out []json.RawMessage
	err := s.store.Scan(ctx, historyPrefix(path), func(_ string, data []byte) error {
		out = append(out, json.RawMessage(data))
		return nil
	})
	return out, err
}

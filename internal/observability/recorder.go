package observability

import (
	"strings"
	"sync"
)

// Entry is a single captured log line.
type Entry struct {
	Level   string
	Message string
	Fields  []Field
}

// Field returns the value recorded under key, if any.
func (e Entry) Field(key string) (any, bool) {
	for _, f := range e.Fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return nil, false
}

// Recorder is an in-memory Logger used by tests and diagnostics endpoints.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Debug(msg string, fields ...Field) { r.add("debug", msg, fields) }
func (r *Recorder) Info(msg string, fields ...Field)  { r.add("info", msg, fields) }
func (r *Recorder) Error(msg string, fields ...Field) { r.add("error", msg, fields) }

func (r *Recorder) add(level, msg string, fields []Field) {
	copied := append([]Field(nil), fields...)
	r.mu.Lock()
	r.entries = append(r.entries, Entry{Level: level, Message: msg, Fields: copied})
	r.mu.Unlock()
}

// Entries returns a snapshot of captured entries.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), r.entries...)
}

// Find returns entries at level whose message contains substr.
func (r *Recorder) Find(level, substr string) []Entry {
	var out []Entry
	for _, e := range r.Entries() {
		if e.Level == level && strings.Contains(e.Message, substr) {
			out = append(out, e)
		}
	}
	return out
}

var _ Logger = (*Recorder)(nil)

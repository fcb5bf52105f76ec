package trace

import (
	"os"
	"path/filepath"
	"sync"
)

// Sink receives diagnostics text keyed by a tag. Appends are advisory:
// implementations swallow their own failures.
type Sink interface {
	Append(tag, text string)
}

// Discard is a Sink that drops everything.
var Discard Sink = discard{}

type discard struct{}

func (discard) Append(string, string) {}

// FileSink appends each tag's text to <dir>/<tag>.log.
type FileSink struct {
	dir string
	mu  sync.Mutex
}

// NewFileSink returns a sink rooted at dir. The directory is created lazily
// on the first append.
func NewFileSink(dir string) *FileSink {
	if dir == "" {
		dir = "."
	}
	return &FileSink{dir: dir}
}

// Dir returns the directory the sink writes to.
func (s *FileSink) Dir() string {
	return s.dir
}

// Append implements Sink. Errors are ignored.
func (s *FileSink) Append(tag, text string) {
	if tag == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return
	}
	f, err := os.OpenFile(filepath.Join(s.dir, tag+".log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	_, _ = f.WriteString(text)
	_ = f.Close()
}

// MemorySink keeps appended text in memory, keyed by tag.
type MemorySink struct {
	mu   sync.Mutex
	data map[string][]string
}

// NewMemorySink returns an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{data: make(map[string][]string)}
}

// Append implements Sink.
func (s *MemorySink) Append(tag, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[tag] = append(s.data[tag], text)
}

// Entries returns a copy of everything appended under tag.
func (s *MemorySink) Entries(tag string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.data[tag]...)
}

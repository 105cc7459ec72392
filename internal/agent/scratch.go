package agent

import (
	"fmt"
	"os"
	"sync"
)

// Scratch is a caller-owned transcript file. The caller must Close it on
// every exit path; Close removes the file and is safe to call repeatedly.
type Scratch struct {
	mu     sync.Mutex
	path   string
	closed bool
}

// NewScratch creates an empty scratch file under dir.
func NewScratch(dir string) (*Scratch, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create transcript directory: %w", err)
	}
	f, err := os.CreateTemp(dir, "transcript-*.txt")
	if err != nil {
		return nil, fmt.Errorf("create transcript file: %w", err)
	}
	path := f.Name()
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return nil, err
	}
	return &Scratch{path: path}, nil
}

// Path returns the file location.
func (s *Scratch) Path() string {
	return s.path
}

// Write replaces the file contents with text.
func (s *Scratch) Write(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("transcript %s already released", s.path)
	}
	return os.WriteFile(s.path, []byte(text), 0o600)
}

// Close removes the file.
func (s *Scratch) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

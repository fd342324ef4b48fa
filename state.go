package bridge

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/acarl005/stripansi"
)

// Buffer is one file the editor currently tracks.
type Buffer struct {
	ID       int64
	Path     string
	Filetype string
	Modified bool
	OpenedAt time.Time
	lines    []string
}

// BufferStore is the thread-safe view of editor state the capability
// handlers read and mutate: tracked buffers, per-path diagnostics, and
// the cursor. In the real editor this is fed by editor events; tests and
// the standalone daemon populate it directly.
type BufferStore struct {
	mu          sync.RWMutex
	nextID      int64
	buffers     map[string]*Buffer
	diagnostics map[string][]Diagnostic
	cursor      Cursor
	current     string
}

// NewBufferStore creates an empty store.
func NewBufferStore() *BufferStore {
	return &BufferStore{
		buffers:     make(map[string]*Buffer),
		diagnostics: make(map[string][]Diagnostic),
	}
}

// Open tracks path as a buffer (creating it if needed), makes it current,
// and moves the cursor when line is positive.
func (s *BufferStore) Open(path string, line, col int) *Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf, ok := s.buffers[path]
	if !ok {
		s.nextID++
		buf = &Buffer{
			ID:       s.nextID,
			Path:     path,
			Filetype: filetypeOf(path),
			OpenedAt: time.Now(),
		}
		s.buffers[path] = buf
	}
	s.current = path
	if line > 0 {
		s.cursor = Cursor{Path: path, Line: line, Col: col}
	}
	return buf
}

// SetLines replaces the buffer content for path, tracking the buffer if
// it is new. Terminal buffers carry ANSI escapes; lines are stored
// stripped so snapshots are plain text.
func (s *BufferStore) SetLines(path string, lines []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf, ok := s.buffers[path]
	if !ok {
		s.nextID++
		buf = &Buffer{
			ID:       s.nextID,
			Path:     path,
			Filetype: filetypeOf(path),
			OpenedAt: time.Now(),
		}
		s.buffers[path] = buf
	}
	clean := make([]string, len(lines))
	for i, line := range lines {
		clean[i] = stripansi.Strip(line)
	}
	buf.lines = clean
	buf.Modified = true
}

// Content returns the buffer lines for path. ok is false when the path
// is not tracked.
func (s *BufferStore) Content(path string) ([]string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	buf, ok := s.buffers[path]
	if !ok {
		return nil, false
	}
	lines := make([]string, len(buf.lines))
	copy(lines, buf.lines)
	return lines, true
}

// Get returns the tracked buffer for path.
func (s *BufferStore) Get(path string) (*Buffer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	buf, ok := s.buffers[path]
	return buf, ok
}

// List returns info for every tracked buffer, ordered by buffer id.
func (s *BufferStore) List() []BufferInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]BufferInfo, 0, len(s.buffers))
	for _, buf := range s.buffers {
		infos = append(infos, BufferInfo{
			ID:       buf.ID,
			Path:     buf.Path,
			Name:     filepath.Base(buf.Path),
			Modified: buf.Modified,
			Filetype: buf.Filetype,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Remove drops a tracked buffer and its diagnostics.
func (s *BufferStore) Remove(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buffers, path)
	delete(s.diagnostics, path)
	if s.current == path {
		s.current = ""
	}
}

// SetDiagnostics replaces the diagnostics for path.
func (s *BufferStore) SetDiagnostics(path string, diags []Diagnostic) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(diags) == 0 {
		delete(s.diagnostics, path)
		return
	}
	s.diagnostics[path] = diags
}

// Diagnostics returns diagnostics for path, or for all tracked paths when
// path is empty. An untracked path yields an empty slice, not an error.
func (s *BufferStore) Diagnostics(path string) []Diagnostic {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if path != "" {
		return append([]Diagnostic(nil), s.diagnostics[path]...)
	}
	var all []Diagnostic
	for _, diags := range s.diagnostics {
		all = append(all, diags...)
	}
	return all
}

// Cursor returns the current cursor position.
func (s *BufferStore) Cursor() Cursor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursor
}

// SetCursor moves the cursor.
func (s *BufferStore) SetCursor(c Cursor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = c
	if c.Path != "" {
		s.current = c.Path
	}
}

// Current returns the current buffer, if any.
func (s *BufferStore) Current() (*Buffer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == "" {
		return nil, false
	}
	buf, ok := s.buffers[s.current]
	return buf, ok
}

func filetypeOf(path string) string {
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	return ext
}

// String implements fmt.Stringer for log fields.
func (b *Buffer) String() string {
	return fmt.Sprintf("buffer(%d %s)", b.ID, b.Path)
}

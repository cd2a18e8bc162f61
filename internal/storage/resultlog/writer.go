package resultlog

// ============================================================================
// Checkpoint writer
// Responsibilities:
// 1. Write the header of a fresh checkpoint (Create)
// 2. Continue an existing checkpoint after replay (OpenAppend)
// 3. Append one line per finished iteration, flushed and synced
// 4. Refuse placeholders and writes after Close
// ============================================================================

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ChuLiYu/evalsearch/pkg/types"
)

// FileInterface is the subset of *os.File the writer needs.
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// Writer appends finished iterations to a checkpoint file. Every append is
// flushed and synced before it returns.
type Writer struct {
	mu       sync.Mutex    // guards concurrent appends
	file     FileInterface // checkpoint file
	buf      *bufio.Writer // line buffer, flushed on every append
	path     string        // checkpoint path
	names    []string      // parameter columns
	measures []string      // quality columns
	written  int           // lines appended since open
	closed   bool
}

// Create truncates path and writes the header.
func Create(path string, names, measures []string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("resultlog: create dir: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	w := newWriter(file, path, names, measures)
	if err := w.writeLine(FormatHeader(names, measures)); err != nil {
		file.Close()
		return nil, err
	}
	return w, nil
}

// OpenAppend opens an existing checkpoint for appending. The header is not
// checked; callers read the file first.
func OpenAppend(path string, names, measures []string) (*Writer, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return newWriter(file, path, names, measures), nil
}

func newWriter(file FileInterface, path string, names, measures []string) *Writer {
	return &Writer{
		file:     file,
		buf:      bufio.NewWriter(file),
		path:     path,
		names:    append([]string(nil), names...),
		measures: append([]string(nil), measures...),
	}
}

// Append writes one iteration line. Placeholder records are rejected so a
// pending iteration never reaches the disk.
func (w *Writer) Append(rec types.IterationRecord) error {
	if rec.IsPending() {
		return fmt.Errorf("%w: iteration %d", ErrIncompleteRecord, rec.Iteration)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrLogClosed
	}
	if err := w.writeLine(FormatRecord(rec, w.names, w.measures)); err != nil {
		return fmt.Errorf("resultlog: append iteration %d: %w", rec.Iteration, err)
	}
	w.written++
	return nil
}

// Written returns the number of records appended through this writer.
func (w *Writer) Written() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

func (w *Writer) Path() string { return w.path }

// Close flushes and closes the file. A closed writer cannot be reused.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.buf.Flush(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// writeLine assumes the caller holds w.mu or owns w exclusively.
func (w *Writer) writeLine(line string) error {
	if _, err := w.buf.WriteString(line); err != nil {
		return err
	}
	if err := w.buf.WriteByte('\n'); err != nil {
		return err
	}
	if err := w.buf.Flush(); err != nil {
		return err
	}
	return w.file.Sync()
}

// Promote atomically replaces dst with src.
func Promote(src, dst string) error {
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("resultlog: promote %s: %w", src, err)
	}
	if dir, err := os.Open(filepath.Dir(dst)); err == nil {
		dir.Sync()
		dir.Close()
	}
	return nil
}

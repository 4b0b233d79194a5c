// Package ndjson provides line-oriented JSON reading and writing for
// subprocess stream protocols.
package ndjson

import (
	"bufio"
	"encoding/json"
	"io"
	"sync"
)

// maxLineSize bounds a single JSON line. Transcript lines carrying base64
// image payloads can reach tens of megabytes.
const maxLineSize = 64 * 1024 * 1024

// Reader reads newline-delimited JSON lines from an underlying stream.
type Reader struct {
	scanner *bufio.Scanner
}

// NewReader creates a Reader over r.
func NewReader(r io.Reader) *Reader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	return &Reader{scanner: scanner}
}

// ReadLine returns the next non-empty line, or io.EOF when the stream ends.
// The returned slice is a copy and remains valid across calls.
func (r *Reader) ReadLine() ([]byte, error) {
	for r.scanner.Scan() {
		line := r.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		out := make([]byte, len(line))
		copy(out, line)
		return out, nil
	}
	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// Writer writes JSON values as newline-terminated lines. Writes are
// serialized so concurrent callers cannot interleave partial lines.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter creates a Writer over w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteMessage marshals v and writes it followed by a newline.
func (w *Writer) WriteMessage(v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	_, err = w.w.Write([]byte{'\n'})
	return err
}

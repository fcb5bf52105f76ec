package linechan

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Reader is a Source over an io.Reader.
type Reader struct {
	mu  sync.Mutex
	br  *bufio.Reader
	eof bool
}

// NewReader wraps r. Reads are buffered; r should not be read elsewhere.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, 64*1024)}
}

// ReadLine returns the next line including its '\n'. A final fragment with
// no terminator is returned once, terminated, and the next call returns
// io.EOF.
func (r *Reader) ReadLine() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.eof {
		return "", io.EOF
	}
	line, err := r.br.ReadString('\n')
	if err == nil {
		return line, nil
	}
	if errors.Is(err, io.EOF) {
		r.eof = true
		if line == "" {
			return "", io.EOF
		}
		return Terminate(line), nil
	}
	if isClosedErr(err) {
		r.eof = true
		return "", io.EOF
	}
	return "", fmt.Errorf("read line: %w", err)
}

// More implements Peeker.
func (r *Reader) More() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.eof {
		return false
	}
	if _, err := r.br.Peek(1); err != nil {
		if r.br.Buffered() == 0 {
			r.eof = true
		}
		return false
	}
	return true
}

package linechan

import (
	"bufio"
	"fmt"
	"io"
	"sync"
)

// Writer is a Sink over an io.Writer. Every line is flushed as soon as it is
// written so a consumer on the far side sees it immediately.
type Writer struct {
	mu     sync.Mutex
	bw     *bufio.Writer
	closer io.Closer
	closed bool

	closeOnce sync.Once
}

// NewWriter wraps w. If w is also an io.Closer, Close closes it.
func NewWriter(w io.Writer) *Writer {
	cw := &Writer{bw: bufio.NewWriter(w)}
	if c, ok := w.(io.Closer); ok {
		cw.closer = c
	}
	return cw
}

// WriteLine writes line, terminating it if needed. After Close, or once the
// endpoint reports a closed pipe, it returns ErrChannelClosed.
func (w *Writer) WriteLine(line string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrChannelClosed
	}
	if _, err := w.bw.WriteString(Terminate(line)); err != nil {
		return w.fail(err)
	}
	if err := w.bw.Flush(); err != nil {
		return w.fail(err)
	}
	return nil
}

// Close marks the channel closed and closes the underlying endpoint. It is
// safe to call more than once. The endpoint is closed before the write lock
// is taken, which unblocks a WriteLine stuck on a peer that stopped reading.
func (w *Writer) Close() error {
	var err error
	w.closeOnce.Do(func() {
		if w.closer != nil {
			err = w.closer.Close()
		}
		w.mu.Lock()
		w.closed = true
		w.mu.Unlock()
	})
	return err
}

// Closed reports whether Close has been called or the endpoint went away.
func (w *Writer) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

func (w *Writer) fail(err error) error {
	if isClosedErr(err) {
		w.closed = true
		return fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}
	return fmt.Errorf("write line: %w", err)
}

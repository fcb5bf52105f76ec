package linechan

import (
	"io"
	"sync"
)

// Queue is an unbounded in-memory line channel. Writers never block; readers
// block until a line is queued or the queue is closed and drained.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	lines  []string
	closed bool
}

// NewQueue returns an open, empty queue.
func NewQueue() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// WriteLine implements Sink. Text holding several newlines is queued as
// that many lines, so every read still returns exactly one.
func (q *Queue) WriteLine(line string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrChannelClosed
	}
	q.lines = append(q.lines, SplitLines(line)...)
	q.cond.Broadcast()
	return nil
}

// ReadLine implements Source.
func (q *Queue) ReadLine() (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.lines) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.lines) == 0 {
		return "", io.EOF
	}
	line := q.lines[0]
	q.lines[0] = ""
	q.lines = q.lines[1:]
	return line, nil
}

// More implements Peeker.
func (q *Queue) More() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.lines) == 0 && !q.closed {
		q.cond.Wait()
	}
	return len(q.lines) > 0
}

// Close ends the stream. Queued lines stay readable; further writes fail.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.cond.Broadcast()
}

// Len returns the number of lines waiting to be read.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.lines)
}

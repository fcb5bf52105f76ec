package linechan

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReader_ReadLine_ReturnsCompleteLinesWithTerminator(t *testing.T) {
	// GIVEN a reader over two terminated lines
	r := NewReader(strings.NewReader("one\ntwo\n"))

	// WHEN all lines are read
	first, err := r.ReadLine()
	require.NoError(t, err)
	second, err := r.ReadLine()
	require.NoError(t, err)
	_, err = r.ReadLine()

	// THEN each line keeps its newline and the stream then reports EOF
	assert.Equal(t, "one\n", first)
	assert.Equal(t, "two\n", second)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReader_TrailingFragment_DeliveredOnceThenEOF(t *testing.T) {
	// GIVEN a source whose last line has no terminator
	r := NewReader(strings.NewReader("a\nfragment"))

	// WHEN the reader is drained
	var got []string
	for {
		line, err := r.ReadLine()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		got = append(got, line)
	}

	// THEN the fragment appears exactly once, terminated
	assert.Equal(t, []string{"a\n", "fragment\n"}, got)
	_, err := r.ReadLine()
	assert.ErrorIs(t, err, io.EOF, "EOF must be sticky")
}

func TestReader_More_ReportsExhaustion(t *testing.T) {
	r := NewReader(strings.NewReader("x\n"))

	assert.True(t, r.More())
	_, err := r.ReadLine()
	require.NoError(t, err)
	assert.False(t, r.More())
}

func TestWriter_WriteLine_TerminatesAndPreservesOrder(t *testing.T) {
	// GIVEN a writer over a buffer
	var buf bytes.Buffer
	w := NewWriter(&buf)

	// WHEN lines with and without terminators are written
	require.NoError(t, w.WriteLine("START"))
	require.NoError(t, w.WriteLine("|move|p1a\n"))
	require.NoError(t, w.WriteLine("END\n"))

	// THEN the output is framed one line per write, in order
	assert.Equal(t, "START\n|move|p1a\nEND\n", buf.String())
}

func TestWriter_AfterClose_ReturnsChannelClosed(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close(), "second close is a no-op")

	err := w.WriteLine("late")

	assert.ErrorIs(t, err, ErrChannelClosed)
	assert.True(t, w.Closed())
	assert.Empty(t, buf.String())
}

func TestWriter_ClosedPipe_MapsToChannelClosed(t *testing.T) {
	// GIVEN a writer whose reading end has gone away
	pr, pw := io.Pipe()
	require.NoError(t, pr.Close())
	w := NewWriter(pw)

	// WHEN a line is written
	err := w.WriteLine("hello")

	// THEN the failure is reported as a closed channel and sticks
	assert.ErrorIs(t, err, ErrChannelClosed)
	assert.ErrorIs(t, w.WriteLine("again"), ErrChannelClosed)
}

func TestWriter_Close_ClosesUnderlyingEndpoint(t *testing.T) {
	pr, pw := io.Pipe()
	w := NewWriter(pw)

	done := make(chan []byte)
	go func() {
		data, _ := io.ReadAll(pr)
		done <- data
	}()

	require.NoError(t, w.WriteLine("last"))
	require.NoError(t, w.Close())

	select {
	case data := <-done:
		assert.Equal(t, "last\n", string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("reader did not observe end of stream after Close")
	}
}

func TestQueue_WriteThenRead_FIFO(t *testing.T) {
	q := NewQueue()
	for _, l := range []string{"1", "2", "3"} {
		require.NoError(t, q.WriteLine(l))
	}
	assert.Equal(t, 3, q.Len())
	q.Close()

	var got []string
	for {
		line, err := q.ReadLine()
		if errors.Is(err, io.EOF) {
			break
		}
		got = append(got, line)
	}
	assert.Equal(t, []string{"1\n", "2\n", "3\n"}, got)
}

func TestQueue_ReadBlocksUntilWrite(t *testing.T) {
	// GIVEN an empty queue and a blocked reader
	q := NewQueue()
	got := make(chan string, 1)
	go func() {
		line, _ := q.ReadLine()
		got <- line
	}()

	// WHEN a line is written later
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.WriteLine("late"))

	// THEN the reader wakes with that line
	select {
	case line := <-got:
		assert.Equal(t, "late\n", line)
	case <-time.After(2 * time.Second):
		t.Fatal("reader never woke")
	}
}

func TestQueue_Close_UnblocksReadersWithEOF(t *testing.T) {
	q := NewQueue()
	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.ReadLine()
			errs <- err
		}()
	}

	time.Sleep(20 * time.Millisecond)
	q.Close()
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.ErrorIs(t, err, io.EOF)
	}
	assert.False(t, q.More())
	assert.ErrorIs(t, q.WriteLine("x"), ErrChannelClosed)
}

func TestQueue_WriteLine_MultiLineTextQueuedAsSeparateLines(t *testing.T) {
	// GIVEN a queue and one write holding embedded newlines and a sentinel
	q := NewQueue()

	// WHEN the text is written and the queue closed
	require.NoError(t, q.WriteLine("x\x04\ny\n\nz"))
	q.Close()

	// THEN every read returns exactly one terminated line
	var got []string
	for {
		line, err := q.ReadLine()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		got = append(got, line)
	}
	assert.Equal(t, []string{"x\x04\n", "y\n", "\n", "z\n"}, got)
}

func TestSplitLines(t *testing.T) {
	tests := []struct {
		text string
		want []string
	}{
		{"", []string{"\n"}},
		{"a", []string{"a\n"}},
		{"a\n", []string{"a\n"}},
		{"a\nb", []string{"a\n", "b\n"}},
		{"\n\n", []string{"\n", "\n"}},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, SplitLines(tc.text), "text %q", tc.text)
	}
}

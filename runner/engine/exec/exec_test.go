package exec_test

import (
	"bytes"
	"context"
	"io"
	osexec "os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pokemon-ai/multirunner/runner"
	"github.com/pokemon-ai/multirunner/runner/engine/exec"
	"github.com/pokemon-ai/multirunner/runner/linechan"
)

// lineEngine echoes lines until one contains the EOT byte, then exits.
const lineEngine = `while IFS= read -r line; do
  case "$line" in *"$EOT"*) exit 0 ;; esac
  printf '%s\n' "$line"
done`

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := osexec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func newSession(t *testing.T, cfg runner.ExecConfig) *exec.Session {
	t.Helper()
	engine, err := exec.New(cfg)
	require.NoError(t, err)
	sess, err := engine.NewSession(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Destroy() })
	return sess.(*exec.Session)
}

func TestNew_RequiresCommand(t *testing.T) {
	_, err := exec.New(runner.ExecConfig{})
	assert.Error(t, err)

	_, err = exec.New(runner.ExecConfig{Command: "cat", StopTimeout: -time.Second})
	assert.Error(t, err)
}

func TestRegistered(t *testing.T) {
	assert.True(t, runner.IsValidEngine(exec.Name))

	cfg := runner.DefaultConfig()
	cfg.Exec.Command = "cat"
	engine, err := runner.NewEngine(cfg)
	require.NoError(t, err)
	assert.Equal(t, "exec", engine.Name())
}

func TestSession_RoundTripAndDestroy(t *testing.T) {
	requireShell(t)
	// GIVEN a started cat process
	sess := newSession(t, runner.ExecConfig{Command: "cat", StopTimeout: time.Second})
	require.NoError(t, sess.Start())

	// WHEN a line goes in
	require.NoError(t, sess.Inbound().WriteLine("hello"))

	// THEN it comes back terminated
	line, err := sess.Outbound().ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "hello\n", line)

	// WHEN the session is destroyed
	require.NoError(t, sess.Destroy())
	require.NoError(t, sess.Destroy(), "second destroy is a no-op")

	// THEN writes fail with ErrChannelClosed
	assert.ErrorIs(t, sess.Inbound().WriteLine("late"), runner.ErrChannelClosed)
	select {
	case <-sess.Done():
	default:
		t.Fatal("process still running after Destroy")
	}
}

func TestSession_MissingBinary_StartFailed(t *testing.T) {
	sess := newSession(t, runner.ExecConfig{Command: filepath.Join(t.TempDir(), "no-such-engine")})

	err := sess.Start()

	assert.ErrorIs(t, err, runner.ErrStartFailed)
	assert.NoError(t, sess.Destroy())
}

func TestSession_ProcessExits_OutboundEndsAndInboundCloses(t *testing.T) {
	requireShell(t)
	// GIVEN a process that prints one line and exits
	sess := newSession(t, runner.ExecConfig{Command: "sh", Args: []string{"-c", "echo bye"}, StopTimeout: time.Second})
	require.NoError(t, sess.Start())

	// THEN its output ends with EOF
	line, err := sess.Outbound().ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "bye\n", line)
	_, err = sess.Outbound().ReadLine()
	assert.ErrorIs(t, err, io.EOF)

	// AND once it has exited, writes report a closed channel
	select {
	case <-sess.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	assert.ErrorIs(t, sess.Inbound().WriteLine("anyone?"), runner.ErrChannelClosed)
	assert.NoError(t, sess.ExitError())
}

func TestSession_CloseInbound_ProcessSeesEndOfInput(t *testing.T) {
	requireShell(t)
	// GIVEN a process that reports when its stdin ends
	sess := newSession(t, runner.ExecConfig{
		Command:     "sh",
		Args:        []string{"-c", `while IFS= read -r line; do printf '%s\n' "$line"; done; echo eof`},
		StopTimeout: time.Second,
	})
	require.NoError(t, sess.Start())
	require.NoError(t, sess.Inbound().WriteLine("a"))

	// WHEN its input is closed
	var closer runner.InboundCloser = sess
	require.NoError(t, closer.CloseInbound())

	// THEN it finishes its output and exits on its own
	var got []string
	for {
		line, err := sess.Outbound().ReadLine()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, line)
	}
	assert.Equal(t, []string{"a\n", "eof\n"}, got)
	select {
	case <-sess.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit after its input closed")
	}
}

func TestSession_StuckProcess_KilledAfterStopTimeout(t *testing.T) {
	requireShell(t)
	// GIVEN a process that ignores stdin
	sess := newSession(t, runner.ExecConfig{Command: "sh", Args: []string{"-c", "exec sleep 30"}, StopTimeout: 50 * time.Millisecond})
	require.NoError(t, sess.Start())

	// WHEN it is destroyed
	start := time.Now()
	require.NoError(t, sess.Destroy())

	// THEN it is killed well before it would finish
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Error(t, sess.ExitError())
}

func TestSession_EnvAndDir(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	sess := newSession(t, runner.ExecConfig{
		Command:     "sh",
		Args:        []string{"-c", `echo "$GREETING"; pwd -P`},
		Dir:         dir,
		Env:         map[string]string{"GREETING": "hi"},
		StopTimeout: time.Second,
	})
	require.NoError(t, sess.Start())

	greeting, err := sess.Outbound().ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "hi\n", greeting)

	wd, err := sess.Outbound().ReadLine()
	require.NoError(t, err)
	want, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	assert.Equal(t, want, strings.TrimSuffix(wd, "\n"))
}

func TestSupervisor_WithExecEngine(t *testing.T) {
	requireShell(t)
	// GIVEN a shell engine that ends each match at the sentinel
	engine, err := exec.New(runner.ExecConfig{
		Command:     "sh",
		Args:        []string{"-c", lineEngine},
		Env:         map[string]string{"EOT": "\x04"},
		StopTimeout: time.Second,
	})
	require.NoError(t, err)
	input := "2\n>start gen7\n>p1 move 1\n\x04\n>start gen1\n\x04\n"

	// WHEN the supervisor runs both matches
	var out bytes.Buffer
	s := runner.New(engine, linechan.NewReader(strings.NewReader(input)), linechan.NewWriter(&out))
	require.NoError(t, s.Run(context.Background()))

	// THEN each match is framed by its own process
	assert.Equal(t, "START\n>start gen7\n>p1 move 1\nEND\nSTART\n>start gen1\nEND\n", out.String())
	require.Len(t, s.Trace().Iterations, 2)
}

package lua_test

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pokemon-ai/multirunner/runner"
	"github.com/pokemon-ai/multirunner/runner/engine/lua"
	"github.com/pokemon-ai/multirunner/runner/linechan"
)

const echoScript = `
function on_line(line)
  if line:find("\4", 1, true) then
    finish()
    return
  end
  emit(line)
end
`

func writeScript(t *testing.T, dir, source string) string {
	t.Helper()
	path := filepath.Join(dir, "engine.lua")
	require.NoError(t, os.WriteFile(path, []byte(source), 0o644))
	return path
}

func newEngine(t *testing.T, source string) *lua.Engine {
	t.Helper()
	engine, err := lua.New(runner.LuaConfig{Script: writeScript(t, t.TempDir(), source)})
	require.NoError(t, err)
	return engine
}

func startSession(t *testing.T, engine *lua.Engine) runner.Session {
	t.Helper()
	sess, err := engine.NewSession(context.Background())
	require.NoError(t, err)
	require.NoError(t, sess.Start())
	t.Cleanup(func() { _ = sess.Destroy() })
	return sess
}

func TestRegistered(t *testing.T) {
	assert.True(t, runner.IsValidEngine(lua.Name))
}

func TestNew_MissingScript(t *testing.T) {
	_, err := lua.New(runner.LuaConfig{})
	assert.Error(t, err)

	_, err = lua.New(runner.LuaConfig{Script: filepath.Join(t.TempDir(), "missing.lua")})
	assert.Error(t, err)
}

func TestSession_EchoUntilFinish(t *testing.T) {
	// GIVEN a session running the echo script
	sess := startSession(t, newEngine(t, echoScript))

	// WHEN two commands and the sentinel go in
	require.NoError(t, sess.Inbound().WriteLine(">p1 move 1"))
	require.NoError(t, sess.Inbound().WriteLine(">p2 move 2"))
	require.NoError(t, sess.Inbound().WriteLine("\x04"))

	// THEN the commands come back and the stream ends
	var got []string
	for {
		line, err := sess.Outbound().ReadLine()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, line)
	}
	assert.Equal(t, []string{">p1 move 1\n", ">p2 move 2\n"}, got)
}

func TestSession_FreshStatePerSession(t *testing.T) {
	// GIVEN a script that counts lines in a global
	engine := newEngine(t, `
count = 0
function on_line(line)
  count = count + 1
  emit(line .. " " .. count)
end
`)

	first := startSession(t, engine)
	require.NoError(t, first.Inbound().WriteLine("a"))
	require.NoError(t, first.Inbound().WriteLine("b"))
	line, err := first.Outbound().ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "a 1\n", line)
	line, err = first.Outbound().ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "b 2\n", line)
	require.NoError(t, first.Destroy())

	// WHEN a second session runs
	second := startSession(t, engine)
	require.NoError(t, second.Inbound().WriteLine("c"))

	// THEN it starts from a clean state
	line, err = second.Outbound().ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "c 1\n", line)
}

func TestSession_StartFailures(t *testing.T) {
	tests := []struct {
		name   string
		source string
	}{
		{name: "syntax error", source: "function on_line(line"},
		{name: "chunk raises", source: `error("broken build")`},
		{name: "start raises", source: "function start() error(\"no dex\") end\nfunction on_line(line) end"},
		{name: "no on_line", source: "function start() end"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := newEngine(t, tt.source)
			sess, err := engine.NewSession(context.Background())
			require.NoError(t, err)

			err = sess.Start()

			assert.ErrorIs(t, err, runner.ErrStartFailed)
			assert.NoError(t, sess.Destroy())
			assert.ErrorIs(t, sess.Inbound().WriteLine("x"), runner.ErrChannelClosed)
		})
	}
}

func TestSession_RuntimeError_EndsOutboundStream(t *testing.T) {
	// GIVEN a script that fails on one particular command
	sess := startSession(t, newEngine(t, `
function on_line(line)
  if line == "boom" then error("kaboom") end
  emit(line)
end
`))

	// WHEN the failing command arrives
	require.NoError(t, sess.Inbound().WriteLine("ok"))
	require.NoError(t, sess.Inbound().WriteLine("boom"))

	// THEN the output ends after what was emitted before
	line, err := sess.Outbound().ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "ok\n", line)
	_, err = sess.Outbound().ReadLine()
	assert.ErrorIs(t, err, io.EOF)

	// AND the session stops accepting commands
	assert.Eventually(t, func() bool {
		return sess.Inbound().WriteLine("more") != nil
	}, time.Second, 5*time.Millisecond)
}

func TestSession_OnCloseRunsOnDestroy(t *testing.T) {
	sess := startSession(t, newEngine(t, `
function on_line(line) emit(line) end
function on_close() emit("bye") end
`))
	require.NoError(t, sess.Inbound().WriteLine("a"))

	require.NoError(t, sess.Destroy())

	var got []string
	for {
		line, err := sess.Outbound().ReadLine()
		if err != nil {
			break
		}
		got = append(got, line)
	}
	assert.Equal(t, []string{"a\n", "bye\n"}, got)
	assert.ErrorIs(t, sess.Inbound().WriteLine("late"), runner.ErrChannelClosed)
}

// firstReply starts a session, sends one line and returns the first reply.
// It runs inside Eventually, so it reports failures as an empty string.
func firstReply(engine *lua.Engine) string {
	sess, err := engine.NewSession(context.Background())
	if err != nil {
		return ""
	}
	defer func() { _ = sess.Destroy() }()
	if err := sess.Start(); err != nil {
		return ""
	}
	if err := sess.Inbound().WriteLine("ping"); err != nil {
		return ""
	}
	line, err := sess.Outbound().ReadLine()
	if err != nil {
		return ""
	}
	return line
}

func TestEngine_CachesScriptWithoutWatch(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, `function on_line(l) emit("v1") end`)
	engine, err := lua.New(runner.LuaConfig{Script: path})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`function on_line(l) emit("v2") end`), 0o644))

	assert.Equal(t, "v1\n", firstReply(engine))
}

func TestEngine_WatchReloadsChangedScript(t *testing.T) {
	// GIVEN a watched script
	dir := t.TempDir()
	path := writeScript(t, dir, `function on_line(l) emit("v1") end`)
	engine, err := lua.New(runner.LuaConfig{Script: path, Watch: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })
	require.Equal(t, "v1\n", firstReply(engine))

	// WHEN the file changes
	require.NoError(t, os.WriteFile(path, []byte(`function on_line(l) emit("v2") end`), 0o644))

	// THEN a later session runs the new script
	assert.Eventually(t, func() bool {
		return firstReply(engine) == "v2\n"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSupervisor_WithLuaEngine(t *testing.T) {
	engine := newEngine(t, echoScript)
	input := "2\n>start gen3\n>p1 move 2\n\x04\n>start gen4\n\x04\n"

	var out bytes.Buffer
	s := runner.New(engine, linechan.NewReader(strings.NewReader(input)), linechan.NewWriter(&out))
	require.NoError(t, s.Run(context.Background()))

	assert.Equal(t, "START\n>start gen3\n>p1 move 2\nEND\nSTART\n>start gen4\nEND\n", out.String())
}

func TestSession_CloseInbound_RunsOnCloseBeforeStreamEnds(t *testing.T) {
	// GIVEN a session whose on_close() reports back and finishes
	sess := startSession(t, newEngine(t, `
function on_line(line) emit(line) end
function on_close() emit("bye") finish() end
`))
	require.NoError(t, sess.Inbound().WriteLine("a"))

	// WHEN its input is closed without destroying it
	closer, ok := sess.(runner.InboundCloser)
	require.True(t, ok)
	require.NoError(t, closer.CloseInbound())

	// THEN on_close output arrives and the stream then ends
	var got []string
	for {
		line, err := sess.Outbound().ReadLine()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, line)
	}
	assert.Equal(t, []string{"a\n", "bye\n"}, got)
}

func TestSession_EmitMultiLineText_OneLinePerRead(t *testing.T) {
	sess := startSession(t, newEngine(t, `
function on_line(line) emit("x\ny") finish() end
`))
	require.NoError(t, sess.Inbound().WriteLine("go"))

	first, err := sess.Outbound().ReadLine()
	require.NoError(t, err)
	second, err := sess.Outbound().ReadLine()
	require.NoError(t, err)

	assert.Equal(t, "x\n", first)
	assert.Equal(t, "y\n", second)
}

func TestSupervisor_WithLuaEngine_UnboundedTailReachesOnClose(t *testing.T) {
	// GIVEN an unbounded run whose last block has no sentinel
	engine := newEngine(t, echoScript+`
function on_close() emit("bye") finish() end
`)
	input := "a\n\x04\nb\n"

	// WHEN the supervisor runs
	var out bytes.Buffer
	s := runner.New(engine, linechan.NewReader(strings.NewReader(input)), linechan.NewWriter(&out), runner.WithUnbounded())
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	// THEN on_close output is framed in the last block and the run ends
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not finish; output so far %q", out.String())
	}
	assert.Equal(t, "START\na\nEND\nSTART\nb\nbye\nEND\n", out.String())
}

package runner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentq/agentq/internal/task"
)

// writeScript creates an executable shell script that stands in for the CLI
// binary. The script ignores the CLI flags it is given.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-cli")
	script := "#!/bin/sh\n" + body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

type chunkRecorder struct {
	mu     sync.Mutex
	chunks []string
}

func (c *chunkRecorder) sink(chunk string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chunks = append(c.chunks, chunk)
}

func (c *chunkRecorder) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.chunks...)
}

func TestCLIRunner_HappyPath(t *testing.T) {
	script := writeScript(t, `
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"working on it"}]}}'
echo '{"type":"result","total_cost_usd":0.25,"usage":{"input_tokens":10,"output_tokens":20}}'
`)
	r := NewCLIRunner(script)
	rec := &chunkRecorder{}

	res, err := r.Run(context.Background(), Request{
		TaskID:  "01TEST",
		Prompt:  "do the thing",
		Timeout: 10 * time.Second,
	}, rec.sink)

	require.NoError(t, err)
	require.NotNil(t, res)
	assert.True(t, res.Success)
	assert.Equal(t, 0.25, res.CostUnits)
	assert.Equal(t, int64(10), res.InputUnits)
	assert.Equal(t, int64(20), res.OutputUnits)
	assert.Contains(t, res.RawOutput, "working on it")

	chunks := rec.all()
	require.NotEmpty(t, chunks)
	assert.Contains(t, chunks[0], "[CLI] Process started (PID:")
	assert.Contains(t, strings.Join(chunks, ""), "working on it")
}

func TestCLIRunner_SpawnFailure(t *testing.T) {
	r := NewCLIRunner("/nonexistent/path/to/binary")
	rec := &chunkRecorder{}

	res, err := r.Run(context.Background(), Request{
		TaskID:  "01TEST",
		Prompt:  "never runs",
		Timeout: time.Second,
	}, rec.sink)

	assert.Nil(t, res)
	require.Error(t, err)
	assert.ErrorIs(t, err, task.ErrSpawnFailure)
	assert.Empty(t, rec.all())
}

func TestCLIRunner_MissingFinalRecordIsProtocolError(t *testing.T) {
	script := writeScript(t, `
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"partial work"}]}}'
exit 0
`)
	r := NewCLIRunner(script)
	rec := &chunkRecorder{}

	res, err := r.Run(context.Background(), Request{
		TaskID:  "01TEST",
		Prompt:  "x",
		Timeout: 10 * time.Second,
	}, rec.sink)

	require.Error(t, err)
	assert.ErrorIs(t, err, task.ErrProtocolError)
	require.NotNil(t, res)
	assert.False(t, res.Success)
	assert.Contains(t, res.RawOutput, "partial work")
}

func TestCLIRunner_NonZeroExitIsFailureNotError(t *testing.T) {
	script := writeScript(t, `
echo "credentials rejected" >&2
exit 3
`)
	r := NewCLIRunner(script)
	rec := &chunkRecorder{}

	res, err := r.Run(context.Background(), Request{
		TaskID:  "01TEST",
		Prompt:  "x",
		Timeout: 10 * time.Second,
	}, rec.sink)

	require.NoError(t, err)
	require.NotNil(t, res)
	assert.False(t, res.Success)
	assert.Contains(t, res.ErrorMessage, "credentials rejected")
	assert.Contains(t, res.ErrorMessage, "(exit code: 3)")

	// stderr lines flow to the sink with a log marker.
	assert.Contains(t, strings.Join(rec.all(), ""), "[LOG] credentials rejected")
}

func TestCLIRunner_ToolReportedErrorWinsOverExitCode(t *testing.T) {
	script := writeScript(t, `
echo '{"type":"result","is_error":true,"result":"invalid model name"}'
echo "noise on stderr" >&2
exit 1
`)
	r := NewCLIRunner(script)
	rec := &chunkRecorder{}

	res, err := r.Run(context.Background(), Request{
		TaskID:  "01TEST",
		Prompt:  "x",
		Timeout: 10 * time.Second,
	}, rec.sink)

	require.NoError(t, err)
	require.NotNil(t, res)
	assert.False(t, res.Success)
	assert.Equal(t, "invalid model name", res.ErrorMessage)
}

func TestCLIRunner_TimeoutKillsProcess(t *testing.T) {
	script := writeScript(t, `
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"started"}]}}'
exec sleep 30
`)
	r := &CLIRunner{binary: script, gracePeriod: 100 * time.Millisecond}
	rec := &chunkRecorder{}

	start := time.Now()
	res, err := r.Run(context.Background(), Request{
		TaskID:  "01TEST",
		Prompt:  "x",
		Timeout: 300 * time.Millisecond,
	}, rec.sink)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, task.ErrTimeoutExceeded)
	require.NotNil(t, res)
	assert.False(t, res.Success)
	assert.Contains(t, res.RawOutput, "started")
	assert.Less(t, elapsed, 10*time.Second, "process must die well before its sleep finishes")
}

func TestCLIRunner_TimeoutKillsSpawnedChildren(t *testing.T) {
	// The shell spawns sleep as a child instead of exec-ing it, the way the
	// CLI spawns bash children. The child inherits the stdout pipe, so a kill
	// that reaches only the shell leaves the pipe open and Run blocked until
	// the child exits on its own.
	script := writeScript(t, `
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"spawning"}]}}'
sleep 8
`)
	r := &CLIRunner{binary: script, gracePeriod: 100 * time.Millisecond}
	rec := &chunkRecorder{}

	start := time.Now()
	res, err := r.Run(context.Background(), Request{
		TaskID:  "01TEST",
		Prompt:  "x",
		Timeout: 300 * time.Millisecond,
	}, rec.sink)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, task.ErrTimeoutExceeded)
	require.NotNil(t, res)
	assert.Contains(t, res.RawOutput, "spawning")
	assert.Less(t, elapsed, 3*time.Second, "Run must return at the timeout, not when the child's sleep ends")
}

func TestCLIRunner_TimeoutIndependentOfOutput(t *testing.T) {
	// A process that keeps producing output must still be killed when the
	// timeout elapses; output must never reset the watchdog.
	script := writeScript(t, `
i=0
while [ $i -lt 100 ]; do
  echo '{"type":"assistant","message":{"content":[{"type":"text","text":"tick"}]}}'
  sleep 0.1
  i=$((i+1))
done
`)
	r := &CLIRunner{binary: script, gracePeriod: 100 * time.Millisecond}
	rec := &chunkRecorder{}

	start := time.Now()
	_, err := r.Run(context.Background(), Request{
		TaskID:  "01TEST",
		Prompt:  "x",
		Timeout: 500 * time.Millisecond,
	}, rec.sink)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, task.ErrTimeoutExceeded)
	assert.Less(t, elapsed, 5*time.Second)
}

func TestCLIRunner_CancellationStopsProcess(t *testing.T) {
	script := writeScript(t, `exec sleep 30`)
	r := &CLIRunner{binary: script, gracePeriod: 100 * time.Millisecond}
	rec := &chunkRecorder{}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	res, err := r.Run(ctx, Request{
		TaskID:  "01TEST",
		Prompt:  "x",
		Timeout: time.Minute,
	}, rec.sink)

	require.Error(t, err)
	require.NotNil(t, res)
	assert.False(t, res.Success)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestCLIRunner_ChunkOrderPreserved(t *testing.T) {
	script := writeScript(t, `
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"one"}]}}'
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"two"}]}}'
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"three"}]}}'
echo '{"type":"result"}'
`)
	r := NewCLIRunner(script)
	rec := &chunkRecorder{}

	_, err := r.Run(context.Background(), Request{
		TaskID:  "01TEST",
		Prompt:  "x",
		Timeout: 10 * time.Second,
	}, rec.sink)
	require.NoError(t, err)

	joined := strings.Join(rec.all(), "")
	onePos := strings.Index(joined, "one")
	twoPos := strings.Index(joined, "two")
	threePos := strings.Index(joined, "three")
	require.GreaterOrEqual(t, onePos, 0)
	assert.Less(t, onePos, twoPos)
	assert.Less(t, twoPos, threePos)
}

func TestCLIRunner_BuildArgs(t *testing.T) {
	r := NewCLIRunner("claude")

	args := r.buildArgs(Request{Prompt: "hello"})
	assert.Equal(t, []string{
		"-p", "--output-format", "stream-json", "--verbose",
		"--dangerously-skip-permissions", "--", "hello",
	}, args)

	args = r.buildArgs(Request{
		Prompt:              "hello",
		Model:               "opus",
		AllowedCapabilities: []string{"Bash", "Edit"},
	})
	assert.Contains(t, strings.Join(args, " "), "--model opus")
	assert.Contains(t, strings.Join(args, " "), "--allowedTools Bash,Edit")
	assert.Equal(t, "hello", args[len(args)-1])
}

package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/agentq/agentq/internal/task"
	"github.com/agentq/agentq/pkg/cerr"
)

const (
	// gracePeriod is the time between SIGTERM and SIGKILL when a process
	// has to be terminated forcibly.
	gracePeriod = 10 * time.Second

	// reapSlack bounds how long a kill path waits for the process to be
	// reaped after SIGKILL. A grandchild that moved into its own session
	// survives the group kill and keeps the output pipes open; the slot
	// must come back even then.
	reapSlack = 5 * time.Second

	scannerBufferSize   = 64 * 1024
	scannerMaxTokenSize = 1024 * 1024
)

// Sink receives output chunks in emission order, before the process exits.
type Sink func(chunk string)

// Request describes one subprocess invocation.
type Request struct {
	TaskID              string
	Prompt              string
	WorkingDirectory    string
	Model               string
	AllowedCapabilities []string
	Timeout             time.Duration
}

// Runner spawns one external process per invocation, streams its output to
// the sink, and guarantees the process is dead before returning.
type Runner interface {
	// Run returns a non-nil result whenever the process produced output
	// worth preserving. The error is nil for process-reported outcomes
	// (including non-zero exits); it is set for spawn failures, timeouts,
	// cancellation, and protocol violations.
	Run(ctx context.Context, req Request, sink Sink) (*task.ExecutionResult, error)
}

// CLIRunner drives a Claude-CLI-compatible binary in headless stream-json
// mode.
type CLIRunner struct {
	binary      string
	gracePeriod time.Duration
}

func NewCLIRunner(binary string) *CLIRunner {
	return &CLIRunner{
		binary:      binary,
		gracePeriod: gracePeriod,
	}
}

func (r *CLIRunner) buildArgs(req Request) []string {
	args := []string{
		"-p",
		"--output-format", "stream-json",
		"--verbose",
		"--dangerously-skip-permissions",
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if len(req.AllowedCapabilities) > 0 {
		args = append(args, "--allowedTools", strings.Join(req.AllowedCapabilities, ","))
	}
	return append(args, "--", req.Prompt)
}

func (r *CLIRunner) Run(ctx context.Context, req Request, sink Sink) (*task.ExecutionResult, error) {
	cmd := exec.Command(r.binary, r.buildArgs(req)...)
	cmd.Dir = req.WorkingDirectory
	cmd.Env = append(os.Environ(), "AGENTQ_TASK_ID="+req.TaskID)
	// The CLI spawns its own children (bash and friends). Running the tree
	// in its own process group lets terminate signal all of them at once.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, task.NewSpawnFailureError(err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, task.NewSpawnFailureError(err)
	}
	if err := cmd.Start(); err != nil {
		return nil, task.NewSpawnFailureError(err)
	}

	var (
		mu          sync.Mutex
		output      strings.Builder
		stderrLines []string
	)
	emit := func(chunk string) {
		mu.Lock()
		output.WriteString(chunk)
		mu.Unlock()
		sink(chunk)
	}
	emit(fmt.Sprintf("[CLI] Process started (PID: %d)\n", cmd.Process.Pid))

	// parser state is guarded by mu: the kill paths may snapshot a partial
	// result while the stdout reader is still draining.
	parser := newStreamParser()

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		scanner := bufio.NewScanner(stdoutPipe)
		scanner.Buffer(make([]byte, scannerBufferSize), scannerMaxTokenSize)
		for scanner.Scan() {
			mu.Lock()
			chunks := parser.ParseLine(scanner.Text())
			mu.Unlock()
			for _, chunk := range chunks {
				emit(chunk)
			}
		}
	}()
	go func() {
		defer readers.Done()
		scanner := bufio.NewScanner(stderrPipe)
		scanner.Buffer(make([]byte, scannerBufferSize), scannerMaxTokenSize)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			mu.Lock()
			stderrLines = append(stderrLines, line)
			mu.Unlock()
			emit("[LOG] " + line + "\n")
		}
	}()

	waitCh := make(chan error, 1)
	go func() {
		readers.Wait()
		waitCh <- cmd.Wait()
	}()

	// The watchdog timer starts at spawn and is never reset by output
	// arrival, so a chatty but wedged process still dies on time.
	watchdog := time.NewTimer(req.Timeout)
	defer watchdog.Stop()

	select {
	case waitErr := <-waitCh:
		return r.finish(parser, &output, stderrLines, waitErr)
	case <-watchdog.C:
		r.terminate(cmd)
		r.awaitReaped(waitCh)
		res := r.partialResult(parser, &mu, &output)
		return res, task.NewTimeoutExceededError(int(req.Timeout.Seconds()))
	case <-ctx.Done():
		r.terminate(cmd)
		r.awaitReaped(waitCh)
		res := r.partialResult(parser, &mu, &output)
		return res, cerr.NewError(cerr.Canceled, "task cancelled", ctx.Err())
	}
}

// awaitReaped waits for the killed process tree to be reaped, but never past
// the grace period plus slack. The slot must not stay occupied because some
// orphan still holds a pipe open.
func (r *CLIRunner) awaitReaped(waitCh <-chan error) {
	select {
	case <-waitCh:
	case <-time.After(r.gracePeriod + reapSlack):
	}
}

// finish classifies a normally reaped process.
func (r *CLIRunner) finish(parser *streamParser, output *strings.Builder, stderrLines []string, waitErr error) (*task.ExecutionResult, error) {
	exitCode := 0
	if waitErr != nil {
		exitCode = -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
	}

	res := &task.ExecutionResult{
		RawOutput:   output.String(),
		CostUnits:   parser.costUnits,
		InputUnits:  parser.inputUnits,
		OutputUnits: parser.outputUnits,
	}

	if exitCode != 0 {
		res.Success = false
		res.ErrorMessage = exitErrorMessage(parser.errorMessage, stderrLines, exitCode)
		return res, nil
	}

	if !parser.SawResult() {
		res.Success = false
		return res, task.NewProtocolError(nil)
	}

	if parser.errorMessage != "" {
		res.Success = false
		res.ErrorMessage = parser.errorMessage
		return res, nil
	}
	res.Success = true
	return res, nil
}

func (r *CLIRunner) partialResult(parser *streamParser, mu *sync.Mutex, output *strings.Builder) *task.ExecutionResult {
	mu.Lock()
	defer mu.Unlock()
	return &task.ExecutionResult{
		Success:     false,
		RawOutput:   output.String(),
		CostUnits:   parser.costUnits,
		InputUnits:  parser.inputUnits,
		OutputUnits: parser.outputUnits,
	}
}

// terminate sends SIGTERM to the whole process group and schedules a SIGKILL
// after the grace period if anything in the group is still alive. Signaling
// only the direct child would leave its children running with the output
// pipes open, wedging the invocation past its deadline.
func (r *CLIRunner) terminate(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid := cmd.Process.Pid
	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil {
		// Already gone.
		return
	}
	go func() {
		time.Sleep(r.gracePeriod)
		if err := syscall.Kill(-pgid, syscall.Signal(0)); err == nil {
			_ = syscall.Kill(-pgid, syscall.SIGKILL)
		}
	}()
}

// exitErrorMessage picks the most informative failure description: the
// tool-reported error first, then cleaned stderr with the exit code, then
// the bare exit code.
func exitErrorMessage(cliError string, stderrLines []string, exitCode int) string {
	if cliError != "" {
		return cliError
	}
	if len(stderrLines) > 0 {
		return fmt.Sprintf("%s\n\n(exit code: %d)", strings.Join(stderrLines, "\n"), exitCode)
	}
	return fmt.Sprintf("exit code: %d", exitCode)
}

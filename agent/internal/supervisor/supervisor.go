// Package supervisor runs the shell/file commands a connected agent
// receives, one at a time, streaming output incrementally as it is
// produced. It is the direct descendant of the teacher's
// agent/internal/executor.Executor — same "one job at a time from a
// buffered channel, report status transitions through an interface the
// caller supplies" shape — generalized from restic/docker/hooks-specific
// backup jobs to the shell, file_write, file_read, and status_probe
// command types this spec's agents execute, and from "buffer everything
// then return" (the teacher's hooks.Runner) to streaming each output chunk
// as soon as it is read.
package supervisor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fleetctl/fleetctl/shared/types"
)

// DefaultTimeLimit is applied to a command with no TimeLimitMs, matching
// the teacher hooks.Runner's DefaultTimeout rationale: generous enough for
// real work, short enough to bound a stuck command.
const DefaultTimeLimit = 10 * time.Minute

// ErrCommandFailed wraps a non-zero exit from a shell command, mirroring
// the teacher's hooks.ErrHookFailed.
var ErrCommandFailed = errors.New("supervisor: command failed")

// queueSize bounds how many commands may be buffered awaiting execution.
// The dispatcher never sends a second command to a busy agent (spec.md's
// at-most-one-EXECUTING invariant), so this only absorbs a brief race
// between COMMAND_CANCEL and the next COMMAND_REQUEST.
const queueSize = 4

// OutputSink receives one output chunk at a time as a command runs.
// Sequence is supervisor-assigned, strictly increasing per (CommandID,
// Stream) — implemented by wsclient, which forwards it as
// protocol.TerminalOutputPayload.
type OutputSink interface {
	SendOutput(commandID, stream string, sequence int64, chunk string)
}

// StatusReporter receives command lifecycle transitions — implemented by
// wsclient, which forwards them as COMMAND_ACK / COMMAND_COMPLETE
// envelopes.
type StatusReporter interface {
	ReportAck(commandID string)
	ReportComplete(commandID, status, errMsg string)
}

// Assignment is the internal representation of a command received from the
// server over the AGENT_CONNECT'd WebSocket.
type Assignment struct {
	CommandID   string
	Type        types.CommandType
	Content     string
	TimeLimitMs int64
}

// Supervisor executes one Assignment at a time.
type Supervisor struct {
	queue  chan Assignment
	logger *zap.Logger

	mu      sync.Mutex
	running string // CommandID of the in-flight command, "" if idle
	cancel  context.CancelFunc
}

// New creates a Supervisor. Call Run to start the worker loop.
func New(logger *zap.Logger) *Supervisor {
	return &Supervisor{
		queue:  make(chan Assignment, queueSize),
		logger: logger.Named("supervisor"),
	}
}

// Run starts the worker loop, processing one Assignment at a time from the
// queue until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context, sink OutputSink, reporter StatusReporter) {
	s.logger.Info("supervisor started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("supervisor stopped")
			return
		case a := <-s.queue:
			s.execute(ctx, a, sink, reporter)
		}
	}
}

// Enqueue adds an assignment to the queue. Non-blocking — returns an error
// if the queue is full, matching the teacher executor's Enqueue contract.
func (s *Supervisor) Enqueue(a Assignment) error {
	select {
	case s.queue <- a:
		s.logger.Info("command enqueued", zap.String("command_id", a.CommandID), zap.String("type", string(a.Type)))
		return nil
	default:
		return fmt.Errorf("supervisor: queue full, rejecting command %s", a.CommandID)
	}
}

// Busy reports whether a command is currently executing.
func (s *Supervisor) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running != ""
}

// Cancel requests the in-flight command matching commandID be aborted. A
// no-op if no command with that id is currently running.
func (s *Supervisor) Cancel(commandID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running == commandID && s.cancel != nil {
		s.cancel()
	}
}

// CancelCurrent aborts whatever command is currently running, regardless of
// id — used for EMERGENCY_STOP, which targets "whatever this agent is doing
// right now" rather than a specific command id.
func (s *Supervisor) CancelCurrent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Supervisor) execute(ctx context.Context, a Assignment, sink OutputSink, reporter StatusReporter) {
	limit := time.Duration(a.TimeLimitMs) * time.Millisecond
	if limit <= 0 {
		limit = DefaultTimeLimit
	}
	execCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	s.mu.Lock()
	s.running = a.CommandID
	s.cancel = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = ""
		s.cancel = nil
		s.mu.Unlock()
	}()

	reporter.ReportAck(a.CommandID)

	var err error
	switch a.Type {
	case types.CommandTypeShell:
		err = s.runShell(execCtx, a, sink)
	case types.CommandTypeFileWrite:
		err = runFileWrite(a.Content)
	case types.CommandTypeFileRead:
		err = s.runFileRead(a, sink)
	case types.CommandTypeStatusProbe:
		err = nil
	default:
		err = fmt.Errorf("supervisor: unsupported command type %q", a.Type)
	}

	if err != nil {
		if execCtx.Err() == context.Canceled {
			reporter.ReportComplete(a.CommandID, "cancelled", "")
			return
		}
		if execCtx.Err() == context.DeadlineExceeded {
			reporter.ReportComplete(a.CommandID, "failed", "command exceeded its time limit")
			return
		}
		reporter.ReportComplete(a.CommandID, "failed", err.Error())
		return
	}
	reporter.ReportComplete(a.CommandID, "completed", "")
}

// runShell runs Content as a shell command, streaming stdout and stderr to
// sink as each line is produced rather than buffering the whole output —
// generalizing the teacher's hooks.Runner, which buffers combined
// stdout+stderr and returns it only after the process exits.
func (s *Supervisor) runShell(ctx context.Context, a Assignment, sink OutputSink) error {
	cmd := buildShellCmd(ctx, a.Content)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	var wg sync.WaitGroup
	var seqOut, seqErr int64
	var seqMu sync.Mutex

	stream := func(r io.Reader, name string, seq *int64) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			seqMu.Lock()
			*seq++
			n := *seq
			seqMu.Unlock()
			sink.SendOutput(a.CommandID, name, n, scanner.Text()+"\n")
		}
	}

	wg.Add(2)
	go stream(stdout, "stdout", &seqOut)
	go stream(stderr, "stderr", &seqErr)
	wg.Wait()

	err = cmd.Wait()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("%w: exit code %d", ErrCommandFailed, exitErr.ExitCode())
		}
		return fmt.Errorf("%w: %v", ErrCommandFailed, err)
	}
	return nil
}

// runFileRead reads the file named by a.Content and emits its contents as a
// single stdout chunk.
func (s *Supervisor) runFileRead(a Assignment, sink OutputSink) error {
	data, err := os.ReadFile(a.Content)
	if err != nil {
		return fmt.Errorf("read %s: %w", a.Content, err)
	}
	sink.SendOutput(a.CommandID, "stdout", 1, string(data))
	return nil
}

// runFileWrite interprets Content as "<path>\n<data>" and writes data to
// path. The simple newline-delimited encoding matches the Content field's
// type on the wire (a single string) without introducing a second payload
// shape for this one command type.
func runFileWrite(content string) error {
	idx := bytes.IndexByte([]byte(content), '\n')
	if idx < 0 {
		return errors.New("file_write: content must be \"<path>\\n<data>\"")
	}
	path, data := content[:idx], content[idx+1:]
	if path == "" {
		return errors.New("file_write: empty path")
	}
	return os.WriteFile(path, []byte(data), 0o644)
}

// buildShellCmd wraps command in the shell appropriate for the host OS,
// identical to the teacher's hooks.buildShellCmd.
func buildShellCmd(ctx context.Context, command string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.CommandContext(ctx, "cmd", "/C", command)
	}
	return exec.CommandContext(ctx, "/bin/sh", "-c", command)
}

package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// CLIRunner runs the Claude Code CLI locally with stream-json output.
type CLIRunner struct {
	Bin     string
	WorkDir string
	Env     []string
	logger  *slog.Logger
}

// NewCLIRunner creates a runner for the given binary ("claude" if empty).
func NewCLIRunner(bin, workDir string, logger *slog.Logger) *CLIRunner {
	if bin == "" {
		bin = "claude"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CLIRunner{Bin: bin, WorkDir: workDir, logger: logger}
}

// Args builds the CLI arguments for a request.
func Args(req Request) []string {
	args := []string{"-p", req.Prompt, "--output-format", "stream-json", "--verbose"}
	if req.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(req.MaxTurns))
	}
	if req.Resume != "" {
		args = append(args, "--resume", req.Resume)
	}
	return args
}

// Query starts the CLI and streams its stdout events.
func (r *CLIRunner) Query(ctx context.Context, req Request) iter.Seq2[RawEvent, error] {
	return func(yield func(RawEvent, error) bool) {
		ctx, cancel := withTimeout(ctx, req)
		defer cancel()

		cmd := exec.CommandContext(ctx, r.Bin, Args(req)...)
		cmd.Dir = r.WorkDir
		cmd.Env = append(os.Environ(), r.Env...)
		stderr := newTailBuffer(8 * 1024)
		cmd.Stderr = stderr

		stdout, err := cmd.StdoutPipe()
		if err != nil {
			yield(nil, fmt.Errorf("create stdout pipe: %w", err))
			return
		}
		if err := cmd.Start(); err != nil {
			yield(nil, fmt.Errorf("start %s: %w", r.Bin, err))
			return
		}
		r.logger.Debug("Agent process started", "pid", cmd.Process.Pid, "resume", req.Resume != "")

		streamErr := r.pump(ctx, stdout, yield)
		if streamErr == errStopped {
			cancel()
			_ = cmd.Wait()
			return
		}

		waitErr := cmd.Wait()
		if streamErr != nil {
			yield(nil, streamErr)
			return
		}
		if waitErr != nil {
			if ctx.Err() != nil {
				yield(nil, ctx.Err())
				return
			}
			yield(nil, exitError(waitErr, stderr.String(), req))
		}
	}
}

// errStopped signals that the consumer stopped pulling.
var errStopped = errors.New("consumer stopped")

func (r *CLIRunner) pump(ctx context.Context, stdout io.Reader, yield func(RawEvent, error) bool) error {
	for ev, err := range Decode(ctx, stdout) {
		if err != nil {
			return err
		}
		if !yield(ev, nil) {
			return errStopped
		}
	}
	return nil
}

// exitError turns a failed process into an error, recognising resume
// rejection from the CLI's stderr.
func exitError(err error, stderr string, req Request) error {
	if req.Resume != "" && mentionsMissingSession(stderr) {
		return fmt.Errorf("%w: %s", ErrResumeRejected, stderr)
	}
	if stderr != "" {
		return fmt.Errorf("agent exited: %w: %s", err, stderr)
	}
	return fmt.Errorf("agent exited: %w", err)
}

func mentionsMissingSession(s string) bool {
	s = strings.ToLower(s)
	return strings.Contains(s, "no conversation found") ||
		strings.Contains(s, "session not found") ||
		strings.Contains(s, "invalid session")
}

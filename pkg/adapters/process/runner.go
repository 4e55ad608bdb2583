package process

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/aretw0/sluice/internal/logging"
	"github.com/aretw0/sluice/pkg/domain"
)

// ExitTempFail (EX_TEMPFAIL from sysexits.h) marks a failure worth retrying.
const ExitTempFail = 75

// waitDelay bounds how long Run waits for output pipes after the process is killed.
const waitDelay = 500 * time.Millisecond

// maxStderr bounds how much stderr is quoted in error messages.
const maxStderr = 512

// Runner executes stage bodies as local processes.
// It follows a Strict Registry pattern for security (Allow-Listing) when WithAllowList is used.
type Runner struct {
	allowed map[string]struct{}
	baseDir string
	env     []string
	logger  *slog.Logger
}

// RunnerOption configures the runner.
type RunnerOption func(*Runner)

// WithAllowList restricts the commands stages may run.
func WithAllowList(commands ...string) RunnerOption {
	return func(r *Runner) {
		if r.allowed == nil {
			r.allowed = make(map[string]struct{})
		}
		for _, c := range commands {
			r.allowed[c] = struct{}{}
		}
	}
}

// WithBaseDir sets the working directory for executed processes.
// Relative stage dirs are resolved against it.
func WithBaseDir(dir string) RunnerOption {
	return func(r *Runner) {
		r.baseDir = dir
	}
}

// WithEnv adds KEY=VALUE pairs to every process environment.
func WithEnv(env ...string) RunnerOption {
	return func(r *Runner) {
		r.env = append(r.env, env...)
	}
}

// WithLogger sets the runner logger.
func WithLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		r.logger = logger
	}
}

// NewRunner creates a new Process Runner.
func NewRunner(opts ...RunnerOption) *Runner {
	r := &Runner{logger: logging.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Body returns a stage body running cfg.Command.
//
// The process protocol:
//   - stdin receives the restricted snapshot as JSON ({"version", "values", "modified"}).
//   - stdout must be a JSON object, the patch. Empty output means "no update".
//   - exit code 75 or a timeout is a transient failure; any other failure is permanent.
//   - SLUICE_STAGE, SLUICE_RUN_ID, SLUICE_ATTEMPT and SLUICE_SCRATCH_DIR are set.
//     The scratch directory is removed when the attempt ends.
func (r *Runner) Body(cfg StageConfig) (domain.Body, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("stage %q: missing command", cfg.Name)
	}
	if r.allowed != nil {
		if _, ok := r.allowed[cfg.Command]; !ok {
			return nil, fmt.Errorf("stage %q: command %q is not allowed", cfg.Name, cfg.Command)
		}
	}

	dir := cfg.Dir
	if dir == "" {
		dir = r.baseDir
	} else if !filepath.IsAbs(dir) && r.baseDir != "" {
		dir = filepath.Join(r.baseDir, dir)
	}

	extraEnv := make([]string, 0, len(cfg.Environment))
	for k, v := range cfg.Environment {
		extraEnv = append(extraEnv, k+"="+v)
	}

	return func(ctx context.Context, in domain.Input) (domain.Patch, error) {
		if cfg.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
			defer cancel()
		}

		scratch, err := in.Scope.TempDir("sluice-" + cfg.Name + "-*")
		if err != nil {
			return nil, domain.Transient(fmt.Errorf("failed to create scratch dir: %w", err))
		}

		payload, err := json.Marshal(in.Snapshot)
		if err != nil {
			return nil, domain.Permanent(fmt.Errorf("failed to encode input: %w", err))
		}

		cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
		cmd.Dir = dir
		// Children that inherit stdout must not keep Run waiting after a kill.
		cmd.WaitDelay = waitDelay
		cmd.Env = append(cmd.Environ(), r.env...)
		cmd.Env = append(cmd.Env,
			"SLUICE_STAGE="+cfg.Name,
			"SLUICE_RUN_ID="+in.RunID,
			"SLUICE_ATTEMPT="+strconv.Itoa(in.Attempt),
			"SLUICE_SCRATCH_DIR="+scratch,
		)
		cmd.Env = append(cmd.Env, extraEnv...)

		var stdout, stderr bytes.Buffer
		cmd.Stdin = bytes.NewReader(payload)
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		r.logger.DebugContext(ctx, "running stage process", "stage", cfg.Name, "command", cfg.Command, "attempt", in.Attempt)
		if err := cmd.Run(); err != nil {
			return nil, classify(ctx, cfg, err, stderr.String())
		}
		return parsePatch(stdout.Bytes())
	}, nil
}

func classify(ctx context.Context, cfg StageConfig, err error, stderr string) error {
	switch ctxErr := ctx.Err(); {
	case errors.Is(ctxErr, context.DeadlineExceeded):
		return domain.Transient(fmt.Errorf("%s timed out after %s: %w", cfg.Command, cfg.Timeout, ctxErr))
	case ctxErr != nil:
		return ctxErr
	}

	detail := sanitizeDetail(stderr)

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		failure := fmt.Errorf("%s exited with code %d: %s", cfg.Command, exitErr.ExitCode(), detail)
		if exitErr.ExitCode() == ExitTempFail {
			return domain.Transient(failure)
		}
		return domain.Permanent(failure)
	}
	return domain.Permanent(fmt.Errorf("failed to run %s: %w", cfg.Command, err))
}

func parsePatch(out []byte) (domain.Patch, error) {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 {
		return nil, nil
	}
	var patch map[string]any
	if err := json.Unmarshal(trimmed, &patch); err != nil {
		return nil, domain.Permanent(fmt.Errorf("stdout is not a JSON object: %w", err))
	}
	return domain.Patch(patch), nil
}

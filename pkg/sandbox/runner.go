// Package sandbox executes instructor-supplied Python inside throwaway
// docker containers and reports what the code decided.
package sandbox

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

//go:embed runner.py
var runnerSource []byte

var (
	// ErrExecutionFailed is returned when the code raised or produced no result.
	ErrExecutionFailed = errors.New("sandbox execution failed")
	// ErrTimeout is returned when the container exceeded its time budget.
	ErrTimeout = errors.New("sandbox execution timed out")
)

// Mode selects what the runner does with a job.
type Mode string

const (
	// ModeCheck runs Code with submission/expect bound and reads back the
	// correct, messages, overall_message and grade_decimals globals.
	ModeCheck Mode = "check"
	// ModeFunction calls Function(expect, answer) and returns its value.
	ModeFunction Mode = "cfn"
	// ModeContext runs Script alone and returns its scalar globals.
	ModeContext Mode = "context"
)

// Job is the input of one sandbox run.
type Job struct {
	Mode       Mode     `json:"mode"`
	Script     string   `json:"script,omitempty"`
	Code       string   `json:"code,omitempty"`
	Function   string   `json:"function,omitempty"`
	Expect     string   `json:"expect,omitempty"`
	Submission []any    `json:"submission"`
	AnswerIDs  []string `json:"answer_ids,omitempty"`
	Seed       int64    `json:"seed"`
}

// Outcome is what the runner printed.
type Outcome struct {
	Correct        []string        `json:"correct"`
	Messages       []string        `json:"messages"`
	OverallMessage string          `json:"overall_message"`
	GradeDecimals  []float64       `json:"grade_decimals"`
	Return         json.RawMessage `json:"cfn_return"`
	Context        map[string]any  `json:"context"`
}

// Config configures the runner.
type Config struct {
	Image         string
	Timeout       time.Duration
	MemoryLimitMB int64
	CPUShares     int64
	WorkspaceRoot string
}

// Runner turns jobs into container executions.
type Runner struct {
	executor Executor
	cfg      Config
	logger   zerolog.Logger
}

const workingDir = "/workspace"

// NewRunner builds a runner on top of an executor.
func NewRunner(executor Executor, cfg Config, logger zerolog.Logger) *Runner {
	if cfg.Image == "" {
		cfg.Image = "python:3.11-alpine"
	}
	if cfg.WorkspaceRoot == "" {
		cfg.WorkspaceRoot = os.TempDir()
	}
	return &Runner{
		executor: executor,
		cfg:      cfg,
		logger:   logger.With().Str("component", "sandbox_runner").Logger(),
	}
}

// Execute writes the job and the runner into a fresh workspace, runs them
// and decodes the result printed on stdout.
func (r *Runner) Execute(ctx context.Context, job Job) (Outcome, error) {
	if job.Mode == "" {
		job.Mode = ModeCheck
	}

	workspace, err := os.MkdirTemp(r.cfg.WorkspaceRoot, "sandbox-")
	if err != nil {
		return Outcome{}, fmt.Errorf("create workspace: %w", err)
	}
	defer os.RemoveAll(workspace)

	payload, err := json.Marshal(job)
	if err != nil {
		return Outcome{}, fmt.Errorf("encode job: %w", err)
	}
	if err := os.WriteFile(filepath.Join(workspace, "job.json"), payload, 0o644); err != nil {
		return Outcome{}, fmt.Errorf("write job: %w", err)
	}
	if err := os.WriteFile(filepath.Join(workspace, "runner.py"), runnerSource, 0o644); err != nil {
		return Outcome{}, fmt.Errorf("write runner: %w", err)
	}

	result, err := r.executor.Run(ctx, ExecutionRequest{
		Image:         r.cfg.Image,
		Cmd:           []string{"python", workingDir + "/runner.py", workingDir + "/job.json"},
		Timeout:       r.cfg.Timeout,
		Workspace:     workspace,
		WorkingDir:    workingDir,
		MemoryLimitMB: r.cfg.MemoryLimitMB,
		CPUShares:     r.cfg.CPUShares,
	})
	if err != nil {
		return Outcome{}, err
	}
	if result.ExitCode != 0 {
		r.logger.Debug().Int("exit_code", result.ExitCode).Str("stderr", result.Stderr).Msg("sandbox code failed")
		return Outcome{}, fmt.Errorf("%w: %s", ErrExecutionFailed, lastLine(result.Stderr))
	}

	return DecodeOutcome(result.Stdout)
}

// DecodeOutcome parses the last non-empty stdout line as an Outcome.
func DecodeOutcome(stdout string) (Outcome, error) {
	line := lastLine(stdout)
	if line == "" {
		return Outcome{}, fmt.Errorf("%w: no result printed", ErrExecutionFailed)
	}

	var outcome Outcome
	if err := json.Unmarshal([]byte(line), &outcome); err != nil {
		return Outcome{}, fmt.Errorf("%w: decode result: %v", ErrExecutionFailed, err)
	}
	return outcome, nil
}

func lastLine(text string) string {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

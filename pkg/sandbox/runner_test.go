package sandbox_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grader/pkg/sandbox"
)

type stubExecutor struct {
	result  sandbox.ExecutionResult
	err     error
	request sandbox.ExecutionRequest
	job     sandbox.Job
	runner  []byte
}

func (s *stubExecutor) Run(_ context.Context, req sandbox.ExecutionRequest) (sandbox.ExecutionResult, error) {
	s.request = req
	data, err := os.ReadFile(filepath.Join(req.Workspace, "job.json"))
	if err != nil {
		return sandbox.ExecutionResult{}, err
	}
	if err := json.Unmarshal(data, &s.job); err != nil {
		return sandbox.ExecutionResult{}, err
	}
	s.runner, _ = os.ReadFile(filepath.Join(req.Workspace, "runner.py"))
	return s.result, s.err
}

func TestRunnerExecuteWritesJobAndDecodesOutcome(t *testing.T) {
	exec := &stubExecutor{result: sandbox.ExecutionResult{
		Stdout: "debug noise\n{\"correct\": [\"correct\", \"incorrect\"], \"messages\": [\"\", \"try again\"], \"overall_message\": \"half\", \"grade_decimals\": null}\n",
	}}
	runner := sandbox.NewRunner(exec, sandbox.Config{WorkspaceRoot: t.TempDir()}, zerolog.Nop())

	outcome, err := runner.Execute(context.Background(), sandbox.Job{
		Code:       "correct = ['correct', 'incorrect']",
		Submission: []any{"1", "2"},
		Seed:       7,
	})
	require.NoError(t, err)
	require.Equal(t, []string{"correct", "incorrect"}, outcome.Correct)
	require.Equal(t, "try again", outcome.Messages[1])
	require.Equal(t, "half", outcome.OverallMessage)

	require.Equal(t, sandbox.ModeCheck, exec.job.Mode)
	require.Equal(t, int64(7), exec.job.Seed)
	require.Equal(t, "python:3.11-alpine", exec.request.Image)
	require.Equal(t, "/workspace", exec.request.WorkingDir)
	require.Contains(t, string(exec.runner), "def main()")

	_, statErr := os.Stat(exec.request.Workspace)
	require.True(t, os.IsNotExist(statErr), "workspace should be removed")
}

func TestRunnerExecuteFailures(t *testing.T) {
	cases := map[string]*stubExecutor{
		"non-zero exit": {result: sandbox.ExecutionResult{ExitCode: 1, Stderr: "Traceback\nNameError: name 'x' is not defined"}},
		"no output":     {result: sandbox.ExecutionResult{}},
		"bad json":      {result: sandbox.ExecutionResult{Stdout: "{not json"}},
	}

	for name, exec := range cases {
		t.Run(name, func(t *testing.T) {
			runner := sandbox.NewRunner(exec, sandbox.Config{WorkspaceRoot: t.TempDir()}, zerolog.Nop())
			_, err := runner.Execute(context.Background(), sandbox.Job{Code: "pass"})
			require.ErrorIs(t, err, sandbox.ErrExecutionFailed)
		})
	}

	timeout := &stubExecutor{err: sandbox.ErrTimeout, result: sandbox.ExecutionResult{TimedOut: true}}
	runner := sandbox.NewRunner(timeout, sandbox.Config{WorkspaceRoot: t.TempDir()}, zerolog.Nop())
	_, err := runner.Execute(context.Background(), sandbox.Job{Code: "while True: pass"})
	require.True(t, errors.Is(err, sandbox.ErrTimeout))
}

func TestDecodeOutcomeFunctionReturn(t *testing.T) {
	outcome, err := sandbox.DecodeOutcome(`{"cfn_return": {"ok": true, "msg": "nice"}}`)
	require.NoError(t, err)
	require.JSONEq(t, `{"ok": true, "msg": "nice"}`, string(outcome.Return))
}

// Package graderpool is a reference XQueue-compatible grader pool. It
// accepts signed submissions, grades them on a worker pool and posts the
// verdicts back to the callback URL each submission names.
package graderpool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/noah-isme/gema-grader/pkg/ai"
	"github.com/noah-isme/gema-grader/pkg/sandbox"
	"github.com/noah-isme/gema-grader/pkg/xqueue"
)

// ErrUnknownGrader is returned when a payload names a grader script the
// pool does not have.
var ErrUnknownGrader = errors.New("unknown grader")

// Job is one accepted submission.
type Job struct {
	Submission xqueue.Submission
	Info       xqueue.StudentInfo
	ReceivedAt time.Time
}

// Payload decodes the submission's grader_payload. Payloads that are not
// JSON objects come back under the key "raw".
func (j Job) Payload() map[string]any {
	raw := strings.TrimSpace(j.Submission.Body.GraderPayload)
	payload := map[string]any{}
	if raw == "" {
		return payload
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return map[string]any{"raw": raw}
	}
	return payload
}

func (j Job) payloadString(key string) string {
	value, ok := j.Payload()[key]
	if !ok {
		return ""
	}
	if s, ok := value.(string); ok {
		return s
	}
	data, _ := json.Marshal(value)
	return string(data)
}

// Grader decides a verdict for a job.
type Grader interface {
	Grade(ctx context.Context, job Job) (xqueue.Verdict, error)
}

// GraderFunc adapts a function to Grader.
type GraderFunc func(ctx context.Context, job Job) (xqueue.Verdict, error)

// Grade calls f.
func (f GraderFunc) Grade(ctx context.Context, job Job) (xqueue.Verdict, error) {
	return f(ctx, job)
}

// StaticGrader answers every job with the same verdict.
func StaticGrader(verdict xqueue.Verdict) Grader {
	return GraderFunc(func(context.Context, Job) (xqueue.Verdict, error) {
		return verdict, nil
	})
}

// Verdict builds a verdict with the boolean correct form.
func Verdict(correct bool, score float64, msg string) xqueue.Verdict {
	return xqueue.Verdict{Correct: &correct, Score: score, Msg: msg}
}

// QueueRouter picks a grader by queue name, falling back to Default.
type QueueRouter struct {
	Queues  map[string]Grader
	Default Grader
}

// Grade dispatches job to the grader of its queue.
func (r QueueRouter) Grade(ctx context.Context, job Job) (xqueue.Verdict, error) {
	if g, ok := r.Queues[job.Submission.Header.QueueName]; ok {
		return g.Grade(ctx, job)
	}
	if r.Default == nil {
		return xqueue.Verdict{}, fmt.Errorf("%w: no grader for queue %q", ErrUnknownGrader, job.Submission.Header.QueueName)
	}
	return r.Default.Grade(ctx, job)
}

// SandboxExecutor runs one sandbox job.
type SandboxExecutor interface {
	Execute(ctx context.Context, job sandbox.Job) (sandbox.Outcome, error)
}

// SandboxGrader runs instructor check scripts against the learner's code.
// The payload key "grader" names the script; the learner response is bound
// as submission[0] and the rest of the payload as expect.
type SandboxGrader struct {
	executor SandboxExecutor
	scripts  map[string]string
}

// NewSandboxGrader creates a grader from named check scripts.
func NewSandboxGrader(executor SandboxExecutor, scripts map[string]string) *SandboxGrader {
	return &SandboxGrader{executor: executor, scripts: scripts}
}

// LoadScripts reads every *.py file in dir, keyed by file name.
func LoadScripts(dir string) (map[string]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.py"))
	if err != nil {
		return nil, err
	}
	scripts := make(map[string]string, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read grader %s: %w", path, err)
		}
		scripts[filepath.Base(path)] = string(data)
	}
	return scripts, nil
}

func (g *SandboxGrader) Grade(ctx context.Context, job Job) (xqueue.Verdict, error) {
	name := job.payloadString("grader")
	script, ok := g.scripts[name]
	if !ok {
		return xqueue.Verdict{}, fmt.Errorf("%w: %q", ErrUnknownGrader, name)
	}

	expect := job.payloadString("expect")
	if expect == "" {
		expect = job.Submission.Body.GraderPayload
	}

	outcome, err := g.executor.Execute(ctx, sandbox.Job{
		Mode:       sandbox.ModeCheck,
		Code:       script,
		Expect:     expect,
		Submission: []any{job.Submission.Body.StudentResponse},
		Seed:       job.Info.RandomSeed,
	})
	if err != nil {
		if errors.Is(err, sandbox.ErrExecutionFailed) || errors.Is(err, sandbox.ErrTimeout) {
			return Verdict(false, 0, "Your code could not be graded: "+err.Error()), nil
		}
		return xqueue.Verdict{}, err
	}

	correctness := "incorrect"
	if len(outcome.Correct) > 0 {
		correctness = outcome.Correct[0]
	}
	score := 0.0
	switch {
	case len(outcome.GradeDecimals) > 0:
		score = outcome.GradeDecimals[0]
	case correctness == "correct":
		score = 1
	}
	if correctness != "correct" && correctness != "partially-correct" {
		correctness = "incorrect"
	}

	msg := outcome.OverallMessage
	if len(outcome.Messages) > 0 && outcome.Messages[0] != "" {
		msg = outcome.Messages[0]
	}
	return xqueue.Verdict{Correctness: correctness, Score: score, Msg: msg}, nil
}

// AIGrader asks a language model to review free-form answers. The payload
// keys "rubric" and "language" are passed through.
type AIGrader struct {
	model ai.Grader
}

// NewAIGrader wraps a model grader.
func NewAIGrader(model ai.Grader) *AIGrader {
	return &AIGrader{model: model}
}

func (g *AIGrader) Grade(ctx context.Context, job Job) (xqueue.Verdict, error) {
	rubric := job.payloadString("rubric")
	if rubric == "" {
		rubric = job.Submission.Body.GraderPayload
	}
	result, err := g.model.Grade(ctx, ai.GradeRequest{
		QueueName:       job.Submission.Header.QueueName,
		StudentResponse: job.Submission.Body.StudentResponse,
		Rubric:          rubric,
		Language:        job.payloadString("language"),
		Files:           job.Submission.Files,
	})
	if err != nil {
		return xqueue.Verdict{}, err
	}
	return xqueue.Verdict{
		Correctness: result.Correctness(),
		Score:       result.Score,
		Msg:         result.Feedback,
	}, nil
}

// AnswerKeyGrader compares the learner response with the payload key
// "answer", ignoring case and surrounding space. Payloads without an answer
// key are graded incorrect with an explanation.
type AnswerKeyGrader struct{}

func (AnswerKeyGrader) Grade(_ context.Context, job Job) (xqueue.Verdict, error) {
	answer := job.payloadString("answer")
	if answer == "" {
		return Verdict(false, 0, "This problem has no answer key."), nil
	}
	response := strings.TrimSpace(job.Submission.Body.StudentResponse)
	if strings.EqualFold(response, strings.TrimSpace(answer)) {
		return Verdict(true, 1, "Correct."), nil
	}
	return Verdict(false, 0, "Incorrect."), nil
}

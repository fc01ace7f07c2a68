// Package ai grades free-form submissions with a language model. The
// reference grader pool uses it for queues whose grader_payload asks for
// model-assisted review.
package ai

import "context"

// GradeRequest carries what a queued submission offers to the model.
type GradeRequest struct {
	QueueName       string
	StudentResponse string
	// Rubric is the grader_payload field "rubric", or the whole payload
	// when it is not JSON.
	Rubric   string
	Language string
	Files    map[string]string
}

// GradeResult is the model's verdict. Score is clamped to [0, 1].
type GradeResult struct {
	Score    float64        `json:"score"`
	Verdict  string         `json:"verdict"`
	Feedback string         `json:"feedback"`
	Details  map[string]any `json:"details,omitempty"`
}

// Correctness maps the verdict onto correct, partially-correct or
// incorrect.
func (r GradeResult) Correctness() string {
	switch r.Verdict {
	case "correct", "partially-correct", "incorrect":
		return r.Verdict
	}
	switch {
	case r.Score >= 1:
		return "correct"
	case r.Score > 0:
		return "partially-correct"
	default:
		return "incorrect"
	}
}

// Grader is a model able to review a submission.
type Grader interface {
	Grade(ctx context.Context, req GradeRequest) (GradeResult, error)
}

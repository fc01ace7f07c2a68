package dto

import (
	"time"

	"github.com/noah-isme/gema-grader/internal/capa/correctmap"
	"github.com/noah-isme/gema-grader/internal/models"
)

// SubmitRequest carries the learner's answers keyed by input id.
type SubmitRequest struct {
	Answers map[string]string `json:"answers" validate:"required"`
}

// HintRequest asks for the stored hint of one input.
type HintRequest struct {
	InputID string `json:"input_id" validate:"required"`
}

// DemandHintRequest selects a demand hint. Without an index the attempt's
// next hint is returned.
type DemandHintRequest struct {
	Index *int `json:"index" validate:"omitempty,gte=0"`
}

// RescoreRequest controls an admin rescore.
type RescoreRequest struct {
	OnlyIfHigher bool `json:"only_if_higher"`
}

// ExpirePendingRequest sweeps queued inputs older than the given age. Zero
// falls back to the configured pending TTL.
type ExpirePendingRequest struct {
	OlderThanSeconds int `json:"older_than_seconds" validate:"gte=0"`
}

// ExpirePendingResponse reports how many queued inputs were expired.
type ExpirePendingResponse struct {
	Expired int `json:"expired"`
}

// InputState is the learner-visible state of one input.
type InputState struct {
	Correctness string   `json:"correctness"`
	NPoints     *float64 `json:"npoints,omitempty"`
	Msg         string   `json:"msg,omitempty"`
	Hint        string   `json:"hint,omitempty"`
	HintMode    string   `json:"hintmode,omitempty"`
	Queued      bool     `json:"queued"`
	QueueTime   string   `json:"queue_time,omitempty"`
}

// AttemptStateResponse describes an attempt to the learner.
type AttemptStateResponse struct {
	ProblemID       string                `json:"problem_id"`
	AttemptNumber   int                   `json:"attempt_number"`
	Submissions     int                   `json:"submissions"`
	MaxAttempts     *int                  `json:"max_attempts,omitempty"`
	Closed          bool                  `json:"closed"`
	Done            bool                  `json:"done"`
	Answers         map[string]string     `json:"answers"`
	Inputs          map[string]InputState `json:"inputs"`
	OverallMessage  string                `json:"overall_message,omitempty"`
	Score           float64               `json:"score"`
	Possible        float64               `json:"possible"`
	AnyQueued       bool                  `json:"any_queued"`
	LastSubmittedAt *time.Time            `json:"last_submitted_at,omitempty"`
}

// NewAttemptStateResponse builds the learner view of an attempt. Queue keys
// are never exposed.
func NewAttemptStateResponse(problem models.Problem, attempt models.Attempt, cmap *correctmap.CorrectMap) AttemptStateResponse {
	inputs := make(map[string]InputState, cmap.Len())
	for _, id := range cmap.InputIDs() {
		record, _ := cmap.Record(id)
		inputs[id] = InputState{
			Correctness: string(record.Correctness),
			NPoints:     record.NPoints,
			Msg:         record.Msg,
			Hint:        record.Hint,
			HintMode:    string(record.HintMode),
			Queued:      record.QueueState != nil,
			QueueTime:   cmap.GetQueuetimeStr(id),
		}
	}

	return AttemptStateResponse{
		ProblemID:       attempt.ProblemID,
		AttemptNumber:   attempt.AttemptNumber,
		Submissions:     attempt.Submissions,
		MaxAttempts:     problem.MaxAttempts,
		Closed:          problem.Closed(attempt.Submissions),
		Done:            attempt.Done,
		Answers:         attempt.Answers(),
		Inputs:          inputs,
		OverallMessage:  cmap.GetOverallMessage(),
		Score:           attempt.Score,
		Possible:        attempt.Possible,
		AnyQueued:       cmap.IsAnyQueued(),
		LastSubmittedAt: attempt.LastSubmittedAt,
	}
}

// HintResponse returns a stored hint.
type HintResponse struct {
	InputID string `json:"input_id"`
	Hint    string `json:"hint"`
}

// DemandHintResponse returns one demand hint and the index of the next.
type DemandHintResponse struct {
	Index     int    `json:"index"`
	NextIndex int    `json:"next_index"`
	Hint      string `json:"hint"`
}

// AttemptEvent is published whenever an attempt changes.
type AttemptEvent struct {
	Type      string               `json:"type"`
	LearnerID string               `json:"learner_id"`
	ProblemID string               `json:"problem_id"`
	State     AttemptStateResponse `json:"state"`
	SentAt    time.Time            `json:"sent_at"`
}

// Attempt event types.
const (
	AttemptEventSubmitted = "submitted"
	AttemptEventGraded    = "graded"
	AttemptEventReset     = "reset"
	AttemptEventRescored  = "rescored"
	AttemptEventExpired   = "expired"
	// AttemptEventState is the snapshot a websocket receives on connect.
	AttemptEventState = "state"
)

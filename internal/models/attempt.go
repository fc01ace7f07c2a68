package models

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"

	"github.com/noah-isme/gema-grader/internal/capa/correctmap"
)

// ScoreEntry records the score after one grading event.
type ScoreEntry struct {
	Earned   float64   `json:"earned"`
	Possible float64   `json:"possible"`
	Source   string    `json:"source"`
	At       time.Time `json:"at"`
}

// Score sources.
const (
	ScoreSourceSubmit   = "submit"
	ScoreSourceCallback = "callback"
	ScoreSourceRescore  = "rescore"
	ScoreSourceExpire   = "expire"
)

// Attempt is the per-learner state of one problem.
type Attempt struct {
	ID              uint                                  `gorm:"primaryKey" json:"id"`
	LearnerID       string                                `gorm:"size:191;not null;uniqueIndex:idx_attempt_learner_problem" json:"learner_id"`
	ProblemID       string                                `gorm:"size:191;not null;uniqueIndex:idx_attempt_learner_problem" json:"problem_id"`
	AttemptNumber   int                                   `gorm:"not null;default:1" json:"attempt_number"`
	Seed            int64                                 `gorm:"not null" json:"seed"`
	Submissions     int                                   `gorm:"not null;default:0" json:"submissions"`
	StudentAnswers  datatypes.JSONType[map[string]string] `json:"student_answers"`
	CorrectMap      datatypes.JSON                        `json:"correct_map"`
	ScoreHistory    datatypes.JSONType[[]ScoreEntry]      `json:"score_history"`
	Done            bool                                  `gorm:"not null;default:false" json:"done"`
	Score           float64                               `gorm:"not null;default:0" json:"score"`
	Possible        float64                               `gorm:"not null;default:0" json:"possible"`
	HintIndex       int                                   `gorm:"not null;default:0" json:"hint_index"`
	LastSubmittedAt *time.Time                            `json:"last_submitted_at,omitempty"`
	CreatedAt       time.Time                             `json:"created_at"`
	UpdatedAt       time.Time                             `json:"updated_at"`
}

// Answers returns a copy of the stored student answers.
func (a Attempt) Answers() map[string]string {
	out := make(map[string]string)
	for k, v := range a.StudentAnswers.Data() {
		out[k] = v
	}
	return out
}

// SetAnswers replaces the stored student answers.
func (a *Attempt) SetAnswers(answers map[string]string) {
	a.StudentAnswers = datatypes.NewJSONType(answers)
}

// LoadCorrectMap decodes the stored CorrectMap. An empty column yields an
// empty map.
func (a Attempt) LoadCorrectMap() (*correctmap.CorrectMap, error) {
	cmap := correctmap.New()
	if len(a.CorrectMap) == 0 {
		return cmap, nil
	}
	if err := json.Unmarshal(a.CorrectMap, cmap); err != nil {
		return nil, fmt.Errorf("decode correct map of attempt %d: %w", a.ID, err)
	}
	return cmap, nil
}

// StoreCorrectMap encodes cmap into the attempt.
func (a *Attempt) StoreCorrectMap(cmap *correctmap.CorrectMap) error {
	data, err := json.Marshal(cmap)
	if err != nil {
		return fmt.Errorf("encode correct map: %w", err)
	}
	a.CorrectMap = datatypes.JSON(data)
	return nil
}

// RecordScore sets the current score and appends it to the history.
func (a *Attempt) RecordScore(earned, possible float64, source string, at time.Time) {
	a.Score = earned
	a.Possible = possible
	history := append([]ScoreEntry(nil), a.ScoreHistory.Data()...)
	history = append(history, ScoreEntry{Earned: earned, Possible: possible, Source: source, At: at.UTC()})
	a.ScoreHistory = datatypes.NewJSONType(history)
}

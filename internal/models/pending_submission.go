package models

import "time"

// PendingSubmission indexes an outstanding grader request by its key. Rows
// mirror the queued entries of the attempt's CorrectMap.
type PendingSubmission struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	LMSKey    string    `gorm:"size:64;not null;uniqueIndex" json:"lms_key"`
	AttemptID uint      `gorm:"not null;index" json:"attempt_id"`
	InputID   string    `gorm:"size:191;not null" json:"input_id"`
	QueueName string    `gorm:"size:191" json:"queue_name"`
	QueuedAt  time.Time `gorm:"not null;index" json:"queued_at"`
}

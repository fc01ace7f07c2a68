package models

import "time"

// Problem is a gradable problem descriptor authored by staff.
type Problem struct {
	ID          string    `gorm:"primaryKey;size:191" json:"id"`
	Title       string    `gorm:"size:255" json:"title"`
	XML         string    `gorm:"type:text;not null" json:"xml"`
	Weight      *float64  `json:"weight,omitempty"`
	MaxAttempts *int      `json:"max_attempts,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Closed reports whether submissions have used up the attempt allowance.
func (p Problem) Closed(submissions int) bool {
	return p.MaxAttempts != nil && submissions >= *p.MaxAttempts
}

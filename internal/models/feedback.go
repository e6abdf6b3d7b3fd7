package models

import (
	"time"

	"gorm.io/gorm"
)

// Feedback is the durable record written once per completed feedback
// conversation. The in-memory session it came from is ephemeral; this row is
// the artifact that survives restarts.
type Feedback struct {
	gorm.Model
	ChannelID     string    `json:"channel_id" gorm:"index"`
	ChannelName   string    `json:"channel_name"`
	ThreadTS      string    `json:"thread_ts" gorm:"index"`
	UserID        string    `json:"user_id" gorm:"not null;index"`
	UserName      string    `json:"user_name"`
	Rating        int       `json:"rating" gorm:"not null" validate:"required,min=1,max=10"`
	Comments      string    `json:"comments"` // Optional text feedback
	TicketID      string    `json:"ticket_id,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty" gorm:"index"`
	SubmittedAt   time.Time `json:"submitted_at"`
}

// ListFeedback returns all finalized feedback records, most recent first.
func ListFeedback(db *gorm.DB) ([]Feedback, error) {
	var records []Feedback
	result := db.Order("submitted_at DESC").Find(&records)
	if result.Error != nil {
		return nil, result.Error
	}
	return records, nil
}

// CountFeedbackForThread counts persisted records for one user+thread pair.
func CountFeedbackForThread(db *gorm.DB, userID, threadTS string) (int64, error) {
	var count int64
	result := db.Model(&Feedback{}).Where("user_id = ? AND thread_ts = ?", userID, threadTS).Count(&count)
	return count, result.Error
}

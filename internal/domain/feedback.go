package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Feedback is the single post-visit rating a booking may leave.
type Feedback struct {
	ID            uuid.UUID  `json:"id" gorm:"type:uuid;primaryKey"`
	BookingID     uuid.UUID  `json:"booking_id" gorm:"type:uuid;not null;uniqueIndex"`
	ResourceID    uuid.UUID  `json:"resource_id" gorm:"type:uuid;not null;index"`
	Rating        int        `json:"rating" gorm:"not null;check:rating BETWEEN 1 AND 5"`
	Comment       string     `json:"comment,omitempty" gorm:"type:text"`
	StaffResponse *string    `json:"staff_response,omitempty" gorm:"type:text"`
	RespondedBy   string     `json:"responded_by,omitempty" gorm:"type:varchar(64)"`
	RespondedAt   *time.Time `json:"responded_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func (Feedback) TableName() string { return "feedback" }

func (f *Feedback) BeforeCreate(_ *gorm.DB) error {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	return nil
}

package domain

import "time"

type IdempotencyStatus string

const (
	IdempotencyInProgress IdempotencyStatus = "in_progress"
	IdempotencyCompleted  IdempotencyStatus = "completed"
)

// IdempotencyRecord maps a caller key to the canonical request hash and the
// response produced for it.
type IdempotencyRecord struct {
	Key         string            `json:"key" gorm:"type:varchar(255);primaryKey"`
	RequestHash string            `json:"request_hash" gorm:"size:64;not null"`
	Status      IdempotencyStatus `json:"status" gorm:"type:varchar(16);not null"`
	Response    []byte            `json:"-"`
	CreatedAt   time.Time         `json:"created_at" gorm:"not null"`
	ExpiresAt   time.Time         `json:"expires_at" gorm:"not null;index"`
}

func (IdempotencyRecord) TableName() string { return "idempotency_records" }

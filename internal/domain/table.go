package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type DiningTable struct {
	ID         uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	ResourceID uuid.UUID `json:"resource_id" gorm:"type:uuid;not null;index"`
	Label      string    `json:"label" gorm:"type:varchar(64);not null"`
	Capacity   int       `json:"capacity" gorm:"not null;check:capacity > 0"`
	Area       string    `json:"area" gorm:"type:varchar(100);index"`
	CreatedAt  time.Time `json:"created_at"`
}

func (DiningTable) TableName() string { return "dining_tables" }

func (t *DiningTable) BeforeCreate(_ *gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return nil
}

// TableJoinLink declares two physically adjacent tables.
type TableJoinLink struct {
	ID         uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	ResourceID uuid.UUID `json:"resource_id" gorm:"type:uuid;not null;index"`
	TableA     uuid.UUID `json:"table_a" gorm:"type:uuid;not null;uniqueIndex:idx_table_link_pair"`
	TableB     uuid.UUID `json:"table_b" gorm:"type:uuid;not null;uniqueIndex:idx_table_link_pair"`
	CreatedAt  time.Time `json:"created_at"`
}

func (TableJoinLink) TableName() string { return "table_join_links" }

func (l *TableJoinLink) BeforeCreate(_ *gorm.DB) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	return nil
}

// AreaBlock reserves an area (for example for a private event) over a window.
type AreaBlock struct {
	ID        uuid.UUID  `json:"id" gorm:"type:uuid;primaryKey"`
	Area      string     `json:"area" gorm:"type:varchar(100);not null;index"`
	StartsAt  time.Time  `json:"starts_at" gorm:"not null"`
	EndsAt    time.Time  `json:"ends_at" gorm:"not null"`
	BookingID *uuid.UUID `json:"booking_id,omitempty" gorm:"type:uuid"`
	Reason    string     `json:"reason" gorm:"type:text"`
	CreatedAt time.Time  `json:"created_at"`
}

func (AreaBlock) TableName() string { return "area_blocks" }

func (b *AreaBlock) BeforeCreate(_ *gorm.DB) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	return nil
}

// TableAssignment binds one physical table to a booking. A joined
// assignment is several rows sharing the booking.
type TableAssignment struct {
	ID         uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	BookingID  uuid.UUID `json:"booking_id" gorm:"type:uuid;not null;index"`
	ResourceID uuid.UUID `json:"resource_id" gorm:"type:uuid;not null;uniqueIndex:idx_assignment_table"`
	TableID    uuid.UUID `json:"table_id" gorm:"type:uuid;not null;uniqueIndex:idx_assignment_table"`
	CreatedAt  time.Time `json:"created_at"`
}

func (TableAssignment) TableName() string { return "table_assignments" }

func (a *TableAssignment) BeforeCreate(_ *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

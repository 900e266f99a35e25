package feedback

import "github.com/google/uuid"

type SubmitRequest struct {
	BookingID uuid.UUID `json:"-"`
	Token     string    `json:"token" validate:"required"`
	Rating    int       `json:"rating" validate:"required,gte=1,lte=5"`
	Comment   string    `json:"comment,omitempty" validate:"max=2000"`
	Caller    string    `json:"-"`
}

type StaffResponseRequest struct {
	Response string `json:"response" validate:"required,max=2000"`
}

package domain

// Models lists every persisted type, in migration order.
func Models() []any {
	return []any{
		&Resource{},
		&Hold{},
		&Booking{},
		&BookingStatusEvent{},
		&WaitlistEntry{},
		&WaitlistOffer{},
		&ActionToken{},
		&Payment{},
		&ChargeRequest{},
		&DiningTable{},
		&TableJoinLink{},
		&AreaBlock{},
		&TableAssignment{},
		&IdempotencyRecord{},
		&OutboundMessage{},
		&Feedback{},
	}
}

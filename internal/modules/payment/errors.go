package payment

import "errors"

var (
	ErrNoWebhookSecret = errors.New("payment: webhook secret is not configured")
	ErrNoOperator      = errors.New("payment: operator email is not configured")
	ErrNoProcessorRef  = errors.New("payment: payment has no processor reference to refund")
)

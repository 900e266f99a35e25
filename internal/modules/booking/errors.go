package booking

import "errors"

var ErrNoSeatPayment = errors.New("booking: prepaid seat increase needs a payment gate")

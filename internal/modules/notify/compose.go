package notify

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"venuecore/internal/domain"
)

// Composer renders message texts. Links carry raw tokens, so composed
// bodies only ever live in the outbox until sent.
type Composer struct {
	baseURL string
	loc     *time.Location
}

func NewComposer(baseURL string, loc *time.Location) *Composer {
	if loc == nil {
		loc = time.UTC
	}
	return &Composer{baseURL: strings.TrimRight(baseURL, "/"), loc: loc}
}

func (c *Composer) Link(path, token string) string {
	u := c.baseURL + path
	if token != "" {
		u += "?token=" + url.QueryEscape(token)
	}
	return u
}

func (c *Composer) when(t time.Time) string {
	return t.In(c.loc).Format("Mon 2 Jan 15:04")
}

func (c *Composer) BookingConfirmed(r *domain.Resource, b *domain.Booking, manageToken string) string {
	s := fmt.Sprintf("Your booking for %s on %s for %d is confirmed.", r.Name, c.when(r.StartsAt), b.PartySize)
	if manageToken != "" {
		s += " Manage it here: " + c.Link("/bookings/"+b.ID.String(), manageToken)
	}
	return s
}

func (c *Composer) PaymentRequest(r *domain.Resource, b *domain.Booking, payToken string, holdUntil time.Time) string {
	return fmt.Sprintf("We are holding %d places at %s on %s until %s. Complete payment: %s",
		b.PartySize, r.Name, c.when(r.StartsAt), c.when(holdUntil),
		c.Link("/bookings/"+b.ID.String()+"/checkout", payToken))
}

func (c *Composer) Reminder(r *domain.Resource, b *domain.Booking, preOrderToken string) string {
	s := fmt.Sprintf("Reminder: %s on %s, party of %d. See you soon.", r.Name, c.when(r.StartsAt), b.PartySize)
	if preOrderToken != "" {
		s += " Pre-order here: " + c.Link("/bookings/"+b.ID.String()+"/pre-order", preOrderToken)
	}
	return s
}

func (c *Composer) WaitlistJoined(r *domain.Resource, e *domain.WaitlistEntry, manageToken string) string {
	return fmt.Sprintf("You are on the waitlist for %s on %s (party of %d). Leave the list: %s",
		r.Name, c.when(r.StartsAt), e.PartySize,
		c.Link("/waitlist/"+e.ID.String()+"/withdraw", manageToken))
}

func (c *Composer) WaitlistOffer(r *domain.Resource, e *domain.WaitlistEntry, o *domain.WaitlistOffer, claimToken string) string {
	return fmt.Sprintf("Good news: %d places opened up at %s on %s. Claim them before %s: %s",
		e.PartySize, r.Name, c.when(r.StartsAt), c.when(o.ExpiresAt),
		c.Link("/offers/accept", claimToken))
}

func (c *Composer) ChargeApproval(b *domain.Booking, cr *domain.ChargeRequest, approveToken string) (string, string) {
	subject := fmt.Sprintf("Approval needed: %s charge for booking %s", cr.Kind, b.ID)
	body := fmt.Sprintf(
		"A %s charge of %s %s was requested by %s for booking %s (%s, party of %d).\n\nReason: %s\n\nApprove or decline: %s\n",
		cr.Kind, formatMinor(cr.Amount), cr.Currency, cr.RequestedBy, b.ID, b.CustomerName, b.PartySize,
		cr.Reason, c.Link("/charges/"+cr.ID.String()+"/decision", approveToken))
	return subject, body
}

func (c *Composer) FeedbackRequest(r *domain.Resource, b *domain.Booking, feedbackToken string) string {
	return fmt.Sprintf("Thanks for joining us at %s. How was it? Rate your visit: %s",
		r.Name, c.Link("/bookings/"+b.ID.String()+"/feedback", feedbackToken))
}

func formatMinor(amount int64) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	return fmt.Sprintf("%s%d.%02d", sign, amount/100, amount%100)
}

// Package quiethours decides when outbound messages may be sent, based on a
// fixed daily window in the venue's civil time.
package quiethours

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Gate is immutable and safe for concurrent use.
type Gate struct {
	loc   *time.Location
	start time.Duration
	end   time.Duration
}

// New builds a gate for the quiet window [start, end) given as "HH:MM".
// The window may wrap midnight. start == end disables the gate.
func New(loc *time.Location, start, end string) (*Gate, error) {
	if loc == nil {
		return nil, fmt.Errorf("quiet hours: location is required")
	}
	s, err := parseClock(start)
	if err != nil {
		return nil, fmt.Errorf("quiet hours start: %w", err)
	}
	e, err := parseClock(end)
	if err != nil {
		return nil, fmt.Errorf("quiet hours end: %w", err)
	}
	return &Gate{loc: loc, start: s, end: e}, nil
}

func MustNew(loc *time.Location, start, end string) *Gate {
	g, err := New(loc, start, end)
	if err != nil {
		panic(err)
	}
	return g
}

func (g *Gate) Location() *time.Location { return g.loc }

// IsPermitted reports whether a message may go out at t.
func (g *Gate) IsPermitted(t time.Time) bool {
	return !g.quiet(sinceMidnight(t.In(g.loc)))
}

// NextPermitted returns t itself when permitted, otherwise the first instant
// at which the quiet window ends, in UTC.
func (g *Gate) NextPermitted(t time.Time) time.Time {
	if g.IsPermitted(t) {
		return t
	}
	local := t.In(g.loc)
	y, m, d := local.Date()
	if g.start > g.end && sinceMidnight(local) >= g.start {
		d++
	}
	hh, mm := int(g.end/time.Hour), int((g.end%time.Hour)/time.Minute)
	next := time.Date(y, m, d, hh, mm, 0, 0, g.loc)

	// A DST shift can land the computed end inside the window; step out.
	for i := 0; !g.IsPermitted(next) && i < 180; i++ {
		next = next.Add(time.Minute)
	}
	return next.UTC()
}

func (g *Gate) quiet(offset time.Duration) bool {
	switch {
	case g.start == g.end:
		return false
	case g.start < g.end:
		return offset >= g.start && offset < g.end
	default:
		return offset >= g.start || offset < g.end
	}
}

func sinceMidnight(t time.Time) time.Duration {
	h, m, s := t.Clock()
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute +
		time.Duration(s)*time.Second + time.Duration(t.Nanosecond())
}

func parseClock(v string) (time.Duration, error) {
	parts := strings.Split(strings.TrimSpace(v), ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid clock %q, want HH:MM", v)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", v)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", v)
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute, nil
}

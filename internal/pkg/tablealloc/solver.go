// Package tablealloc seats a party on one table or on a small connected
// group of linked tables.
package tablealloc

import (
	"errors"
	"sort"
	"strings"
)

// DefaultJoinBound is the largest number of tables combined for one party.
const DefaultJoinBound = 4

var (
	ErrNoFit            = errors.New("no table or joined group fits the party")
	ErrInvalidPartySize = errors.New("party size must be positive")
)

type Table struct {
	ID       string
	Capacity int
}

type Link struct {
	A, B string
}

type Assignment struct {
	TableIDs []string
	Capacity int
}

func (a Assignment) Joined() bool { return len(a.TableIDs) > 1 }

func (a Assignment) Excess(partySize int) int { return a.Capacity - partySize }

// Allocate prefers the smallest single table that fits. Otherwise it
// searches connected groups of up to bound tables reachable through links
// and returns the group with the least spare capacity, breaking ties by
// fewer tables and then by table IDs. Blocked tables are never used.
func Allocate(partySize int, tables []Table, links []Link, blocked map[string]bool, bound int) (Assignment, error) {
	if partySize <= 0 {
		return Assignment{}, ErrInvalidPartySize
	}

	usable := make([]Table, 0, len(tables))
	for _, t := range tables {
		if t.Capacity > 0 && !blocked[t.ID] {
			usable = append(usable, t)
		}
	}
	sort.Slice(usable, func(i, j int) bool {
		if usable[i].Capacity != usable[j].Capacity {
			return usable[i].Capacity < usable[j].Capacity
		}
		return usable[i].ID < usable[j].ID
	})

	for _, t := range usable {
		if t.Capacity >= partySize {
			return Assignment{TableIDs: []string{t.ID}, Capacity: t.Capacity}, nil
		}
	}
	if bound < 2 {
		return Assignment{}, ErrNoFit
	}

	capacity := make(map[string]int, len(usable))
	for _, t := range usable {
		capacity[t.ID] = t.Capacity
	}
	adj := make(map[string][]string)
	for _, l := range links {
		if l.A == l.B {
			continue
		}
		if _, ok := capacity[l.A]; !ok {
			continue
		}
		if _, ok := capacity[l.B]; !ok {
			continue
		}
		adj[l.A] = append(adj[l.A], l.B)
		adj[l.B] = append(adj[l.B], l.A)
	}

	s := &search{
		party:    partySize,
		bound:    bound,
		capacity: capacity,
		adj:      adj,
		seen:     make(map[string]bool),
	}
	for _, t := range usable {
		s.grow([]string{t.ID}, t.Capacity)
	}
	if s.best == nil {
		return Assignment{}, ErrNoFit
	}
	ids := append([]string(nil), s.best...)
	sort.Strings(ids)
	return Assignment{TableIDs: ids, Capacity: s.bestCap}, nil
}

type search struct {
	party    int
	bound    int
	capacity map[string]int
	adj      map[string][]string
	seen     map[string]bool

	best    []string
	bestCap int
}

// grow extends a connected group one neighbour at a time. Groups that
// already seat the party are not extended: a superset only adds excess.
func (s *search) grow(group []string, total int) {
	key := groupKey(group)
	if s.seen[key] {
		return
	}
	s.seen[key] = true

	if total >= s.party {
		if len(group) > 1 {
			s.consider(group, total)
		}
		return
	}
	if len(group) == s.bound {
		return
	}

	in := make(map[string]bool, len(group))
	for _, id := range group {
		in[id] = true
	}
	for _, id := range group {
		for _, n := range s.adj[id] {
			if in[n] {
				continue
			}
			next := make([]string, len(group), len(group)+1)
			copy(next, group)
			s.grow(append(next, n), total+s.capacity[n])
		}
	}
}

func (s *search) consider(group []string, total int) {
	if s.best == nil {
		s.best, s.bestCap = append([]string(nil), group...), total
		return
	}
	excess, bestExcess := total-s.party, s.bestCap-s.party
	switch {
	case excess < bestExcess:
	case excess == bestExcess && len(group) < len(s.best):
	case excess == bestExcess && len(group) == len(s.best) && groupKey(group) < groupKey(s.best):
	default:
		return
	}
	s.best, s.bestCap = append([]string(nil), group...), total
}

func groupKey(ids []string) string {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

package cluster

import (
	"sort"
	"time"
)

// Roster is a point-in-time view of the members of one domain, ordered by
// ID. The ordering is the same on every node, which is what lets members
// agree on whose turn it is without a coordinator.
type Roster struct {
	members    []Member
	now        time.Time
	staleAfter time.Duration
}

// NewRoster sorts members by ID. A member whose LastSeen is older than
// staleAfter at now is stale.
func NewRoster(members []Member, now time.Time, staleAfter time.Duration) *Roster {
	sorted := append([]Member(nil), members...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	return &Roster{members: sorted, now: now, staleAfter: staleAfter}
}

// Members returns the sorted members.
func (r *Roster) Members() []Member {
	return append([]Member(nil), r.members...)
}

// Len returns the number of members.
func (r *Roster) Len() int { return len(r.members) }

// Stale reports whether m has not been seen within the staleness window.
func (r *Roster) Stale(m Member) bool {
	return r.now.Sub(m.LastSeen) > r.staleAfter
}

// Get returns the member with id.
func (r *Roster) Get(id string) (Member, bool) {
	if i := r.index(id); i >= 0 {
		return r.members[i], true
	}
	return Member{}, false
}

func (r *Roster) index(id string) int {
	i := sort.Search(len(r.members), func(i int) bool { return r.members[i].ID >= id })
	if i < len(r.members) && r.members[i].ID == id {
		return i
	}
	return -1
}

// Designated returns the first designated member in ID order and how many
// members claim the designation. More than one is a transient condition
// that the next exclusive flip repairs.
func (r *Roster) Designated() (Member, int, bool) {
	var first Member
	count := 0
	for _, m := range r.members {
		if m.Designated() {
			if count == 0 {
				first = m
			}
			count++
		}
	}
	return first, count, count > 0
}

// NextCandidate returns who should hold the designation next. ok is false
// while a fresh designee exists and nobody should take over.
//
// Otherwise the search starts just after the designee (or at the head of
// the roster when nobody is designated) and picks the first fresh member,
// wrapping to the head if none follows. When no member is fresh, self is
// the candidate.
func (r *Roster) NextCandidate(self string) (string, bool) {
	d, _, designated := r.Designated()
	if designated && !r.Stale(d) {
		return "", false
	}

	start := 0
	if designated {
		start = r.index(d.ID) + 1
	}
	for i := start; i < len(r.members); i++ {
		if !r.Stale(r.members[i]) {
			return r.members[i].ID, true
		}
	}
	for i := 0; i < start && i < len(r.members); i++ {
		if !r.Stale(r.members[i]) {
			return r.members[i].ID, true
		}
	}
	return self, true
}

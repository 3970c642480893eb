package cluster

import (
	"time"

	"gointegrity/storage"
)

// MemberFromDesignation converts a designation record into a roster member.
func MemberFromDesignation(rec storage.DesignationRecord) Member {
	role := RoleWaiting
	if rec.Designated {
		role = RoleDesignated
	}
	return Member{
		ID:       rec.ResourceName,
		Address:  rec.Address,
		Role:     role,
		LastSeen: rec.LastUpdated,
	}
}

// RosterFromDesignations builds the roster of a domain from its designation
// records as listed by the store.
func RosterFromDesignations(recs []storage.DesignationRecord, now time.Time, staleAfter time.Duration) *Roster {
	members := make([]Member, 0, len(recs))
	for _, rec := range recs {
		members = append(members, MemberFromDesignation(rec))
	}
	return NewRoster(members, now, staleAfter)
}

// Peers returns every member other than self.
func (r *Roster) Peers(self string) []Member {
	peers := make([]Member, 0, len(r.members))
	for _, m := range r.members {
		if m.ID != self {
			peers = append(peers, m)
		}
	}
	return peers
}

// Package roster projects relay roster snapshots into what a user can call.
package roster

import (
	"slices"

	"github.com/1ureka/peercall/internal/signaling"
)

// Visible returns every participant in r except self, sorted by id. An empty
// self (no identity yet) hides nobody.
func Visible(r signaling.Roster, self signaling.ParticipantID) []signaling.ParticipantID {
	out := make([]signaling.ParticipantID, 0, len(r))
	for id := range r {
		if id != self {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

// Contains reports whether id is callable from self's point of view.
func Contains(r signaling.Roster, self, id signaling.ParticipantID) bool {
	if id == "" || id == self {
		return false
	}
	_, ok := r[id]
	return ok
}

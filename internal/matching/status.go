package matching

import (
	"errors"
	"fmt"

	"kople/internal/domain"
)

var ErrInvalidStatus = errors.New("invalid match status")

// ValidStatus reports whether s is one of pending, found, completed.
func ValidStatus(s string) bool {
	switch s {
	case domain.StatusPending, domain.StatusFound, domain.StatusCompleted:
		return true
	}
	return false
}

// ApplyStatus moves a to status and stamps the timestamps with now.
// completed never leaves FoundAt empty; pending clears both stamps.
func ApplyStatus(a domain.Assignment, status, now string) (domain.Assignment, error) {
	if !ValidStatus(status) {
		return a, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	switch status {
	case domain.StatusFound:
		a.FoundAt = stamp(now)
		a.CompletedAt = nil
	case domain.StatusCompleted:
		if a.FoundAt == nil || *a.FoundAt == "" {
			a.FoundAt = stamp(now)
		}
		a.CompletedAt = stamp(now)
	case domain.StatusPending:
		a.FoundAt = nil
		a.CompletedAt = nil
	}
	a.Status = status
	a.UpdatedAt = now
	return a, nil
}

// ParticipantEffect derives the participant-side mirror of a status change.
// found keeps whatever match id the participant already carries.
func ParticipantEffect(a domain.Assignment, status string) domain.ParticipantMatchState {
	st := domain.ParticipantMatchState{IsMatched: status == domain.StatusCompleted}
	switch status {
	case domain.StatusCompleted:
		id := a.MatchID
		st.MatchID = &id
		st.SetMatchID = true
	case domain.StatusPending:
		st.SetMatchID = true
	}
	return st
}

func stamp(v string) *string {
	return &v
}

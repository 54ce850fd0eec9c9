// Package matching partitions participants into pairs and trios and builds
// the directed "find" cycle inside each group. Everything here is pure:
// randomness comes in through an IntN function and nothing touches storage.
package matching

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"

	"kople/internal/domain"
)

// MinParticipants is the smallest input GenerateMatching accepts.
const MinParticipants = 2

var (
	ErrInsufficientParticipants = errors.New("at least two participants are required to create matches")
	ErrDuplicateParticipant     = errors.New("duplicate participant")
	ErrEmptyParticipant         = errors.New("participant id is empty")
)

// DuplicateParticipantError names the id that appeared twice.
type DuplicateParticipantError struct {
	ParticipantID string
}

func (e DuplicateParticipantError) Error() string {
	return fmt.Sprintf("duplicate participant %s", e.ParticipantID)
}

func (e DuplicateParticipantError) Unwrap() error { return ErrDuplicateParticipant }

// IntN returns a uniform integer in [0,n).
type IntN func(n int) int

// DefaultIntN draws from the runtime's randomly seeded generator.
func DefaultIntN(n int) int { return rand.IntN(n) }

// SeededIntN returns a deterministic, goroutine-safe IntN.
func SeededIntN(seed uint64) IntN {
	var mu sync.Mutex
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	return func(n int) int {
		mu.Lock()
		defer mu.Unlock()
		return r.IntN(n)
	}
}

// Edge is a single directed find relationship.
type Edge struct {
	From string
	To   string
}

// Group is one match group in shuffled order with its cycle.
type Group struct {
	Participants []string
	Type         string
	Edges        []Edge
}

// Plan is the full outcome of one generation.
type Plan struct {
	Order  []string
	Groups []Group
}

// Validate checks the input set: at least two members, no blanks, no repeats.
func Validate(ids []string) error {
	if len(ids) < MinParticipants {
		return ErrInsufficientParticipants
	}
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id == "" {
			return ErrEmptyParticipant
		}
		if _, ok := seen[id]; ok {
			return DuplicateParticipantError{ParticipantID: id}
		}
		seen[id] = struct{}{}
	}
	return nil
}

// Shuffle returns a uniformly random permutation of ids (Fisher–Yates).
// The input slice is left untouched.
func Shuffle(ids []string, intN IntN) []string {
	if intN == nil {
		intN = DefaultIntN
	}
	out := make([]string, len(ids))
	copy(out, ids)
	for i := len(out) - 1; i > 0; i-- {
		j := intN(i + 1)
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Partition walks the order two at a time and folds the last three into a
// trio when a plain pairing would strand one participant.
func Partition(order []string) ([][]string, error) {
	n := len(order)
	if n < MinParticipants {
		return nil, ErrInsufficientParticipants
	}
	groups := make([][]string, 0, n/2)
	for i := 0; i < n; i += 2 {
		if i == n-3 {
			groups = append(groups, []string{order[i], order[i+1], order[i+2]})
			break
		}
		groups = append(groups, []string{order[i], order[i+1]})
	}
	return groups, nil
}

// Cycle links each member to the next one, wrapping to the first.
func Cycle(group []string) []Edge {
	if len(group) < MinParticipants {
		return nil
	}
	edges := make([]Edge, len(group))
	for k, id := range group {
		edges[k] = Edge{From: id, To: group[(k+1)%len(group)]}
	}
	return edges
}

// GroupType tags a group by size.
func GroupType(size int) string {
	if size == 3 {
		return domain.MatchTrio
	}
	return domain.MatchPair
}

// Build partitions an already shuffled order and attaches the cycles.
func Build(order []string) (Plan, error) {
	if err := Validate(order); err != nil {
		return Plan{}, err
	}
	parts, err := Partition(order)
	if err != nil {
		return Plan{}, err
	}
	plan := Plan{Order: order, Groups: make([]Group, 0, len(parts))}
	for _, p := range parts {
		plan.Groups = append(plan.Groups, Group{
			Participants: p,
			Type:         GroupType(len(p)),
			Edges:        Cycle(p),
		})
	}
	return plan, nil
}

// New validates ids, shuffles them and builds the plan.
func New(ids []string, intN IntN) (Plan, error) {
	if err := Validate(ids); err != nil {
		return Plan{}, err
	}
	return Build(Shuffle(ids, intN))
}

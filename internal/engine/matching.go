package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"kople/internal/audit"
	"kople/internal/domain"
	"kople/internal/matching"
	"kople/internal/repo"
)

// GenerateOptions are parameters for GenerateMatching.
type GenerateOptions struct {
	EventID string
	// ParticipantIDs restricts the draw; nil means every participant of the event.
	ParticipantIDs []string
	ActorID        string
	// LockWhenLive refuses to replace an existing matching while the event is live.
	LockWhenLive bool
}

type MatchingResult struct {
	Matches          []domain.Match      `json:"matches"`
	Assignments      []domain.Assignment `json:"assignments"`
	CreatedMatches   int                 `json:"created_matches"`
	ParticipantCount int                 `json:"participant_count"`
	// Order is the shuffled draw the groups were cut from. Only set by GenerateMatching.
	Order []string `json:"order,omitempty"`
}

// GenerateMatching draws a fresh partition for the event and replaces any
// previous matches and assignments in one transaction.
func (e Engine) GenerateMatching(ctx context.Context, opts GenerateOptions) (MatchingResult, error) {
	if opts.EventID == "" {
		return MatchingResult{}, invalid("event id is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return MatchingResult{}, persistErr("begin", err)
	}
	defer tx.Rollback()

	ev, err := e.Repo.GetEvent(ctx, tx, opts.EventID)
	if err != nil {
		return MatchingResult{}, fmt.Errorf("event %s: %w", opts.EventID, err)
	}
	if ev.Status == domain.EventEnded {
		return MatchingResult{}, ErrEventEnded
	}
	if opts.LockWhenLive && ev.Status == domain.EventLive && ev.MatchingCreated {
		return MatchingResult{}, ErrRegenerationLocked
	}
	members, err := e.Repo.ParticipantIDs(ctx, tx, opts.EventID)
	if err != nil {
		return MatchingResult{}, err
	}
	ids := members
	if opts.ParticipantIDs != nil {
		if err := matching.Validate(opts.ParticipantIDs); err != nil {
			return MatchingResult{}, err
		}
		for _, id := range opts.ParticipantIDs {
			if !domain.Contains(members, id) {
				return MatchingResult{}, fmt.Errorf("participant %s: %w", id, repo.ErrNotFound)
			}
		}
		ids = opts.ParticipantIDs
	}
	plan, err := matching.New(ids, e.IntN)
	if err != nil {
		return MatchingResult{}, err
	}

	now := e.stamp()
	if err := e.Repo.DeleteMatching(ctx, tx, opts.EventID); err != nil {
		return MatchingResult{}, persistErr("clear previous matching", err)
	}
	if err := e.Repo.ResetParticipantMatches(ctx, tx, opts.EventID, now); err != nil {
		return MatchingResult{}, persistErr("reset participants", err)
	}
	res := MatchingResult{
		Matches:          make([]domain.Match, 0, len(plan.Groups)),
		Assignments:      make([]domain.Assignment, 0, len(ids)),
		ParticipantCount: len(ids),
		Order:            plan.Order,
	}
	for i, g := range plan.Groups {
		m := domain.Match{
			ID:           uuid.NewString(),
			EventID:      opts.EventID,
			Participants: g.Participants,
			Type:         g.Type,
			CreatedAt:    now,
		}
		if err := e.Repo.InsertMatch(ctx, tx, m, i); err != nil {
			return MatchingResult{}, persistErr("insert match", err)
		}
		res.Matches = append(res.Matches, m)
		for _, edge := range g.Edges {
			a := domain.Assignment{
				ID:            uuid.NewString(),
				EventID:       opts.EventID,
				MatchID:       m.ID,
				ParticipantID: edge.From,
				TargetID:      edge.To,
				Status:        domain.StatusPending,
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			if err := e.Repo.InsertAssignment(ctx, tx, a, len(res.Assignments)); err != nil {
				return MatchingResult{}, persistErr("insert assignment", err)
			}
			res.Assignments = append(res.Assignments, a)
		}
	}
	res.CreatedMatches = len(res.Matches)
	if err := e.Repo.MarkMatchingCreated(ctx, tx, opts.EventID, now); err != nil {
		return MatchingResult{}, persistErr("mark event", err)
	}
	if err := e.audit().Append(ctx, tx, audit.MatchingGenerated, opts.EventID, "event", opts.EventID, opts.ActorID, audit.Payload{
		"created_matches":   res.CreatedMatches,
		"participant_count": res.ParticipantCount,
	}); err != nil {
		return MatchingResult{}, persistErr("append activity", err)
	}
	if err := tx.Commit(); err != nil {
		return MatchingResult{}, persistErr("commit", err)
	}
	e.log().Info("matching generated", "event_id", opts.EventID, "matches", res.CreatedMatches, "participants", res.ParticipantCount)
	e.notify(opts.EventID, audit.MatchingGenerated, map[string]int{
		"created_matches":   res.CreatedMatches,
		"participant_count": res.ParticipantCount,
	})
	return res, nil
}

// GetMatching returns the event's current matches and assignments, empty when
// nothing has been generated.
func (e Engine) GetMatching(ctx context.Context, eventID string) (MatchingResult, error) {
	tx, err := e.readTx(ctx)
	if err != nil {
		return MatchingResult{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetEvent(ctx, tx, eventID); err != nil {
		return MatchingResult{}, fmt.Errorf("event %s: %w", eventID, err)
	}
	matches, err := e.Repo.ListMatches(ctx, tx, eventID)
	if err != nil {
		return MatchingResult{}, err
	}
	assignments, err := e.Repo.ListAssignments(ctx, tx, eventID)
	if err != nil {
		return MatchingResult{}, err
	}
	return MatchingResult{
		Matches:          matches,
		Assignments:      assignments,
		CreatedMatches:   len(matches),
		ParticipantCount: len(assignments),
	}, nil
}

// TargetProfile is the participant someone has to find, with hints filtered
// by the active round.
type TargetProfile struct {
	Participant  domain.Participant `json:"participant"`
	Hints        []domain.Hint      `json:"hints,omitempty"`
	VisibleHints []domain.Hint      `json:"visible_hints"`
}

type TargetView struct {
	Participant domain.Participant `json:"participant"`
	Assignment  domain.Assignment  `json:"assignment"`
	Target      TargetProfile      `json:"target"`
	ActiveRound *domain.Round      `json:"active_round,omitempty"`
}

// GetTargetFor resolves who participantID has to find.
func (e Engine) GetTargetFor(ctx context.Context, eventID, participantID string) (TargetView, error) {
	if participantID == "" {
		return TargetView{}, invalid("participant id is required")
	}
	tx, err := e.readTx(ctx)
	if err != nil {
		return TargetView{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetParticipant(ctx, tx, eventID, participantID)
	if err != nil {
		return TargetView{}, fmt.Errorf("participant %s: %w", participantID, err)
	}
	a, err := e.Repo.AssignmentFor(ctx, tx, eventID, participantID)
	if errors.Is(err, repo.ErrNotFound) {
		return TargetView{}, ErrNoAssignment
	}
	if err != nil {
		return TargetView{}, err
	}
	target, err := e.Repo.GetParticipant(ctx, tx, eventID, a.TargetID)
	if err != nil {
		return TargetView{}, fmt.Errorf("target %s: %w", a.TargetID, err)
	}
	hints, err := e.Repo.ListHints(ctx, tx, eventID, target.ID)
	if err != nil {
		return TargetView{}, err
	}
	view := TargetView{
		Participant: p,
		Assignment:  a,
		Target:      TargetProfile{Participant: target, Hints: hints, VisibleHints: []domain.Hint{}},
	}
	round, err := e.Repo.ActiveRound(ctx, tx, eventID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return view, nil
	case err != nil:
		return TargetView{}, err
	}
	view.ActiveRound = &round
	view.Target.VisibleHints = VisibleHints(hints, round.VisibleLevels)
	return view, nil
}

// VisibleHints keeps the hints whose level is in levels.
func VisibleHints(hints []domain.Hint, levels []string) []domain.Hint {
	out := []domain.Hint{}
	for _, h := range hints {
		if domain.Contains(levels, h.Level) {
			out = append(out, h)
		}
	}
	return out
}

// StatusOptions are parameters for UpdateAssignmentStatus.
type StatusOptions struct {
	EventID       string
	ParticipantID string
	Status        string
	ActorID       string
}

// UpdateAssignmentStatus moves the participant's assignment to a new status and
// mirrors the result onto the participant record in the same transaction.
func (e Engine) UpdateAssignmentStatus(ctx context.Context, opts StatusOptions) (domain.Assignment, error) {
	if !matching.ValidStatus(opts.Status) {
		return domain.Assignment{}, fmt.Errorf("%w: %q", matching.ErrInvalidStatus, opts.Status)
	}
	if opts.ParticipantID == "" {
		return domain.Assignment{}, invalid("participant id is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Assignment{}, persistErr("begin", err)
	}
	defer tx.Rollback()

	current, err := e.Repo.AssignmentFor(ctx, tx, opts.EventID, opts.ParticipantID)
	if err != nil {
		return domain.Assignment{}, fmt.Errorf("assignment for %s: %w", opts.ParticipantID, err)
	}
	now := e.stamp()
	next, err := matching.ApplyStatus(current, opts.Status, now)
	if err != nil {
		return domain.Assignment{}, err
	}
	if err := e.Repo.UpdateAssignmentStatus(ctx, tx, next); err != nil {
		return domain.Assignment{}, persistErr("update assignment", err)
	}
	effect := matching.ParticipantEffect(next, opts.Status)
	if err := e.Participants.SetParticipantMatch(ctx, tx, opts.EventID, opts.ParticipantID, effect, now); err != nil {
		return domain.Assignment{}, persistErr("update participant", err)
	}
	if err := e.audit().Append(ctx, tx, audit.AssignmentUpdated, opts.EventID, "assignment", next.ID, opts.ActorID, audit.Payload{
		"participant_id": opts.ParticipantID,
		"from":           current.Status,
		"to":             next.Status,
	}); err != nil {
		return domain.Assignment{}, persistErr("append activity", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Assignment{}, persistErr("commit", err)
	}
	e.log().Debug("assignment status changed", "event_id", opts.EventID, "participant_id", opts.ParticipantID, "from", current.Status, "to", next.Status)
	e.notify(opts.EventID, audit.AssignmentUpdated, next)
	return next, nil
}

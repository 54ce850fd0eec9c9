package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"kople/internal/audit"
	"kople/internal/domain"
)

type RoundCreateOptions struct {
	EventID       string
	Name          string
	VisibleLevels []string
	// Order defaults to one past the last round.
	Order   int
	ActorID string
}

func (e Engine) CreateRound(ctx context.Context, opts RoundCreateOptions) (domain.Round, error) {
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		return domain.Round{}, invalid("round name is required")
	}
	levels := make([]string, 0, len(opts.VisibleLevels))
	for _, l := range opts.VisibleLevels {
		l = strings.ToUpper(strings.TrimSpace(l))
		if !domain.Contains(domain.HintLevels, l) {
			return domain.Round{}, invalid("unknown hint level %q", l)
		}
		if !domain.Contains(levels, l) {
			levels = append(levels, l)
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Round{}, persistErr("begin", err)
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetEvent(ctx, tx, opts.EventID); err != nil {
		return domain.Round{}, fmt.Errorf("event %s: %w", opts.EventID, err)
	}
	order := opts.Order
	if order <= 0 {
		existing, err := e.Repo.ListRounds(ctx, tx, opts.EventID)
		if err != nil {
			return domain.Round{}, err
		}
		for _, rd := range existing {
			if rd.Order >= order {
				order = rd.Order + 1
			}
		}
		if order <= 0 {
			order = 1
		}
	}
	now := e.stamp()
	rd := domain.Round{
		ID:            uuid.NewString(),
		EventID:       opts.EventID,
		Name:          name,
		VisibleLevels: levels,
		Order:         order,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.Repo.InsertRound(ctx, tx, rd); err != nil {
		return domain.Round{}, persistErr("insert round", err)
	}
	if err := e.audit().Append(ctx, tx, audit.RoundCreated, opts.EventID, "round", rd.ID, opts.ActorID, audit.Payload{"name": name, "visible_levels": levels}); err != nil {
		return domain.Round{}, persistErr("append activity", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Round{}, persistErr("commit", err)
	}
	return rd, nil
}

func (e Engine) ListRounds(ctx context.Context, eventID string) ([]domain.Round, error) {
	tx, err := e.readTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetEvent(ctx, tx, eventID); err != nil {
		return nil, fmt.Errorf("event %s: %w", eventID, err)
	}
	return e.Repo.ListRounds(ctx, tx, eventID)
}

// ActivateRound makes roundID the event's only active round. The previously
// active round is stamped as ended.
func (e Engine) ActivateRound(ctx context.Context, eventID, roundID, actorID string) (domain.Round, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Round{}, persistErr("begin", err)
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetRound(ctx, tx, eventID, roundID); err != nil {
		return domain.Round{}, fmt.Errorf("round %s: %w", roundID, err)
	}
	now := e.stamp()
	if err := e.Repo.ActivateRound(ctx, tx, eventID, roundID, now); err != nil {
		return domain.Round{}, persistErr("activate round", err)
	}
	rd, err := e.Repo.GetRound(ctx, tx, eventID, roundID)
	if err != nil {
		return domain.Round{}, err
	}
	if err := e.audit().Append(ctx, tx, audit.RoundActivated, eventID, "round", roundID, actorID, audit.Payload{"visible_levels": rd.VisibleLevels}); err != nil {
		return domain.Round{}, persistErr("append activity", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Round{}, persistErr("commit", err)
	}
	e.notify(eventID, audit.RoundActivated, rd)
	return rd, nil
}

package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"kople/internal/audit"
	"kople/internal/domain"
)

// JoinOptions are what a participant submits on the join screen.
type JoinOptions struct {
	Code         string
	DisplayName  string
	Lang         string
	Consent      bool
	ProfileEmoji string
}

// JoinEvent registers a participant in the event identified by code.
func (e Engine) JoinEvent(ctx context.Context, opts JoinOptions) (domain.Event, domain.Participant, error) {
	name := strings.TrimSpace(opts.DisplayName)
	if name == "" {
		return domain.Event{}, domain.Participant{}, invalid("display name is required")
	}
	if !opts.Consent {
		return domain.Event{}, domain.Participant{}, invalid("consent is required to join")
	}
	ev, err := e.ResolveEventCode(ctx, opts.Code)
	if err != nil {
		return domain.Event{}, domain.Participant{}, err
	}
	lang := opts.Lang
	if lang == "" && len(ev.Langs) > 0 {
		lang = ev.Langs[0]
	}
	if lang == "" {
		lang = "en"
	}
	if len(ev.Langs) > 0 && !domain.Contains(ev.Langs, lang) {
		return domain.Event{}, domain.Participant{}, invalid("language %s is not offered by this event", lang)
	}
	now := e.stamp()
	p := domain.Participant{
		ID:              uuid.NewString(),
		EventID:         ev.ID,
		DisplayName:     name,
		Lang:            lang,
		Consent:         true,
		ProfileEmoji:    opts.ProfileEmoji,
		SubmittedLevels: []string{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	p.CreatedBy = p.ID

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Event{}, domain.Participant{}, persistErr("begin", err)
	}
	defer tx.Rollback()
	current, err := e.Repo.GetEvent(ctx, tx, ev.ID)
	if err != nil {
		return domain.Event{}, domain.Participant{}, fmt.Errorf("event %s: %w", ev.ID, err)
	}
	if current.Status == domain.EventEnded {
		return domain.Event{}, domain.Participant{}, ErrEventEnded
	}
	ev = current
	if err := e.Repo.InsertParticipant(ctx, tx, p); err != nil {
		return domain.Event{}, domain.Participant{}, persistErr("insert participant", err)
	}
	if err := e.audit().Append(ctx, tx, audit.ParticipantJoined, ev.ID, "participant", p.ID, p.ID, audit.Payload{"display_name": name, "lang": lang}); err != nil {
		return domain.Event{}, domain.Participant{}, persistErr("append activity", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Event{}, domain.Participant{}, persistErr("commit", err)
	}
	e.log().Info("participant joined", "event_id", ev.ID, "participant_id", p.ID)
	e.notify(ev.ID, audit.ParticipantJoined, map[string]string{"participant_id": p.ID, "display_name": name})
	return ev, p, nil
}

func (e Engine) GetParticipant(ctx context.Context, eventID, participantID string) (domain.Participant, error) {
	return e.Repo.GetParticipant(ctx, nil, eventID, participantID)
}

func (e Engine) ListParticipants(ctx context.Context, eventID string) ([]domain.Participant, error) {
	tx, err := e.readTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetEvent(ctx, tx, eventID); err != nil {
		return nil, fmt.Errorf("event %s: %w", eventID, err)
	}
	return e.Repo.ListParticipants(ctx, tx, eventID)
}

// HintOptions are parameters for SubmitHint.
type HintOptions struct {
	EventID       string
	ParticipantID string
	Level         string
	Payload       map[string]any
	ActorID       string
}

// SubmitHint stores or replaces the participant's hint for one level.
func (e Engine) SubmitHint(ctx context.Context, opts HintOptions) (domain.Hint, error) {
	level := strings.ToUpper(strings.TrimSpace(opts.Level))
	if !domain.Contains(domain.HintLevels, level) {
		return domain.Hint{}, invalid("unknown hint level %q", opts.Level)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Hint{}, persistErr("begin", err)
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetParticipant(ctx, tx, opts.EventID, opts.ParticipantID); err != nil {
		return domain.Hint{}, fmt.Errorf("participant %s: %w", opts.ParticipantID, err)
	}
	now := e.stamp()
	h, err := e.Repo.UpsertHint(ctx, tx, domain.Hint{
		ID:            uuid.NewString(),
		EventID:       opts.EventID,
		ParticipantID: opts.ParticipantID,
		Level:         level,
		Payload:       opts.Payload,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		return domain.Hint{}, persistErr("upsert hint", err)
	}
	actor := opts.ActorID
	if actor == "" {
		actor = opts.ParticipantID
	}
	if err := e.audit().Append(ctx, tx, audit.HintSubmitted, opts.EventID, "hint", h.ID, actor, audit.Payload{"participant_id": opts.ParticipantID, "level": level}); err != nil {
		return domain.Hint{}, persistErr("append activity", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Hint{}, persistErr("commit", err)
	}
	return h, nil
}

func (e Engine) ListHints(ctx context.Context, eventID, participantID string) ([]domain.Hint, error) {
	tx, err := e.readTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetParticipant(ctx, tx, eventID, participantID); err != nil {
		return nil, fmt.Errorf("participant %s: %w", participantID, err)
	}
	return e.Repo.ListHints(ctx, tx, eventID, participantID)
}

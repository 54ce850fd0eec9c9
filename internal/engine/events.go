package engine

import (
	"context"
	"crypto/rand"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"kople/internal/audit"
	"kople/internal/domain"
	"kople/internal/repo"
)

const (
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	codeLength   = 6
	codeAttempts = 8
)

// NewEventCode returns a random join code such as "K7Q2ZD".
func NewEventCode() (string, error) {
	buf := make([]byte, codeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(buf), nil
}

// ValidEventCode reports whether code is six characters of A-Z and 0-9.
func ValidEventCode(code string) bool {
	if len(code) != codeLength {
		return false
	}
	for _, c := range code {
		if !strings.ContainsRune(codeAlphabet, c) {
			return false
		}
	}
	return true
}

// EventCreateOptions are parameters for creating an event.
type EventCreateOptions struct {
	Title          string
	Description    string
	Location       string
	Langs          []string
	CommonQuestion string
	// Code is generated when empty.
	Code    string
	ActorID string
	// SkipDefaultRounds leaves the event without the configured rounds.
	SkipDefaultRounds bool
}

func (e Engine) CreateEvent(ctx context.Context, opts EventCreateOptions) (domain.Event, error) {
	title := strings.TrimSpace(opts.Title)
	if title == "" {
		return domain.Event{}, invalid("title is required")
	}
	langs := opts.Langs
	if len(langs) == 0 {
		langs = []string{"en"}
	}
	for _, l := range langs {
		if !domain.Contains(domain.Languages, l) {
			return domain.Event{}, invalid("unsupported language %s", l)
		}
	}
	code := strings.ToUpper(strings.TrimSpace(opts.Code))
	if code != "" && !ValidEventCode(code) {
		return domain.Event{}, invalid("event code must be %d characters from A-Z and 0-9", codeLength)
	}
	now := e.stamp()
	ev := domain.Event{
		ID:             uuid.NewString(),
		Title:          title,
		Description:    opts.Description,
		Location:       opts.Location,
		Status:         domain.EventDraft,
		Langs:          langs,
		CommonQuestion: opts.CommonQuestion,
		CreatedBy:      opts.ActorID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	for attempt := 0; ; attempt++ {
		ev.Code = code
		if ev.Code == "" {
			c, err := NewEventCode()
			if err != nil {
				return domain.Event{}, err
			}
			ev.Code = c
		}
		err := e.insertEvent(ctx, ev, opts)
		if err == nil {
			break
		}
		if repo.IsUniqueViolation(err) {
			if code == "" && attempt+1 < codeAttempts {
				continue
			}
			return domain.Event{}, invalid("event code %s already in use", ev.Code)
		}
		return domain.Event{}, persistErr("insert event", err)
	}
	e.log().Info("event created", "event_id", ev.ID, "code", ev.Code)
	return ev, nil
}

func (e Engine) insertEvent(ctx context.Context, ev domain.Event, opts EventCreateOptions) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertEvent(ctx, tx, ev); err != nil {
		return err
	}
	if !opts.SkipDefaultRounds && e.Config != nil {
		for i, d := range e.Config.Rounds.Defaults {
			rd := domain.Round{
				ID:            uuid.NewString(),
				EventID:       ev.ID,
				Name:          d.Name,
				VisibleLevels: d.VisibleLevels,
				Order:         i + 1,
				CreatedAt:     ev.CreatedAt,
				UpdatedAt:     ev.CreatedAt,
			}
			if err := e.Repo.InsertRound(ctx, tx, rd); err != nil {
				return fmt.Errorf("seed round %s: %w", d.Name, err)
			}
		}
	}
	if err := e.audit().Append(ctx, tx, audit.EventCreated, ev.ID, "event", ev.ID, opts.ActorID, audit.Payload{"code": ev.Code, "title": ev.Title}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) GetEvent(ctx context.Context, id string) (domain.Event, error) {
	return e.Repo.GetEvent(ctx, nil, id)
}

func (e Engine) ListEvents(ctx context.Context) ([]domain.Event, error) {
	return e.Repo.ListEvents(ctx)
}

// SetEventStatus moves the event to status; any of the four statuses may follow any other.
func (e Engine) SetEventStatus(ctx context.Context, id, status, actorID string) (domain.Event, error) {
	if !domain.Contains(domain.EventStatuses, status) {
		return domain.Event{}, invalid("unknown event status %q", status)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Event{}, persistErr("begin", err)
	}
	defer tx.Rollback()
	ev, err := e.Repo.GetEvent(ctx, tx, id)
	if err != nil {
		return domain.Event{}, err
	}
	if ev.Status == status {
		return ev, nil
	}
	now := e.stamp()
	if err := e.Repo.UpdateEventStatus(ctx, tx, id, status, now); err != nil {
		return domain.Event{}, persistErr("update event", err)
	}
	if err := e.audit().Append(ctx, tx, audit.EventStatusChanged, id, "event", id, actorID, audit.Payload{"from": ev.Status, "to": status}); err != nil {
		return domain.Event{}, persistErr("append activity", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Event{}, persistErr("commit", err)
	}
	from := ev.Status
	ev.Status = status
	ev.UpdatedAt = now
	e.notify(id, audit.EventStatusChanged, map[string]string{"from": from, "to": status})
	return ev, nil
}

// ResolveEventCode finds a joinable event by code.
func (e Engine) ResolveEventCode(ctx context.Context, code string) (domain.Event, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return domain.Event{}, invalid("event code is required")
	}
	ev, err := e.Repo.GetEventByCode(ctx, code)
	if err != nil {
		return domain.Event{}, fmt.Errorf("event code %s: %w", code, err)
	}
	if ev.Status == domain.EventEnded {
		return ev, ErrEventEnded
	}
	return ev, nil
}

// EventStats summarizes matching progress.
func (e Engine) EventStats(ctx context.Context, id string) (domain.EventStats, error) {
	tx, err := e.readTx(ctx)
	if err != nil {
		return domain.EventStats{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetEvent(ctx, tx, id); err != nil {
		return domain.EventStats{}, err
	}
	total, matched, err := e.Repo.CountParticipants(ctx, tx, id)
	if err != nil {
		return domain.EventStats{}, err
	}
	matches, err := e.Repo.CountMatches(ctx, tx, id)
	if err != nil {
		return domain.EventStats{}, err
	}
	return domain.EventStats{
		EventID:             id,
		TotalParticipants:   total,
		MatchedParticipants: matched,
		TotalMatches:        matches,
		MatchingProgress:    Progress(matched, total),
	}, nil
}

// Progress is matched/total as a rounded percentage.
func Progress(matched, total int) int {
	if total <= 0 {
		return 0
	}
	return (matched*100 + total/2) / total
}

// ActivityFilter narrows an activity tail.
type ActivityFilter struct {
	EventID    string
	Type       string
	EntityKind string
	EntityID   string
	Limit      int
}

func (e Engine) Activity(ctx context.Context, f ActivityFilter) ([]domain.Activity, error) {
	if f.EventID != "" {
		if _, err := e.Repo.GetEvent(ctx, nil, f.EventID); err != nil {
			return nil, fmt.Errorf("event %s: %w", f.EventID, err)
		}
	}
	return e.Repo.LatestActivity(ctx, f.Limit, f.EventID, f.Type, f.EntityKind, f.EntityID)
}

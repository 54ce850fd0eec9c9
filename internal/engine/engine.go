package engine

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"time"

	"kople/internal/audit"
	"kople/internal/config"
	"kople/internal/domain"
	"kople/internal/matching"
	"kople/internal/repo"
)

// ParticipantStatusSink applies the participant side of an assignment status
// change inside the caller's transaction. repo.Repo satisfies it.
type ParticipantStatusSink interface {
	SetParticipantMatch(ctx context.Context, tx *sql.Tx, eventID, participantID string, st domain.ParticipantMatchState, now string) error
}

// Notifier receives notifications after a successful commit.
type Notifier interface {
	Publish(eventID string, n domain.Notification)
}

type nopNotifier struct{}

func (nopNotifier) Publish(string, domain.Notification) {}

type Engine struct {
	DB           *sql.DB
	Repo         repo.Repo
	Audit        audit.Writer
	Participants ParticipantStatusSink
	Notifier     Notifier
	Logger       *slog.Logger
	Config       *config.Config
	Now          func() time.Time
	IntN         matching.IntN
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	r := repo.Repo{DB: db}
	e := Engine{
		DB:           db,
		Repo:         r,
		Audit:        audit.Writer{DB: db},
		Participants: r,
		Notifier:     nopNotifier{},
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		Config:       cfg,
		Now:          time.Now,
		IntN:         matching.DefaultIntN,
	}
	if cfg.Matching.Seed != 0 {
		e.IntN = matching.SeededIntN(cfg.Matching.Seed)
	}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) log() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) audit() audit.Writer {
	w := e.Audit
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

func (e Engine) notify(eventID, typ string, data any) {
	if e.Notifier == nil {
		return
	}
	e.Notifier.Publish(eventID, domain.Notification{Type: typ, EventID: eventID, TS: e.stamp(), Data: data})
}

// readTx opens a read-only transaction for a consistent multi-table read.
// It begins deferred, so it reads a WAL snapshot without waiting on writers.
// It is always rolled back.
func (e Engine) readTx(ctx context.Context) (*sql.Tx, error) {
	tx, err := e.DB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, persistErr("begin read", err)
	}
	return tx, nil
}

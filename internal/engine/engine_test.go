package engine_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"kople/internal/config"
	"kople/internal/db"
	"kople/internal/domain"
	"kople/internal/engine"
	"kople/internal/matching"
	"kople/internal/migrate"
	"kople/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Notes  *recorder
}

type recorder struct {
	mu    sync.Mutex
	notes []domain.Notification
}

func (r *recorder) Publish(_ string, n domain.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.notes))
	for _, n := range r.notes {
		out = append(out, n.Type)
	}
	return out
}

// ticking returns a clock that advances one minute per call.
func ticking() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Minute)
		return t
	}
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	require.NoError(t, migrate.Migrate(ctx, conn))
	eng := engine.New(conn, config.Default())
	eng.Now = ticking()
	eng.IntN = matching.SeededIntN(7)
	notes := &recorder{}
	eng.Notifier = notes
	return testEnv{Engine: eng, Ctx: ctx, Notes: notes}
}

func (env testEnv) event(t *testing.T) domain.Event {
	t.Helper()
	ev, err := env.Engine.CreateEvent(env.Ctx, engine.EventCreateOptions{Title: "Spring mixer", Langs: []string{"en", "ko"}, ActorID: "organizer"})
	require.NoError(t, err)
	return ev
}

func (env testEnv) join(t *testing.T, ev domain.Event, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		_, p, err := env.Engine.JoinEvent(env.Ctx, engine.JoinOptions{Code: ev.Code, DisplayName: fmt.Sprintf("P%d", i+1), Consent: true})
		require.NoError(t, err)
		ids = append(ids, p.ID)
	}
	return ids
}

// requireValidMatching checks partition completeness and cycle validity.
func requireValidMatching(t *testing.T, res engine.MatchingResult, ids []string) {
	t.Helper()
	seen := map[string]int{}
	trios := 0
	for _, m := range res.Matches {
		require.Contains(t, []int{2, 3}, len(m.Participants))
		if len(m.Participants) == 3 {
			trios++
			require.Equal(t, domain.MatchTrio, m.Type)
		} else {
			require.Equal(t, domain.MatchPair, m.Type)
		}
		for _, p := range m.Participants {
			seen[p]++
		}
	}
	require.Len(t, seen, len(ids))
	for _, id := range ids {
		require.Equal(t, 1, seen[id], "participant %s", id)
	}
	require.Equal(t, len(ids)%2, trios)

	matchOf := map[string]string{}
	for _, m := range res.Matches {
		for _, p := range m.Participants {
			matchOf[p] = m.ID
		}
	}
	out := map[string]int{}
	in := map[string]int{}
	require.Len(t, res.Assignments, len(ids))
	for _, a := range res.Assignments {
		require.NotEqual(t, a.ParticipantID, a.TargetID)
		require.Equal(t, matchOf[a.ParticipantID], a.MatchID)
		require.Equal(t, matchOf[a.TargetID], a.MatchID)
		require.Equal(t, domain.StatusPending, a.Status)
		out[a.ParticipantID]++
		in[a.TargetID]++
	}
	for _, id := range ids {
		require.Equal(t, 1, out[id])
		require.Equal(t, 1, in[id])
	}
}

func TestGenerateMatchingCoversEveryParticipant(t *testing.T) {
	env := newTestEnv(t)
	ev := env.event(t)
	ids := env.join(t, ev, 7)

	res, err := env.Engine.GenerateMatching(env.Ctx, engine.GenerateOptions{EventID: ev.ID, ActorID: "organizer"})
	require.NoError(t, err)
	assert.Equal(t, 3, res.CreatedMatches)
	assert.Equal(t, 7, res.ParticipantCount)
	requireValidMatching(t, res, ids)

	stored, err := env.Engine.GetMatching(env.Ctx, ev.ID)
	require.NoError(t, err)
	requireValidMatching(t, stored, ids)
	assert.Equal(t, res.Matches, stored.Matches)
	assert.Equal(t, res.Assignments, stored.Assignments)

	got, err := env.Engine.GetEvent(env.Ctx, ev.ID)
	require.NoError(t, err)
	assert.True(t, got.MatchingCreated)
	assert.Contains(t, env.Notes.types(), "matching.generated")
}

func TestGenerateMatchingAcrossSizes(t *testing.T) {
	env := newTestEnv(t)
	for _, n := range []int{2, 3, 4, 5, 8, 11} {
		ev := env.event(t)
		ids := env.join(t, ev, n)
		res, err := env.Engine.GenerateMatching(env.Ctx, engine.GenerateOptions{EventID: ev.ID})
		require.NoError(t, err, "n=%d", n)
		requireValidMatching(t, res, ids)
	}
}

func TestRegenerationReplacesPreviousMatching(t *testing.T) {
	env := newTestEnv(t)
	ev := env.event(t)
	ids := env.join(t, ev, 6)

	first, err := env.Engine.GenerateMatching(env.Ctx, engine.GenerateOptions{EventID: ev.ID})
	require.NoError(t, err)
	second, err := env.Engine.GenerateMatching(env.Ctx, engine.GenerateOptions{EventID: ev.ID})
	require.NoError(t, err)

	stored, err := env.Engine.GetMatching(env.Ctx, ev.ID)
	require.NoError(t, err)
	requireValidMatching(t, stored, ids)
	assert.Equal(t, second.Matches, stored.Matches)
	assert.Equal(t, second.Assignments, stored.Assignments)

	current := map[string]bool{}
	for _, m := range stored.Matches {
		current[m.ID] = true
	}
	for _, a := range stored.Assignments {
		current[a.ID] = true
	}
	for _, m := range first.Matches {
		assert.False(t, current[m.ID], "stale match %s", m.ID)
	}
	for _, a := range first.Assignments {
		assert.False(t, current[a.ID], "stale assignment %s", a.ID)
	}
}

func TestRegenerationClearsParticipantMatchState(t *testing.T) {
	env := newTestEnv(t)
	ev := env.event(t)
	ids := env.join(t, ev, 2)
	_, err := env.Engine.GenerateMatching(env.Ctx, engine.GenerateOptions{EventID: ev.ID})
	require.NoError(t, err)
	_, err = env.Engine.UpdateAssignmentStatus(env.Ctx, engine.StatusOptions{EventID: ev.ID, ParticipantID: ids[0], Status: domain.StatusCompleted})
	require.NoError(t, err)

	_, err = env.Engine.GenerateMatching(env.Ctx, engine.GenerateOptions{EventID: ev.ID})
	require.NoError(t, err)
	p, err := env.Engine.GetParticipant(env.Ctx, ev.ID, ids[0])
	require.NoError(t, err)
	assert.False(t, p.IsMatched)
	assert.Nil(t, p.MatchID)
}

func TestGenerateMatchingWithOneParticipantCreatesNothing(t *testing.T) {
	env := newTestEnv(t)
	ev := env.event(t)
	env.join(t, ev, 1)

	_, err := env.Engine.GenerateMatching(env.Ctx, engine.GenerateOptions{EventID: ev.ID})
	require.ErrorIs(t, err, matching.ErrInsufficientParticipants)

	stored, err := env.Engine.GetMatching(env.Ctx, ev.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.Matches)
	assert.Empty(t, stored.Assignments)
	got, err := env.Engine.GetEvent(env.Ctx, ev.ID)
	require.NoError(t, err)
	assert.False(t, got.MatchingCreated)
}

func TestGenerateMatchingValidatesExplicitIDs(t *testing.T) {
	env := newTestEnv(t)
	ev := env.event(t)
	ids := env.join(t, ev, 4)

	_, err := env.Engine.GenerateMatching(env.Ctx, engine.GenerateOptions{EventID: ev.ID, ParticipantIDs: []string{ids[0], ids[1], ids[0]}})
	var dup matching.DuplicateParticipantError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, ids[0], dup.ParticipantID)

	_, err = env.Engine.GenerateMatching(env.Ctx, engine.GenerateOptions{EventID: ev.ID, ParticipantIDs: []string{ids[0], "stranger"}})
	require.ErrorIs(t, err, repo.ErrNotFound)

	res, err := env.Engine.GenerateMatching(env.Ctx, engine.GenerateOptions{EventID: ev.ID, ParticipantIDs: ids[:3]})
	require.NoError(t, err)
	requireValidMatching(t, res, ids[:3])
	require.Len(t, res.Matches, 1)
	assert.Equal(t, domain.MatchTrio, res.Matches[0].Type)
}

func TestGenerateMatchingRejectsEndedAndUnknownEvents(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.GenerateMatching(env.Ctx, engine.GenerateOptions{EventID: "missing"})
	require.ErrorIs(t, err, repo.ErrNotFound)

	ev := env.event(t)
	env.join(t, ev, 2)
	_, err = env.Engine.SetEventStatus(env.Ctx, ev.ID, domain.EventEnded, "organizer")
	require.NoError(t, err)
	_, err = env.Engine.GenerateMatching(env.Ctx, engine.GenerateOptions{EventID: ev.ID})
	require.ErrorIs(t, err, engine.ErrEventEnded)
}

func TestGetMatchingBeforeGeneration(t *testing.T) {
	env := newTestEnv(t)
	ev := env.event(t)
	res, err := env.Engine.GetMatching(env.Ctx, ev.ID)
	require.NoError(t, err)
	assert.NotNil(t, res.Matches)
	assert.Empty(t, res.Matches)
	assert.Empty(t, res.Assignments)

	_, err = env.Engine.GetMatching(env.Ctx, "missing")
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestGetTargetFor(t *testing.T) {
	env := newTestEnv(t)
	ev := env.event(t)
	ids := env.join(t, ev, 2)

	_, err := env.Engine.GetTargetFor(env.Ctx, ev.ID, "nobody")
	require.ErrorIs(t, err, repo.ErrNotFound)
	_, err = env.Engine.GetTargetFor(env.Ctx, ev.ID, ids[0])
	require.ErrorIs(t, err, engine.ErrNoAssignment)

	for _, lvl := range []string{"H1", "H3", "H6"} {
		_, err := env.Engine.SubmitHint(env.Ctx, engine.HintOptions{EventID: ev.ID, ParticipantID: ids[1], Level: lvl, Payload: map[string]any{"text": "hint " + lvl}})
		require.NoError(t, err)
	}
	_, err = env.Engine.GenerateMatching(env.Ctx, engine.GenerateOptions{EventID: ev.ID})
	require.NoError(t, err)

	view, err := env.Engine.GetTargetFor(env.Ctx, ev.ID, ids[0])
	require.NoError(t, err)
	assert.Equal(t, ids[0], view.Participant.ID)
	assert.Equal(t, ids[1], view.Assignment.TargetID)
	assert.Equal(t, ids[1], view.Target.Participant.ID)
	assert.Len(t, view.Target.Hints, 3)
	assert.Empty(t, view.Target.VisibleHints)
	assert.Nil(t, view.ActiveRound)

	rounds, err := env.Engine.ListRounds(env.Ctx, ev.ID)
	require.NoError(t, err)
	require.NotEmpty(t, rounds)
	_, err = env.Engine.ActivateRound(env.Ctx, ev.ID, rounds[0].ID, "organizer")
	require.NoError(t, err)

	view, err = env.Engine.GetTargetFor(env.Ctx, ev.ID, ids[0])
	require.NoError(t, err)
	require.NotNil(t, view.ActiveRound)
	require.Len(t, view.Target.VisibleHints, 1)
	assert.Equal(t, "H1", view.Target.VisibleHints[0].Level)
	assert.Equal(t, "hint H1", view.Target.VisibleHints[0].Payload["text"])
}

func TestStatusTransitionScenario(t *testing.T) {
	env := newTestEnv(t)
	ev := env.event(t)
	ids := env.join(t, ev, 2)
	_, err := env.Engine.GenerateMatching(env.Ctx, engine.GenerateOptions{EventID: ev.ID})
	require.NoError(t, err)
	me := ids[0]

	update := func(status string) domain.Assignment {
		t.Helper()
		a, err := env.Engine.UpdateAssignmentStatus(env.Ctx, engine.StatusOptions{EventID: ev.ID, ParticipantID: me, Status: status, ActorID: me})
		require.NoError(t, err)
		return a
	}
	participant := func() domain.Participant {
		t.Helper()
		p, err := env.Engine.GetParticipant(env.Ctx, ev.ID, me)
		require.NoError(t, err)
		return p
	}

	view, err := env.Engine.GetTargetFor(env.Ctx, ev.ID, me)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, view.Assignment.Status)
	assert.Nil(t, view.Assignment.FoundAt)
	assert.Nil(t, view.Assignment.CompletedAt)

	found := update(domain.StatusFound)
	require.NotNil(t, found.FoundAt)
	assert.Nil(t, found.CompletedAt)
	p := participant()
	assert.False(t, p.IsMatched)
	assert.Nil(t, p.MatchID)

	completed := update(domain.StatusCompleted)
	require.NotNil(t, completed.CompletedAt)
	assert.Equal(t, *found.FoundAt, *completed.FoundAt)
	p = participant()
	assert.True(t, p.IsMatched)
	require.NotNil(t, p.MatchID)
	assert.Equal(t, completed.MatchID, *p.MatchID)

	again := update(domain.StatusCompleted)
	assert.Equal(t, *found.FoundAt, *again.FoundAt)

	back := update(domain.StatusFound)
	assert.Nil(t, back.CompletedAt)
	p = participant()
	assert.False(t, p.IsMatched)
	require.NotNil(t, p.MatchID, "found keeps the match id")

	pending := update(domain.StatusPending)
	assert.Nil(t, pending.FoundAt)
	assert.Nil(t, pending.CompletedAt)
	p = participant()
	assert.False(t, p.IsMatched)
	assert.Nil(t, p.MatchID)

	stored, err := env.Engine.GetTargetFor(env.Ctx, ev.ID, me)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, stored.Assignment.Status)
}

func TestUpdateAssignmentStatusErrors(t *testing.T) {
	env := newTestEnv(t)
	ev := env.event(t)
	ids := env.join(t, ev, 2)

	_, err := env.Engine.UpdateAssignmentStatus(env.Ctx, engine.StatusOptions{EventID: ev.ID, ParticipantID: ids[0], Status: domain.StatusFound})
	require.ErrorIs(t, err, repo.ErrNotFound)

	_, err = env.Engine.GenerateMatching(env.Ctx, engine.GenerateOptions{EventID: ev.ID})
	require.NoError(t, err)
	_, err = env.Engine.UpdateAssignmentStatus(env.Ctx, engine.StatusOptions{EventID: ev.ID, ParticipantID: ids[0], Status: "lost"})
	require.ErrorIs(t, err, matching.ErrInvalidStatus)

	view, err := env.Engine.GetTargetFor(env.Ctx, ev.ID, ids[0])
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, view.Assignment.Status)
}

type failingSink struct{}

func (failingSink) SetParticipantMatch(context.Context, *sql.Tx, string, string, domain.ParticipantMatchState, string) error {
	return errors.New("participant store unavailable")
}

func TestFailingParticipantSinkRollsBackStatus(t *testing.T) {
	env := newTestEnv(t)
	ev := env.event(t)
	ids := env.join(t, ev, 2)
	_, err := env.Engine.GenerateMatching(env.Ctx, engine.GenerateOptions{EventID: ev.ID})
	require.NoError(t, err)

	broken := env.Engine
	broken.Participants = failingSink{}
	_, err = broken.UpdateAssignmentStatus(env.Ctx, engine.StatusOptions{EventID: ev.ID, ParticipantID: ids[0], Status: domain.StatusCompleted})
	require.ErrorIs(t, err, engine.ErrPersistence)

	view, err := env.Engine.GetTargetFor(env.Ctx, ev.ID, ids[0])
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, view.Assignment.Status)
	assert.Nil(t, view.Assignment.CompletedAt)
	assert.False(t, view.Participant.IsMatched)
}

func TestConcurrentGenerationsLeaveOneConsistentMatching(t *testing.T) {
	env := newTestEnv(t)
	ev := env.event(t)
	ids := env.join(t, ev, 9)

	var g errgroup.Group
	for i := 0; i < 6; i++ {
		g.Go(func() error {
			_, err := env.Engine.GenerateMatching(env.Ctx, engine.GenerateOptions{EventID: ev.ID})
			return err
		})
		g.Go(func() error {
			res, err := env.Engine.GetMatching(env.Ctx, ev.ID)
			if err != nil {
				return err
			}
			if n := len(res.Assignments); n != 0 && n != len(ids) {
				return fmt.Errorf("observed partial matching with %d assignments", n)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	stored, err := env.Engine.GetMatching(env.Ctx, ev.ID)
	require.NoError(t, err)
	requireValidMatching(t, stored, ids)
}

func TestReadsDoNotWaitForAnOpenWriter(t *testing.T) {
	env := newTestEnv(t)
	ev := env.event(t)
	ids := env.join(t, ev, 3)
	_, err := env.Engine.GenerateMatching(env.Ctx, engine.GenerateOptions{EventID: ev.ID})
	require.NoError(t, err)

	writer, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	require.NoError(t, err)
	defer writer.Rollback()
	_, err = writer.ExecContext(env.Ctx, `UPDATE events SET title = 'Renamed' WHERE id = ?`, ev.ID)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(env.Ctx, 700*time.Millisecond)
	defer cancel()
	view, err := env.Engine.GetTargetFor(ctx, ev.ID, ids[0])
	require.NoError(t, err)
	assert.Equal(t, ids[0], view.Participant.ID)
	res, err := env.Engine.GetMatching(ctx, ev.ID)
	require.NoError(t, err)
	assert.Len(t, res.Assignments, 3)
	stats, err := env.Engine.EventStats(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalParticipants)
	parts, err := env.Engine.ListParticipants(ctx, ev.ID)
	require.NoError(t, err)
	assert.Len(t, parts, 3)
	_, err = env.Engine.ListRounds(ctx, ev.ID)
	require.NoError(t, err)

	require.NoError(t, writer.Rollback())
}

func TestReadBeginFailureIsPersistenceError(t *testing.T) {
	env := newTestEnv(t)
	ev := env.event(t)
	ctx, cancel := context.WithCancel(env.Ctx)
	cancel()
	_, err := env.Engine.GetMatching(ctx, ev.ID)
	require.ErrorIs(t, err, engine.ErrPersistence)
	require.ErrorIs(t, err, context.Canceled)
}

func TestLockWhenLiveRefusesRegeneration(t *testing.T) {
	env := newTestEnv(t)
	ev := env.event(t)
	env.join(t, ev, 4)
	_, err := env.Engine.SetEventStatus(env.Ctx, ev.ID, domain.EventLive, "organizer")
	require.NoError(t, err)

	locked := engine.GenerateOptions{EventID: ev.ID, LockWhenLive: true}
	first, err := env.Engine.GenerateMatching(env.Ctx, locked)
	require.NoError(t, err, "a live event without a matching can still draw one")

	_, err = env.Engine.GenerateMatching(env.Ctx, locked)
	require.ErrorIs(t, err, engine.ErrRegenerationLocked)
	stored, err := env.Engine.GetMatching(env.Ctx, ev.ID)
	require.NoError(t, err)
	require.Len(t, stored.Matches, len(first.Matches))
	for i := range first.Matches {
		assert.Equal(t, first.Matches[i].ID, stored.Matches[i].ID)
	}

	_, err = env.Engine.SetEventStatus(env.Ctx, ev.ID, domain.EventWaitingForMatching, "organizer")
	require.NoError(t, err)
	_, err = env.Engine.GenerateMatching(env.Ctx, locked)
	require.NoError(t, err)

	_, err = env.Engine.SetEventStatus(env.Ctx, ev.ID, domain.EventLive, "organizer")
	require.NoError(t, err)
	_, err = env.Engine.GenerateMatching(env.Ctx, engine.GenerateOptions{EventID: ev.ID})
	require.NoError(t, err)
}

func TestGenerateMatchingReportsDrawOrder(t *testing.T) {
	env := newTestEnv(t)
	ev := env.event(t)
	ids := env.join(t, ev, 7)
	res, err := env.Engine.GenerateMatching(env.Ctx, engine.GenerateOptions{EventID: ev.ID})
	require.NoError(t, err)
	require.ElementsMatch(t, ids, res.Order)

	var flat []string
	for _, m := range res.Matches {
		flat = append(flat, m.Participants...)
	}
	assert.Equal(t, res.Order, flat)

	stored, err := env.Engine.GetMatching(env.Ctx, ev.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.Order)
}

func TestJoinRechecksEventStatusInsideTransaction(t *testing.T) {
	env := newTestEnv(t)
	ev := env.event(t)

	writer, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	require.NoError(t, err)
	defer writer.Rollback()
	_, err = writer.ExecContext(env.Ctx, `UPDATE events SET status = ? WHERE id = ?`, domain.EventEnded, ev.ID)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, _, err := env.Engine.JoinEvent(env.Ctx, engine.JoinOptions{Code: ev.Code, DisplayName: "Late", Consent: true})
		done <- err
	}()
	// The code lookup still sees the committed status; the insert waits on the writer.
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, writer.Commit())
	require.ErrorIs(t, <-done, engine.ErrEventEnded)

	parts, err := env.Engine.ListParticipants(env.Ctx, ev.ID)
	require.NoError(t, err)
	assert.Empty(t, parts)
}

func TestEventStats(t *testing.T) {
	env := newTestEnv(t)
	ev := env.event(t)
	ids := env.join(t, ev, 3)
	_, err := env.Engine.GenerateMatching(env.Ctx, engine.GenerateOptions{EventID: ev.ID})
	require.NoError(t, err)
	_, err = env.Engine.UpdateAssignmentStatus(env.Ctx, engine.StatusOptions{EventID: ev.ID, ParticipantID: ids[0], Status: domain.StatusCompleted})
	require.NoError(t, err)

	stats, err := env.Engine.EventStats(env.Ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalParticipants)
	assert.Equal(t, 1, stats.MatchedParticipants)
	assert.Equal(t, 1, stats.TotalMatches)
	assert.Equal(t, 33, stats.MatchingProgress)

	assert.Equal(t, 0, engine.Progress(0, 0))
	assert.Equal(t, 67, engine.Progress(2, 3))
	assert.Equal(t, 100, engine.Progress(4, 4))
}

func TestJoinEvent(t *testing.T) {
	env := newTestEnv(t)
	ev := env.event(t)

	_, _, err := env.Engine.JoinEvent(env.Ctx, engine.JoinOptions{Code: ev.Code, DisplayName: "Ana"})
	require.ErrorIs(t, err, engine.ErrInvalidInput)
	_, _, err = env.Engine.JoinEvent(env.Ctx, engine.JoinOptions{Code: ev.Code, DisplayName: "Ana", Consent: true, Lang: "fr"})
	require.ErrorIs(t, err, engine.ErrInvalidInput)
	_, _, err = env.Engine.JoinEvent(env.Ctx, engine.JoinOptions{Code: "ZZZZZZ", DisplayName: "Ana", Consent: true})
	require.ErrorIs(t, err, repo.ErrNotFound)

	got, p, err := env.Engine.JoinEvent(env.Ctx, engine.JoinOptions{Code: " " + toLower(ev.Code) + " ", DisplayName: "Ana", Consent: true, Lang: "ko"})
	require.NoError(t, err)
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, "ko", p.Lang)
	assert.Equal(t, p.ID, p.CreatedBy)

	_, err = env.Engine.SetEventStatus(env.Ctx, ev.ID, domain.EventEnded, "organizer")
	require.NoError(t, err)
	_, _, err = env.Engine.JoinEvent(env.Ctx, engine.JoinOptions{Code: ev.Code, DisplayName: "Late", Consent: true})
	require.ErrorIs(t, err, engine.ErrEventEnded)
}

func toLower(s string) string {
	out := []byte(s)
	for i, c := range out {
		if c >= 'A' && c <= 'Z' {
			out[i] = c + 'a' - 'A'
		}
	}
	return string(out)
}

func TestCreateEventValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateEvent(env.Ctx, engine.EventCreateOptions{Title: " "})
	require.ErrorIs(t, err, engine.ErrInvalidInput)
	_, err = env.Engine.CreateEvent(env.Ctx, engine.EventCreateOptions{Title: "x", Langs: []string{"de"}})
	require.ErrorIs(t, err, engine.ErrInvalidInput)
	_, err = env.Engine.CreateEvent(env.Ctx, engine.EventCreateOptions{Title: "x", Code: "ab-12!"})
	require.ErrorIs(t, err, engine.ErrInvalidInput)

	ev, err := env.Engine.CreateEvent(env.Ctx, engine.EventCreateOptions{Title: "x", Code: "abc123"})
	require.NoError(t, err)
	assert.Equal(t, "ABC123", ev.Code)
	assert.Equal(t, domain.EventDraft, ev.Status)
	_, err = env.Engine.CreateEvent(env.Ctx, engine.EventCreateOptions{Title: "y", Code: "ABC123"})
	require.ErrorIs(t, err, engine.ErrInvalidInput)

	_, err = env.Engine.SetEventStatus(env.Ctx, ev.ID, "paused", "organizer")
	require.ErrorIs(t, err, engine.ErrInvalidInput)

	for i := 0; i < 20; i++ {
		code, err := engine.NewEventCode()
		require.NoError(t, err)
		assert.True(t, engine.ValidEventCode(code), code)
	}
}

func TestRounds(t *testing.T) {
	env := newTestEnv(t)
	ev := env.event(t)

	rounds, err := env.Engine.ListRounds(env.Ctx, ev.ID)
	require.NoError(t, err)
	require.Len(t, rounds, 3)
	for i, rd := range rounds {
		assert.Equal(t, i+1, rd.Order)
		assert.False(t, rd.IsActive)
	}

	extra, err := env.Engine.CreateRound(env.Ctx, engine.RoundCreateOptions{EventID: ev.ID, Name: "Finale", VisibleLevels: []string{"h6", "H6"}})
	require.NoError(t, err)
	assert.Equal(t, 4, extra.Order)
	assert.Equal(t, []string{"H6"}, extra.VisibleLevels)

	_, err = env.Engine.CreateRound(env.Ctx, engine.RoundCreateOptions{EventID: ev.ID, Name: "Bad", VisibleLevels: []string{"H7"}})
	require.ErrorIs(t, err, engine.ErrInvalidInput)

	first, err := env.Engine.ActivateRound(env.Ctx, ev.ID, rounds[0].ID, "organizer")
	require.NoError(t, err)
	assert.True(t, first.IsActive)
	require.NotNil(t, first.StartedAt)

	_, err = env.Engine.ActivateRound(env.Ctx, ev.ID, extra.ID, "organizer")
	require.NoError(t, err)
	rounds, err = env.Engine.ListRounds(env.Ctx, ev.ID)
	require.NoError(t, err)
	var active []string
	for _, rd := range rounds {
		if rd.IsActive {
			active = append(active, rd.ID)
		}
		if rd.ID == first.ID {
			assert.NotNil(t, rd.EndedAt)
		}
	}
	assert.Equal(t, []string{extra.ID}, active)

	_, err = env.Engine.ActivateRound(env.Ctx, ev.ID, "missing", "organizer")
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestHintsUpsertPerLevel(t *testing.T) {
	env := newTestEnv(t)
	ev := env.event(t)
	ids := env.join(t, ev, 1)

	_, err := env.Engine.SubmitHint(env.Ctx, engine.HintOptions{EventID: ev.ID, ParticipantID: ids[0], Level: "H2", Payload: map[string]any{"text": "first"}})
	require.NoError(t, err)
	h, err := env.Engine.SubmitHint(env.Ctx, engine.HintOptions{EventID: ev.ID, ParticipantID: ids[0], Level: "h2", Payload: map[string]any{"text": "second"}})
	require.NoError(t, err)
	assert.Equal(t, "second", h.Payload["text"])

	_, err = env.Engine.SubmitHint(env.Ctx, engine.HintOptions{EventID: ev.ID, ParticipantID: ids[0], Level: "H9"})
	require.ErrorIs(t, err, engine.ErrInvalidInput)
	_, err = env.Engine.SubmitHint(env.Ctx, engine.HintOptions{EventID: ev.ID, ParticipantID: "nobody", Level: "H1"})
	require.ErrorIs(t, err, repo.ErrNotFound)

	hints, err := env.Engine.ListHints(env.Ctx, ev.ID, ids[0])
	require.NoError(t, err)
	require.Len(t, hints, 1)

	p, err := env.Engine.GetParticipant(env.Ctx, ev.ID, ids[0])
	require.NoError(t, err)
	assert.Equal(t, []string{"H2"}, p.SubmittedLevels)
}

func TestActivityRecordsOperations(t *testing.T) {
	env := newTestEnv(t)
	ev := env.event(t)
	env.join(t, ev, 2)
	_, err := env.Engine.GenerateMatching(env.Ctx, engine.GenerateOptions{EventID: ev.ID, ActorID: "organizer"})
	require.NoError(t, err)

	items, err := env.Engine.Activity(env.Ctx, engine.ActivityFilter{EventID: ev.ID, Limit: 10})
	require.NoError(t, err)
	var types []string
	for _, it := range items {
		types = append(types, it.Type)
	}
	sort.Strings(types)
	assert.Equal(t, []string{"event.created", "matching.generated", "participant.joined", "participant.joined"}, types)
	assert.Equal(t, "matching.generated", items[0].Type)
	assert.Equal(t, "organizer", items[0].ActorID)

	_, err = env.Engine.Activity(env.Ctx, engine.ActivityFilter{EventID: "missing"})
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestAPIKeys(t *testing.T) {
	env := newTestEnv(t)
	key, plain, err := env.Engine.CreateAPIKey(env.Ctx, "organizer", "laptop")
	require.NoError(t, err)
	assert.NotEqual(t, plain, key.KeyHash)
	assert.Equal(t, repo.HashAPIKey(plain), key.KeyHash)

	keys, err := env.Engine.ListAPIKeys(env.Ctx, "organizer")
	require.NoError(t, err)
	require.Len(t, keys, 1)

	require.NoError(t, env.Engine.RevokeAPIKey(env.Ctx, key.ID))
	require.ErrorIs(t, env.Engine.RevokeAPIKey(env.Ctx, key.ID), repo.ErrNotFound)
	_, _, err = env.Engine.CreateAPIKey(env.Ctx, " ", "")
	require.ErrorIs(t, err, engine.ErrInvalidInput)
}

package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"kople/internal/domain"
)

// DeleteMatching removes every match and assignment of the event.
func (r Repo) DeleteMatching(ctx context.Context, tx *sql.Tx, eventID string) error {
	c := r.on(tx)
	if _, err := c.ExecContext(ctx, `DELETE FROM assignments WHERE event_id=?`, eventID); err != nil {
		return fmt.Errorf("delete assignments: %w", err)
	}
	if _, err := c.ExecContext(ctx, `DELETE FROM matches WHERE event_id=?`, eventID); err != nil {
		return fmt.Errorf("delete matches: %w", err)
	}
	return nil
}

// InsertMatch stores m; seq preserves generation order for listing.
func (r Repo) InsertMatch(ctx context.Context, tx *sql.Tx, m domain.Match, seq int) error {
	members, err := json.Marshal(m.Participants)
	if err != nil {
		return err
	}
	_, err = r.on(tx).ExecContext(ctx, `INSERT INTO matches(id,event_id,type,participants_json,seq,created_at) VALUES (?,?,?,?,?,?)`,
		m.ID, m.EventID, m.Type, string(members), seq, m.CreatedAt)
	return err
}

func (r Repo) InsertAssignment(ctx context.Context, tx *sql.Tx, a domain.Assignment, seq int) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO assignments(id,event_id,match_id,participant_id,target_id,status,found_at,completed_at,seq,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.EventID, a.MatchID, a.ParticipantID, a.TargetID, a.Status, nullableStringPtr(a.FoundAt), nullableStringPtr(a.CompletedAt), seq, a.CreatedAt, a.UpdatedAt)
	return err
}

func (r Repo) ListMatches(ctx context.Context, tx *sql.Tx, eventID string) ([]domain.Match, error) {
	rows, err := r.on(tx).QueryContext(ctx, `SELECT id,event_id,type,participants_json,created_at FROM matches WHERE event_id=? ORDER BY seq`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Match{}
	for rows.Next() {
		var m domain.Match
		var members string
		if err := rows.Scan(&m.ID, &m.EventID, &m.Type, &members, &m.CreatedAt); err != nil {
			return nil, err
		}
		if m.Participants, err = unmarshalStrings(members); err != nil {
			return nil, fmt.Errorf("match %s participants: %w", m.ID, err)
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

const assignmentColumns = `id,event_id,match_id,participant_id,target_id,status,found_at,completed_at,created_at,updated_at`

func scanAssignment(row rowScanner) (domain.Assignment, error) {
	var a domain.Assignment
	var found, completed sql.NullString
	err := row.Scan(&a.ID, &a.EventID, &a.MatchID, &a.ParticipantID, &a.TargetID, &a.Status, &found, &completed, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.FoundAt = stringPtr(found)
	a.CompletedAt = stringPtr(completed)
	return a, nil
}

func (r Repo) ListAssignments(ctx context.Context, tx *sql.Tx, eventID string) ([]domain.Assignment, error) {
	rows, err := r.on(tx).QueryContext(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE event_id=? ORDER BY seq`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Assignment{}
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// AssignmentFor returns the assignment whose finder is participantID.
func (r Repo) AssignmentFor(ctx context.Context, tx *sql.Tx, eventID, participantID string) (domain.Assignment, error) {
	return scanAssignment(r.on(tx).QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE event_id=? AND participant_id=? LIMIT 1`, eventID, participantID))
}

// UpdateAssignmentStatus writes status and timestamps of a.
func (r Repo) UpdateAssignmentStatus(ctx context.Context, tx *sql.Tx, a domain.Assignment) error {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE assignments SET status=?, found_at=?, completed_at=?, updated_at=? WHERE id=? AND event_id=?`,
		a.Status, nullableStringPtr(a.FoundAt), nullableStringPtr(a.CompletedAt), a.UpdatedAt, a.ID, a.EventID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) CountMatches(ctx context.Context, tx *sql.Tx, eventID string) (int, error) {
	var n int
	err := r.on(tx).QueryRowContext(ctx, `SELECT count(*) FROM matches WHERE event_id=?`, eventID).Scan(&n)
	return n, err
}

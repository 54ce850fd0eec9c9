package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"kople/internal/domain"
)

const participantColumns = `id,event_id,display_name,lang,consent,COALESCE(profile_emoji,''),match_id,is_matched,created_by,created_at,updated_at`

func scanParticipant(row rowScanner) (domain.Participant, error) {
	var p domain.Participant
	var consent, matched int
	var matchID sql.NullString
	err := row.Scan(&p.ID, &p.EventID, &p.DisplayName, &p.Lang, &consent, &p.ProfileEmoji, &matchID, &matched, &p.CreatedBy, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.Consent = consent != 0
	p.IsMatched = matched != 0
	p.MatchID = stringPtr(matchID)
	p.SubmittedLevels = []string{}
	return p, nil
}

func (r Repo) InsertParticipant(ctx context.Context, tx *sql.Tx, p domain.Participant) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO participants(id,event_id,display_name,lang,consent,profile_emoji,match_id,is_matched,created_by,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.EventID, p.DisplayName, p.Lang, boolInt(p.Consent), nullable(p.ProfileEmoji), nullableStringPtr(p.MatchID),
		boolInt(p.IsMatched), p.CreatedBy, p.CreatedAt, p.UpdatedAt)
	return err
}

// GetParticipant returns the participant only if it belongs to eventID.
func (r Repo) GetParticipant(ctx context.Context, tx *sql.Tx, eventID, id string) (domain.Participant, error) {
	c := r.on(tx)
	p, err := scanParticipant(c.QueryRowContext(ctx, `SELECT `+participantColumns+` FROM participants WHERE event_id=? AND id=?`, eventID, id))
	if err != nil {
		return p, err
	}
	levels, err := submittedLevels(ctx, c, `SELECT participant_id, level FROM hints WHERE participant_id=? ORDER BY level`, id)
	if err != nil {
		return p, err
	}
	p.SubmittedLevels = append(p.SubmittedLevels, levels[p.ID]...)
	return p, nil
}

func (r Repo) ListParticipants(ctx context.Context, tx *sql.Tx, eventID string) ([]domain.Participant, error) {
	c := r.on(tx)
	rows, err := c.QueryContext(ctx, `SELECT `+participantColumns+` FROM participants WHERE event_id=? ORDER BY created_at, id`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Participant{}
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	levels, err := submittedLevels(ctx, c, `SELECT participant_id, level FROM hints WHERE event_id=? ORDER BY level`, eventID)
	if err != nil {
		return nil, err
	}
	for i := range res {
		res[i].SubmittedLevels = append(res[i].SubmittedLevels, levels[res[i].ID]...)
	}
	return res, nil
}

// ParticipantIDs lists the ids of an event's participants in join order.
func (r Repo) ParticipantIDs(ctx context.Context, tx *sql.Tx, eventID string) ([]string, error) {
	rows, err := r.on(tx).QueryContext(ctx, `SELECT id FROM participants WHERE event_id=? ORDER BY created_at, id`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func submittedLevels(ctx context.Context, c conn, query string, arg string) (map[string][]string, error) {
	rows, err := c.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string][]string{}
	for rows.Next() {
		var pid, level string
		if err := rows.Scan(&pid, &level); err != nil {
			return nil, err
		}
		out[pid] = append(out[pid], level)
	}
	return out, rows.Err()
}

// SetParticipantMatch applies the participant side of an assignment status change.
func (r Repo) SetParticipantMatch(ctx context.Context, tx *sql.Tx, eventID, participantID string, st domain.ParticipantMatchState, now string) error {
	var (
		res sql.Result
		err error
	)
	if st.SetMatchID {
		res, err = r.on(tx).ExecContext(ctx, `UPDATE participants SET is_matched=?, match_id=?, updated_at=? WHERE event_id=? AND id=?`,
			boolInt(st.IsMatched), nullableStringPtr(st.MatchID), now, eventID, participantID)
	} else {
		res, err = r.on(tx).ExecContext(ctx, `UPDATE participants SET is_matched=?, updated_at=? WHERE event_id=? AND id=?`,
			boolInt(st.IsMatched), now, eventID, participantID)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetParticipantMatches clears match state left over from a previous generation.
func (r Repo) ResetParticipantMatches(ctx context.Context, tx *sql.Tx, eventID, now string) error {
	_, err := r.on(tx).ExecContext(ctx, `UPDATE participants SET is_matched=0, match_id=NULL, updated_at=? WHERE event_id=? AND (is_matched=1 OR match_id IS NOT NULL)`, now, eventID)
	return err
}

func (r Repo) CountParticipants(ctx context.Context, tx *sql.Tx, eventID string) (total, matched int, err error) {
	err = r.on(tx).QueryRowContext(ctx, `SELECT count(*), COALESCE(SUM(is_matched),0) FROM participants WHERE event_id=?`, eventID).Scan(&total, &matched)
	return total, matched, err
}

// UpsertHint stores one hint per participant and level.
func (r Repo) UpsertHint(ctx context.Context, tx *sql.Tx, h domain.Hint) (domain.Hint, error) {
	payload := h.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return h, fmt.Errorf("marshal hint payload: %w", err)
	}
	c := r.on(tx)
	_, err = c.ExecContext(ctx, `INSERT INTO hints(id,event_id,participant_id,level,payload_json,created_at,updated_at) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(participant_id, level) DO UPDATE SET payload_json=excluded.payload_json, updated_at=excluded.updated_at`,
		h.ID, h.EventID, h.ParticipantID, h.Level, string(data), h.CreatedAt, h.UpdatedAt)
	if err != nil {
		return h, err
	}
	return scanHint(c.QueryRowContext(ctx, `SELECT id,event_id,participant_id,level,payload_json,created_at,updated_at FROM hints WHERE participant_id=? AND level=?`, h.ParticipantID, h.Level))
}

func scanHint(row rowScanner) (domain.Hint, error) {
	var h domain.Hint
	var payload string
	err := row.Scan(&h.ID, &h.EventID, &h.ParticipantID, &h.Level, &payload, &h.CreatedAt, &h.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return h, ErrNotFound
	}
	if err != nil {
		return h, err
	}
	h.Payload = map[string]any{}
	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &h.Payload); err != nil {
			return h, fmt.Errorf("hint %s payload: %w", h.ID, err)
		}
	}
	return h, nil
}

func (r Repo) ListHints(ctx context.Context, tx *sql.Tx, eventID, participantID string) ([]domain.Hint, error) {
	rows, err := r.on(tx).QueryContext(ctx, `SELECT id,event_id,participant_id,level,payload_json,created_at,updated_at FROM hints WHERE event_id=? AND participant_id=? ORDER BY level`, eventID, participantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Hint{}
	for rows.Next() {
		h, err := scanHint(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

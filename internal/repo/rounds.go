package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"kople/internal/domain"
)

const roundColumns = `id,event_id,name,visible_levels_json,is_active,ord,started_at,ended_at,created_at,updated_at`

func scanRound(row rowScanner) (domain.Round, error) {
	var rd domain.Round
	var levels string
	var active int
	var started, ended sql.NullString
	err := row.Scan(&rd.ID, &rd.EventID, &rd.Name, &levels, &active, &rd.Order, &started, &ended, &rd.CreatedAt, &rd.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return rd, ErrNotFound
	}
	if err != nil {
		return rd, err
	}
	rd.IsActive = active != 0
	rd.StartedAt = stringPtr(started)
	rd.EndedAt = stringPtr(ended)
	if rd.VisibleLevels, err = unmarshalStrings(levels); err != nil {
		return rd, fmt.Errorf("round %s levels: %w", rd.ID, err)
	}
	return rd, nil
}

func (r Repo) InsertRound(ctx context.Context, tx *sql.Tx, rd domain.Round) error {
	levels, err := marshalStrings(rd.VisibleLevels)
	if err != nil {
		return err
	}
	_, err = r.on(tx).ExecContext(ctx, `INSERT INTO rounds(id,event_id,name,visible_levels_json,is_active,ord,started_at,ended_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		rd.ID, rd.EventID, rd.Name, levels, boolInt(rd.IsActive), rd.Order, nullableStringPtr(rd.StartedAt), nullableStringPtr(rd.EndedAt), rd.CreatedAt, rd.UpdatedAt)
	return err
}

func (r Repo) GetRound(ctx context.Context, tx *sql.Tx, eventID, id string) (domain.Round, error) {
	return scanRound(r.on(tx).QueryRowContext(ctx, `SELECT `+roundColumns+` FROM rounds WHERE event_id=? AND id=?`, eventID, id))
}

func (r Repo) ListRounds(ctx context.Context, tx *sql.Tx, eventID string) ([]domain.Round, error) {
	rows, err := r.on(tx).QueryContext(ctx, `SELECT `+roundColumns+` FROM rounds WHERE event_id=? ORDER BY ord, created_at`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Round{}
	for rows.Next() {
		rd, err := scanRound(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rd)
	}
	return res, rows.Err()
}

// ActiveRound returns the event's active round, or ErrNotFound when none is active.
func (r Repo) ActiveRound(ctx context.Context, tx *sql.Tx, eventID string) (domain.Round, error) {
	return scanRound(r.on(tx).QueryRowContext(ctx, `SELECT `+roundColumns+` FROM rounds WHERE event_id=? AND is_active=1 ORDER BY ord LIMIT 1`, eventID))
}

// ActivateRound makes roundID the only active round of the event.
func (r Repo) ActivateRound(ctx context.Context, tx *sql.Tx, eventID, roundID, now string) error {
	c := r.on(tx)
	if _, err := c.ExecContext(ctx, `UPDATE rounds SET is_active=0, ended_at=?, updated_at=? WHERE event_id=? AND is_active=1 AND id<>?`, now, now, eventID, roundID); err != nil {
		return err
	}
	res, err := c.ExecContext(ctx, `UPDATE rounds SET is_active=1, started_at=COALESCE(started_at, ?), ended_at=NULL, updated_at=? WHERE event_id=? AND id=?`, now, now, eventID, roundID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

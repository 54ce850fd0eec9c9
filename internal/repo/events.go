package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"kople/internal/domain"
)

const eventColumns = `id,code,title,COALESCE(description,''),COALESCE(location,''),status,langs_json,COALESCE(common_question,''),matching_created,created_by,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (domain.Event, error) {
	var e domain.Event
	var langs string
	var matched int
	err := row.Scan(&e.ID, &e.Code, &e.Title, &e.Description, &e.Location, &e.Status, &langs, &e.CommonQuestion, &matched, &e.CreatedBy, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.MatchingCreated = matched != 0
	if e.Langs, err = unmarshalStrings(langs); err != nil {
		return e, fmt.Errorf("event %s langs: %w", e.ID, err)
	}
	return e, nil
}

func (r Repo) InsertEvent(ctx context.Context, tx *sql.Tx, e domain.Event) error {
	langs, err := marshalStrings(e.Langs)
	if err != nil {
		return err
	}
	_, err = r.on(tx).ExecContext(ctx, `INSERT INTO events(id,code,title,description,location,status,langs_json,common_question,matching_created,created_by,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.Code, e.Title, nullable(e.Description), nullable(e.Location), e.Status, langs, nullable(e.CommonQuestion),
		boolInt(e.MatchingCreated), e.CreatedBy, e.CreatedAt, e.UpdatedAt)
	return err
}

func (r Repo) GetEvent(ctx context.Context, tx *sql.Tx, id string) (domain.Event, error) {
	return scanEvent(r.on(tx).QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id=?`, id))
}

// GetEventByCode looks an event up by its join code, case-insensitively.
func (r Repo) GetEventByCode(ctx context.Context, code string) (domain.Event, error) {
	return scanEvent(r.DB.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE code=?`, strings.ToUpper(strings.TrimSpace(code))))
}

func (r Repo) ListEvents(ctx context.Context) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM events ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Event{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) UpdateEventStatus(ctx context.Context, tx *sql.Tx, id, status, now string) error {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE events SET status=?, updated_at=? WHERE id=?`, status, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkMatchingCreated flips the event's matching flag.
func (r Repo) MarkMatchingCreated(ctx context.Context, tx *sql.Tx, id, now string) error {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE events SET matching_created=1, updated_at=? WHERE id=?`, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteEvent(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM events WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

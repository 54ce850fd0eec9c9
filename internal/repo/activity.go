package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"kople/internal/domain"
)

const activityColumns = `id,ts,type,COALESCE(event_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json`

func scanActivity(rows *sql.Rows) ([]domain.Activity, error) {
	defer rows.Close()
	res := []domain.Activity{}
	for rows.Next() {
		var a domain.Activity
		var payload sql.NullString
		if err := rows.Scan(&a.ID, &a.TS, &a.Type, &a.EventID, &a.EntityKind, &a.EntityID, &a.ActorID, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			a.Payload = payload.String
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// LatestActivity returns the newest activity rows, optionally filtered.
func (r Repo) LatestActivity(ctx context.Context, limit int, eventID, typ, entityKind, entityID string) ([]domain.Activity, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if eventID != "" {
		clauses = append(clauses, "event_id=?")
		args = append(args, eventID)
	}
	if typ != "" {
		clauses = append(clauses, "type=?")
		args = append(args, typ)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	query := fmt.Sprintf(`SELECT %s FROM activity WHERE %s ORDER BY id DESC LIMIT ?`, activityColumns, strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanActivity(rows)
}

// ActivityAfter returns rows with ids greater than cursor in ascending order.
func (r Repo) ActivityAfter(ctx context.Context, limit int, cursor int64, eventID string) ([]domain.Activity, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"id>?"}
	args := []any{cursor}
	if eventID != "" {
		clauses = append(clauses, "event_id=?")
		args = append(args, eventID)
	}
	query := fmt.Sprintf(`SELECT %s FROM activity WHERE %s ORDER BY id ASC LIMIT ?`, activityColumns, strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanActivity(rows)
}

// LatestActivityID returns the newest activity id, 0 when the log is empty.
func (r Repo) LatestActivityID(ctx context.Context, eventID string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM activity`
	var args []any
	if eventID != "" {
		query += ` WHERE event_id=?`
		args = append(args, eventID)
	}
	var id int64
	if err := r.DB.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

func tableFor(t EntityType) (entityTable, error) {
	et, ok := entityTables[t]
	if !ok {
		return entityTable{}, newInvalidEntityTypeError(t)
	}
	return et, nil
}

// CreateEntity inserts a record at version 0. Unknown fields are ignored.
func (s *Store) CreateEntity(ctx context.Context, t EntityType, id string, fields map[string]string) error {
	et, err := tableFor(t)
	if err != nil {
		return err
	}
	now := toMillis(s.now())
	cols := []string{"id", "version", "created_at", "updated_at"}
	args := []any{id, 0, now, now}
	for _, c := range et.columns {
		if v, ok := fields[c]; ok {
			cols = append(cols, c)
			args = append(args, v)
		}
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		et.table, strings.Join(cols, ", "), placeholders(len(cols)))
	if _, err := s.writer.Execute(ctx, query, args...); err != nil {
		return fmt.Errorf("insert %s %s: %w", t, id, err)
	}
	return nil
}

// GetEntity reads one record.
func (s *Store) GetEntity(ctx context.Context, t EntityType, id string) (*Entity, error) {
	et, err := tableFor(t)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT id, version, created_at, updated_at, %s FROM %s WHERE id = ?",
		strings.Join(et.columns, ", "), et.table)

	vals := make([]sql.NullString, len(et.columns))
	var e Entity
	var createdMs, updatedMs int64
	dest := []any{&e.ID, &e.Version, &createdMs, &updatedMs}
	for i := range vals {
		dest = append(dest, &vals[i])
	}
	if err := s.db.Read.QueryRowContext(ctx, query, id).Scan(dest...); err != nil {
		if err == sql.ErrNoRows {
			return nil, NewNotFoundError(fmt.Sprintf("%s %s not found", t, id))
		}
		return nil, fmt.Errorf("get %s %s: %w", t, id, err)
	}
	e.CreatedAt = fromMillis(createdMs)
	e.UpdatedAt = fromMillis(updatedMs)
	e.Fields = make(map[string]string, len(et.columns))
	for i, c := range et.columns {
		if vals[i].Valid {
			e.Fields[c] = vals[i].String
		}
	}
	return &e, nil
}

// UpdateEntityIfVersion applies fields to the record only if it is still at
// expectedVersion, bumping the version by one. It reports whether a row was
// modified. Fields outside the type's column set are not written.
func (s *Store) UpdateEntityIfVersion(ctx context.Context, t EntityType, id string, expectedVersion int64, fields map[string]any) (bool, error) {
	et, err := tableFor(t)
	if err != nil {
		return false, err
	}

	sets := make([]string, 0, len(et.columns)+2)
	args := make([]any, 0, len(et.columns)+4)
	for _, c := range et.columns {
		v, ok := fields[c]
		if !ok {
			continue
		}
		sets = append(sets, c+" = ?")
		args = append(args, columnValue(v))
	}
	sets = append(sets, "version = version + 1", "updated_at = ?")
	args = append(args, toMillis(s.now()), id, expectedVersion)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = ? AND version = ?", et.table, strings.Join(sets, ", "))
	res, err := s.writer.Execute(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("update %s %s: %w", t, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update %s %s: rows affected: %w", t, id, err)
	}
	return n > 0, nil
}

// EntityExists reports whether a record with id exists.
func (s *Store) EntityExists(ctx context.Context, t EntityType, id string) (bool, error) {
	et, err := tableFor(t)
	if err != nil {
		return false, err
	}
	var one int
	err = s.db.Read.QueryRowContext(ctx, "SELECT 1 FROM "+et.table+" WHERE id = ?", id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup %s %s: %w", t, id, err)
	}
	return true, nil
}

// EmailTakenByOther reports whether a record other than excludeID already
// owns email. Types without an email column never conflict.
func (s *Store) EmailTakenByOther(ctx context.Context, t EntityType, email, excludeID string) (bool, error) {
	et, err := tableFor(t)
	if err != nil {
		return false, err
	}
	if !t.HasEmail() {
		return false, nil
	}
	var one int
	err = s.db.Read.QueryRowContext(ctx,
		"SELECT 1 FROM "+et.table+" WHERE email = ? AND id <> ? LIMIT 1", email, excludeID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup %s email: %w", t, err)
	}
	return true, nil
}

// CountEntities returns the number of records of type t.
func (s *Store) CountEntities(ctx context.Context, t EntityType) (int, error) {
	et, err := tableFor(t)
	if err != nil {
		return 0, err
	}
	var n int
	if err := s.db.Read.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+et.table).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", t, err)
	}
	return n, nil
}

// columnValue converts decoded JSON values to something SQLite stores as text.
func columnValue(v any) any {
	switch x := v.(type) {
	case nil, string:
		return x
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

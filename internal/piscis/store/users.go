package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/acuicola/piscis/common/sentinel"
)

// Roles recognised by the directory and the bearer tokens.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operador"
)

// User is one row of the usuarios directory.
type User struct {
	ID     string
	Nombre string
	Email  string
	Rol    string
	Activo bool
}

// UpsertUser creates or updates a directory entry.
func (s *Store) UpsertUser(ctx context.Context, u User) error {
	if u.Rol == "" {
		u.Rol = RoleOperator
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usuarios (id, nombre, email, rol, activo, creado_en)
		VALUES (?, ?, ?, ?, 1, ?)
		ON CONFLICT(id) DO UPDATE SET
			nombre = excluded.nombre,
			email  = excluded.email,
			rol    = excluded.rol,
			activo = 1
	`, u.ID, u.Nombre, u.Email, u.Rol, FormatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to upsert user %s: %w", u.ID, err)
	}
	return nil
}

// GetUser returns an active directory entry.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	u := &User{}
	var activo int
	err := s.db.QueryRowContext(ctx, `
		SELECT id, nombre, email, rol, activo FROM usuarios WHERE id = ? AND activo = 1
	`, id).Scan(&u.ID, &u.Nombre, &u.Email, &u.Rol, &activo)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", id, sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	u.Activo = activo != 0
	return u, nil
}

// EmailOf returns the e-mail address of an active user.
func (s *Store) EmailOf(ctx context.Context, userID string) (string, error) {
	u, err := s.GetUser(ctx, userID)
	if err != nil {
		return "", err
	}
	return u.Email, nil
}

// UserIDsByRole returns the IDs of every active user with the role.
func (s *Store) UserIDsByRole(ctx context.Context, rol string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM usuarios WHERE rol = ? AND activo = 1 ORDER BY id
	`, rol)
	if err != nil {
		return nil, fmt.Errorf("failed to list users by role: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating users: %w", err)
	}
	return ids, nil
}

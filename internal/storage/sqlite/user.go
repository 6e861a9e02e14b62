package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	gateway "github.com/eugener/palantir/internal"
)

const userCols = `id, name, role, enabled, expires_at, policy, deleted_at, created_at`

// CreateUser inserts a new user.
func (s *Store) CreateUser(ctx context.Context, u *gateway.User) error {
	policy, err := marshalJSON(u.Policy)
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO users (id, name, role, enabled, expires_at, policy, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Name, u.Role, boolToInt(u.Enabled),
		timeToStr(u.ExpiresAt), policy, u.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetUser retrieves a user by id. Soft-deleted users are not returned.
func (s *Store) GetUser(ctx context.Context, id string) (*gateway.User, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+userCols+` FROM users WHERE id = ? AND deleted_at IS NULL`, id)
	return scanUser(row)
}

// ListUsers returns all non-deleted users.
func (s *Store) ListUsers(ctx context.Context) ([]*gateway.User, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+userCols+` FROM users WHERE deleted_at IS NULL ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*gateway.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// UpdateUser updates a user's mutable fields.
func (s *Store) UpdateUser(ctx context.Context, u *gateway.User) error {
	policy, err := marshalJSON(u.Policy)
	if err != nil {
		return err
	}
	result, err := s.write.ExecContext(ctx,
		`UPDATE users SET name=?, role=?, enabled=?, expires_at=?, policy=?
		 WHERE id=? AND deleted_at IS NULL`,
		u.Name, u.Role, boolToInt(u.Enabled), timeToStr(u.ExpiresAt), policy, u.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "user")
}

// SoftDeleteUser marks a user deleted without removing rows.
func (s *Store) SoftDeleteUser(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE users SET deleted_at=? WHERE id=? AND deleted_at IS NULL`,
		time.Now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "user")
}

func scanUser(row scanner) (*gateway.User, error) {
	var u gateway.User
	var enabled int
	var expiresAt, deletedAt, policy sql.NullString
	var createdAt string

	err := row.Scan(&u.ID, &u.Name, &u.Role, &enabled, &expiresAt, &policy, &deletedAt, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user: %w", gateway.ErrNotFound)
		}
		return nil, err
	}
	u.Enabled = enabled != 0
	u.ExpiresAt = strToTime(expiresAt)
	u.DeletedAt = strToTime(deletedAt)
	u.Policy = unmarshalJSON[gateway.PolicySet](policy)
	u.CreatedAt = parseTime(createdAt)
	return &u, nil
}

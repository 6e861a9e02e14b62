package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	gateway "github.com/eugener/palantir/internal"
)

const keyCols = `id, user_id, name, key_hash, key_prefix, policy, provider_groups,
 cache_ttl_preference, can_login_web_ui, deleted_at, created_at`

// CreateKey inserts a new API key after validating its policy against the
// owner's.
func (s *Store) CreateKey(ctx context.Context, k *gateway.Key) error {
	if err := s.checkPolicySubset(ctx, k); err != nil {
		return err
	}
	policy, err := marshalJSON(k.Policy)
	if err != nil {
		return err
	}
	groups, err := marshalJSON(k.ProviderGroups)
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO api_keys (id, user_id, name, key_hash, key_prefix, policy,
		 provider_groups, cache_ttl_preference, can_login_web_ui, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		k.ID, k.UserID, k.Name, k.KeyHash, k.KeyPrefix, policy,
		groups, k.CacheTTLPreference, boolToInt(k.CanLoginWebUI),
		k.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetKeyByHash retrieves a key by its SHA-256 hash.
func (s *Store) GetKeyByHash(ctx context.Context, hash string) (*gateway.Key, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+keyCols+` FROM api_keys WHERE key_hash = ? AND deleted_at IS NULL`, hash)
	return scanKey(row)
}

// ListKeysByUser returns a user's non-deleted keys.
func (s *Store) ListKeysByUser(ctx context.Context, userID string) ([]*gateway.Key, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+keyCols+` FROM api_keys WHERE user_id = ? AND deleted_at IS NULL ORDER BY created_at`,
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*gateway.Key
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// UpdateKey updates a key's mutable fields, re-validating the policy subset
// invariant.
func (s *Store) UpdateKey(ctx context.Context, k *gateway.Key) error {
	if err := s.checkPolicySubset(ctx, k); err != nil {
		return err
	}
	policy, err := marshalJSON(k.Policy)
	if err != nil {
		return err
	}
	groups, err := marshalJSON(k.ProviderGroups)
	if err != nil {
		return err
	}
	result, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET name=?, policy=?, provider_groups=?, cache_ttl_preference=?,
		 can_login_web_ui=? WHERE id=? AND deleted_at IS NULL`,
		k.Name, policy, groups, k.CacheTTLPreference, boolToInt(k.CanLoginWebUI), k.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "api key")
}

// SoftDeleteKey marks a key deleted. Deleting a user's last key fails with
// ErrLastKey.
func (s *Store) SoftDeleteKey(ctx context.Context, id string) error {
	var userID string
	err := s.read.QueryRowContext(ctx,
		`SELECT user_id FROM api_keys WHERE id = ? AND deleted_at IS NULL`, id).Scan(&userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("api key: %w", gateway.ErrNotFound)
		}
		return err
	}

	// The single-writer pool serializes this count-then-delete pair.
	var n int
	if err := s.write.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM api_keys WHERE user_id = ? AND deleted_at IS NULL`, userID).Scan(&n); err != nil {
		return err
	}
	if n <= 1 {
		return gateway.ErrLastKey
	}

	result, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET deleted_at=? WHERE id=? AND deleted_at IS NULL`,
		time.Now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "api key")
}

// checkPolicySubset enforces the invariant that every key policy value is
// <= the owner's same-named value when both are set.
func (s *Store) checkPolicySubset(ctx context.Context, k *gateway.Key) error {
	owner, err := s.GetUser(ctx, k.UserID)
	if err != nil {
		return fmt.Errorf("key owner: %w", err)
	}
	if !k.Policy.Subset(owner.Policy) {
		return gateway.ErrPolicyExceedsUser
	}
	return nil
}

func scanKey(row scanner) (*gateway.Key, error) {
	var k gateway.Key
	var canLogin int
	var policy, groups, deletedAt sql.NullString
	var createdAt string

	err := row.Scan(&k.ID, &k.UserID, &k.Name, &k.KeyHash, &k.KeyPrefix, &policy,
		&groups, &k.CacheTTLPreference, &canLogin, &deletedAt, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("api key: %w", gateway.ErrNotFound)
		}
		return nil, err
	}
	k.CanLoginWebUI = canLogin != 0
	k.Policy = unmarshalJSON[gateway.PolicySet](policy)
	k.ProviderGroups = unmarshalJSON[[]string](groups)
	k.DeletedAt = strToTime(deletedAt)
	k.CreatedAt = parseTime(createdAt)
	return &k, nil
}

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	gateway "github.com/eugener/palantir/internal"
)

const providerCols = `id, name, provider_type, url, credential, is_enabled, priority, weight,
 provider_group, model_redirects, allowed_models, proxy_url, proxy_fallback_to_direct,
 allow_global_usage_view, cb_failure_threshold, cb_open_duration_ms, cb_half_open_successes,
 deleted_at, created_at`

// CreateProvider inserts a new upstream target.
func (s *Store) CreateProvider(ctx context.Context, p *gateway.Provider) error {
	redirects, err := marshalJSON(p.ModelRedirects)
	if err != nil {
		return err
	}
	models, err := marshalJSON(p.AllowedModels)
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO providers (id, name, provider_type, url, credential, is_enabled,
		 priority, weight, provider_group, model_redirects, allowed_models,
		 proxy_url, proxy_fallback_to_direct, allow_global_usage_view,
		 cb_failure_threshold, cb_open_duration_ms, cb_half_open_successes, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, string(p.Type), p.URL, p.Credential, boolToInt(p.Enabled),
		p.Priority, p.Weight, p.Group, redirects, models,
		p.ProxyURL, boolToInt(p.ProxyFallbackToDirect), boolToInt(p.AllowGlobalUsageView),
		p.Breaker.FailureThreshold, p.Breaker.OpenDuration.Milliseconds(),
		p.Breaker.HalfOpenSuccessThreshold, p.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetProvider retrieves a provider by id.
func (s *Store) GetProvider(ctx context.Context, id string) (*gateway.Provider, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+providerCols+` FROM providers WHERE id = ? AND deleted_at IS NULL`, id)
	return scanProvider(row)
}

// ListProviders returns all non-deleted providers.
func (s *Store) ListProviders(ctx context.Context) ([]*gateway.Provider, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+providerCols+` FROM providers WHERE deleted_at IS NULL ORDER BY priority, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var providers []*gateway.Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	return providers, rows.Err()
}

// UpdateProvider updates a provider's configuration.
func (s *Store) UpdateProvider(ctx context.Context, p *gateway.Provider) error {
	redirects, err := marshalJSON(p.ModelRedirects)
	if err != nil {
		return err
	}
	models, err := marshalJSON(p.AllowedModels)
	if err != nil {
		return err
	}
	result, err := s.write.ExecContext(ctx,
		`UPDATE providers SET name=?, provider_type=?, url=?, credential=?, is_enabled=?,
		 priority=?, weight=?, provider_group=?, model_redirects=?, allowed_models=?,
		 proxy_url=?, proxy_fallback_to_direct=?, allow_global_usage_view=?,
		 cb_failure_threshold=?, cb_open_duration_ms=?, cb_half_open_successes=?
		 WHERE id=? AND deleted_at IS NULL`,
		p.Name, string(p.Type), p.URL, p.Credential, boolToInt(p.Enabled),
		p.Priority, p.Weight, p.Group, redirects, models,
		p.ProxyURL, boolToInt(p.ProxyFallbackToDirect), boolToInt(p.AllowGlobalUsageView),
		p.Breaker.FailureThreshold, p.Breaker.OpenDuration.Milliseconds(),
		p.Breaker.HalfOpenSuccessThreshold, p.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "provider")
}

// SoftDeleteProvider marks a provider deleted.
func (s *Store) SoftDeleteProvider(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE providers SET deleted_at=? WHERE id=? AND deleted_at IS NULL`,
		time.Now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "provider")
}

func scanProvider(row scanner) (*gateway.Provider, error) {
	var p gateway.Provider
	var enabled, proxyFallback, globalView, cbThreshold, cbHalfOpen int
	var cbOpenMs int64
	var ptype string
	var redirects, models, deletedAt sql.NullString
	var createdAt string

	err := row.Scan(&p.ID, &p.Name, &ptype, &p.URL, &p.Credential, &enabled,
		&p.Priority, &p.Weight, &p.Group, &redirects, &models,
		&p.ProxyURL, &proxyFallback, &globalView,
		&cbThreshold, &cbOpenMs, &cbHalfOpen, &deletedAt, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("provider: %w", gateway.ErrNotFound)
		}
		return nil, err
	}
	p.Type = gateway.ProviderType(ptype)
	p.Enabled = enabled != 0
	p.ProxyFallbackToDirect = proxyFallback != 0
	p.AllowGlobalUsageView = globalView != 0
	p.ModelRedirects = unmarshalJSON[map[string]string](redirects)
	p.AllowedModels = unmarshalJSON[[]string](models)
	p.Breaker = gateway.BreakerConfig{
		FailureThreshold:         cbThreshold,
		OpenDuration:             time.Duration(cbOpenMs) * time.Millisecond,
		HalfOpenSuccessThreshold: cbHalfOpen,
	}
	p.DeletedAt = strToTime(deletedAt)
	p.CreatedAt = parseTime(createdAt)
	return &p, nil
}

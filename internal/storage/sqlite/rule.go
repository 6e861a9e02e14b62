package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	gateway "github.com/eugener/palantir/internal"
)

// ListErrorRules returns all error rules ordered by (priority, id).
func (s *Store) ListErrorRules(ctx context.Context) ([]gateway.ErrorRule, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, pattern, match_type, category, override_status_code,
		 override_response, is_enabled, is_default, priority
		 FROM error_rules ORDER BY priority, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []gateway.ErrorRule
	for rows.Next() {
		var r gateway.ErrorRule
		var mt string
		var enabled, isDefault int
		var status sql.NullInt64
		var override sql.NullString
		if err := rows.Scan(&r.ID, &r.Pattern, &mt, &r.Category, &status,
			&override, &enabled, &isDefault, &r.Priority); err != nil {
			return nil, err
		}
		r.MatchType = gateway.MatchType(mt)
		r.Enabled = enabled != 0
		r.Default = isDefault != 0
		if status.Valid {
			code := int(status.Int64)
			r.OverrideStatusCode = &code
		}
		if override.Valid {
			r.OverrideResponse = []byte(override.String)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// CreateErrorRule inserts a rule. Pattern and override validation happens in
// the admin layer; the store only enforces the status-code range.
func (s *Store) CreateErrorRule(ctx context.Context, r *gateway.ErrorRule) error {
	var status any
	if r.OverrideStatusCode != nil {
		if *r.OverrideStatusCode < 400 || *r.OverrideStatusCode > 599 {
			return fmt.Errorf("error rule: override status %d outside [400,599]: %w",
				*r.OverrideStatusCode, gateway.ErrBadRequest)
		}
		status = *r.OverrideStatusCode
	}
	var override any
	if len(r.OverrideResponse) > 0 {
		override = string(r.OverrideResponse)
	}
	result, err := s.write.ExecContext(ctx,
		`INSERT INTO error_rules (pattern, match_type, category, override_status_code,
		 override_response, is_enabled, is_default, priority)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Pattern, string(r.MatchType), r.Category, status, override,
		boolToInt(r.Enabled), boolToInt(r.Default), r.Priority,
	)
	if err != nil {
		return err
	}
	r.ID, err = result.LastInsertId()
	return err
}

// DeleteErrorRule removes a rule.
func (s *Store) DeleteErrorRule(ctx context.Context, id int64) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM error_rules WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "error rule")
}

// ListRequestFilters returns all request filters ordered by (priority, id).
func (s *Store) ListRequestFilters(ctx context.Context) ([]gateway.RequestFilter, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, scope, action, target, match_type, replacement, priority, is_enabled
		 FROM request_filters ORDER BY priority, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var filters []gateway.RequestFilter
	for rows.Next() {
		var f gateway.RequestFilter
		var scope, action, mt string
		var replacement sql.NullString
		var enabled int
		if err := rows.Scan(&f.ID, &scope, &action, &f.Target, &mt,
			&replacement, &f.Priority, &enabled); err != nil {
			return nil, err
		}
		f.Scope = gateway.FilterScope(scope)
		f.Action = gateway.FilterAction(action)
		f.MatchType = gateway.MatchType(mt)
		f.Enabled = enabled != 0
		if replacement.Valid {
			f.Replacement = []byte(replacement.String)
		}
		filters = append(filters, f)
	}
	return filters, rows.Err()
}

// CreateRequestFilter inserts a filter.
func (s *Store) CreateRequestFilter(ctx context.Context, f *gateway.RequestFilter) error {
	var replacement any
	if len(f.Replacement) > 0 {
		replacement = string(f.Replacement)
	}
	result, err := s.write.ExecContext(ctx,
		`INSERT INTO request_filters (scope, action, target, match_type, replacement, priority, is_enabled)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(f.Scope), string(f.Action), f.Target, string(f.MatchType),
		replacement, f.Priority, boolToInt(f.Enabled),
	)
	if err != nil {
		return err
	}
	f.ID, err = result.LastInsertId()
	return err
}

// DeleteRequestFilter removes a filter.
func (s *Store) DeleteRequestFilter(ctx context.Context, id int64) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM request_filters WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "request filter")
}

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	gateway "github.com/eugener/palantir/internal"
)

// ImportPrices appends price rows whose canonical payload differs from the
// latest stored row for that model. Re-importing an identical payload is a
// no-op, making imports idempotent.
func (s *Store) ImportPrices(ctx context.Context, prices []gateway.ModelPrice) (int, error) {
	inserted := 0
	for _, p := range prices {
		var lastRaw sql.NullString
		err := s.read.QueryRowContext(ctx,
			`SELECT raw_json FROM model_prices WHERE model_name = ?
			 ORDER BY created_at DESC, id DESC LIMIT 1`, p.ModelName).Scan(&lastRaw)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return inserted, err
		}
		if lastRaw.Valid && lastRaw.String == p.RawJSON {
			continue
		}

		_, err = s.write.ExecContext(ctx,
			`INSERT INTO model_prices (id, model_name, mode, input_cost, output_cost,
			 cache_creation_cost, cache_creation_1h_cost, cache_read_cost, raw_json, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			uuid.Must(uuid.NewV7()).String(), p.ModelName, p.Mode,
			p.InputCost, p.OutputCost,
			p.CacheCreationCost, p.CacheCreation1hCost, p.CacheReadCost,
			p.RawJSON, time.Now().UTC().Format(time.RFC3339),
		)
		if err != nil {
			return inserted, fmt.Errorf("insert price %s: %w", p.ModelName, err)
		}
		inserted++
	}
	return inserted, nil
}

// CurrentPrice returns the latest chat-mode price row for a model.
func (s *Store) CurrentPrice(ctx context.Context, modelName string) (*gateway.ModelPrice, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, model_name, mode, input_cost, output_cost,
		 cache_creation_cost, cache_creation_1h_cost, cache_read_cost, raw_json, created_at
		 FROM model_prices WHERE model_name = ? AND mode = 'chat'
		 ORDER BY created_at DESC, id DESC LIMIT 1`, modelName)

	var p gateway.ModelPrice
	var c5m, c1h, cr sql.NullFloat64
	var createdAt string
	err := row.Scan(&p.ID, &p.ModelName, &p.Mode, &p.InputCost, &p.OutputCost,
		&c5m, &c1h, &cr, &p.RawJSON, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("model price %q: %w", modelName, gateway.ErrNotFound)
		}
		return nil, err
	}
	if c5m.Valid {
		p.CacheCreationCost = &c5m.Float64
	}
	if c1h.Valid {
		p.CacheCreation1hCost = &c1h.Float64
	}
	if cr.Valid {
		p.CacheReadCost = &cr.Float64
	}
	p.CreatedAt = parseTime(createdAt)
	return &p, nil
}

package sqlite

import (
	"context"
	"strings"
	"time"

	gateway "github.com/eugener/palantir/internal"
)

// InsertRequests batch-inserts accounting rows.
func (s *Store) InsertRequests(ctx context.Context, records []gateway.MessageRequest) error {
	if len(records) == 0 {
		return nil
	}

	// cols must match the number of columns in the INSERT below.
	// Single multi-row INSERT avoids N round-trips for large batches.
	const cols = 20
	placeholders := make([]string, len(records))
	args := make([]any, 0, len(records)*cols)

	for i, r := range records {
		chain, err := marshalJSON(r.ProviderChain)
		if err != nil {
			chain = nil
		}
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args,
			r.ID, r.UserID, r.KeyID, r.ProviderID,
			r.Model, r.OriginalModel, r.StatusCode, r.DurationMs,
			r.Usage.InputTokens, r.Usage.OutputTokens,
			r.Usage.CacheCreation5mTokens, r.Usage.CacheCreation1hTokens,
			r.Usage.CacheCreationTokens, r.Usage.CacheReadTokens,
			r.CostUSD, r.SessionID, r.Note, chain, r.ErrorMessage,
			r.CreatedAt.UTC().Format(time.RFC3339),
		)
	}

	query := `INSERT INTO message_requests
		(id, user_id, key_id, provider_id, model, original_model, status_code, duration_ms,
		 input_tokens, output_tokens, cache_5m_tokens, cache_1h_tokens,
		 cache_creation_tokens, cache_read_tokens,
		 cost_usd, session_id, note, provider_chain, error_message, created_at)
		VALUES ` + strings.Join(placeholders, ", ")

	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}

// Package storage defines persistence interfaces for the gateway.
package storage

import (
	"context"

	gateway "github.com/eugener/palantir/internal"
)

// UserStore manages tenant accounts.
type UserStore interface {
	CreateUser(ctx context.Context, u *gateway.User) error
	GetUser(ctx context.Context, id string) (*gateway.User, error)
	ListUsers(ctx context.Context) ([]*gateway.User, error)
	UpdateUser(ctx context.Context, u *gateway.User) error
	SoftDeleteUser(ctx context.Context, id string) error
}

// KeyStore manages API credentials. Key policies are validated against the
// owner's policy on every write; a user's last key cannot be deleted.
type KeyStore interface {
	CreateKey(ctx context.Context, k *gateway.Key) error
	GetKeyByHash(ctx context.Context, hash string) (*gateway.Key, error)
	ListKeysByUser(ctx context.Context, userID string) ([]*gateway.Key, error)
	UpdateKey(ctx context.Context, k *gateway.Key) error
	SoftDeleteKey(ctx context.Context, id string) error
}

// ProviderStore manages upstream targets.
type ProviderStore interface {
	CreateProvider(ctx context.Context, p *gateway.Provider) error
	GetProvider(ctx context.Context, id string) (*gateway.Provider, error)
	ListProviders(ctx context.Context) ([]*gateway.Provider, error)
	UpdateProvider(ctx context.Context, p *gateway.Provider) error
	SoftDeleteProvider(ctx context.Context, id string) error
}

// PriceStore manages the append-only model price history.
type PriceStore interface {
	// ImportPrices appends rows whose payload differs from the latest for
	// that model; equal payloads are skipped. Returns the inserted count.
	ImportPrices(ctx context.Context, prices []gateway.ModelPrice) (int, error)
	// CurrentPrice returns the latest chat-mode price row for a model.
	CurrentPrice(ctx context.Context, modelName string) (*gateway.ModelPrice, error)
}

// RequestStore persists accounting rows.
type RequestStore interface {
	InsertRequests(ctx context.Context, records []gateway.MessageRequest) error
}

// RuleStore manages error rules and request filters.
type RuleStore interface {
	ListErrorRules(ctx context.Context) ([]gateway.ErrorRule, error)
	CreateErrorRule(ctx context.Context, r *gateway.ErrorRule) error
	DeleteErrorRule(ctx context.Context, id int64) error
	ListRequestFilters(ctx context.Context) ([]gateway.RequestFilter, error)
	CreateRequestFilter(ctx context.Context, f *gateway.RequestFilter) error
	DeleteRequestFilter(ctx context.Context, id int64) error
}

// Store combines all storage interfaces.
type Store interface {
	UserStore
	KeyStore
	ProviderStore
	PriceStore
	RequestStore
	RuleStore
	Ping(ctx context.Context) error
	Close() error
}

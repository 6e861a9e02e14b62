package worker

import (
	"context"
	"log/slog"
	"time"

	gateway "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/errclass"
	"github.com/eugener/palantir/internal/reqfilter"
)

const ruleReloadEvery = time.Minute

// RuleStore is the subset of storage the reloader needs.
type RuleStore interface {
	ListErrorRules(ctx context.Context) ([]gateway.ErrorRule, error)
	ListRequestFilters(ctx context.Context) ([]gateway.RequestFilter, error)
}

// RuleReloader refreshes the in-memory error-rule and request-filter
// snapshots, both periodically and on demand via Notify. Admin writes on the
// same instance reload synchronously; the timer covers writes made by other
// instances against the shared database.
type RuleReloader struct {
	store      RuleStore
	classifier *errclass.Classifier
	filters    *reqfilter.Engine
	notify     chan struct{}
}

// NewRuleReloader wires a reloader.
func NewRuleReloader(store RuleStore, classifier *errclass.Classifier, filters *reqfilter.Engine) *RuleReloader {
	return &RuleReloader{
		store:      store,
		classifier: classifier,
		filters:    filters,
		notify:     make(chan struct{}, 1),
	}
}

// Name returns the worker identifier.
func (r *RuleReloader) Name() string { return "rule_reloader" }

// Notify requests an immediate reload. Never blocks.
func (r *RuleReloader) Notify() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Run reloads snapshots until ctx is cancelled.
func (r *RuleReloader) Run(ctx context.Context) error {
	r.reload(ctx)

	ticker := time.NewTicker(ruleReloadEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.reload(ctx)
		case <-r.notify:
			r.reload(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (r *RuleReloader) reload(ctx context.Context) {
	if rules, err := r.store.ListErrorRules(ctx); err == nil {
		r.classifier.Load(rules)
	} else {
		slog.Warn("error rule reload failed", "error", err)
	}
	if filters, err := r.store.ListRequestFilters(ctx); err == nil {
		r.filters.Load(filters)
	} else {
		slog.Warn("request filter reload failed", "error", err)
	}
}

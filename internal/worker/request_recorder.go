package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	gateway "github.com/eugener/palantir/internal"
)

const (
	requestChanSize   = 1000
	requestBatchSize  = 100
	requestFlushEvery = 5 * time.Second
	requestDrainTime  = 30 * time.Second
)

// RequestStore is the persistence interface consumed by RequestRecorder.
type RequestStore interface {
	InsertRequests(ctx context.Context, records []gateway.MessageRequest) error
}

// RequestRecorder buffers accounting rows and batch-flushes them to the
// store. Records are dropped if the channel is full (back-pressure on a
// slow database).
type RequestRecorder struct {
	ch    chan gateway.MessageRequest
	store RequestStore
}

// NewRequestRecorder creates a RequestRecorder backed by store.
func NewRequestRecorder(store RequestStore) *RequestRecorder {
	return &RequestRecorder{
		ch:    make(chan gateway.MessageRequest, requestChanSize),
		store: store,
	}
}

// Name returns the worker identifier.
func (r *RequestRecorder) Name() string { return "request_recorder" }

// Record enqueues an accounting row. It never blocks; drops on full channel.
func (r *RequestRecorder) Record(rec gateway.MessageRequest) {
	select {
	case r.ch <- rec:
	default:
		slog.Warn("message request dropped, channel full")
	}
}

// Run processes records until ctx is cancelled, then drains remaining records.
func (r *RequestRecorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(requestFlushEvery)
	defer ticker.Stop()

	buf := make([]gateway.MessageRequest, 0, requestBatchSize)

	for {
		select {
		case rec := <-r.ch:
			buf = append(buf, rec)
			if len(buf) >= requestBatchSize {
				r.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ticker.C:
			if len(buf) > 0 {
				r.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ctx.Done():
			r.drain(buf)
			return nil
		}
	}
}

func (r *RequestRecorder) drain(buf []gateway.MessageRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), requestDrainTime)
	defer cancel()

	for {
		select {
		case rec := <-r.ch:
			buf = append(buf, rec)
			if len(buf) >= requestBatchSize {
				r.flush(ctx, buf)
				buf = buf[:0]
			}
		default:
			if len(buf) > 0 {
				r.flush(ctx, buf)
			}
			return
		}
	}
}

func (r *RequestRecorder) flush(ctx context.Context, buf []gateway.MessageRequest) {
	// Copy to avoid aliasing the caller's slice.
	batch := make([]gateway.MessageRequest, len(buf))
	copy(batch, buf)

	// Assign IDs off the hot path; callers may leave ID empty.
	for i := range batch {
		if batch[i].ID == "" {
			batch[i].ID = uuid.Must(uuid.NewV7()).String()
		}
	}

	if err := r.store.InsertRequests(ctx, batch); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "message request flush failed",
			slog.Int("count", len(batch)),
			slog.String("error", err.Error()),
		)
	}
}

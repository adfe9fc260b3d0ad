// Package sync drives delivery of the outbox to the remote collector.
package sync

import (
	"context"

	"github.com/internet-programming-projects-group-14/source-code-sub000/internal/models"
	"github.com/internet-programming-projects-group-14/source-code-sub000/internal/sync/batch"
)

// SyncEngineInterface is what the scheduler and the producer API need from
// the engine. It allows for fakes in tests.
type SyncEngineInterface interface {
	// Sync runs an automatic pass over pending items.
	Sync(ctx context.Context) models.PassResult

	// SyncManual runs a user-initiated pass over pending and failed items.
	SyncManual(ctx context.Context) models.PassResult

	// Status returns the current aggregate snapshot.
	Status(ctx context.Context) models.SyncStatusSnapshot

	// Publish notifies listeners with the current snapshot.
	Publish(ctx context.Context)

	// IsSyncing reports whether a pass is in flight.
	IsSyncing() bool
}

// Transport delivers payloads to the collector. Errors carry an AppError
// code: PAYLOAD_TOO_LARGE sends the items through the splitter,
// CLIENT_REJECTED fails them at once, anything else is retryable.
type Transport interface {
	SendFeedback(ctx context.Context, item models.QueuedItem, background bool) error
	SendMetrics(ctx context.Context, items []models.QueuedItem, info *batch.Info, background bool) error
}

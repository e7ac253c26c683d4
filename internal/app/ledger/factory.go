package ledger

import (
	"context"

	"github.com/R3E-Network/paychan/internal/app/storage"
	"github.com/R3E-Network/paychan/pkg/logger"
)

// Factory hands out logs and trackers that share one store, so backend-owned
// state enjoys the same atomicity guarantees as the engine's own log. Keys
// are chosen by the caller; collisions are the caller's responsibility.
type Factory struct {
	store storage.Store
	log   *logger.Logger
}

// NewFactory creates a factory over the given store.
func NewFactory(store storage.Store, log *logger.Logger) *Factory {
	if log == nil {
		log = logger.NewDefault("ledger")
	}
	return &Factory{store: store, log: log}
}

// TransferLog opens (or restores) the transfer log bound to key.
func (f *Factory) TransferLog(ctx context.Context, key string) (*Log, error) {
	return Open(ctx, key, f.store, f.log)
}

// Tracker returns the monotone tracker bound to key.
func (f *Factory) Tracker(key string) *MaxValueTracker {
	return NewTracker(key, f.store)
}

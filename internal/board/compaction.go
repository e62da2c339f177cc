package board

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var errMissingStore = errors.New("store is required")

const opCompact = "board.compact"

// CompactorConfig describes the dependencies for constructing a Compactor.
type CompactorConfig struct {
	Store  *Store
	Logger *zap.Logger
}

// Compactor discards log entries made obsolete by a newer snapshot, bounding
// log growth. It runs synchronously after every successful snapshot replace
// and as a backstop from the periodic sweeper.
type Compactor struct {
	store  *Store
	logger *zap.Logger
}

// NewCompactor constructs a Compactor from the provided configuration.
func NewCompactor(cfg CompactorConfig) (*Compactor, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("%s: %w", opCompact, errMissingStore)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Compactor{store: cfg.Store, logger: logger}, nil
}

// Compact deletes every action for the board strictly older than the current
// snapshot and returns the deleted count. A board without a snapshot is a
// no-op. Failures here never roll back the snapshot write that triggered
// them; stale actions are retried on the next cycle.
func (c *Compactor) Compact(ctx context.Context, boardID string) (int64, error) {
	snapshot, err := c.store.LatestSnapshot(ctx, boardID)
	if err != nil {
		return 0, err
	}
	if snapshot == nil {
		return 0, nil
	}

	deleted, err := c.store.DeleteActionsBefore(ctx, boardID, snapshot.ServerTimestampMs)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		c.logger.Info("board log compacted",
			zap.String(fieldBoardID, boardID),
			zap.Int64("deleted_actions", deleted),
			zap.Int64("cutoff_ms", snapshot.ServerTimestampMs))
	}
	return deleted, nil
}

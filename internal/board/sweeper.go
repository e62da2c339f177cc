package board

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	opSweep              = "board.sweep"
	defaultSweepInterval = time.Hour
)

var errMissingCompactor = errors.New("compactor is required")

// SweeperConfig describes the dependencies for constructing a Sweeper.
type SweeperConfig struct {
	Store     *Store
	Compactor *Compactor
	Interval  time.Duration
	Logger    *zap.Logger
}

// Sweeper periodically compacts boards whose immediate post-save compaction
// did not run or failed. It is a backstop, not the primary compaction path.
type Sweeper struct {
	store     *Store
	compactor *Compactor
	interval  time.Duration
	logger    *zap.Logger
}

// NewSweeper constructs a Sweeper from the provided configuration.
func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("%s: %w", opSweep, errMissingStore)
	}
	if cfg.Compactor == nil {
		return nil, fmt.Errorf("%s: %w", opSweep, errMissingCompactor)
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Sweeper{
		store:     cfg.Store,
		compactor: cfg.Compactor,
		interval:  interval,
		logger:    logger,
	}, nil
}

// Run executes sweep cycles on the configured interval until the context is
// canceled. It blocks; callers start it on its own goroutine.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("compaction sweeper stopped")
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce enumerates boards with actions older than their snapshot and
// compacts each. Per-board failures are logged and do not stop the cycle.
func (s *Sweeper) SweepOnce(ctx context.Context) (boardsSwept int, actionsDeleted int64) {
	boardIDs, err := s.store.BoardsNeedingCompaction(ctx)
	if err != nil {
		s.logger.Error("sweep enumeration failed", zap.Error(err))
		return 0, 0
	}

	for _, boardID := range boardIDs {
		deleted, err := s.compactor.Compact(ctx, boardID)
		if err != nil {
			s.logger.Error("sweep compaction failed",
				zap.String(fieldBoardID, boardID),
				zap.Error(err))
			continue
		}
		boardsSwept++
		actionsDeleted += deleted
	}

	if boardsSwept > 0 {
		s.logger.Info("compaction sweep completed",
			zap.Int("boards", boardsSwept),
			zap.Int64("deleted_actions", actionsDeleted))
	}
	return boardsSwept, actionsDeleted
}

package board

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrValidation marks failures caused by missing or malformed input.
	ErrValidation = errors.New("board: validation failed")
	// ErrPersistence marks failures caused by the underlying storage.
	ErrPersistence = errors.New("board: persistence failed")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")

	noOpLogger = zap.NewNop()
)

const (
	opStoreNew             = "board.store.new"
	opAppendAction         = "board.append_action"
	opLatestSnapshot       = "board.latest_snapshot"
	opReplaceSnapshot      = "board.replace_snapshot"
	opListActions          = "board.list_actions"
	opDeleteActionsBefore  = "board.delete_actions_before"
	opBoardsNeedCompaction = "board.boards_needing_compaction"

	fieldBoardID = "board_id"
	fieldUserID  = "user_id"

	orderServerTsAsc  = "server_ts_ms ASC"
	orderServerTsDesc = "server_ts_ms DESC"
	queryBoardID      = "board_id = ?"
)

// StoreError wraps a store failure with a stable operation.reason code and
// its taxonomy kind (ErrValidation or ErrPersistence).
type StoreError struct {
	code string
	kind error
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

// Is reports taxonomy membership so callers can branch on ErrValidation or
// ErrPersistence without inspecting codes.
func (e *StoreError) Is(target error) bool {
	return e.kind != nil && target == e.kind
}

// Code returns the operation.reason identifier for the failure.
func (e *StoreError) Code() string {
	return e.code
}

func newValidationError(operation, reason string, cause error) error {
	return &StoreError{code: fmt.Sprintf("%s.%s", operation, reason), kind: ErrValidation, err: cause}
}

func newPersistenceError(operation, reason string, cause error) error {
	return &StoreError{code: fmt.Sprintf("%s.%s", operation, reason), kind: ErrPersistence, err: cause}
}

// IDProvider issues identifiers for newly stored actions and snapshots.
type IDProvider interface {
	NewID() (string, error)
}

// StoreConfig describes the dependencies for constructing a Store.
type StoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Store is the durable action log and snapshot checkpoint for boards. Server
// timestamps are assigned under a mutex at acceptance time, strictly
// increasing, so the compaction tie-break (equal-to-cutoff retained) never
// observes two entries sharing a timestamp.
type Store struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger

	tsMu   sync.Mutex
	lastTs int64
}

// NewStore constructs a Store from the provided configuration.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newPersistenceError(opStoreNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newPersistenceError(opStoreNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// nextTimestampMs returns the next server timestamp in Unix milliseconds,
// strictly greater than every timestamp previously issued by this store.
func (s *Store) nextTimestampMs() int64 {
	s.tsMu.Lock()
	defer s.tsMu.Unlock()
	now := s.clock().UTC().UnixMilli()
	if now <= s.lastTs {
		now = s.lastTs + 1
	}
	s.lastTs = now
	return now
}

// AppendAction validates the input, assigns a server timestamp and persists
// one immutable log entry for the board.
func (s *Store) AppendAction(ctx context.Context, rawBoardID, rawUserID, rawPayload string) (Action, error) {
	boardID, err := NewBoardID(rawBoardID)
	if err != nil {
		return Action{}, newValidationError(opAppendAction, "board_id_invalid", err)
	}
	userID, err := NewUserID(rawUserID)
	if err != nil {
		return Action{}, newValidationError(opAppendAction, "user_id_invalid", err)
	}
	payload, err := NewPayload(rawPayload)
	if err != nil {
		return Action{}, newValidationError(opAppendAction, "payload_invalid", err)
	}

	actionID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opAppendAction, "id_generation_failed", err, zap.String(fieldBoardID, boardID.String()))
		return Action{}, newPersistenceError(opAppendAction, "id_generation_failed", err)
	}

	record := Action{
		ActionID:          actionID,
		BoardID:           boardID.String(),
		UserID:            userID.String(),
		PayloadJSON:       payload.String(),
		ServerTimestampMs: s.nextTimestampMs(),
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logError(opAppendAction, "insert_failed", err,
			zap.String(fieldBoardID, boardID.String()),
			zap.String(fieldUserID, userID.String()))
		return Action{}, newPersistenceError(opAppendAction, "insert_failed", err)
	}
	return record, nil
}

// LatestSnapshot returns the single current snapshot for the board, or nil
// when the board has never been saved. Absence is not an error.
func (s *Store) LatestSnapshot(ctx context.Context, rawBoardID string) (*Snapshot, error) {
	boardID, err := NewBoardID(rawBoardID)
	if err != nil {
		return nil, newValidationError(opLatestSnapshot, "board_id_invalid", err)
	}

	var snapshot Snapshot
	err = s.db.WithContext(ctx).
		Where(queryBoardID, boardID.String()).
		Order(orderServerTsDesc).
		Take(&snapshot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logError(opLatestSnapshot, "query_failed", err, zap.String(fieldBoardID, boardID.String()))
		return nil, newPersistenceError(opLatestSnapshot, "query_failed", err)
	}
	return &snapshot, nil
}

// ReplaceSnapshot atomically supersedes any existing snapshot for the board
// with the provided payload. Prior snapshot rows are locked and deleted and
// the replacement inserted inside one transaction, so a concurrent reader
// outside the transaction boundary never observes zero or two snapshots.
func (s *Store) ReplaceSnapshot(ctx context.Context, rawBoardID, rawPayload string) (Snapshot, error) {
	boardID, err := NewBoardID(rawBoardID)
	if err != nil {
		return Snapshot{}, newValidationError(opReplaceSnapshot, "board_id_invalid", err)
	}
	payload, err := NewPayload(rawPayload)
	if err != nil {
		return Snapshot{}, newValidationError(opReplaceSnapshot, "payload_invalid", err)
	}

	snapshotID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opReplaceSnapshot, "id_generation_failed", err, zap.String(fieldBoardID, boardID.String()))
		return Snapshot{}, newPersistenceError(opReplaceSnapshot, "id_generation_failed", err)
	}

	record := Snapshot{
		SnapshotID:  snapshotID,
		BoardID:     boardID.String(),
		PayloadJSON: payload.String(),
	}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing []Snapshot
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryBoardID, boardID.String()).
			Find(&existing).Error; err != nil {
			return err
		}
		if len(existing) > 0 {
			if err := tx.Where(queryBoardID, boardID.String()).Delete(&Snapshot{}).Error; err != nil {
				return err
			}
		}
		record.ServerTimestampMs = s.nextTimestampMs()
		return tx.Create(&record).Error
	})
	if txErr != nil {
		s.logError(opReplaceSnapshot, "transaction_failed", txErr, zap.String(fieldBoardID, boardID.String()))
		return Snapshot{}, newPersistenceError(opReplaceSnapshot, "transaction_failed", txErr)
	}
	return record, nil
}

// ListActions returns the board's log entries in ascending server timestamp
// order. A non-positive limit returns the full log.
func (s *Store) ListActions(ctx context.Context, rawBoardID string, limit int) ([]Action, error) {
	boardID, err := NewBoardID(rawBoardID)
	if err != nil {
		return nil, newValidationError(opListActions, "board_id_invalid", err)
	}

	query := s.db.WithContext(ctx).
		Where(queryBoardID, boardID.String()).
		Order(orderServerTsAsc)
	if limit > 0 {
		query = query.Limit(limit)
	}

	var actions []Action
	if err := query.Find(&actions).Error; err != nil {
		s.logError(opListActions, "query_failed", err, zap.String(fieldBoardID, boardID.String()))
		return nil, newPersistenceError(opListActions, "query_failed", err)
	}
	return actions, nil
}

// DeleteActionsBefore removes every action for the board with a server
// timestamp strictly below the cutoff. Entries exactly at the cutoff are
// retained; the snapshot that triggered the compaction captured state up to
// but not including concurrent writers at the same instant.
func (s *Store) DeleteActionsBefore(ctx context.Context, rawBoardID string, cutoffMs int64) (int64, error) {
	boardID, err := NewBoardID(rawBoardID)
	if err != nil {
		return 0, newValidationError(opDeleteActionsBefore, "board_id_invalid", err)
	}

	result := s.db.WithContext(ctx).
		Where("board_id = ? AND server_ts_ms < ?", boardID.String(), cutoffMs).
		Delete(&Action{})
	if result.Error != nil {
		s.logError(opDeleteActionsBefore, "delete_failed", result.Error,
			zap.String(fieldBoardID, boardID.String()),
			zap.Int64("cutoff_ms", cutoffMs))
		return 0, newPersistenceError(opDeleteActionsBefore, "delete_failed", result.Error)
	}
	return result.RowsAffected, nil
}

// BoardsNeedingCompaction enumerates boards holding at least one action older
// than their current snapshot. Boards without a snapshot are excluded; their
// log is not yet reducible.
func (s *Store) BoardsNeedingCompaction(ctx context.Context) ([]string, error) {
	var boardIDs []string
	err := s.db.WithContext(ctx).
		Model(&Action{}).
		Distinct("board_actions.board_id").
		Joins("JOIN board_snapshots ON board_snapshots.board_id = board_actions.board_id").
		Where("board_actions.server_ts_ms < board_snapshots.server_ts_ms").
		Pluck("board_actions.board_id", &boardIDs).Error
	if err != nil {
		s.logError(opBoardsNeedCompaction, "query_failed", err)
		return nil, newPersistenceError(opBoardsNeedCompaction, "query_failed", err)
	}
	return boardIDs, nil
}

func (s *Store) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("board store error", attrs...)
}

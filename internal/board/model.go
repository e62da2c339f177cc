package board

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxIdentifierLength = 190

// DefaultStatePayload is the state delivered for a board that has never been saved.
const DefaultStatePayload = `{"objects":[],"background":"#f8fafc"}`

var (
	// ErrInvalidBoardID indicates that a board identifier is empty or exceeds storage bounds.
	ErrInvalidBoardID = errors.New("board: invalid board id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("board: invalid user id")
	// ErrInvalidPayload indicates that an action or snapshot payload is empty or malformed.
	ErrInvalidPayload = errors.New("board: invalid payload")
)

// BoardID represents a validated board identifier.
type BoardID string

// NewBoardID validates raw input and returns a BoardID.
func NewBoardID(rawInput string) (BoardID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidBoardID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidBoardID, maxIdentifierLength)
	}
	return BoardID(trimmed), nil
}

// String returns the underlying string identifier.
func (id BoardID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// Payload stores a validated opaque JSON payload for an action or snapshot.
type Payload string

// NewPayload validates raw input and returns a Payload. The content is never
// interpreted beyond checking that it is non-empty, well formed JSON.
func NewPayload(rawInput string) (Payload, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPayload)
	}
	if !json.Valid([]byte(trimmed)) {
		return "", fmt.Errorf("%w: not valid json", ErrInvalidPayload)
	}
	return Payload(trimmed), nil
}

// String returns the payload as a string.
func (p Payload) String() string {
	return string(p)
}

// Board is the identity anchor for a room. The sync core references boards
// but never mutates them; creation and ownership changes happen in the
// external CRUD layer.
type Board struct {
	BoardID   string    `gorm:"column:board_id;primaryKey;size:190;not null"`
	Title     string    `gorm:"column:title;size:320;not null"`
	OwnerID   string    `gorm:"column:owner_id;size:190;not null;index"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Board) TableName() string {
	return "boards"
}

// Action stores one immutable entry of a board's append-only log. Entries are
// never updated; compaction is the only path that deletes them.
type Action struct {
	ActionID          string `gorm:"column:action_id;primaryKey;size:190;not null"`
	BoardID           string `gorm:"column:board_id;size:190;not null;index:idx_board_actions_board_ts,priority:1"`
	UserID            string `gorm:"column:user_id;size:190;not null"`
	PayloadJSON       string `gorm:"column:payload_json;type:text;not null"`
	ServerTimestampMs int64  `gorm:"column:server_ts_ms;not null;index:idx_board_actions_board_ts,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Action) TableName() string {
	return "board_actions"
}

// Snapshot stores a full checkpoint of board state. At most one snapshot
// exists per board at any externally observable instant; ReplaceSnapshot
// enforces this inside a single transaction.
type Snapshot struct {
	SnapshotID        string `gorm:"column:snapshot_id;primaryKey;size:190;not null"`
	BoardID           string `gorm:"column:board_id;size:190;not null;index"`
	PayloadJSON       string `gorm:"column:payload_json;type:text;not null"`
	ServerTimestampMs int64  `gorm:"column:server_ts_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Snapshot) TableName() string {
	return "board_snapshots"
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/inkwell-labs/inkwell/backend/internal/board"
)

// Inbound events.
const (
	EventJoinBoard         = "join-board"
	EventLeaveBoard        = "leave-board"
	EventCanvasAction      = "canvas-action"
	EventCursorMove        = "cursor-move"
	EventRequestBoardState = "request-board-state"
)

// Outbound events.
const (
	EventBoardSnapshot   = "board-snapshot"
	EventBoardJoined     = "board-joined"
	EventBoardLeft       = "board-left"
	EventCanvasUpdate    = "canvas-update"
	EventCursorUpdate    = "cursor-update"
	EventActionProcessed = "action-processed"
)

var (
	errMissingRooms = errors.New("gateway: room registry required")
	errMissingStore = errors.New("gateway: store required")
)

type boardRefPayload struct {
	BoardID string `json:"boardId"`
}

type canvasActionPayload struct {
	BoardID string          `json:"boardId"`
	UserID  string          `json:"userId"`
	Action  json.RawMessage `json:"action"`
}

type cursorMovePayload struct {
	BoardID string   `json:"boardId"`
	UserID  string   `json:"userId"`
	X       *float64 `json:"x"`
	Y       *float64 `json:"y"`
}

type boardSnapshotMessage struct {
	Data      string `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

type boardMembershipMessage struct {
	BoardID  string `json:"boardId"`
	SocketID string `json:"socketId"`
}

type canvasUpdateMessage struct {
	Action json.RawMessage `json:"action"`
	UserID string          `json:"userId"`
}

type cursorUpdateMessage struct {
	UserID string  `json:"userId"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
}

type actionProcessedMessage struct {
	ActionType string `json:"actionType"`
	BoardID    string `json:"boardId"`
	UserID     string `json:"userId"`
	Timestamp  int64  `json:"timestamp"`
}

// GatewayConfig describes the dependencies for constructing a Gateway.
type GatewayConfig struct {
	Rooms  *RoomRegistry
	Store  *board.Store
	Clock  func() time.Time
	Logger *zap.Logger
}

// Gateway terminates the realtime client protocol. One Gateway serves every
// connection; per-connection state lives in the session. It is constructed
// once at startup and injected where needed, never reached through globals.
type Gateway struct {
	rooms    *RoomRegistry
	store    *board.Store
	clock    func() time.Time
	logger   *zap.Logger
	upgrader websocket.Upgrader

	// orderMu guards boardOrder. Each board's lock serializes append and
	// fan-out so every room member enqueues that board's actions in
	// acceptance order.
	orderMu    sync.Mutex
	boardOrder map[string]*sync.Mutex
}

// NewGateway constructs a Gateway from the provided configuration.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if cfg.Rooms == nil {
		return nil, errMissingRooms
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		rooms:      cfg.Rooms,
		store:      cfg.Store,
		clock:      clock,
		logger:     logger,
		boardOrder: make(map[string]*sync.Mutex),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}, nil
}

// HandleConnection upgrades the request and serves the session's protocol
// loop until the peer disconnects.
func (g *Gateway) HandleConnection(w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	session := newWSSession(uuid.NewString(), userID, conn, g.logger)
	go session.writePump()

	g.logger.Debug("session connected",
		zap.String("session_id", session.id),
		zap.String("user_id", userID))

	g.readLoop(session)
	g.disconnect(session)
}

func (g *Gateway) readLoop(session *wsSession) {
	for {
		var envelope Envelope
		if err := session.conn.ReadJSON(&envelope); err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				if closeErr.Code != websocket.CloseNormalClosure && closeErr.Code != websocket.CloseGoingAway {
					g.logger.Debug("websocket closed",
						zap.String("session_id", session.id),
						zap.Error(closeErr))
				}
			} else {
				g.logger.Debug("websocket read failed",
					zap.String("session_id", session.id),
					zap.Error(err))
			}
			return
		}

		switch envelope.Event {
		case EventJoinBoard:
			g.handleJoin(session, envelope.Data)
		case EventLeaveBoard:
			g.handleLeave(session, envelope.Data)
		case EventCanvasAction:
			g.handleCanvasAction(session, envelope.Data)
		case EventCursorMove:
			g.handleCursorMove(session, envelope.Data)
		case EventRequestBoardState:
			g.handleRequestBoardState(session, envelope.Data)
		default:
			g.logger.Info("unknown realtime event",
				zap.String("session_id", session.id),
				zap.String("event", envelope.Event))
		}
	}
}

// disconnect implicitly leaves every board the session had joined. Room
// membership is the only cleanup required; accepted writes already completed
// on their own.
func (g *Gateway) disconnect(session *wsSession) {
	for boardID := range session.joined {
		g.rooms.Leave(boardID, session.id)
	}
	session.close()
	g.logger.Debug("session disconnected", zap.String("session_id", session.id))
}

func (g *Gateway) handleJoin(session *wsSession, raw json.RawMessage) {
	boardID := decodeBoardRef(raw)
	if boardID == "" {
		g.dropFrame(session, EventJoinBoard, "missing board id")
		return
	}

	// A session joined to a different board must leave it explicitly first;
	// silently switching would leave stale membership behind.
	for joined := range session.joined {
		if joined != boardID {
			g.dropFrame(session, EventJoinBoard, "explicit leave required before joining another board")
			return
		}
	}

	g.rooms.Join(boardID, session)
	session.joined[boardID] = struct{}{}

	g.sendTo(session, EventBoardJoined, boardMembershipMessage{
		BoardID:  boardID,
		SocketID: session.id,
	})
	g.sendBoardState(session, boardID)
}

func (g *Gateway) handleLeave(session *wsSession, raw json.RawMessage) {
	boardID := decodeBoardRef(raw)
	if boardID == "" {
		g.dropFrame(session, EventLeaveBoard, "missing board id")
		return
	}

	g.rooms.Leave(boardID, session.id)
	delete(session.joined, boardID)

	g.sendTo(session, EventBoardLeft, boardMembershipMessage{
		BoardID:  boardID,
		SocketID: session.id,
	})
}

func (g *Gateway) boardLock(boardID string) *sync.Mutex {
	g.orderMu.Lock()
	defer g.orderMu.Unlock()
	lock, ok := g.boardOrder[boardID]
	if !ok {
		lock = &sync.Mutex{}
		g.boardOrder[boardID] = lock
	}
	return lock
}

func (g *Gateway) handleCanvasAction(session *wsSession, raw json.RawMessage) {
	var payload canvasActionPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		g.dropFrame(session, EventCanvasAction, "malformed payload")
		return
	}
	if payload.BoardID == "" || payload.UserID == "" || len(payload.Action) == 0 {
		g.dropFrame(session, EventCanvasAction, "missing required field")
		return
	}
	actionType := decodeActionType(payload.Action)
	if actionType == "" {
		g.dropFrame(session, EventCanvasAction, "missing action type")
		return
	}

	// The board lock couples acceptance order to fan-out order: without it,
	// two concurrent senders could enqueue their updates to different
	// receivers in different interleavings. Deliver never blocks, so the
	// lock is held only for the append and the enqueue pass.
	lock := g.boardLock(payload.BoardID)
	lock.Lock()

	// Persistence must outlive the connection: an accepted action completes
	// even if the sender disconnects mid-write, so the request context is
	// deliberately not used here.
	timestamp := g.clock().UTC().UnixMilli()
	stored, err := g.store.AppendAction(context.Background(), payload.BoardID, payload.UserID, string(payload.Action))
	if err != nil {
		// Availability over durability: the action still reaches the room
		// and the log self-heals on the next save.
		g.logger.Error("action persistence failed, broadcasting anyway",
			zap.String("board_id", payload.BoardID),
			zap.String("user_id", payload.UserID),
			zap.Error(err))
	} else {
		timestamp = stored.ServerTimestampMs
	}

	update, err := newEnvelope(EventCanvasUpdate, canvasUpdateMessage{
		Action: payload.Action,
		UserID: payload.UserID,
	})
	if err != nil {
		lock.Unlock()
		g.logger.Error("failed to encode canvas update", zap.Error(err))
		return
	}
	g.rooms.Broadcast(payload.BoardID, update, session.id)
	lock.Unlock()

	g.sendTo(session, EventActionProcessed, actionProcessedMessage{
		ActionType: actionType,
		BoardID:    payload.BoardID,
		UserID:     payload.UserID,
		Timestamp:  timestamp,
	})
}

func (g *Gateway) handleCursorMove(session *wsSession, raw json.RawMessage) {
	var payload cursorMovePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		g.dropFrame(session, EventCursorMove, "malformed payload")
		return
	}
	if payload.BoardID == "" || payload.UserID == "" || payload.X == nil || payload.Y == nil {
		g.dropFrame(session, EventCursorMove, "missing required field")
		return
	}

	update, err := newEnvelope(EventCursorUpdate, cursorUpdateMessage{
		UserID: payload.UserID,
		X:      *payload.X,
		Y:      *payload.Y,
	})
	if err != nil {
		g.logger.Error("failed to encode cursor update", zap.Error(err))
		return
	}
	g.rooms.Broadcast(payload.BoardID, update, session.id)
}

func (g *Gateway) handleRequestBoardState(session *wsSession, raw json.RawMessage) {
	boardID := decodeBoardRef(raw)
	if boardID == "" {
		g.dropFrame(session, EventRequestBoardState, "missing board id")
		return
	}
	g.sendBoardState(session, boardID)
}

// sendBoardState delivers the board's current state to one session. A board
// that has never been saved, or a snapshot read that fails, resolves to the
// canonical empty default; the client is never left without a state message.
func (g *Gateway) sendBoardState(session *wsSession, boardID string) {
	data := board.DefaultStatePayload
	timestamp := g.clock().UTC().UnixMilli()

	snapshot, err := g.store.LatestSnapshot(context.Background(), boardID)
	if err != nil {
		g.logger.Error("snapshot read failed, serving default state",
			zap.String("board_id", boardID),
			zap.Error(err))
	} else if snapshot != nil {
		data = snapshot.PayloadJSON
		timestamp = snapshot.ServerTimestampMs
	}

	g.sendTo(session, EventBoardSnapshot, boardSnapshotMessage{
		Data:      data,
		Timestamp: timestamp,
	})
}

func (g *Gateway) sendTo(session *wsSession, event string, data any) {
	envelope, err := newEnvelope(event, data)
	if err != nil {
		g.logger.Error("failed to encode frame",
			zap.String("event", event),
			zap.Error(err))
		return
	}
	session.Deliver(envelope)
}

// dropFrame records a malformed inbound frame. The sender receives no error;
// the frame is simply discarded.
func (g *Gateway) dropFrame(session *wsSession, event, reason string) {
	g.logger.Warn("dropped realtime frame",
		zap.String("session_id", session.id),
		zap.String("event", event),
		zap.String("reason", reason))
}

// decodeBoardRef accepts either a bare JSON string or an object with a
// boardId field.
func decodeBoardRef(raw json.RawMessage) string {
	var plain string
	if err := json.Unmarshal(raw, &plain); err == nil {
		return plain
	}
	var ref boardRefPayload
	if err := json.Unmarshal(raw, &ref); err == nil {
		return ref.BoardID
	}
	return ""
}

func decodeActionType(raw json.RawMessage) string {
	var typed struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &typed); err != nil {
		return ""
	}
	return typed.Type
}

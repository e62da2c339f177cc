package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/inkwell-labs/inkwell/backend/internal/board"
)

const userIDContextKey = "inkwell_user_id"

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingBoardStore    = errors.New("board store dependency required")
	errMissingCompactor     = errors.New("compactor dependency required")
	errMissingGateway       = errors.New("gateway dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// SessionTokenManager validates bearer tokens minted by the external
// identity layer and returns the authenticated subject.
type SessionTokenManager interface {
	ValidateToken(token string) (string, error)
}

// Dependencies lists everything the HTTP surface needs.
type Dependencies struct {
	TokenManager SessionTokenManager
	Store        *board.Store
	Compactor    *board.Compactor
	Gateway      *Gateway
	Logger       *zap.Logger
}

// NewHTTPHandler wires the REST boundary and the realtime endpoint.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Store == nil {
		return nil, errMissingBoardStore
	}
	if deps.Compactor == nil {
		return nil, errMissingCompactor
	}
	if deps.Gateway == nil {
		return nil, errMissingGateway
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:    deps.TokenManager,
		store:     deps.Store,
		compactor: deps.Compactor,
		gateway:   deps.Gateway,
		logger:    logger,
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/ws", handler.handleRealtime)
	protected.GET("/api/boards/:id/snapshots", handler.handleListSnapshots)
	protected.POST("/api/boards/:id/snapshots", handler.handleSaveSnapshot)
	protected.GET("/api/boards/:id/actions", handler.handleListActions)
	protected.POST("/api/boards/:id/actions", handler.handleAppendAction)

	return router, nil
}

type httpHandler struct {
	tokens    SessionTokenManager
	store     *board.Store
	compactor *board.Compactor
	gateway   *Gateway
	logger    *zap.Logger
}

type snapshotResponsePayload struct {
	ID        string `json:"id"`
	BoardID   string `json:"boardId"`
	Data      string `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

type actionResponsePayload struct {
	ID        string          `json:"id"`
	BoardID   string          `json:"boardId"`
	UserID    string          `json:"userId"`
	Action    json.RawMessage `json:"action"`
	Timestamp int64           `json:"timestamp"`
}

type saveSnapshotRequest struct {
	Data json.RawMessage `json:"data"`
}

type appendActionRequest struct {
	UserID string          `json:"userId"`
	Action json.RawMessage `json:"action"`
}

func (h *httpHandler) handleRealtime(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	h.gateway.HandleConnection(c.Writer, c.Request, userID)
}

func (h *httpHandler) handleListSnapshots(c *gin.Context) {
	boardID := c.Param("id")

	snapshot, err := h.store.LatestSnapshot(c.Request.Context(), boardID)
	if err != nil {
		h.writeStoreError(c, err, "snapshot_list_failed")
		return
	}

	snapshots := make([]snapshotResponsePayload, 0, 1)
	if snapshot != nil {
		snapshots = append(snapshots, snapshotResponsePayload{
			ID:        snapshot.SnapshotID,
			BoardID:   snapshot.BoardID,
			Data:      snapshot.PayloadJSON,
			Timestamp: snapshot.ServerTimestampMs,
		})
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": snapshots})
}

func (h *httpHandler) handleSaveSnapshot(c *gin.Context) {
	boardID := c.Param("id")

	var request saveSnapshotRequest
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Data) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	// An accepted save completes even if the client disconnects mid-request,
	// so the request context is deliberately not used past body binding.
	snapshot, err := h.store.ReplaceSnapshot(context.Background(), boardID, string(request.Data))
	if err != nil {
		h.writeStoreError(c, err, "snapshot_save_failed")
		return
	}

	// Compaction is independent of the snapshot write: a failure here leaves
	// stale actions for the sweeper and never fails the save.
	if _, err := h.compactor.Compact(context.Background(), boardID); err != nil {
		h.logger.Error("post-save compaction failed",
			zap.String("board_id", boardID),
			zap.Error(err))
	}

	c.JSON(http.StatusOK, snapshotResponsePayload{
		ID:        snapshot.SnapshotID,
		BoardID:   snapshot.BoardID,
		Data:      snapshot.PayloadJSON,
		Timestamp: snapshot.ServerTimestampMs,
	})
}

func (h *httpHandler) handleListActions(c *gin.Context) {
	boardID := c.Param("id")

	limit := 0
	if limitStr := c.Query("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
		limit = parsed
	}

	actions, err := h.store.ListActions(c.Request.Context(), boardID, limit)
	if err != nil {
		h.writeStoreError(c, err, "action_list_failed")
		return
	}

	payload := make([]actionResponsePayload, 0, len(actions))
	for _, action := range actions {
		payload = append(payload, actionResponsePayload{
			ID:        action.ActionID,
			BoardID:   action.BoardID,
			UserID:    action.UserID,
			Action:    json.RawMessage(action.PayloadJSON),
			Timestamp: action.ServerTimestampMs,
		})
	}
	c.JSON(http.StatusOK, gin.H{"actions": payload})
}

func (h *httpHandler) handleAppendAction(c *gin.Context) {
	boardID := c.Param("id")

	var request appendActionRequest
	if err := c.ShouldBindJSON(&request); err != nil || request.UserID == "" || len(request.Action) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	// Same disconnect policy as the realtime path: an accepted append is
	// never cancelled by the initiator going away.
	action, err := h.store.AppendAction(context.Background(), boardID, request.UserID, string(request.Action))
	if err != nil {
		h.writeStoreError(c, err, "action_append_failed")
		return
	}

	c.JSON(http.StatusOK, actionResponsePayload{
		ID:        action.ActionID,
		BoardID:   action.BoardID,
		UserID:    action.UserID,
		Action:    json.RawMessage(action.PayloadJSON),
		Timestamp: action.ServerTimestampMs,
	})
}

func (h *httpHandler) writeStoreError(c *gin.Context, err error, reason string) {
	if errors.Is(err, board.ErrValidation) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	h.logger.Error("board store request failed",
		zap.String("reason", reason),
		zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": reason})
}

// authorizeRequest accepts either a bearer Authorization header or, for the
// websocket route where browsers cannot set custom headers, an access_token
// query parameter.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	if token == "" {
		token = strings.TrimSpace(c.Query("access_token"))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}

	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/inkwell-labs/inkwell/backend/internal/board"
)

var serverTestDatabaseCounter atomic.Int64

func newTestDB(testContext *testing.T) *gorm.DB {
	testContext.Helper()
	dsn := fmt.Sprintf("file:server_test_%d?mode=memory&cache=shared", serverTestDatabaseCounter.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&board.Board{}, &board.Action{}, &board.Snapshot{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func newTestStore(testContext *testing.T) *board.Store {
	testContext.Helper()
	store, err := board.NewStore(board.StoreConfig{
		Database:   newTestDB(testContext),
		Clock:      time.Now,
		IDProvider: board.NewUUIDProvider(),
		Logger:     zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to construct store: %v", err)
	}
	return store
}

func dialWebsocket(testContext *testing.T, httpServer *httptest.Server, path string) *websocket.Conn {
	testContext.Helper()
	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http") + path
	conn, response, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		testContext.Fatalf("failed to dial %s: %v", wsURL, err)
	}
	if response != nil && response.Body != nil {
		response.Body.Close()
	}
	testContext.Cleanup(func() {
		conn.Close()
	})
	return conn
}

func sendFrame(testContext *testing.T, conn *websocket.Conn, event string, data any) {
	testContext.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		testContext.Fatalf("failed to encode %s payload: %v", event, err)
	}
	if err := conn.WriteJSON(Envelope{Event: event, Data: raw}); err != nil {
		testContext.Fatalf("failed to send %s: %v", event, err)
	}
}

func readFrame(testContext *testing.T, conn *websocket.Conn) Envelope {
	testContext.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		testContext.Fatalf("failed to set read deadline: %v", err)
	}
	var envelope Envelope
	if err := conn.ReadJSON(&envelope); err != nil {
		testContext.Fatalf("failed to read frame: %v", err)
	}
	return envelope
}

func expectNoFrame(testContext *testing.T, conn *websocket.Conn) {
	testContext.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond)); err != nil {
		testContext.Fatalf("failed to set read deadline: %v", err)
	}
	var envelope Envelope
	if err := conn.ReadJSON(&envelope); err == nil {
		testContext.Fatalf("expected no frame, got event %q", envelope.Event)
	}
}

func decodeFrame[T any](testContext *testing.T, envelope Envelope) T {
	testContext.Helper()
	var decoded T
	if err := json.Unmarshal(envelope.Data, &decoded); err != nil {
		testContext.Fatalf("failed to decode %s data: %v", envelope.Event, err)
	}
	return decoded
}

func listStoredActions(testContext *testing.T, store *board.Store, boardID string) []board.Action {
	testContext.Helper()
	actions, err := store.ListActions(context.Background(), boardID, 0)
	if err != nil {
		testContext.Fatalf("failed to list actions: %v", err)
	}
	return actions
}

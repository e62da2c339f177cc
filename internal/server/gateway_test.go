package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/inkwell-labs/inkwell/backend/internal/board"
)

type gatewayFixture struct {
	store  *board.Store
	rooms  *RoomRegistry
	server *httptest.Server
}

func newGatewayFixture(testContext *testing.T) *gatewayFixture {
	testContext.Helper()

	store := newTestStore(testContext)
	rooms := NewRoomRegistry()
	gateway, err := NewGateway(GatewayConfig{
		Rooms:  rooms,
		Store:  store,
		Clock:  time.Now,
		Logger: zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to construct gateway: %v", err)
	}

	httpServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user")
		if userID == "" {
			userID = "user-default"
		}
		gateway.HandleConnection(w, r, userID)
	}))
	testContext.Cleanup(httpServer.Close)

	return &gatewayFixture{store: store, rooms: rooms, server: httpServer}
}

func joinBoard(testContext *testing.T, conn *websocket.Conn, boardID string) (boardMembershipMessage, boardSnapshotMessage) {
	testContext.Helper()

	sendFrame(testContext, conn, EventJoinBoard, boardRefPayload{BoardID: boardID})

	joined := readFrame(testContext, conn)
	if joined.Event != EventBoardJoined {
		testContext.Fatalf("expected %s first, got %s", EventBoardJoined, joined.Event)
	}
	snapshot := readFrame(testContext, conn)
	if snapshot.Event != EventBoardSnapshot {
		testContext.Fatalf("expected %s second, got %s", EventBoardSnapshot, snapshot.Event)
	}

	return decodeFrame[boardMembershipMessage](testContext, joined), decodeFrame[boardSnapshotMessage](testContext, snapshot)
}

func TestGatewayJoinDeliversDefaultStateForUnsavedBoard(testContext *testing.T) {
	fixture := newGatewayFixture(testContext)
	conn := dialWebsocket(testContext, fixture.server, "/?user=user-1")

	membership, snapshot := joinBoard(testContext, conn, "board-1")
	if membership.BoardID != "board-1" {
		testContext.Fatalf("unexpected board id in join ack: %s", membership.BoardID)
	}
	if membership.SocketID == "" {
		testContext.Fatalf("expected a socket id in join ack")
	}
	if snapshot.Data != board.DefaultStatePayload {
		testContext.Fatalf("expected default state, got %s", snapshot.Data)
	}
	if snapshot.Timestamp <= 0 {
		testContext.Fatalf("expected a positive timestamp, got %d", snapshot.Timestamp)
	}
}

func TestGatewayJoinDeliversSavedSnapshot(testContext *testing.T) {
	fixture := newGatewayFixture(testContext)
	saved, err := fixture.store.ReplaceSnapshot(context.Background(), "board-1", `{"objects":[{"id":"o1"}],"background":"#ffffff"}`)
	if err != nil {
		testContext.Fatalf("failed to seed snapshot: %v", err)
	}

	conn := dialWebsocket(testContext, fixture.server, "/?user=user-1")
	_, snapshot := joinBoard(testContext, conn, "board-1")

	if snapshot.Data != saved.PayloadJSON {
		testContext.Fatalf("expected saved state %s, got %s", saved.PayloadJSON, snapshot.Data)
	}
	if snapshot.Timestamp != saved.ServerTimestampMs {
		testContext.Fatalf("expected snapshot timestamp %d, got %d", saved.ServerTimestampMs, snapshot.Timestamp)
	}
}

func TestGatewayCanvasActionFansOutAndPersists(testContext *testing.T) {
	fixture := newGatewayFixture(testContext)
	sender := dialWebsocket(testContext, fixture.server, "/?user=user-a")
	receiver := dialWebsocket(testContext, fixture.server, "/?user=user-b")
	joinBoard(testContext, sender, "board-1")
	joinBoard(testContext, receiver, "board-1")

	action := `{"type":"draw","points":[[1,2],[3,4]]}`
	sendFrame(testContext, sender, EventCanvasAction, canvasActionPayload{
		BoardID: "board-1",
		UserID:  "user-a",
		Action:  json.RawMessage(action),
	})

	update := readFrame(testContext, receiver)
	if update.Event != EventCanvasUpdate {
		testContext.Fatalf("expected %s at receiver, got %s", EventCanvasUpdate, update.Event)
	}
	decodedUpdate := decodeFrame[canvasUpdateMessage](testContext, update)
	if decodedUpdate.UserID != "user-a" {
		testContext.Fatalf("expected originating user in update, got %s", decodedUpdate.UserID)
	}
	if string(decodedUpdate.Action) != action {
		testContext.Fatalf("expected action %s, got %s", action, decodedUpdate.Action)
	}

	ack := readFrame(testContext, sender)
	if ack.Event != EventActionProcessed {
		testContext.Fatalf("expected %s at sender, got %s", EventActionProcessed, ack.Event)
	}
	decodedAck := decodeFrame[actionProcessedMessage](testContext, ack)
	if decodedAck.ActionType != "draw" {
		testContext.Fatalf("expected action type draw, got %s", decodedAck.ActionType)
	}
	if decodedAck.BoardID != "board-1" || decodedAck.UserID != "user-a" {
		testContext.Fatalf("unexpected ack identity: %s / %s", decodedAck.BoardID, decodedAck.UserID)
	}

	actions := listStoredActions(testContext, fixture.store, "board-1")
	if len(actions) != 1 {
		testContext.Fatalf("expected 1 persisted action, got %d", len(actions))
	}
	if actions[0].PayloadJSON != action {
		testContext.Fatalf("expected persisted payload %s, got %s", action, actions[0].PayloadJSON)
	}
	if decodedAck.Timestamp != actions[0].ServerTimestampMs {
		testContext.Fatalf("expected ack timestamp %d, got %d", actions[0].ServerTimestampMs, decodedAck.Timestamp)
	}
}

func TestGatewayConcurrentSendersFanOutInAcceptanceOrder(testContext *testing.T) {
	fixture := newGatewayFixture(testContext)
	senderA := dialWebsocket(testContext, fixture.server, "/?user=user-a")
	senderB := dialWebsocket(testContext, fixture.server, "/?user=user-b")
	watcherC := dialWebsocket(testContext, fixture.server, "/?user=user-c")
	watcherD := dialWebsocket(testContext, fixture.server, "/?user=user-d")
	joinBoard(testContext, senderA, "board-1")
	joinBoard(testContext, senderB, "board-1")
	joinBoard(testContext, watcherC, "board-1")
	joinBoard(testContext, watcherD, "board-1")

	const actionsPerSender = 5

	var wg sync.WaitGroup
	for _, sender := range []struct {
		conn   *websocket.Conn
		userID string
	}{
		{conn: senderA, userID: "user-a"},
		{conn: senderB, userID: "user-b"},
	} {
		wg.Add(1)
		go func(conn *websocket.Conn, userID string) {
			defer wg.Done()
			for i := 0; i < actionsPerSender; i++ {
				action := fmt.Sprintf(`{"type":"draw","by":%q,"seq":%d}`, userID, i)
				raw, err := json.Marshal(canvasActionPayload{
					BoardID: "board-1",
					UserID:  userID,
					Action:  json.RawMessage(action),
				})
				if err != nil {
					return
				}
				if err := conn.WriteJSON(Envelope{Event: EventCanvasAction, Data: raw}); err != nil {
					return
				}
			}
		}(sender.conn, sender.userID)
	}
	wg.Wait()

	readUpdates := func(conn *websocket.Conn) []string {
		observed := make([]string, 0, 2*actionsPerSender)
		for len(observed) < 2*actionsPerSender {
			envelope := readFrame(testContext, conn)
			if envelope.Event != EventCanvasUpdate {
				testContext.Fatalf("expected %s, got %s", EventCanvasUpdate, envelope.Event)
			}
			decoded := decodeFrame[canvasUpdateMessage](testContext, envelope)
			observed = append(observed, string(decoded.Action))
		}
		return observed
	}

	observedC := readUpdates(watcherC)
	observedD := readUpdates(watcherD)

	actions := listStoredActions(testContext, fixture.store, "board-1")
	if len(actions) != 2*actionsPerSender {
		testContext.Fatalf("expected %d persisted actions, got %d", 2*actionsPerSender, len(actions))
	}
	logged := make([]string, 0, len(actions))
	for _, action := range actions {
		logged = append(logged, action.PayloadJSON)
	}

	for i := range logged {
		if observedC[i] != logged[i] {
			testContext.Fatalf("watcher order diverged from the log at %d: %s vs %s", i, observedC[i], logged[i])
		}
		if observedD[i] != observedC[i] {
			testContext.Fatalf("watchers observed different orders at %d: %s vs %s", i, observedD[i], observedC[i])
		}
	}
}

func TestGatewayDropsMalformedCanvasActions(testContext *testing.T) {
	fixture := newGatewayFixture(testContext)
	sender := dialWebsocket(testContext, fixture.server, "/?user=user-a")
	receiver := dialWebsocket(testContext, fixture.server, "/?user=user-b")
	joinBoard(testContext, sender, "board-1")
	joinBoard(testContext, receiver, "board-1")

	// Missing action type, then missing user, then a valid action. Only the
	// valid one may reach the receiver or the log.
	sendFrame(testContext, sender, EventCanvasAction, canvasActionPayload{
		BoardID: "board-1",
		UserID:  "user-a",
		Action:  json.RawMessage(`{"points":[]}`),
	})
	sendFrame(testContext, sender, EventCanvasAction, canvasActionPayload{
		BoardID: "board-1",
		Action:  json.RawMessage(`{"type":"draw"}`),
	})
	validAction := `{"type":"erase","target":"o1"}`
	sendFrame(testContext, sender, EventCanvasAction, canvasActionPayload{
		BoardID: "board-1",
		UserID:  "user-a",
		Action:  json.RawMessage(validAction),
	})

	update := readFrame(testContext, receiver)
	if update.Event != EventCanvasUpdate {
		testContext.Fatalf("expected %s, got %s", EventCanvasUpdate, update.Event)
	}
	decodedUpdate := decodeFrame[canvasUpdateMessage](testContext, update)
	if string(decodedUpdate.Action) != validAction {
		testContext.Fatalf("expected only the valid action to fan out, got %s", decodedUpdate.Action)
	}

	actions := listStoredActions(testContext, fixture.store, "board-1")
	if len(actions) != 1 {
		testContext.Fatalf("expected only the valid action persisted, got %d", len(actions))
	}
}

func TestGatewayCursorMoveFansOutWithoutPersisting(testContext *testing.T) {
	fixture := newGatewayFixture(testContext)
	sender := dialWebsocket(testContext, fixture.server, "/?user=user-a")
	receiver := dialWebsocket(testContext, fixture.server, "/?user=user-b")
	joinBoard(testContext, sender, "board-1")
	joinBoard(testContext, receiver, "board-1")

	x, y := 12.5, 48.0
	sendFrame(testContext, sender, EventCursorMove, cursorMovePayload{
		BoardID: "board-1",
		UserID:  "user-a",
		X:       &x,
		Y:       &y,
	})

	update := readFrame(testContext, receiver)
	if update.Event != EventCursorUpdate {
		testContext.Fatalf("expected %s, got %s", EventCursorUpdate, update.Event)
	}
	decoded := decodeFrame[cursorUpdateMessage](testContext, update)
	if decoded.UserID != "user-a" || decoded.X != x || decoded.Y != y {
		testContext.Fatalf("unexpected cursor update: %+v", decoded)
	}

	actions := listStoredActions(testContext, fixture.store, "board-1")
	if len(actions) != 0 {
		testContext.Fatalf("expected cursor traffic to stay out of the log, got %d actions", len(actions))
	}
}

func TestGatewayLeaveStopsDelivery(testContext *testing.T) {
	fixture := newGatewayFixture(testContext)
	sender := dialWebsocket(testContext, fixture.server, "/?user=user-a")
	leaver := dialWebsocket(testContext, fixture.server, "/?user=user-b")
	joinBoard(testContext, sender, "board-1")
	membership, _ := joinBoard(testContext, leaver, "board-1")

	sendFrame(testContext, leaver, EventLeaveBoard, boardRefPayload{BoardID: "board-1"})
	left := readFrame(testContext, leaver)
	if left.Event != EventBoardLeft {
		testContext.Fatalf("expected %s, got %s", EventBoardLeft, left.Event)
	}
	decodedLeft := decodeFrame[boardMembershipMessage](testContext, left)
	if decodedLeft.BoardID != "board-1" || decodedLeft.SocketID != membership.SocketID {
		testContext.Fatalf("unexpected leave ack: %+v", decodedLeft)
	}

	sendFrame(testContext, sender, EventCanvasAction, canvasActionPayload{
		BoardID: "board-1",
		UserID:  "user-a",
		Action:  json.RawMessage(`{"type":"draw"}`),
	})
	ack := readFrame(testContext, sender)
	if ack.Event != EventActionProcessed {
		testContext.Fatalf("expected %s at sender, got %s", EventActionProcessed, ack.Event)
	}

	expectNoFrame(testContext, leaver)
}

func TestGatewayRejectsJoiningSecondBoardWithoutLeaving(testContext *testing.T) {
	fixture := newGatewayFixture(testContext)
	conn := dialWebsocket(testContext, fixture.server, "/?user=user-a")
	joinBoard(testContext, conn, "board-1")

	sendFrame(testContext, conn, EventJoinBoard, boardRefPayload{BoardID: "board-2"})
	sendFrame(testContext, conn, EventRequestBoardState, boardRefPayload{BoardID: "board-1"})

	// The state response arriving next proves the second join produced no
	// frames of its own.
	state := readFrame(testContext, conn)
	if state.Event != EventBoardSnapshot {
		testContext.Fatalf("expected the second join to be dropped, got %s", state.Event)
	}
	if count := fixture.rooms.MemberCount("board-2"); count != 0 {
		testContext.Fatalf("expected no membership on the second board, got %d", count)
	}
	if count := fixture.rooms.MemberCount("board-1"); count != 1 {
		testContext.Fatalf("expected membership on the first board to persist, got %d", count)
	}
}

func TestGatewayRejoinSameBoardIsIdempotent(testContext *testing.T) {
	fixture := newGatewayFixture(testContext)
	conn := dialWebsocket(testContext, fixture.server, "/?user=user-a")
	first, _ := joinBoard(testContext, conn, "board-1")
	second, _ := joinBoard(testContext, conn, "board-1")

	if first.SocketID != second.SocketID {
		testContext.Fatalf("expected the same socket id across rejoin, got %s and %s", first.SocketID, second.SocketID)
	}
	if count := fixture.rooms.MemberCount("board-1"); count != 1 {
		testContext.Fatalf("expected a single membership after rejoin, got %d", count)
	}
}

func TestGatewayDisconnectReleasesMembership(testContext *testing.T) {
	fixture := newGatewayFixture(testContext)
	conn := dialWebsocket(testContext, fixture.server, "/?user=user-a")
	joinBoard(testContext, conn, "board-1")

	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for fixture.rooms.MemberCount("board-1") != 0 {
		if time.Now().After(deadline) {
			testContext.Fatalf("expected membership to be released after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"pair-send-go/internal/ws"
	"pair-send-go/pkg/bus"
	"pair-send-go/pkg/log"
)

func TestMain(m *testing.M) {
	log.Init("error", "console", "")
	m.Run()
}

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func dial(t *testing.T, hub *ws.Hub, userID, sessionID string) *websocket.Conn {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		hub.Register(conn, userID, sessionID)
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool {
		return hub.SessionClients(sessionID) > 0
	}, time.Second, 10*time.Millisecond)
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) ws.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var event ws.Event
	require.NoError(t, json.Unmarshal(payload, &event))
	return event
}

func marshal(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestNotifier_ChunkReceivedBecomesProgressEvent(t *testing.T) {
	hub := ws.NewHub()
	n := NewNotifier(hub)
	conn := dial(t, hub, "guest", "s-1")

	msg := bus.ChunkReceivedMessage{
		SessionID: "s-1", FileID: "f-1", FileName: "report.pdf",
		ChunkIndex: 2, TotalChunks: 4, Received: 3, Progress: 75, SenderID: "creator",
	}
	require.NoError(t, n.HandleChunkReceived(context.Background(), marshal(t, msg)))

	event := readEvent(t, conn)
	require.Equal(t, ws.EventUploadProgress, event.Type)
}

func TestNotifier_ClearedVerdictBecomesFileAvailable(t *testing.T) {
	hub := ws.NewHub()
	n := NewNotifier(hub)
	conn := dial(t, hub, "guest", "s-1")

	msg := bus.ScanResultMessage{
		SessionID: "s-1", FileID: "f-1", FileName: "report.pdf",
		Verdict: bus.ScanVerdictCleared, DetectedMime: "application/pdf", SenderID: "creator",
	}
	require.NoError(t, n.HandleScanResult(context.Background(), marshal(t, msg)))

	event := readEvent(t, conn)
	require.Equal(t, ws.EventFileAvailable, event.Type)

	// 推送携带换取下载令牌的地址，接收方无需先拉文件清单
	data, ok := event.Data.(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, "/api/v1/sessions/s-1/files/f-1/download-token", data["downloadRef"])
}

func TestNotifier_BlockedVerdictBecomesFileBlocked(t *testing.T) {
	hub := ws.NewHub()
	n := NewNotifier(hub)
	conn := dial(t, hub, "guest", "s-1")

	msg := bus.ScanResultMessage{
		SessionID: "s-1", FileID: "f-1", FileName: "payload.exe",
		Verdict: bus.ScanVerdictBlocked, Reason: "检测到不允许的内容类型", SenderID: "creator",
	}
	require.NoError(t, n.HandleScanResult(context.Background(), marshal(t, msg)))

	event := readEvent(t, conn)
	require.Equal(t, ws.EventFileBlocked, event.Type)
}

func TestNotifier_SessionStatusEventPassthrough(t *testing.T) {
	hub := ws.NewHub()
	n := NewNotifier(hub)
	conn := dial(t, hub, "creator", "s-1")

	msg := bus.SessionStatusMessage{
		SessionID: "s-1", Status: "ACTIVE", Event: ws.EventEntryApproved, ActorID: "creator",
	}
	require.NoError(t, n.HandleSessionStatus(context.Background(), marshal(t, msg)))

	event := readEvent(t, conn)
	require.Equal(t, ws.EventEntryApproved, event.Type)
}

func TestNotifier_MalformedMessagesAreSwallowed(t *testing.T) {
	n := NewNotifier(ws.NewHub())
	ctx := context.Background()

	// 格式错误的消息不应触发重试
	require.NoError(t, n.HandleChunkReceived(ctx, []byte("not json")))
	require.NoError(t, n.HandleScanResult(ctx, []byte("not json")))
	require.NoError(t, n.HandleSessionStatus(ctx, []byte("not json")))
}

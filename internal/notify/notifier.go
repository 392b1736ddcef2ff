// Package notify 将事件总线上的消息翻译为 WebSocket 推送。
// 扇出层只消费总线，不直接依赖任何业务服务，保证慢扫描不会阻塞上传路径。
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"pair-send-go/internal/ws"
	"pair-send-go/pkg/bus"
	"pair-send-go/pkg/log"
)

// Notifier 消费总线消息并推送给会话参与者。
type Notifier struct {
	hub *ws.Hub
}

// NewNotifier 创建一个新的 Notifier 实例。
func NewNotifier(hub *ws.Hub) *Notifier {
	return &Notifier{hub: hub}
}

// HandleChunkReceived 将分片落盘消息转换为实时进度事件。
func (n *Notifier) HandleChunkReceived(ctx context.Context, value []byte) error {
	var msg bus.ChunkReceivedMessage
	if err := json.Unmarshal(value, &msg); err != nil {
		log.Errorf("无法解析分片进度消息: %v, value: %s", err, string(value))
		return nil // 格式错误的消息重试没有意义，直接吞掉
	}

	n.hub.BroadcastSession(msg.SessionID, ws.NewEvent(ws.EventUploadProgress, map[string]interface{}{
		"fileId":      msg.FileID,
		"fileName":    msg.FileName,
		"chunkIndex":  msg.ChunkIndex,
		"totalChunks": msg.TotalChunks,
		"received":    msg.Received,
		"progress":    msg.Progress,
	}))
	return nil
}

// HandleScanResult 将扫描结论推送给双方参与者。
func (n *Notifier) HandleScanResult(ctx context.Context, value []byte) error {
	var msg bus.ScanResultMessage
	if err := json.Unmarshal(value, &msg); err != nil {
		log.Errorf("无法解析扫描结果消息: %v, value: %s", err, string(value))
		return nil
	}

	data := map[string]interface{}{
		"fileId":       msg.FileID,
		"fileName":     msg.FileName,
		"detectedMime": msg.DetectedMime,
	}

	switch msg.Verdict {
	case bus.ScanVerdictCleared:
		// 接收方凭这个地址换取一次性下载令牌，推送本身不携带任何凭证
		data["downloadRef"] = fmt.Sprintf("/api/v1/sessions/%s/files/%s/download-token", msg.SessionID, msg.FileID)
		n.hub.BroadcastSession(msg.SessionID, ws.NewEvent(ws.EventFileAvailable, data))
		n.hub.BroadcastSession(msg.SessionID, ws.NewEvent(ws.EventUploadCompleted, data))
	case bus.ScanVerdictBlocked:
		data["reason"] = msg.Reason
		n.hub.BroadcastSession(msg.SessionID, ws.NewEvent(ws.EventFileBlocked, data))
	default:
		data["reason"] = msg.Reason
		n.hub.BroadcastSession(msg.SessionID, ws.NewEvent(ws.EventUploadErrored, data))
	}
	// 发送方额外收到一条私有通知，断线重连后也能拿到结论
	n.hub.SendUser(msg.SenderID, ws.NewEvent(ws.EventUploadCompleted, map[string]interface{}{
		"fileId":  msg.FileID,
		"verdict": msg.Verdict,
	}))
	return nil
}

// HandleSessionStatus 将会话状态迁移推送到会话广播通道。
func (n *Notifier) HandleSessionStatus(ctx context.Context, value []byte) error {
	var msg bus.SessionStatusMessage
	if err := json.Unmarshal(value, &msg); err != nil {
		log.Errorf("无法解析会话状态消息: %v, value: %s", err, string(value))
		return nil
	}

	n.hub.BroadcastSession(msg.SessionID, ws.NewEvent(msg.Event, map[string]interface{}{
		"sessionId": msg.SessionID,
		"status":    msg.Status,
		"actorId":   msg.ActorID,
		"reason":    msg.Reason,
	}))
	return nil
}

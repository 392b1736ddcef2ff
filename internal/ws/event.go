// Package ws 实现了面向会话参与者的实时推送通道。
package ws

import "time"

// 推送事件类型。会话广播通道与用户私有通道共用同一套事件结构。
const (
	EventParticipantJoined = "participant_joined"
	EventParticipantLeft   = "participant_left"
	EventEntryRequested    = "entry_requested"
	EventEntryApproved     = "entry_approved"
	EventEntryRejected     = "entry_rejected"
	EventSessionClosed     = "session_closed"
	EventSessionExpired    = "session_expired"
	EventCodeRotated       = "code_rotated"
	EventUploadStarted     = "upload_started"
	EventUploadProgress    = "upload_progress"
	EventUploadCompleted   = "upload_completed"
	EventUploadErrored     = "upload_errored"
	EventFileAvailable     = "file_available"
	EventFileBlocked       = "file_blocked"
)

// Event 是通过 WebSocket 下发的统一消息结构。
type Event struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
	Date      string      `json:"date"`
}

// NewEvent 构造一个带时间戳的事件。
func NewEvent(eventType string, data interface{}) Event {
	now := time.Now()
	return Event{
		Type:      eventType,
		Data:      data,
		Timestamp: now.UnixMilli(),
		Date:      now.Format("2006-01-02T15:04:05"),
	}
}

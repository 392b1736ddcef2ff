// Package bus 提供了基于 Kafka 的事件总线，承载上传核心与异步管道之间的消息。
package bus

// 每个关注点一个主题，另配一个同名 .dlq 主题承接重试耗尽的消息。
const (
	TopicChunkReceived = "transfer.chunk-received"  // 分片落盘，用于实时进度扇出
	TopicScanRequest   = "transfer.scan-request"    // 分片收齐，请求安全扫描
	TopicScanResult    = "transfer.scan-result"     // 扫描结束（放行或拦截）
	TopicSessionStatus = "transfer.session-status"  // 会话状态变化
	DLQSuffix          = ".dlq"
)

// ChunkReceivedMessage 在每个分片被接受后发布一次。
type ChunkReceivedMessage struct {
	SessionID   string  `json:"session_id"`
	FileID      string  `json:"file_id"`
	FileName    string  `json:"file_name"`
	ChunkIndex  int     `json:"chunk_index"`
	TotalChunks int     `json:"total_chunks"`
	Received    int     `json:"received"`
	Progress    float64 `json:"progress"`
	SenderID    string  `json:"sender_id"`
}

// ScanRequestMessage 在最后一个分片落盘后发布，触发安全分析管道。
type ScanRequestMessage struct {
	SessionID    string `json:"session_id"`
	FileID       string `json:"file_id"`
	FileName     string `json:"file_name"`
	TotalChunks  int    `json:"total_chunks"`
	DeclaredMime string `json:"declared_mime"`
	SenderID     string `json:"sender_id"`
}

// 扫描结论。
const (
	ScanVerdictCleared = "CLEARED"
	ScanVerdictBlocked = "BLOCKED"
	ScanVerdictError   = "ERROR"
)

// ScanResultMessage 由安全分析管道发布，通知扇出层推送结果。
type ScanResultMessage struct {
	SessionID    string `json:"session_id"`
	FileID       string `json:"file_id"`
	FileName     string `json:"file_name"`
	Verdict      string `json:"verdict"`
	DetectedMime string `json:"detected_mime"`
	Reason       string `json:"reason"`
	SenderID     string `json:"sender_id"`
}

// SessionStatusMessage 在会话状态机发生迁移时发布。
type SessionStatusMessage struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	Event     string `json:"event"`
	ActorID   string `json:"actor_id"`
	Reason    string `json:"reason"`
}

package model

import "time"

// TransferStatus 表示一次文件传输所处的阶段。
type TransferStatus string

const (
	TransferPending    TransferStatus = "PENDING"    // 已登记，尚未收到分片
	TransferSending    TransferStatus = "SENDING"    // 正在接收分片
	TransferProcessing TransferStatus = "PROCESSING" // 分片收齐，等待安全扫描
	TransferComplete   TransferStatus = "COMPLETE"   // 扫描通过并完成合并
	TransferBlocked    TransferStatus = "BLOCKED"    // 被内容安全策略拦截
	TransferError      TransferStatus = "ERROR"      // 管道处理失败
)

// Terminal 报告该状态是否为终态。BLOCKED 与 ERROR 的文件永不离开该状态。
func (s TransferStatus) Terminal() bool {
	return s == TransferComplete || s == TransferBlocked || s == TransferError
}

// FileTransfer 定义了 file_transfer 表的 ORM 模型。
// 它记录了会话内一个文件（原始上传或派生转换）的元数据和状态。
type FileTransfer struct {
	ID             string         `gorm:"type:varchar(36);primaryKey" json:"id"`
	SessionID      string         `gorm:"type:varchar(36);not null;index" json:"sessionId"`
	FileName       string         `gorm:"type:varchar(255);not null" json:"fileName"`
	FileHash       string         `gorm:"type:varchar(32);not null;index" json:"fileHash"`
	TotalSize      int64          `gorm:"not null" json:"totalSize"`
	DeclaredMime   string         `gorm:"type:varchar(128)" json:"declaredMime"`
	DetectedMime   string         `gorm:"type:varchar(128)" json:"detectedMime"`
	StoragePath    string         `gorm:"type:varchar(512)" json:"storagePath"`
	Status         TransferStatus `gorm:"type:varchar(20);not null;index" json:"status"`
	SenderID       string         `gorm:"type:varchar(64);not null" json:"senderId"`
	TotalChunks    int            `gorm:"not null" json:"totalChunks"`
	ChunksReceived int            `gorm:"not null;default:0" json:"chunksReceived"`
	Progress       float64        `gorm:"not null;default:0" json:"progress"`
	SourceFileID   *string        `gorm:"type:varchar(36)" json:"sourceFileId"`
	ErrorMsg       string         `gorm:"type:varchar(512)" json:"errorMsg"`
	MetaInfo       string         `gorm:"type:varchar(1024)" json:"metaInfo"`
	CreatedAt      time.Time      `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt      time.Time      `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (FileTransfer) TableName() string {
	return "file_transfer"
}

// RecordChunk 更新已接收分片数并重新计算进度百分比。
// totalChunks 在创建时固定，这里只推进计数，从不回退。
func (t *FileTransfer) RecordChunk(received int) {
	t.ChunksReceived = received
	if t.TotalChunks > 0 {
		t.Progress = float64(received) / float64(t.TotalChunks) * 100
	}
	if received >= t.TotalChunks {
		t.Status = TransferProcessing
	} else {
		t.Status = TransferSending
	}
}

// MarkComplete 记录扫描通过后的最终状态。MIME 采用嗅探得到的值。
func (t *FileTransfer) MarkComplete(storagePath, detectedMime, metaInfo string) {
	t.StoragePath = storagePath
	t.DetectedMime = detectedMime
	t.MetaInfo = metaInfo
	t.Status = TransferComplete
	t.ChunksReceived = t.TotalChunks
	t.Progress = 100
}

// MarkBlocked 将文件置为 BLOCKED 并记录拦截原因。
func (t *FileTransfer) MarkBlocked(detectedMime, reason string) {
	t.DetectedMime = detectedMime
	t.ErrorMsg = reason
	t.Status = TransferBlocked
}

// MarkError 将文件置为 ERROR 并记录失败原因。
func (t *FileTransfer) MarkError(reason string) {
	t.ErrorMsg = reason
	t.Status = TransferError
}

// ChunkInfo 对应于数据库中的 'chunk_info' 表。
// 它记录了每个文件分块的详细信息，是完成度校验的权威依据。
type ChunkInfo struct {
	ID          uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	FileID      string    `gorm:"type:varchar(36);not null;uniqueIndex:uk_file_chunk,priority:1" json:"fileId"`
	ChunkIndex  int       `gorm:"not null;uniqueIndex:uk_file_chunk,priority:2" json:"chunkIndex"`
	ChunkSize   int64     `gorm:"not null" json:"chunkSize"`
	ChunkHash   string    `gorm:"type:varchar(32);not null" json:"chunkHash"`
	StoragePath string    `gorm:"type:varchar(512);not null" json:"storagePath"`
	ReceivedAt  time.Time `gorm:"autoCreateTime" json:"receivedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (ChunkInfo) TableName() string {
	return "chunk_info"
}

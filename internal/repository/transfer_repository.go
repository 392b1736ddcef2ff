package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"pair-send-go/internal/model"
	"pair-send-go/pkg/log"
)

// TransferRepository 接口定义了文件传输相关的数据持久化操作。
// FileTransfer 与 ChunkInfo 行是权威记录；Redis 承载记录镜像（按 id 与内容哈希）
// 以及每文件的已收分片位图。位图允许与行计数短暂分叉，合并前总是以行计数复核。
type TransferRepository interface {
	// FileTransfer operations
	CreateTransfer(ctx context.Context, record *model.FileTransfer) error
	GetTransferByID(ctx context.Context, id string) (*model.FileTransfer, error)
	FindCompleteByHash(ctx context.Context, sessionID, fileHash string) (*model.FileTransfer, error)
	UpdateTransfer(ctx context.Context, record *model.FileTransfer) error
	// UpdateTransferProgress 以条件更新写入分片进度字段，已进入终态的行不受影响。
	UpdateTransferProgress(ctx context.Context, record *model.FileTransfer) error
	CountBySession(sessionID string) (int64, error)
	ListBySession(sessionID string) ([]model.FileTransfer, error)
	ListPendingBySession(sessionID string) ([]model.FileTransfer, error)
	FindStale(cutoff time.Time) ([]model.FileTransfer, error)
	DeleteBySession(ctx context.Context, sessionID string) error
	DeleteTransfer(ctx context.Context, record *model.FileTransfer) error

	// ChunkInfo operations (GORM)
	CreateChunk(record *model.ChunkInfo) error
	CountChunks(fileID string) (int64, error)
	ListChunks(fileID string) ([]model.ChunkInfo, error)
	DeleteChunks(fileID string) error

	// Chunk status operations (Redis)
	IsChunkReceived(ctx context.Context, fileID string, chunkIndex int) (bool, error)
	MarkChunkReceived(ctx context.Context, fileID string, chunkIndex int) error
	ReceivedChunks(ctx context.Context, fileID string, totalChunks int) ([]int, error)
	ClearProgress(ctx context.Context, fileID string) error
}

// transferRepository 是 TransferRepository 接口的 GORM+Redis 实现。
type transferRepository struct {
	db          *gorm.DB
	rdb         *redis.Client
	cacheTTL    time.Duration
	progressTTL time.Duration
}

// NewTransferRepository 创建一个新的 TransferRepository 实例。
func NewTransferRepository(db *gorm.DB, rdb *redis.Client, cacheTTL, progressTTL time.Duration) TransferRepository {
	return &transferRepository{db: db, rdb: rdb, cacheTTL: cacheTTL, progressTTL: progressTTL}
}

func transferIDKey(id string) string {
	return "transfer:id:" + id
}

func transferHashKey(sessionID, fileHash string) string {
	return "transfer:hash:" + sessionID + ":" + fileHash
}

func progressKey(fileID string) string {
	return "progress:" + fileID
}

// CreateTransfer 在数据库中创建一个新的文件传输记录并填充镜像。
func (r *transferRepository) CreateTransfer(ctx context.Context, record *model.FileTransfer) error {
	if err := r.db.Create(record).Error; err != nil {
		return err
	}
	r.cache(ctx, record)
	return nil
}

// GetTransferByID 按 id 检索传输记录，缓存未命中时回源数据库。
func (r *transferRepository) GetTransferByID(ctx context.Context, id string) (*model.FileTransfer, error) {
	if data, err := r.rdb.Get(ctx, transferIDKey(id)).Bytes(); err == nil {
		var cached model.FileTransfer
		if err := json.Unmarshal(data, &cached); err == nil {
			return &cached, nil
		}
	}

	var record model.FileTransfer
	if err := r.db.Where("id = ?", id).First(&record).Error; err != nil {
		return nil, err
	}
	r.cache(ctx, &record)
	return &record, nil
}

// FindCompleteByHash 在同一会话内按内容哈希查找已完成的传输（秒传判定）。
// 去重严格限定在会话范围内，其他会话中的同内容文件不算命中。
func (r *transferRepository) FindCompleteByHash(ctx context.Context, sessionID, fileHash string) (*model.FileTransfer, error) {
	if id, err := r.rdb.Get(ctx, transferHashKey(sessionID, fileHash)).Result(); err == nil {
		if record, err := r.GetTransferByID(ctx, id); err == nil && record.Status == model.TransferComplete {
			return record, nil
		}
	}

	var record model.FileTransfer
	err := r.db.Where("session_id = ? AND file_hash = ? AND status = ?",
		sessionID, fileHash, model.TransferComplete).First(&record).Error
	if err != nil {
		return nil, err
	}
	r.cache(ctx, &record)
	return &record, nil
}

// UpdateTransfer 保存传输记录并刷新镜像。
func (r *transferRepository) UpdateTransfer(ctx context.Context, record *model.FileTransfer) error {
	if err := r.db.Save(record).Error; err != nil {
		return err
	}
	r.cache(ctx, record)
	return nil
}

// UpdateTransferProgress 只更新进度相关的列，且仅当行尚未进入终态。
// 上传路径持有的记录可能落后于扫描管道：管道先落了 COMPLETE/BLOCKED 时，
// 这次过期的进度写入会被 WHERE 条件整体丢弃，不会回退状态或覆盖扫描产出的列。
func (r *transferRepository) UpdateTransferProgress(ctx context.Context, record *model.FileTransfer) error {
	res := r.db.Model(&model.FileTransfer{}).
		Where("id = ? AND status NOT IN ?", record.ID,
			[]model.TransferStatus{model.TransferComplete, model.TransferBlocked, model.TransferError}).
		Updates(map[string]interface{}{
			"chunks_received": record.ChunksReceived,
			"progress":        record.Progress,
			"status":          record.Status,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// 行已终态，镜像由落终态的一方维护，这里不再触碰
		return nil
	}
	r.cache(ctx, record)
	return nil
}

// CountBySession 统计会话内的传输数量，用于文件数上限检查。
func (r *transferRepository) CountBySession(sessionID string) (int64, error) {
	var count int64
	err := r.db.Model(&model.FileTransfer{}).Where("session_id = ?", sessionID).Count(&count).Error
	return count, err
}

// ListBySession 返回会话内的全部传输记录。
func (r *transferRepository) ListBySession(sessionID string) ([]model.FileTransfer, error) {
	var records []model.FileTransfer
	err := r.db.Where("session_id = ?", sessionID).Order("created_at asc").Find(&records).Error
	return records, err
}

// ListPendingBySession 返回会话内尚未进入终态的传输，用于客户端断线重连后续传。
func (r *transferRepository) ListPendingBySession(sessionID string) ([]model.FileTransfer, error) {
	var records []model.FileTransfer
	err := r.db.Where("session_id = ? AND status IN ?", sessionID,
		[]model.TransferStatus{model.TransferPending, model.TransferSending, model.TransferProcessing}).
		Order("created_at asc").Find(&records).Error
	return records, err
}

// FindStale 查找在非终态停留超过阈值的传输，视为被放弃的孤儿。
func (r *transferRepository) FindStale(cutoff time.Time) ([]model.FileTransfer, error) {
	var records []model.FileTransfer
	err := r.db.Where("status IN ? AND updated_at < ?",
		[]model.TransferStatus{model.TransferPending, model.TransferSending, model.TransferProcessing}, cutoff).
		Find(&records).Error
	return records, err
}

// DeleteBySession 删除会话拥有的全部传输与分片记录及其缓存键。
func (r *transferRepository) DeleteBySession(ctx context.Context, sessionID string) error {
	records, err := r.ListBySession(sessionID)
	if err != nil {
		return err
	}
	for i := range records {
		if err := r.DeleteTransfer(ctx, &records[i]); err != nil {
			return err
		}
	}
	return nil
}

// DeleteTransfer 删除单个传输记录、其分片行和全部缓存键。
func (r *transferRepository) DeleteTransfer(ctx context.Context, record *model.FileTransfer) error {
	if err := r.db.Where("file_id = ?", record.ID).Delete(&model.ChunkInfo{}).Error; err != nil {
		return err
	}
	if err := r.db.Where("id = ?", record.ID).Delete(&model.FileTransfer{}).Error; err != nil {
		return err
	}
	keys := []string{
		transferIDKey(record.ID),
		transferHashKey(record.SessionID, record.FileHash),
		progressKey(record.ID),
	}
	if err := r.rdb.Del(ctx, keys...).Err(); err != nil {
		log.Warnf("删除传输缓存失败, fileID: %s, error: %v", record.ID, err)
	}
	return nil
}

// CreateChunk 在数据库中创建一个新的分片记录。
// 进度位图过期后客户端会重传已落库的分片，此时插入撞上 (file_id, chunk_index)
// 唯一索引；按已接收空操作处理，让提交方走幂等应答而不是报错。
func (r *transferRepository) CreateChunk(record *model.ChunkInfo) error {
	return r.db.Clauses(clause.OnConflict{DoNothing: true}).Create(record).Error
}

// CountChunks 统计文件已落库的分片数，是完成度判定的权威依据。
func (r *transferRepository) CountChunks(fileID string) (int64, error) {
	var count int64
	err := r.db.Model(&model.ChunkInfo{}).Where("file_id = ?", fileID).Count(&count).Error
	return count, err
}

// ListChunks 按序返回文件的全部分片记录。
func (r *transferRepository) ListChunks(fileID string) ([]model.ChunkInfo, error) {
	var chunks []model.ChunkInfo
	err := r.db.Where("file_id = ?", fileID).Order("chunk_index asc").Find(&chunks).Error
	return chunks, err
}

// DeleteChunks 删除文件的全部分片记录。
func (r *transferRepository) DeleteChunks(fileID string) error {
	return r.db.Where("file_id = ?", fileID).Delete(&model.ChunkInfo{}).Error
}

// IsChunkReceived checks if a chunk is marked as received in the Redis bitmap.
func (r *transferRepository) IsChunkReceived(ctx context.Context, fileID string, chunkIndex int) (bool, error) {
	val, err := r.rdb.GetBit(ctx, progressKey(fileID), int64(chunkIndex)).Result()
	if err != nil {
		// key 不存在时 Redis 返回 0 而不是错误，这里只处理真正的错误
		return false, err
	}
	return val == 1, nil
}

// MarkChunkReceived marks a chunk as received in the Redis bitmap.
func (r *transferRepository) MarkChunkReceived(ctx context.Context, fileID string, chunkIndex int) error {
	key := progressKey(fileID)
	if err := r.rdb.SetBit(ctx, key, int64(chunkIndex), 1).Err(); err != nil {
		return err
	}
	return r.rdb.Expire(ctx, key, r.progressTTL).Err()
}

// ReceivedChunks retrieves the list of received chunk indexes from the Redis bitmap.
func (r *transferRepository) ReceivedChunks(ctx context.Context, fileID string, totalChunks int) ([]int, error) {
	if totalChunks == 0 {
		return []int{}, nil
	}
	bitmap, err := r.rdb.Get(ctx, progressKey(fileID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return []int{}, nil // key 不存在，尚无分片
		}
		return nil, err
	}

	received := make([]int, 0)
	for i := 0; i < totalChunks; i++ {
		byteIndex := i / 8
		bitIndex := i % 8
		if byteIndex < len(bitmap) && (bitmap[byteIndex]>>(7-bitIndex))&1 == 1 {
			received = append(received, i)
		}
	}
	return received, nil
}

// ClearProgress deletes the progress bitmap for a file.
func (r *transferRepository) ClearProgress(ctx context.Context, fileID string) error {
	return r.rdb.Del(ctx, progressKey(fileID)).Err()
}

// cache 刷新传输记录的 id 镜像；已完成的记录同时登记哈希二级键。
func (r *transferRepository) cache(ctx context.Context, record *model.FileTransfer) {
	data, err := json.Marshal(record)
	if err != nil {
		return
	}
	if err := r.rdb.Set(ctx, transferIDKey(record.ID), data, r.cacheTTL).Err(); err != nil {
		log.Warnf("写入传输缓存失败, fileID: %s, error: %v", record.ID, err)
		return
	}
	if record.Status == model.TransferComplete {
		if err := r.rdb.Set(ctx, transferHashKey(record.SessionID, record.FileHash), record.ID, r.cacheTTL).Err(); err != nil {
			log.Warnf("写入哈希映射失败, fileID: %s, error: %v", record.ID, err)
		}
	}
}

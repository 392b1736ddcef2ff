package service

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"pair-send-go/internal/config"
	"pair-send-go/internal/model"
	"pair-send-go/internal/repository"
	"pair-send-go/internal/ws"
	"pair-send-go/pkg/apperr"
	"pair-send-go/pkg/bus"
	"pair-send-go/pkg/log"
)

// StartUploadResult 是上传登记的返回值。
type StartUploadResult struct {
	FileID      string `json:"fileId"`
	TotalChunks int    `json:"totalChunks"`
	ChunkSize   int64  `json:"chunkSizeBytes"`
	Duplicate   bool   `json:"duplicate"`
}

// ChunkResult 是单个分片提交的返回值。
type ChunkResult struct {
	ChunkIndex  int     `json:"chunkIndex"`
	TotalChunks int     `json:"totalChunks"`
	Received    []int   `json:"received"`
	Progress    float64 `json:"percentComplete"`
	Complete    bool    `json:"complete"`
}

// ProgressResult 是进度查询的返回值。
type ProgressResult struct {
	ReceivedIndices []int                `json:"receivedIndices"`
	Progress        float64              `json:"percentComplete"`
	Status          model.TransferStatus `json:"status"`
}

// PendingUpload 描述一个未完成的传输及其已收分片，用于断线续传。
type PendingUpload struct {
	Transfer model.FileTransfer `json:"transfer"`
	Received []int              `json:"received"`
}

// UploadService 接口定义了分片上传协调相关的业务操作。
type UploadService interface {
	StartUpload(ctx context.Context, sessionID, senderID, fileName string, totalSize int64, declaredMime, contentHash string) (*StartUploadResult, error)
	SubmitChunk(ctx context.Context, sessionID, senderID, fileID string, chunkIndex int, declaredHash string, payload []byte) (*ChunkResult, error)
	Progress(ctx context.Context, fileID, callerID string) (*ProgressResult, error)
	PendingUploads(ctx context.Context, sessionID, callerID string) ([]PendingUpload, error)
}

type uploadService struct {
	transferRepo repository.TransferRepository
	sessionSvc   SessionService
	store        ChunkStore
	locker       Locker
	limiter      RateLimiter
	producer     Publisher
	cfg          config.TransferConfig
	rateCfg      config.RateLimitConfig
}

// NewUploadService 创建一个新的 UploadService 实例。
func NewUploadService(
	transferRepo repository.TransferRepository,
	sessionSvc SessionService,
	store ChunkStore,
	locker Locker,
	limiter RateLimiter,
	producer Publisher,
	cfg config.TransferConfig,
	rateCfg config.RateLimitConfig,
) UploadService {
	return &uploadService{
		transferRepo: transferRepo,
		sessionSvc:   sessionSvc,
		store:        store,
		locker:       locker,
		limiter:      limiter,
		producer:     producer,
		cfg:          cfg,
		rateCfg:      rateCfg,
	}
}

// StartUpload 登记一次文件上传。
// 同一会话内已有相同内容哈希的 COMPLETE 文件时走秒传，直接返回既有记录。
func (s *uploadService) StartUpload(ctx context.Context, sessionID, senderID, fileName string, totalSize int64, declaredMime, contentHash string) (*StartUploadResult, error) {
	log.Infof("[StartUpload] 开始登记上传, sessionID: %s, file: %s, size: %d", sessionID, fileName, totalSize)

	session, err := s.sessionSvc.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.sessionSvc.ValidateActive(ctx, session); err != nil {
		return nil, err
	}
	if err := s.sessionSvc.ValidateMembership(session, senderID); err != nil {
		return nil, err
	}

	if totalSize <= 0 {
		return nil, apperr.Wrap(apperr.ErrInvalidChunk, "文件总大小无效: %d", totalSize)
	}
	if totalSize > s.cfg.MaxFileSize {
		return nil, apperr.Wrap(apperr.ErrTooLarge, "文件大小 %d 超过上限 %d", totalSize, s.cfg.MaxFileSize)
	}

	count, err := s.transferRepo.CountBySession(sessionID)
	if err != nil {
		return nil, err
	}
	if count >= int64(s.cfg.MaxFilesPerSession) {
		return nil, apperr.Wrap(apperr.ErrConflict, "会话文件数已达上限 %d", s.cfg.MaxFilesPerSession)
	}

	// 秒传判定：仅限同一会话内的 COMPLETE 记录
	if existing, err := s.transferRepo.FindCompleteByHash(ctx, sessionID, contentHash); err == nil {
		log.Infof("[StartUpload] 命中会话内秒传, fileID: %s, hash: %s", existing.ID, contentHash)
		return &StartUploadResult{
			FileID:      existing.ID,
			TotalChunks: existing.TotalChunks,
			ChunkSize:   s.cfg.ChunkSize,
			Duplicate:   true,
		}, nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	totalChunks := int(math.Ceil(float64(totalSize) / float64(s.cfg.ChunkSize)))
	record := &model.FileTransfer{
		ID:           uuid.NewString(),
		SessionID:    sessionID,
		FileName:     fileName,
		FileHash:     contentHash,
		TotalSize:    totalSize,
		DeclaredMime: declaredMime,
		Status:       model.TransferPending,
		SenderID:     senderID,
		TotalChunks:  totalChunks,
	}
	if err := s.transferRepo.CreateTransfer(ctx, record); err != nil {
		log.Errorf("[StartUpload] 创建传输记录失败, error: %v", err)
		return nil, err
	}

	s.publishSessionEvent(ctx, sessionID, ws.EventUploadStarted, senderID, fileName)
	log.Infof("[StartUpload] 登记完成, fileID: %s, totalChunks: %d", record.ID, totalChunks)
	return &StartUploadResult{
		FileID:      record.ID,
		TotalChunks: totalChunks,
		ChunkSize:   s.cfg.ChunkSize,
		Duplicate:   false,
	}, nil
}

// SubmitChunk 处理单个分片的提交。
// 对重复分片幂等；哈希校验失败立即拒绝；同一 (file, index) 的并发提交由短 TTL 锁串行化，
// 不同 index 的分片可以完全并行。收齐最后一个分片后触发安全扫描，合并由扫描管道完成。
func (s *uploadService) SubmitChunk(ctx context.Context, sessionID, senderID, fileID string, chunkIndex int, declaredHash string, payload []byte) (*ChunkResult, error) {
	// 分片级滑动窗口限流
	allowed, err := s.limiter.Allow(ctx, senderID, "chunk", s.rateCfg.ChunksPerMinute)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, apperr.ErrRateLimited
	}

	session, err := s.sessionSvc.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.sessionSvc.ValidateActive(ctx, session); err != nil {
		return nil, err
	}
	if err := s.sessionSvc.ValidateMembership(session, senderID); err != nil {
		return nil, err
	}

	record, err := s.getTransfer(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if record.SessionID != sessionID {
		return nil, apperr.ErrNotFound
	}

	// 已完成的文件对重复提交返回当前进度，不做任何处理
	if record.Status == model.TransferComplete {
		return s.chunkResult(ctx, record, chunkIndex)
	}
	if record.Status.Terminal() {
		return nil, apperr.Wrap(apperr.ErrInvalidChunk, "文件已处于终态 %s", record.Status)
	}

	if chunkIndex < 0 || chunkIndex >= record.TotalChunks {
		return nil, apperr.Wrap(apperr.ErrInvalidChunk, "分片序号 %d 越界 [0, %d)", chunkIndex, record.TotalChunks)
	}

	// 进度缓存短路：已收过的分片直接返回当前进度
	received, err := s.transferRepo.IsChunkReceived(ctx, fileID, chunkIndex)
	if err != nil {
		return nil, fmt.Errorf("failed to check chunk status from redis: %w", err)
	}
	if received {
		log.Infof("[SubmitChunk] 分片 %d 已上传过，跳过本次上传, fileID: %s", chunkIndex, fileID)
		return s.chunkResult(ctx, record, chunkIndex)
	}

	// 对解码后的二进制负载重新计算哈希，与声明值比对
	sum := md5.Sum(payload)
	if hex.EncodeToString(sum[:]) != declaredHash {
		return nil, apperr.Wrap(apperr.ErrHashMismatch, "分片 %d 哈希不一致", chunkIndex)
	}

	// (file, index) 级短 TTL 锁：拿不到立即返回 Busy，由调用方稍后重试
	lockName := fmt.Sprintf("chunk:%s:%d", fileID, chunkIndex)
	token, ok, err := s.locker.Acquire(ctx, lockName, s.cfg.LockTTL())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.ErrBusy
	}
	defer func() {
		if err := s.locker.Release(ctx, lockName, token); err != nil {
			log.Warnf("释放分片锁失败, %s, error: %v", lockName, err)
		}
	}()

	// 锁内复核：并发提交方可能已经完成写入
	received, err = s.transferRepo.IsChunkReceived(ctx, fileID, chunkIndex)
	if err != nil {
		return nil, err
	}
	if received {
		return s.chunkResult(ctx, record, chunkIndex)
	}

	// 1. 分片写入对象存储
	objectName, err := s.store.PutChunk(ctx, sessionID, fileID, chunkIndex, payload)
	if err != nil {
		log.Errorf("[SubmitChunk] 上传分片到对象存储失败, fileID: %s, chunk: %d, error: %v", fileID, chunkIndex, err)
		return nil, err
	}

	// 2. 落库分片记录
	chunkRecord := &model.ChunkInfo{
		FileID:      fileID,
		ChunkIndex:  chunkIndex,
		ChunkSize:   int64(len(payload)),
		ChunkHash:   declaredHash,
		StoragePath: objectName,
	}
	if err := s.transferRepo.CreateChunk(chunkRecord); err != nil {
		log.Errorf("[SubmitChunk] 创建分片记录失败, error: %v", err)
		return nil, err
	}

	// 3. 在进度缓存中标记分片已接收
	if err := s.transferRepo.MarkChunkReceived(ctx, fileID, chunkIndex); err != nil {
		log.Errorf("[SubmitChunk] 标记分片进度失败, error: %v", err)
		return nil, err
	}

	// 4. 重新计算进度，以条件更新写入传输记录。
	// 条件更新只触及非终态的行：扫描管道可能已在本次提交之前落了终态，
	// 过期的进度写入不允许把 COMPLETE/BLOCKED 拉回 PROCESSING。
	receivedIdx, err := s.transferRepo.ReceivedChunks(ctx, fileID, record.TotalChunks)
	if err != nil {
		return nil, err
	}
	record.RecordChunk(len(receivedIdx))
	if err := s.transferRepo.UpdateTransferProgress(ctx, record); err != nil {
		return nil, err
	}

	// 5. 发布进度事件供实时扇出
	s.publishChunkEvent(ctx, record, chunkIndex, receivedIdx)

	complete := len(receivedIdx) >= record.TotalChunks
	if complete {
		// 最后一个分片：请求安全扫描，合并与终态由扫描管道负责
		s.publishScanRequest(ctx, record)
	}

	log.Infof("[SubmitChunk] 分片接收成功, fileID: %s, chunk: %d, 进度: %d/%d", fileID, chunkIndex, len(receivedIdx), record.TotalChunks)
	return &ChunkResult{
		ChunkIndex:  chunkIndex,
		TotalChunks: record.TotalChunks,
		Received:    receivedIdx,
		Progress:    record.Progress,
		Complete:    complete,
	}, nil
}

// Progress 返回文件的只读进度投影，供客户端断线重连后续传。
func (s *uploadService) Progress(ctx context.Context, fileID, callerID string) (*ProgressResult, error) {
	record, err := s.getTransfer(ctx, fileID)
	if err != nil {
		return nil, err
	}
	session, err := s.sessionSvc.Get(ctx, record.SessionID)
	if err != nil {
		return nil, err
	}
	if err := s.sessionSvc.ValidateMembership(session, callerID); err != nil {
		return nil, err
	}

	if record.Status == model.TransferComplete {
		// 终态后进度缓存已清理，按记录回答
		indices := make([]int, record.TotalChunks)
		for i := range indices {
			indices[i] = i
		}
		return &ProgressResult{ReceivedIndices: indices, Progress: 100, Status: record.Status}, nil
	}

	receivedIdx, err := s.transferRepo.ReceivedChunks(ctx, fileID, record.TotalChunks)
	if err != nil {
		return nil, err
	}
	return &ProgressResult{
		ReceivedIndices: receivedIdx,
		Progress:        record.Progress,
		Status:          record.Status,
	}, nil
}

// PendingUploads 返回会话内未完成的传输及其已收分片集合。
func (s *uploadService) PendingUploads(ctx context.Context, sessionID, callerID string) ([]PendingUpload, error) {
	session, err := s.sessionSvc.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.sessionSvc.ValidateMembership(session, callerID); err != nil {
		return nil, err
	}

	records, err := s.transferRepo.ListPendingBySession(sessionID)
	if err != nil {
		return nil, err
	}
	pending := make([]PendingUpload, 0, len(records))
	for _, record := range records {
		receivedIdx, err := s.transferRepo.ReceivedChunks(ctx, record.ID, record.TotalChunks)
		if err != nil {
			return nil, err
		}
		pending = append(pending, PendingUpload{Transfer: record, Received: receivedIdx})
	}
	return pending, nil
}

// getTransfer 按 id 取传输记录并把存储层的未找到映射为业务错误。
func (s *uploadService) getTransfer(ctx context.Context, fileID string) (*model.FileTransfer, error) {
	record, err := s.transferRepo.GetTransferByID(ctx, fileID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.ErrNotFound
		}
		return nil, err
	}
	return record, nil
}

// chunkResult 构造幂等路径上的进度应答。
func (s *uploadService) chunkResult(ctx context.Context, record *model.FileTransfer, chunkIndex int) (*ChunkResult, error) {
	if record.Status == model.TransferComplete {
		return &ChunkResult{
			ChunkIndex:  chunkIndex,
			TotalChunks: record.TotalChunks,
			Received:    nil,
			Progress:    100,
			Complete:    true,
		}, nil
	}
	receivedIdx, err := s.transferRepo.ReceivedChunks(ctx, record.ID, record.TotalChunks)
	if err != nil {
		return nil, err
	}
	return &ChunkResult{
		ChunkIndex:  chunkIndex,
		TotalChunks: record.TotalChunks,
		Received:    receivedIdx,
		Progress:    record.Progress,
		Complete:    len(receivedIdx) >= record.TotalChunks,
	}, nil
}

func (s *uploadService) publishChunkEvent(ctx context.Context, record *model.FileTransfer, chunkIndex int, receivedIdx []int) {
	msg := bus.ChunkReceivedMessage{
		SessionID:   record.SessionID,
		FileID:      record.ID,
		FileName:    record.FileName,
		ChunkIndex:  chunkIndex,
		TotalChunks: record.TotalChunks,
		Received:    len(receivedIdx),
		Progress:    record.Progress,
		SenderID:    record.SenderID,
	}
	if err := s.producer.Publish(ctx, bus.TopicChunkReceived, record.ID, msg); err != nil {
		log.Errorf("发布分片进度消息失败, fileID: %s, error: %v", record.ID, err)
	}
}

func (s *uploadService) publishScanRequest(ctx context.Context, record *model.FileTransfer) {
	msg := bus.ScanRequestMessage{
		SessionID:    record.SessionID,
		FileID:       record.ID,
		FileName:     record.FileName,
		TotalChunks:  record.TotalChunks,
		DeclaredMime: record.DeclaredMime,
		SenderID:     record.SenderID,
	}
	if err := s.producer.Publish(ctx, bus.TopicScanRequest, record.ID, msg); err != nil {
		log.Errorf("发布扫描请求失败, fileID: %s, error: %v", record.ID, err)
	} else {
		log.Infof("[SubmitChunk] 分片收齐，扫描请求已发送, fileID: %s", record.ID)
	}
}

func (s *uploadService) publishSessionEvent(ctx context.Context, sessionID, event, actorID, reason string) {
	msg := bus.SessionStatusMessage{
		SessionID: sessionID,
		Event:     event,
		ActorID:   actorID,
		Reason:    reason,
	}
	if err := s.producer.Publish(ctx, bus.TopicSessionStatus, sessionID, msg); err != nil {
		log.Errorf("发布会话事件失败, sessionID: %s, error: %v", sessionID, err)
	}
}

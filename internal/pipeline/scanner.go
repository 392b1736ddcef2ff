package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"pair-send-go/internal/config"
	"pair-send-go/internal/model"
	"pair-send-go/internal/repository"
	"pair-send-go/internal/service"
	"pair-send-go/pkg/bus"
	"pair-send-go/pkg/lock"
	"pair-send-go/pkg/log"
	"pair-send-go/pkg/probe"
	"pair-send-go/pkg/storage"
)

// Scanner 消费扫描请求，对收齐的文件执行嗅探、策略评估与合并。
// 同一文件的重复投递是幂等的：终态文件直接跳过。
type Scanner struct {
	transferRepo repository.TransferRepository
	sessionSvc   service.SessionService
	store        *storage.ObjectStore
	locker       *lock.Locker
	prober       *probe.Client
	producer     *bus.Producer
	cfg          config.TransferConfig
}

// NewScanner 创建一个新的 Scanner 实例。
func NewScanner(
	transferRepo repository.TransferRepository,
	sessionSvc service.SessionService,
	store *storage.ObjectStore,
	locker *lock.Locker,
	prober *probe.Client,
	producer *bus.Producer,
	cfg config.TransferConfig,
) *Scanner {
	return &Scanner{
		transferRepo: transferRepo,
		sessionSvc:   sessionSvc,
		store:        store,
		locker:       locker,
		prober:       prober,
		producer:     producer,
		cfg:          cfg,
	}
}

// Process 是扫描请求主题的消费处理函数。
// 返回 error 表示可重试（由消费者做退避与死信），返回 nil 表示处理完毕。
func (s *Scanner) Process(ctx context.Context, value []byte) error {
	var msg bus.ScanRequestMessage
	if err := json.Unmarshal(value, &msg); err != nil {
		log.Errorf("无法解析扫描请求: %v, value: %s", err, string(value))
		return nil // 格式错误的消息重试没有意义
	}

	record, err := s.transferRepo.GetTransferByID(ctx, msg.FileID)
	if err != nil {
		return fmt.Errorf("加载传输记录失败: %w", err)
	}

	// 终态守卫：重复投递或并发实例已处理过
	if record.Status.Terminal() {
		log.Infof("[Scan] 文件已处于终态 %s, 跳过, fileID: %s", record.Status, record.ID)
		return nil
	}

	// finalize 锁保证同一文件只有一个实例在做合并
	lockName := "finalize:" + record.ID
	token, ok, err := s.locker.Acquire(ctx, lockName, s.cfg.LockTTL())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("文件 %s 正在被其他实例处理", record.ID)
	}
	defer func() {
		if err := s.locker.Release(ctx, lockName, token); err != nil {
			log.Warnf("释放合并锁失败, %s, error: %v", lockName, err)
		}
	}()

	// 以落库分片数为准复核完成度，位图可能超前于事实
	count, err := s.transferRepo.CountChunks(record.ID)
	if err != nil {
		return err
	}
	if count < int64(record.TotalChunks) {
		return fmt.Errorf("分片尚未收齐: %d/%d, fileID: %s", count, record.TotalChunks, record.ID)
	}

	// 读取文件头做内容嗅探，不触发合并
	prefix, err := s.store.ReadPrefix(ctx, record.SessionID, record.ID, record.TotalChunks, s.cfg.ScanPrefixBytes)
	if err != nil {
		return fmt.Errorf("读取文件头失败: %w", err)
	}

	verdict := Evaluate(prefix, record.DeclaredMime)
	if !verdict.Allowed {
		return s.block(ctx, record, verdict)
	}
	return s.finalize(ctx, record, verdict)
}

// block 执行拦截路径：记录终态、清除分片与进度、广播结论。
// 被拦截文件的字节不落成品，存储中不留任何内容。
func (s *Scanner) block(ctx context.Context, record *model.FileTransfer, verdict Verdict) error {
	log.Warnf("[Scan] 文件被安全策略拦截, fileID: %s, 原因: %s", record.ID, verdict.Reason)

	record.MarkBlocked(verdict.DetectedMime, verdict.Reason)
	if err := s.transferRepo.UpdateTransfer(ctx, record); err != nil {
		return err
	}

	if err := s.store.RemoveChunks(ctx, record.SessionID, record.ID, record.TotalChunks); err != nil {
		// 终态已落库，残留分片由保留期清扫兜底
		log.Warnf("[Scan] 清除被拦截文件的分片失败, fileID: %s, error: %v", record.ID, err)
	}
	if err := s.transferRepo.DeleteChunks(record.ID); err != nil {
		log.Warnf("[Scan] 删除分片记录失败, fileID: %s, error: %v", record.ID, err)
	}
	if err := s.transferRepo.ClearProgress(ctx, record.ID); err != nil {
		log.Warnf("[Scan] 清理进度缓存失败, fileID: %s, error: %v", record.ID, err)
	}

	s.publishResult(ctx, record, bus.ScanVerdictBlocked, verdict.DetectedMime, verdict.Reason)
	return nil
}

// finalize 执行放行路径：合并成品、探测扩展元数据、落终态并广播。
func (s *Scanner) finalize(ctx context.Context, record *model.FileTransfer, verdict Verdict) error {
	objectPath, err := s.store.MergeChunks(ctx, record.SessionID, record.ID, record.FileName, record.TotalChunks)
	if err != nil {
		return fmt.Errorf("合并分片失败: %w", err)
	}

	metaInfo := s.inspect(ctx, objectPath, verdict.DetectedMime)

	record.MarkComplete(objectPath, verdict.DetectedMime, metaInfo)
	if err := s.transferRepo.UpdateTransfer(ctx, record); err != nil {
		return err
	}

	if err := s.transferRepo.ClearProgress(ctx, record.ID); err != nil {
		log.Warnf("[Scan] 清理进度缓存失败, fileID: %s, error: %v", record.ID, err)
	}
	if err := s.sessionSvc.AddTransferred(ctx, record.SessionID); err != nil {
		log.Warnf("[Scan] 更新会话传输计数失败, sessionID: %s, error: %v", record.SessionID, err)
	}

	s.publishResult(ctx, record, bus.ScanVerdictCleared, verdict.DetectedMime, "")
	log.Infof("[Scan] 文件处理完成, fileID: %s, path: %s, mime: %s", record.ID, objectPath, verdict.DetectedMime)
	return nil
}

// inspect 对媒体类成品做旁路探测，失败只记录不影响主流程。
func (s *Scanner) inspect(ctx context.Context, objectPath, detectedMime string) string {
	if !strings.HasPrefix(detectedMime, "image/") &&
		!strings.HasPrefix(detectedMime, "video/") &&
		!strings.HasPrefix(detectedMime, "audio/") {
		return ""
	}

	object, err := s.store.GetObject(ctx, objectPath)
	if err != nil {
		log.Warnf("[Scan] 读取成品用于探测失败, path: %s, error: %v", objectPath, err)
		return ""
	}
	defer object.Close()

	meta, err := s.prober.Inspect(ctx, object, detectedMime)
	if err != nil {
		log.Warnf("[Scan] 媒体探测失败, path: %s, error: %v", objectPath, err)
		return ""
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return ""
	}
	return string(data)
}

func (s *Scanner) publishResult(ctx context.Context, record *model.FileTransfer, verdict, detectedMime, reason string) {
	msg := bus.ScanResultMessage{
		SessionID:    record.SessionID,
		FileID:       record.ID,
		FileName:     record.FileName,
		Verdict:      verdict,
		DetectedMime: detectedMime,
		Reason:       reason,
		SenderID:     record.SenderID,
	}
	if err := s.producer.Publish(ctx, bus.TopicScanResult, record.ID, msg); err != nil {
		log.Errorf("发布扫描结果失败, fileID: %s, error: %v", record.ID, err)
	}
}

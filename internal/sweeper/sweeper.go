// Package sweeper 运行传输核心的各类后台维护任务：
// 会话过期迁移、连接码轮换、孤儿传输清理和终态会话的保留期清除。
package sweeper

import (
	"context"
	"time"

	"pair-send-go/internal/config"
	"pair-send-go/internal/repository"
	"pair-send-go/internal/service"
	"pair-send-go/pkg/bus"
	"pair-send-go/pkg/log"
	"pair-send-go/pkg/storage"
)

// Sweeper 聚合全部后台清扫循环，随服务启动、随上下文取消退出。
type Sweeper struct {
	sessionRepo  repository.SessionRepository
	transferRepo repository.TransferRepository
	sessionSvc   service.SessionService
	store        *storage.ObjectStore
	producer     *bus.Producer
	cfg          config.TransferConfig
}

// New 创建一个新的 Sweeper 实例。
func New(
	sessionRepo repository.SessionRepository,
	transferRepo repository.TransferRepository,
	sessionSvc service.SessionService,
	store *storage.ObjectStore,
	producer *bus.Producer,
	cfg config.TransferConfig,
) *Sweeper {
	return &Sweeper{
		sessionRepo:  sessionRepo,
		transferRepo: transferRepo,
		sessionSvc:   sessionSvc,
		store:        store,
		producer:     producer,
		cfg:          cfg,
	}
}

// Start 启动全部清扫循环。每个循环独立运行，互不影响节奏。
func (s *Sweeper) Start(ctx context.Context) {
	go s.loop(ctx, time.Duration(s.cfg.SweepIntervalSecond)*time.Second, "session-expiry", s.sweepExpired)
	go s.loop(ctx, time.Duration(s.cfg.CodeRotationSeconds)*time.Second, "code-rotation", s.rotateCodes)
	go s.loop(ctx, time.Duration(s.cfg.SweepIntervalSecond)*time.Second, "orphan-cleanup", s.sweepOrphans)
	go s.loop(ctx, time.Duration(s.cfg.SweepIntervalSecond)*time.Second, "retention-purge", s.purgeRetained)
	log.Infof("[Sweeper] 后台清扫已启动, 间隔: %ds, 轮换: %ds", s.cfg.SweepIntervalSecond, s.cfg.CodeRotationSeconds)
}

// loop 以固定间隔运行 fn，直到上下文取消。单次失败不中断循环。
func (s *Sweeper) loop(ctx context.Context, interval time.Duration, name string, fn func(ctx context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Infof("[Sweeper] %s 已停止", name)
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				log.Errorf("[Sweeper] %s 执行失败: %v", name, err)
			}
		}
	}
}

// sweepExpired 将所有超过墙上时钟有效期的会话迁移为 EXPIRED。
func (s *Sweeper) sweepExpired(ctx context.Context) error {
	expired, err := s.sessionSvc.ExpireOverdue(ctx)
	if err != nil {
		return err
	}
	if expired > 0 {
		log.Infof("[Sweeper] 会话过期迁移完成, 数量: %d", expired)
	}
	return nil
}

// rotateCodes 为仍在等待对端的会话轮换连接码。
func (s *Sweeper) rotateCodes(ctx context.Context) error {
	rotated, err := s.sessionSvc.RotateCodes(ctx)
	if err != nil {
		return err
	}
	if rotated > 0 {
		log.Debugf("[Sweeper] 连接码轮换完成, 数量: %d", rotated)
	}
	return nil
}

// sweepOrphans 清理长时间停留在非终态的传输：删除分片对象、分片记录与进度缓存，
// 传输记录本身保留并置为 ERROR，双方仍能看到失败事实。
func (s *Sweeper) sweepOrphans(ctx context.Context) error {
	cutoff := time.Now().Add(-time.Duration(s.cfg.OrphanAfterMinutes) * time.Minute)
	records, err := s.transferRepo.FindStale(cutoff)
	if err != nil {
		return err
	}
	for i := range records {
		record := &records[i]
		if err := s.store.RemoveChunks(ctx, record.SessionID, record.ID, record.TotalChunks); err != nil {
			log.Warnf("[Sweeper] 清除孤儿分片失败, fileID: %s, error: %v", record.ID, err)
		}
		if err := s.transferRepo.DeleteChunks(record.ID); err != nil {
			log.Warnf("[Sweeper] 删除孤儿分片记录失败, fileID: %s, error: %v", record.ID, err)
		}
		if err := s.transferRepo.ClearProgress(ctx, record.ID); err != nil {
			log.Warnf("[Sweeper] 清理孤儿进度缓存失败, fileID: %s, error: %v", record.ID, err)
		}
		record.MarkError("上传长时间无进展，已被放弃")
		if err := s.transferRepo.UpdateTransfer(ctx, record); err != nil {
			log.Warnf("[Sweeper] 孤儿传输落终态失败, fileID: %s, error: %v", record.ID, err)
			continue
		}
		// 通知双方上传已失败
		msg := bus.ScanResultMessage{
			SessionID: record.SessionID,
			FileID:    record.ID,
			FileName:  record.FileName,
			Verdict:   bus.ScanVerdictError,
			Reason:    record.ErrorMsg,
			SenderID:  record.SenderID,
		}
		if err := s.producer.Publish(ctx, bus.TopicScanResult, record.ID, msg); err != nil {
			log.Warnf("[Sweeper] 发布孤儿清理通知失败, fileID: %s, error: %v", record.ID, err)
		}
		log.Infof("[Sweeper] 孤儿传输已清理, fileID: %s", record.ID)
	}
	return nil
}

// purgeRetained 彻底删除超过保留窗口的终态会话：
// 先清对象存储中的会话前缀，再删传输与分片记录，最后删会话本身。
func (s *Sweeper) purgeRetained(ctx context.Context) error {
	cutoff := time.Now().Add(-time.Duration(s.cfg.RetentionHours) * time.Hour)
	sessions, err := s.sessionRepo.FindPurgeable(cutoff)
	if err != nil {
		return err
	}
	for i := range sessions {
		session := &sessions[i]
		if err := s.store.RemovePrefix(ctx, session.ID); err != nil {
			log.Warnf("[Sweeper] 清除会话对象失败, sessionID: %s, error: %v", session.ID, err)
			continue // 对象还在就先不删记录，下一轮重试
		}
		if err := s.transferRepo.DeleteBySession(ctx, session.ID); err != nil {
			log.Warnf("[Sweeper] 删除会话传输记录失败, sessionID: %s, error: %v", session.ID, err)
			continue
		}
		if err := s.sessionRepo.Delete(ctx, session); err != nil {
			log.Warnf("[Sweeper] 删除会话记录失败, sessionID: %s, error: %v", session.ID, err)
			continue
		}
		log.Infof("[Sweeper] 会话已过保留期并清除, sessionID: %s", session.ID)
	}
	return nil
}

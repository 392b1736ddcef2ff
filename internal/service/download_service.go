package service

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"

	"pair-send-go/internal/config"
	"pair-send-go/internal/model"
	"pair-send-go/internal/repository"
	"pair-send-go/pkg/apperr"
	"pair-send-go/pkg/log"
	"pair-send-go/pkg/token"
)

// DownloadTicket 是下载令牌的签发结果。
type DownloadTicket struct {
	Token     string    `json:"token"`
	FileID    string    `json:"fileId"`
	FileName  string    `json:"fileName"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// DownloadTarget 是令牌兑换后的下载目标。
type DownloadTarget struct {
	FileName     string `json:"fileName"`
	DetectedMime string `json:"detectedMime"`
	TotalSize    int64  `json:"totalSize"`
	URL          string `json:"url"`
}

// DownloadService 接口定义了成品文件的下载授权操作。
// 令牌一次有效：签发时绑定文件，兑换即销毁，重放直接失败。
type DownloadService interface {
	IssueToken(ctx context.Context, sessionID, fileID, callerID string) (*DownloadTicket, error)
	Redeem(ctx context.Context, downloadToken string) (*DownloadTarget, error)
	ListFiles(ctx context.Context, sessionID, callerID string) ([]model.FileTransfer, error)
}

type downloadService struct {
	transferRepo repository.TransferRepository
	sessionSvc   SessionService
	store        URLSigner
	rdb          *redis.Client
	cfg          config.TransferConfig
}

// NewDownloadService 创建一个新的 DownloadService 实例。
func NewDownloadService(
	transferRepo repository.TransferRepository,
	sessionSvc SessionService,
	store URLSigner,
	rdb *redis.Client,
	cfg config.TransferConfig,
) DownloadService {
	return &downloadService{
		transferRepo: transferRepo,
		sessionSvc:   sessionSvc,
		store:        store,
		rdb:          rdb,
		cfg:          cfg,
	}
}

func downloadKey(tok string) string {
	return "download:" + tok
}

func (s *downloadService) ttl() time.Duration {
	return time.Duration(s.cfg.DownloadTTLMinutes) * time.Minute
}

// IssueToken 为会话成员签发一个针对单个已完成文件的一次性下载令牌。
// 只有安全扫描放行（COMPLETE）的文件可以签发，拦截或未完成的文件一律拒绝。
func (s *downloadService) IssueToken(ctx context.Context, sessionID, fileID, callerID string) (*DownloadTicket, error) {
	session, err := s.sessionSvc.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.sessionSvc.ValidateMembership(session, callerID); err != nil {
		return nil, err
	}

	record, err := s.transferRepo.GetTransferByID(ctx, fileID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.ErrNotFound
		}
		return nil, err
	}
	if record.SessionID != sessionID {
		return nil, apperr.ErrNotFound
	}
	if record.Status == model.TransferBlocked {
		return nil, apperr.Wrap(apperr.ErrSecurityBlocked, "文件已被安全拦截: %s", record.ErrorMsg)
	}
	if record.Status != model.TransferComplete {
		return nil, apperr.Wrap(apperr.ErrConflict, "文件尚未就绪, 当前状态 %s", record.Status)
	}

	tok := token.GenerateRandomString(32)
	if err := s.rdb.Set(ctx, downloadKey(tok), record.ID, s.ttl()).Err(); err != nil {
		return nil, err
	}

	log.Infof("[IssueToken] 下载令牌已签发, fileID: %s, caller: %s", record.ID, callerID)
	return &DownloadTicket{
		Token:     tok,
		FileID:    record.ID,
		FileName:  record.FileName,
		ExpiresAt: time.Now().Add(s.ttl()),
	}, nil
}

// Redeem 兑换一次性令牌，返回成品对象的限时下载 URL。
// GetDel 保证同一令牌只有一次兑换成功，过期或重放都映射为未找到。
func (s *downloadService) Redeem(ctx context.Context, downloadToken string) (*DownloadTarget, error) {
	fileID, err := s.rdb.GetDel(ctx, downloadKey(downloadToken)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, apperr.Wrap(apperr.ErrNotFound, "下载令牌无效或已使用")
		}
		return nil, err
	}

	record, err := s.transferRepo.GetTransferByID(ctx, fileID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.ErrNotFound
		}
		return nil, err
	}
	// 签发之后文件可能被保留期清扫或会话清理动过，兑换时复核终态
	if record.Status != model.TransferComplete {
		return nil, apperr.Wrap(apperr.ErrConflict, "文件已不可下载, 当前状态 %s", record.Status)
	}

	url, err := s.store.PresignedURL(ctx, record.StoragePath, s.ttl())
	if err != nil {
		log.Errorf("[Redeem] 生成下载 URL 失败, fileID: %s, error: %v", record.ID, err)
		return nil, err
	}

	log.Infof("[Redeem] 下载令牌已兑换, fileID: %s", record.ID)
	return &DownloadTarget{
		FileName:     record.FileName,
		DetectedMime: record.DetectedMime,
		TotalSize:    record.TotalSize,
		URL:          url,
	}, nil
}

// ListFiles 返回会话内的全部传输记录，供双方查看文件清单。
func (s *downloadService) ListFiles(ctx context.Context, sessionID, callerID string) ([]model.FileTransfer, error) {
	session, err := s.sessionSvc.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.sessionSvc.ValidateMembership(session, callerID); err != nil {
		return nil, err
	}
	return s.transferRepo.ListBySession(sessionID)
}

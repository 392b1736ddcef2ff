// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

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

// SessionService 接口定义了两方配对会话的业务操作。
type SessionService interface {
	Create(ctx context.Context, creatorID string) (*model.Session, error)
	JoinByCode(ctx context.Context, code, guestID, guestName string) (*model.Session, error)
	Approve(ctx context.Context, sessionID, callerID string) (*model.Session, error)
	Reject(ctx context.Context, sessionID, callerID string) (*model.Session, error)
	Close(ctx context.Context, sessionID, callerID, reason string) error
	Get(ctx context.Context, sessionID string) (*model.Session, error)

	// ValidateActive 要求会话处于 ACTIVE 且未过墙上时钟有效期；
	// 发现已过期时顺带完成状态迁移并向调用方返回 ErrExpired。
	ValidateActive(ctx context.Context, session *model.Session) error
	// ValidateMembership 要求 userID 是创建者、正式访客或待审批访客。
	ValidateMembership(session *model.Session, userID string) error
	// AddTransferred 在会话锁内递增已传输文件计数。
	AddTransferred(ctx context.Context, sessionID string) error

	// 后台清扫入口
	ExpireOverdue(ctx context.Context) (int, error)
	RotateCodes(ctx context.Context) (int, error)
}

type sessionService struct {
	sessionRepo repository.SessionRepository
	locker      Locker
	producer    Publisher
	cfg         config.TransferConfig
}

// NewSessionService 创建一个新的 SessionService 实例。
func NewSessionService(sessionRepo repository.SessionRepository, locker Locker, producer Publisher, cfg config.TransferConfig) SessionService {
	return &sessionService{
		sessionRepo: sessionRepo,
		locker:      locker,
		producer:    producer,
		cfg:         cfg,
	}
}

// generateCode 生成一个 8 位数字连接码。
func generateCode() string {
	n, err := rand.Int(rand.Reader, big.NewInt(100000000))
	if err != nil {
		n = big.NewInt(time.Now().UnixNano() % 100000000)
	}
	return fmt.Sprintf("%08d", n)
}

// Create 创建一个处于 WAITING 状态的新会话并分配连接码。
func (s *sessionService) Create(ctx context.Context, creatorID string) (*model.Session, error) {
	now := time.Now()
	session := &model.Session{
		ID:            uuid.NewString(),
		Code:          generateCode(),
		CreatorID:     creatorID,
		Status:        model.SessionWaiting,
		ExpiresAt:     now.Add(s.cfg.SessionTTL()),
		CodeExpiresAt: now.Add(s.cfg.CodeTTL()),
	}
	if err := s.sessionRepo.Create(ctx, session); err != nil {
		log.Errorf("[CreateSession] 创建会话记录失败, error: %v", err)
		return nil, err
	}
	log.Infof("[CreateSession] 会话创建成功, sessionID: %s, creator: %s", session.ID, creatorID)
	return session, nil
}

// JoinByCode 处理访客按连接码申请加入。
// 同一访客重复调用是幂等的；第三方在已配对/待审批状态下的加入会被拒绝。
// 锁外的检查只用于快速失败，状态机裁决以锁内重新读到的最新记录为准，
// 两个访客并发争用同一个码时只有先进临界区的一个能进入待审批。
func (s *sessionService) JoinByCode(ctx context.Context, code, guestID, guestName string) (*model.Session, error) {
	session, err := s.sessionRepo.GetByCode(ctx, code)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.ErrNotFound
		}
		return nil, err
	}

	now := time.Now()

	// 幂等：同一访客重复加入直接返回当前会话
	if (session.GuestID != nil && *session.GuestID == guestID) ||
		(session.PendingGuestID != nil && *session.PendingGuestID == guestID) {
		return session, nil
	}

	if guestID == session.CreatorID {
		return nil, apperr.Wrap(apperr.ErrForbidden, "创建者不能加入自己的会话")
	}

	// 会话已过期：顺带完成状态迁移再拒绝
	if session.WallClockExpired(now) {
		if err := s.expireSession(ctx, session.ID); err != nil {
			log.Warnf("[JoinSession] 过期迁移失败, sessionID: %s, error: %v", session.ID, err)
		}
		return nil, apperr.ErrExpired
	}

	// 连接码已过轮换宽限期
	if now.After(session.CodeExpiresAt) {
		return nil, apperr.ErrNotFound
	}

	if session.Status != model.SessionWaiting {
		return nil, apperr.Wrap(apperr.ErrConflict, "会话当前状态为 %s", session.Status)
	}

	requested := false
	err = s.withSessionLock(ctx, session.ID, func() error {
		fresh, err := s.getMutable(ctx, session.ID)
		if err != nil {
			return err
		}
		if (fresh.GuestID != nil && *fresh.GuestID == guestID) ||
			(fresh.PendingGuestID != nil && *fresh.PendingGuestID == guestID) {
			session = fresh
			return nil
		}
		if fresh.Status != model.SessionWaiting {
			return apperr.Wrap(apperr.ErrConflict, "会话当前状态为 %s", fresh.Status)
		}
		fresh.RequestEntry(guestID, guestName)
		if err := s.sessionRepo.Update(ctx, fresh); err != nil {
			return err
		}
		session = fresh
		requested = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if requested {
		s.publishStatus(ctx, session, ws.EventEntryRequested, guestID, "")
		log.Infof("[JoinSession] 访客申请加入, sessionID: %s, guest: %s", session.ID, guestID)
	}
	return session, nil
}

// Approve 由创建者批准待审批访客，会话进入 ACTIVE。
// 待审批状态在锁内复核，和并发的 Reject/Close 争用时后到者得到 Conflict。
func (s *sessionService) Approve(ctx context.Context, sessionID, callerID string) (*model.Session, error) {
	session, err := s.getMutable(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if callerID != session.CreatorID {
		return nil, apperr.Wrap(apperr.ErrForbidden, "只有创建者可以审批")
	}
	if session.Status != model.SessionWaitingApproval {
		return nil, apperr.Wrap(apperr.ErrConflict, "没有待审批的访客")
	}

	var guestID string
	err = s.withSessionLock(ctx, sessionID, func() error {
		fresh, err := s.getMutable(ctx, sessionID)
		if err != nil {
			return err
		}
		if fresh.Status != model.SessionWaitingApproval || fresh.PendingGuestID == nil {
			return apperr.Wrap(apperr.ErrConflict, "没有待审批的访客")
		}
		guestID = *fresh.PendingGuestID
		fresh.ApproveEntry()
		if err := s.sessionRepo.Update(ctx, fresh); err != nil {
			return err
		}
		session = fresh
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publishStatus(ctx, session, ws.EventEntryApproved, callerID, "")
	s.publishStatus(ctx, session, ws.EventParticipantJoined, guestID, "")
	log.Infof("[ApproveEntry] 访客已批准, sessionID: %s, guest: %s", session.ID, guestID)
	return session, nil
}

// Reject 由创建者拒绝待审批访客，会话回到 WAITING。
func (s *sessionService) Reject(ctx context.Context, sessionID, callerID string) (*model.Session, error) {
	session, err := s.getMutable(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if callerID != session.CreatorID {
		return nil, apperr.Wrap(apperr.ErrForbidden, "只有创建者可以审批")
	}
	if session.Status != model.SessionWaitingApproval {
		return nil, apperr.Wrap(apperr.ErrConflict, "没有待审批的访客")
	}

	err = s.withSessionLock(ctx, sessionID, func() error {
		fresh, err := s.getMutable(ctx, sessionID)
		if err != nil {
			return err
		}
		if fresh.Status != model.SessionWaitingApproval || fresh.PendingGuestID == nil {
			return apperr.Wrap(apperr.ErrConflict, "没有待审批的访客")
		}
		fresh.RejectEntry()
		if err := s.sessionRepo.Update(ctx, fresh); err != nil {
			return err
		}
		session = fresh
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publishStatus(ctx, session, ws.EventEntryRejected, callerID, "")
	log.Infof("[RejectEntry] 访客已拒绝, sessionID: %s", session.ID)
	return session, nil
}

// Close 由任一参与者关闭一个尚未终态的会话。
// 关闭者先以 participant_left 离场，随后广播 session_closed。
func (s *sessionService) Close(ctx context.Context, sessionID, callerID, reason string) error {
	session, err := s.getMutable(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := s.ValidateMembership(session, callerID); err != nil {
		return err
	}
	if session.Status.Terminal() {
		return apperr.Wrap(apperr.ErrConflict, "会话已结束")
	}

	err = s.withSessionLock(ctx, sessionID, func() error {
		fresh, err := s.getMutable(ctx, sessionID)
		if err != nil {
			return err
		}
		if fresh.Status.Terminal() {
			return apperr.Wrap(apperr.ErrConflict, "会话已结束")
		}
		fresh.MarkClosed(time.Now())
		if err := s.sessionRepo.Update(ctx, fresh); err != nil {
			return err
		}
		session = fresh
		return nil
	})
	if err != nil {
		return err
	}

	s.publishStatus(ctx, session, ws.EventParticipantLeft, callerID, reason)
	s.publishStatus(ctx, session, ws.EventSessionClosed, callerID, reason)
	log.Infof("[CloseSession] 会话已关闭, sessionID: %s, by: %s, reason: %s", session.ID, callerID, reason)
	return nil
}

// Get 返回会话记录。
func (s *sessionService) Get(ctx context.Context, sessionID string) (*model.Session, error) {
	return s.getMutable(ctx, sessionID)
}

// ValidateActive 见接口说明。
func (s *sessionService) ValidateActive(ctx context.Context, session *model.Session) error {
	if session.WallClockExpired(time.Now()) && !session.Status.Terminal() {
		if err := s.expireSession(ctx, session.ID); err != nil {
			log.Warnf("[ValidateActive] 过期迁移失败, sessionID: %s, error: %v", session.ID, err)
		}
		return apperr.ErrExpired
	}
	switch session.Status {
	case model.SessionActive:
		return nil
	case model.SessionExpired:
		return apperr.ErrExpired
	default:
		return apperr.Wrap(apperr.ErrConflict, "会话未处于 ACTIVE 状态")
	}
}

// ValidateMembership 见接口说明。
func (s *sessionService) ValidateMembership(session *model.Session, userID string) error {
	if !session.IsMember(userID) {
		return apperr.Wrap(apperr.ErrForbidden, "用户不是会话成员")
	}
	return nil
}

// AddTransferred 在会话锁内递增已传输文件计数，并发安全。
func (s *sessionService) AddTransferred(ctx context.Context, sessionID string) error {
	return s.withSessionLock(ctx, sessionID, func() error {
		session, err := s.getMutable(ctx, sessionID)
		if err != nil {
			return err
		}
		session.FilesTransferred++
		return s.sessionRepo.Update(ctx, session)
	})
}

// ExpireOverdue 扫描并迁移所有已过墙上时钟有效期的会话，返回迁移数量。
func (s *sessionService) ExpireOverdue(ctx context.Context) (int, error) {
	sessions, err := s.sessionRepo.FindExpired(time.Now())
	if err != nil {
		return 0, err
	}
	expired := 0
	for i := range sessions {
		if err := s.expireSession(ctx, sessions[i].ID); err != nil {
			log.Warnf("[ExpireOverdue] 会话过期迁移失败, sessionID: %s, error: %v", sessions[i].ID, err)
			continue
		}
		expired++
	}
	return expired, nil
}

// RotateCodes 为所有仍在等待对端的会话生成新的连接码。
// 旧码的缓存映射随 TTL 过期，形成短暂宽限；轮换与会话有效期互不影响。
func (s *sessionService) RotateCodes(ctx context.Context) (int, error) {
	sessions, err := s.sessionRepo.FindAwaitingPeer()
	if err != nil {
		return 0, err
	}
	rotated := 0
	for i := range sessions {
		sessionID := sessions[i].ID
		var session *model.Session
		err := s.withSessionLock(ctx, sessionID, func() error {
			fresh, err := s.getMutable(ctx, sessionID)
			if err != nil {
				return err
			}
			// 批量查询之后状态可能已经变化，锁内复核
			if !fresh.AwaitingPeer() || fresh.WallClockExpired(time.Now()) {
				return nil
			}
			fresh.RotateCode(generateCode(), time.Now().Add(s.cfg.CodeTTL()))
			if err := s.sessionRepo.Update(ctx, fresh); err != nil {
				return err
			}
			session = fresh
			return nil
		})
		if err != nil {
			log.Warnf("[RotateCodes] 连接码轮换失败, sessionID: %s, error: %v", sessionID, err)
			continue
		}
		if session == nil {
			continue
		}
		s.publishStatus(ctx, session, ws.EventCodeRotated, "", "")
		rotated++
	}
	return rotated, nil
}

// getMutable 按 id 取会话并把存储层的未找到映射为业务错误。
func (s *sessionService) getMutable(ctx context.Context, sessionID string) (*model.Session, error) {
	session, err := s.sessionRepo.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.ErrNotFound
		}
		return nil, err
	}
	return session, nil
}

// expireSession 在锁内将会话迁移为 EXPIRED 并广播事件。已终态时为空操作。
func (s *sessionService) expireSession(ctx context.Context, sessionID string) error {
	var session *model.Session
	err := s.withSessionLock(ctx, sessionID, func() error {
		fresh, err := s.getMutable(ctx, sessionID)
		if err != nil {
			return err
		}
		if fresh.Status.Terminal() {
			return nil
		}
		fresh.MarkExpired(time.Now())
		if err := s.sessionRepo.Update(ctx, fresh); err != nil {
			return err
		}
		session = fresh
		return nil
	})
	if err != nil {
		return err
	}
	if session != nil {
		s.publishStatus(ctx, session, ws.EventSessionExpired, "", "session ttl elapsed")
	}
	return nil
}

// withSessionLock 在会话级分布式锁内执行 fn。锁被占用时快速返回 ErrBusy。
func (s *sessionService) withSessionLock(ctx context.Context, sessionID string, fn func() error) error {
	token, ok, err := s.locker.Acquire(ctx, "session:"+sessionID, s.cfg.LockTTL())
	if err != nil {
		return err
	}
	if !ok {
		return apperr.ErrBusy
	}
	defer func() {
		if err := s.locker.Release(ctx, "session:"+sessionID, token); err != nil {
			log.Warnf("释放会话锁失败, sessionID: %s, error: %v", sessionID, err)
		}
	}()
	return fn()
}

// publishStatus 向事件总线发布会话状态消息，由扇出层转为 WebSocket 推送。
func (s *sessionService) publishStatus(ctx context.Context, session *model.Session, event, actorID, reason string) {
	msg := bus.SessionStatusMessage{
		SessionID: session.ID,
		Status:    string(session.Status),
		Event:     event,
		ActorID:   actorID,
		Reason:    reason,
	}
	if err := s.producer.Publish(ctx, bus.TopicSessionStatus, session.ID, msg); err != nil {
		log.Errorf("发布会话状态消息失败, sessionID: %s, error: %v", session.ID, err)
	}
}

// Package repository 定义了与数据库进行数据交换的接口和实现。
package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"

	"pair-send-go/internal/model"
	"pair-send-go/pkg/log"
)

// SessionRepository 接口定义了会话记录的数据持久化操作。
// MySQL 是权威存储，Redis 只作为按 id 与连接码两个键的读写穿透镜像。
type SessionRepository interface {
	Create(ctx context.Context, session *model.Session) error
	GetByID(ctx context.Context, id string) (*model.Session, error)
	GetByCode(ctx context.Context, code string) (*model.Session, error)
	Update(ctx context.Context, session *model.Session) error
	Delete(ctx context.Context, session *model.Session) error

	// 后台清扫使用的批量查询
	FindExpired(now time.Time) ([]model.Session, error)
	FindAwaitingPeer() ([]model.Session, error)
	FindPurgeable(cutoff time.Time) ([]model.Session, error)
}

// sessionRepository 是 SessionRepository 接口的 GORM+Redis 实现。
type sessionRepository struct {
	db       *gorm.DB
	rdb      *redis.Client
	cacheTTL time.Duration
}

// NewSessionRepository 创建一个新的 SessionRepository 实例。
func NewSessionRepository(db *gorm.DB, rdb *redis.Client, cacheTTL time.Duration) SessionRepository {
	return &sessionRepository{db: db, rdb: rdb, cacheTTL: cacheTTL}
}

func sessionIDKey(id string) string {
	return "session:id:" + id
}

func sessionCodeKey(code string) string {
	return "session:code:" + code
}

// Create 写入会话行并填充两个缓存键。
func (r *sessionRepository) Create(ctx context.Context, session *model.Session) error {
	if err := r.db.Create(session).Error; err != nil {
		return err
	}
	r.cache(ctx, session)
	return nil
}

// GetByID 按 id 检索会话，缓存未命中时回源数据库并重新填充缓存。
func (r *sessionRepository) GetByID(ctx context.Context, id string) (*model.Session, error) {
	if data, err := r.rdb.Get(ctx, sessionIDKey(id)).Bytes(); err == nil {
		var cached model.Session
		if err := json.Unmarshal(data, &cached); err == nil {
			return &cached, nil
		}
	}

	var session model.Session
	if err := r.db.Where("id = ?", id).First(&session).Error; err != nil {
		return nil, err
	}
	r.cache(ctx, &session)
	return &session, nil
}

// GetByCode 按连接码检索会话。码到 id 的映射也是缓存的二级键。
func (r *sessionRepository) GetByCode(ctx context.Context, code string) (*model.Session, error) {
	if id, err := r.rdb.Get(ctx, sessionCodeKey(code)).Result(); err == nil {
		return r.GetByID(ctx, id)
	}

	var session model.Session
	if err := r.db.Where("code = ?", code).First(&session).Error; err != nil {
		return nil, err
	}
	r.cache(ctx, &session)
	return &session, nil
}

// Update 保存会话行并刷新镜像。
// 连接码轮换后旧码的映射不做主动删除，随 TTL 自然过期，形成短暂的宽限窗口。
func (r *sessionRepository) Update(ctx context.Context, session *model.Session) error {
	if err := r.db.Save(session).Error; err != nil {
		return err
	}
	r.cache(ctx, session)
	return nil
}

// Delete 删除会话行并清除镜像。
func (r *sessionRepository) Delete(ctx context.Context, session *model.Session) error {
	if err := r.db.Where("id = ?", session.ID).Delete(&model.Session{}).Error; err != nil {
		return err
	}
	if err := r.rdb.Del(ctx, sessionIDKey(session.ID), sessionCodeKey(session.Code)).Err(); err != nil {
		log.Warnf("删除会话缓存失败, sessionID: %s, error: %v", session.ID, err)
	}
	return nil
}

// FindExpired 查找按墙上时钟已过期但状态尚未迁移的会话。
func (r *sessionRepository) FindExpired(now time.Time) ([]model.Session, error) {
	var sessions []model.Session
	err := r.db.Where("expires_at < ? AND status NOT IN ?", now,
		[]model.SessionStatus{model.SessionClosed, model.SessionExpired}).
		Find(&sessions).Error
	return sessions, err
}

// FindAwaitingPeer 查找仍在等待对端确定的会话，用于连接码轮换。
func (r *sessionRepository) FindAwaitingPeer() ([]model.Session, error) {
	var sessions []model.Session
	err := r.db.Where("status IN ?",
		[]model.SessionStatus{model.SessionWaiting, model.SessionWaitingApproval}).
		Find(&sessions).Error
	return sessions, err
}

// FindPurgeable 查找终态后已超过保留窗口、可以连同数据一起清除的会话。
func (r *sessionRepository) FindPurgeable(cutoff time.Time) ([]model.Session, error) {
	var sessions []model.Session
	err := r.db.Where("status IN ? AND closed_at < ?",
		[]model.SessionStatus{model.SessionClosed, model.SessionExpired}, cutoff).
		Find(&sessions).Error
	return sessions, err
}

// cache 刷新 id 与连接码两个镜像键。缓存失败只降级为日志，不影响权威写入。
func (r *sessionRepository) cache(ctx context.Context, session *model.Session) {
	data, err := json.Marshal(session)
	if err != nil {
		return
	}
	if err := r.rdb.Set(ctx, sessionIDKey(session.ID), data, r.cacheTTL).Err(); err != nil {
		log.Warnf("写入会话缓存失败, sessionID: %s, error: %v", session.ID, err)
		return
	}
	codeTTL := time.Until(session.CodeExpiresAt)
	if codeTTL > 0 {
		if err := r.rdb.Set(ctx, sessionCodeKey(session.Code), session.ID, codeTTL).Err(); err != nil {
			log.Warnf("写入连接码映射失败, code: %s, error: %v", session.Code, err)
		}
	}
}

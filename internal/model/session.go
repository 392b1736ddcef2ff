// Package model 定义了与数据库表对应的 Go 结构体。
package model

import "time"

// SessionStatus 表示会话配对状态机中的一个状态。
type SessionStatus string

const (
	SessionWaiting         SessionStatus = "WAITING"          // 等待对端加入
	SessionWaitingApproval SessionStatus = "WAITING_APPROVAL" // 有访客申请，等待创建者审批
	SessionActive          SessionStatus = "ACTIVE"           // 双方已配对
	SessionClosed          SessionStatus = "CLOSED"           // 任一方主动关闭
	SessionExpired         SessionStatus = "EXPIRED"          // 超过有效期
)

// Terminal 报告该状态是否为终态。终态会话不再接受任何变更操作。
func (s SessionStatus) Terminal() bool {
	return s == SessionClosed || s == SessionExpired
}

// Session 定义了 transfer_session 表的 ORM 模型。
// 一个会话是创建者与至多一名访客之间的配对上下文，文件只能在会话内交换。
type Session struct {
	ID               string        `gorm:"type:varchar(36);primaryKey" json:"id"`
	Code             string        `gorm:"type:varchar(8);not null;index" json:"code"`
	CreatorID        string        `gorm:"type:varchar(64);not null;index" json:"creatorId"`
	GuestID          *string       `gorm:"type:varchar(64)" json:"guestId"`
	PendingGuestID   *string       `gorm:"type:varchar(64)" json:"pendingGuestId"`
	PendingGuestName *string       `gorm:"type:varchar(128)" json:"pendingGuestName"`
	Status           SessionStatus `gorm:"type:varchar(20);not null;index" json:"status"`
	FilesTransferred int           `gorm:"not null;default:0" json:"filesTransferred"`
	CreatedAt        time.Time     `gorm:"autoCreateTime" json:"createdAt"`
	ExpiresAt        time.Time     `gorm:"not null;index" json:"expiresAt"`
	CodeExpiresAt    time.Time     `gorm:"not null" json:"codeExpiresAt"`
	ClosedAt         *time.Time    `gorm:"default:null" json:"closedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Session) TableName() string {
	return "transfer_session"
}

// IsMember 报告 userID 是否为会话的创建者、正式访客或待审批访客。
func (s *Session) IsMember(userID string) bool {
	if userID == s.CreatorID {
		return true
	}
	if s.GuestID != nil && *s.GuestID == userID {
		return true
	}
	if s.PendingGuestID != nil && *s.PendingGuestID == userID {
		return true
	}
	return false
}

// WallClockExpired 报告会话按墙上时钟是否已过期。
func (s *Session) WallClockExpired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// RequestEntry 记录一名待审批访客并进入 WAITING_APPROVAL 状态。
func (s *Session) RequestEntry(guestID, guestName string) {
	s.PendingGuestID = &guestID
	s.PendingGuestName = &guestName
	s.Status = SessionWaitingApproval
}

// ApproveEntry 将待审批访客提升为正式访客并进入 ACTIVE 状态。
func (s *Session) ApproveEntry() {
	s.GuestID = s.PendingGuestID
	s.PendingGuestID = nil
	s.PendingGuestName = nil
	s.Status = SessionActive
}

// RejectEntry 清除待审批访客并回到 WAITING 状态。
func (s *Session) RejectEntry() {
	s.PendingGuestID = nil
	s.PendingGuestName = nil
	s.Status = SessionWaiting
}

// MarkClosed 将会话置为 CLOSED 并记录关闭时间。
func (s *Session) MarkClosed(now time.Time) {
	s.Status = SessionClosed
	s.ClosedAt = &now
}

// MarkExpired 将会话置为 EXPIRED。
func (s *Session) MarkExpired(now time.Time) {
	s.Status = SessionExpired
	s.ClosedAt = &now
}

// RotateCode 替换连接码并刷新连接码有效期。会话本身的有效期不受影响。
func (s *Session) RotateCode(code string, codeExpiresAt time.Time) {
	s.Code = code
	s.CodeExpiresAt = codeExpiresAt
}

// AwaitingPeer 报告会话是否仍在等待对端确定（连接码需要持续轮换的状态）。
func (s *Session) AwaitingPeer() bool {
	return s.Status == SessionWaiting || s.Status == SessionWaitingApproval
}

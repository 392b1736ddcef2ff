package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pair-send-go/internal/config"
	"pair-send-go/internal/model"
	"pair-send-go/internal/ws"
	"pair-send-go/pkg/apperr"
	"pair-send-go/pkg/bus"
)

func testTransferConfig() config.TransferConfig {
	return config.TransferConfig{
		ChunkSize:          5,
		MaxFileSize:        1024,
		MaxFilesPerSession: 100,
		SessionTTLMinutes:  60,
		CodeTTLSeconds:     60,
		LockTTLSeconds:     30,
	}
}

type sessionFixture struct {
	repo   *fakeSessionRepo
	locker *fakeLocker
	pub    *fakePublisher
	svc    SessionService
}

func newSessionFixture() *sessionFixture {
	repo := newFakeSessionRepo()
	locker := newFakeLocker()
	pub := newFakePublisher()
	return &sessionFixture{
		repo:   repo,
		locker: locker,
		pub:    pub,
		svc:    NewSessionService(repo, locker, pub, testTransferConfig()),
	}
}

func (f *sessionFixture) statusEvents() []string {
	var out []string
	for _, e := range f.pub.all() {
		if msg, ok := e.payload.(bus.SessionStatusMessage); ok {
			out = append(out, msg.Event)
		}
	}
	return out
}

func TestJoinByCode_Flow(t *testing.T) {
	t.Parallel()

	f := newSessionFixture()
	ctx := context.Background()

	session, err := f.svc.Create(ctx, "creator")
	require.NoError(t, err)

	joined, err := f.svc.JoinByCode(ctx, session.Code, "guest", "访客")
	require.NoError(t, err)
	require.Equal(t, model.SessionWaitingApproval, joined.Status)
	require.Equal(t, "guest", *joined.PendingGuestID)

	// 同一访客重复加入是幂等的
	again, err := f.svc.JoinByCode(ctx, session.Code, "guest", "访客")
	require.NoError(t, err)
	require.Equal(t, joined.ID, again.ID)

	// 第三方在待审批状态下被拒
	_, err = f.svc.JoinByCode(ctx, session.Code, "third", "路人")
	require.ErrorIs(t, err, apperr.ErrConflict)
}

func TestJoinByCode_CreatorCannotJoinOwnSession(t *testing.T) {
	t.Parallel()

	f := newSessionFixture()
	ctx := context.Background()

	session, err := f.svc.Create(ctx, "creator")
	require.NoError(t, err)

	_, err = f.svc.JoinByCode(ctx, session.Code, "creator", "本人")
	require.ErrorIs(t, err, apperr.ErrForbidden)
}

// 两个访客并发争用同一个连接码：二者的锁外预检都看到 WAITING，
// 后进临界区的一方必须在锁内复核中得到 Conflict，而不是覆盖先到者。
func TestJoinByCode_RacingGuestGetsConflict(t *testing.T) {
	t.Parallel()

	f := newSessionFixture()
	ctx := context.Background()

	session, err := f.svc.Create(ctx, "creator")
	require.NoError(t, err)

	// guestA 在 guestB 的预检之后、拿锁之前抢先完成了加入
	f.locker.onAcquire = func(string) {
		f.repo.mutate(session.ID, func(s *model.Session) {
			s.RequestEntry("guestA", "甲")
		})
	}

	_, err = f.svc.JoinByCode(ctx, session.Code, "guestB", "乙")
	require.ErrorIs(t, err, apperr.ErrConflict)

	stored, err := f.repo.GetByID(ctx, session.ID)
	require.NoError(t, err)
	require.Equal(t, "guestA", *stored.PendingGuestID)
	require.Equal(t, model.SessionWaitingApproval, stored.Status)
}

func TestApprove_ActivatesSession(t *testing.T) {
	t.Parallel()

	f := newSessionFixture()
	ctx := context.Background()

	session, err := f.svc.Create(ctx, "creator")
	require.NoError(t, err)
	_, err = f.svc.JoinByCode(ctx, session.Code, "guest", "访客")
	require.NoError(t, err)

	approved, err := f.svc.Approve(ctx, session.ID, "creator")
	require.NoError(t, err)
	require.Equal(t, model.SessionActive, approved.Status)
	require.Equal(t, "guest", *approved.GuestID)
	require.Nil(t, approved.PendingGuestID)

	require.Contains(t, f.statusEvents(), ws.EventEntryApproved)
	require.Contains(t, f.statusEvents(), ws.EventParticipantJoined)
}

func TestApprove_OnlyCreator(t *testing.T) {
	t.Parallel()

	f := newSessionFixture()
	ctx := context.Background()

	session, err := f.svc.Create(ctx, "creator")
	require.NoError(t, err)
	_, err = f.svc.JoinByCode(ctx, session.Code, "guest", "访客")
	require.NoError(t, err)

	_, err = f.svc.Approve(ctx, session.ID, "guest")
	require.ErrorIs(t, err, apperr.ErrForbidden)
}

// Approve 与 Reject 竞争：预检看到的待审批访客在拿锁前已被拒绝，
// Approve 不允许基于过期快照把刚被拒绝的访客激活。
func TestApprove_AfterRacingRejectConflicts(t *testing.T) {
	t.Parallel()

	f := newSessionFixture()
	ctx := context.Background()

	session, err := f.svc.Create(ctx, "creator")
	require.NoError(t, err)
	_, err = f.svc.JoinByCode(ctx, session.Code, "guest", "访客")
	require.NoError(t, err)

	f.locker.onAcquire = func(string) {
		f.repo.mutate(session.ID, func(s *model.Session) {
			s.RejectEntry()
		})
	}

	_, err = f.svc.Approve(ctx, session.ID, "creator")
	require.ErrorIs(t, err, apperr.ErrConflict)

	stored, err := f.repo.GetByID(ctx, session.ID)
	require.NoError(t, err)
	require.Nil(t, stored.GuestID)
	require.Equal(t, model.SessionWaiting, stored.Status)
}

func TestClose_PublishesParticipantLeftThenClosed(t *testing.T) {
	t.Parallel()

	f := newSessionFixture()
	ctx := context.Background()

	session, err := f.svc.Create(ctx, "creator")
	require.NoError(t, err)

	require.NoError(t, f.svc.Close(ctx, session.ID, "creator", "done"))

	events := f.statusEvents()
	require.Contains(t, events, ws.EventParticipantLeft)
	require.Contains(t, events, ws.EventSessionClosed)

	stored, err := f.repo.GetByID(ctx, session.ID)
	require.NoError(t, err)
	require.Equal(t, model.SessionClosed, stored.Status)
	require.NotNil(t, stored.ClosedAt)
}

// 双方同时关闭：后进临界区的一方在锁内复核中得到 Conflict，
// 不会二次落终态也不会重复广播。
func TestClose_AfterRacingCloseConflicts(t *testing.T) {
	t.Parallel()

	f := newSessionFixture()
	ctx := context.Background()

	session, err := f.svc.Create(ctx, "creator")
	require.NoError(t, err)

	f.locker.onAcquire = func(string) {
		f.repo.mutate(session.ID, func(s *model.Session) {
			s.MarkClosed(time.Now())
		})
	}

	err = f.svc.Close(ctx, session.ID, "creator", "")
	require.ErrorIs(t, err, apperr.ErrConflict)
	require.NotContains(t, f.statusEvents(), ws.EventSessionClosed)
}

func TestJoinByCode_ExpiredSession(t *testing.T) {
	t.Parallel()

	f := newSessionFixture()
	ctx := context.Background()

	session, err := f.svc.Create(ctx, "creator")
	require.NoError(t, err)
	f.repo.mutate(session.ID, func(s *model.Session) {
		s.ExpiresAt = time.Now().Add(-time.Minute)
	})

	_, err = f.svc.JoinByCode(ctx, session.Code, "guest", "访客")
	require.ErrorIs(t, err, apperr.ErrExpired)

	// 拒绝的同时完成了状态迁移
	stored, err := f.repo.GetByID(ctx, session.ID)
	require.NoError(t, err)
	require.Equal(t, model.SessionExpired, stored.Status)
}

func TestJoinByCode_LapsedCode(t *testing.T) {
	t.Parallel()

	f := newSessionFixture()
	ctx := context.Background()

	session, err := f.svc.Create(ctx, "creator")
	require.NoError(t, err)
	f.repo.mutate(session.ID, func(s *model.Session) {
		s.CodeExpiresAt = time.Now().Add(-time.Second)
	})

	_, err = f.svc.JoinByCode(ctx, session.Code, "guest", "访客")
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

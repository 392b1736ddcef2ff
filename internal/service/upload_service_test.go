package service

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pair-send-go/internal/config"
	"pair-send-go/internal/model"
	"pair-send-go/pkg/apperr"
	"pair-send-go/pkg/bus"
)

type uploadFixture struct {
	sessionRepo  *fakeSessionRepo
	transferRepo *fakeTransferRepo
	locker       *fakeLocker
	limiter      *fakeLimiter
	store        *fakeChunkStore
	pub          *fakePublisher
	svc          UploadService
	session      *model.Session
}

// newUploadFixture 搭好一个已配对的会话和上传服务。
func newUploadFixture(t *testing.T) *uploadFixture {
	t.Helper()

	sessionRepo := newFakeSessionRepo()
	transferRepo := newFakeTransferRepo()
	locker := newFakeLocker()
	limiter := newFakeLimiter()
	store := newFakeChunkStore()
	pub := newFakePublisher()
	cfg := testTransferConfig()

	sessionSvc := NewSessionService(sessionRepo, locker, pub, cfg)
	svc := NewUploadService(transferRepo, sessionSvc, store, locker, limiter, pub,
		cfg, config.RateLimitConfig{RequestsPerMinute: 120, ChunksPerMinute: 600})

	guest := "guest"
	session := &model.Session{
		ID:            "sess-1",
		Code:          "00000000",
		CreatorID:     "creator",
		GuestID:       &guest,
		Status:        model.SessionActive,
		ExpiresAt:     time.Now().Add(time.Hour),
		CodeExpiresAt: time.Now().Add(time.Minute),
	}
	require.NoError(t, sessionRepo.Create(context.Background(), session))

	return &uploadFixture{
		sessionRepo:  sessionRepo,
		transferRepo: transferRepo,
		locker:       locker,
		limiter:      limiter,
		store:        store,
		pub:          pub,
		svc:          svc,
		session:      session,
	}
}

func chunkHash(payload []byte) string {
	sum := md5.Sum(payload)
	return hex.EncodeToString(sum[:])
}

func TestSubmitChunk_FlowAndCompletion(t *testing.T) {
	t.Parallel()

	f := newUploadFixture(t)
	ctx := context.Background()

	// chunk_size=5，10 字节 → 2 个分片
	start, err := f.svc.StartUpload(ctx, f.session.ID, "guest", "a.txt", 10, "text/plain", chunkHash([]byte("helloworld")))
	require.NoError(t, err)
	require.Equal(t, 2, start.TotalChunks)
	require.False(t, start.Duplicate)

	first := []byte("hello")
	res, err := f.svc.SubmitChunk(ctx, f.session.ID, "guest", start.FileID, 0, chunkHash(first), first)
	require.NoError(t, err)
	require.False(t, res.Complete)
	require.Equal(t, []int{0}, res.Received)

	second := []byte("world")
	res, err = f.svc.SubmitChunk(ctx, f.session.ID, "guest", start.FileID, 1, chunkHash(second), second)
	require.NoError(t, err)
	require.True(t, res.Complete)

	// 收齐后进入 PROCESSING 并发出扫描请求，终态由扫描管道负责
	record, err := f.transferRepo.GetTransferByID(ctx, start.FileID)
	require.NoError(t, err)
	require.Equal(t, model.TransferProcessing, record.Status)

	var scanRequested bool
	for _, e := range f.pub.all() {
		if e.topic == bus.TopicScanRequest {
			scanRequested = true
		}
	}
	require.True(t, scanRequested)
}

func TestSubmitChunk_HashMismatch(t *testing.T) {
	t.Parallel()

	f := newUploadFixture(t)
	ctx := context.Background()

	start, err := f.svc.StartUpload(ctx, f.session.ID, "guest", "a.txt", 5, "text/plain", chunkHash([]byte("hello")))
	require.NoError(t, err)

	_, err = f.svc.SubmitChunk(ctx, f.session.ID, "guest", start.FileID, 0, chunkHash([]byte("other")), []byte("hello"))
	require.ErrorIs(t, err, apperr.ErrHashMismatch)
}

func TestSubmitChunk_IndexOutOfRange(t *testing.T) {
	t.Parallel()

	f := newUploadFixture(t)
	ctx := context.Background()

	start, err := f.svc.StartUpload(ctx, f.session.ID, "guest", "a.txt", 5, "text/plain", chunkHash([]byte("hello")))
	require.NoError(t, err)

	payload := []byte("hello")
	_, err = f.svc.SubmitChunk(ctx, f.session.ID, "guest", start.FileID, 1, chunkHash(payload), payload)
	require.ErrorIs(t, err, apperr.ErrInvalidChunk)
}

func TestSubmitChunk_RateLimited(t *testing.T) {
	t.Parallel()

	f := newUploadFixture(t)
	f.limiter.allowed = false

	payload := []byte("hello")
	_, err := f.svc.SubmitChunk(context.Background(), f.session.ID, "guest", "any", 0, chunkHash(payload), payload)
	require.ErrorIs(t, err, apperr.ErrRateLimited)
}

func TestStartUpload_TooLarge(t *testing.T) {
	t.Parallel()

	f := newUploadFixture(t)

	_, err := f.svc.StartUpload(context.Background(), f.session.ID, "guest", "big.bin", 4096, "", "d41d8cd98f00b204e9800998ecf8427e")
	require.ErrorIs(t, err, apperr.ErrTooLarge)
}

func TestStartUpload_DedupWithinSession(t *testing.T) {
	t.Parallel()

	f := newUploadFixture(t)
	ctx := context.Background()

	existing := &model.FileTransfer{
		ID:          "file-done",
		SessionID:   f.session.ID,
		FileName:    "a.txt",
		FileHash:    "aaaa",
		TotalSize:   10,
		Status:      model.TransferComplete,
		SenderID:    "guest",
		TotalChunks: 2,
	}
	require.NoError(t, f.transferRepo.CreateTransfer(ctx, existing))

	res, err := f.svc.StartUpload(ctx, f.session.ID, "guest", "b.txt", 10, "", "aaaa")
	require.NoError(t, err)
	require.True(t, res.Duplicate)
	require.Equal(t, "file-done", res.FileID)
}

// 进度位图过期后客户端重传已落库的分片：分片行撞唯一索引按已接收处理，
// 提交方拿到正常的进度应答并重建位图，而不是冒出存储层错误。
func TestSubmitChunk_ResubmitAfterBitmapLoss(t *testing.T) {
	t.Parallel()

	f := newUploadFixture(t)
	ctx := context.Background()

	start, err := f.svc.StartUpload(ctx, f.session.ID, "guest", "a.txt", 10, "text/plain", chunkHash([]byte("helloworld")))
	require.NoError(t, err)

	payload := []byte("hello")
	_, err = f.svc.SubmitChunk(ctx, f.session.ID, "guest", start.FileID, 0, chunkHash(payload), payload)
	require.NoError(t, err)

	// 位图随 TTL 失效，分片行仍在
	require.NoError(t, f.transferRepo.ClearProgress(ctx, start.FileID))

	res, err := f.svc.SubmitChunk(ctx, f.session.ID, "guest", start.FileID, 0, chunkHash(payload), payload)
	require.NoError(t, err)
	require.Equal(t, []int{0}, res.Received)
	require.False(t, res.Complete)

	// 行没有重复，位图已重建
	count, err := f.transferRepo.CountChunks(start.FileID)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
	received, err := f.transferRepo.IsChunkReceived(ctx, start.FileID, 0)
	require.NoError(t, err)
	require.True(t, received)
}

// 扫描管道在一次迟到的分片提交持锁之前落了 COMPLETE：
// 过期的进度写入必须被整体丢弃，终态与扫描产出的列原样保留。
func TestSubmitChunk_StaleProgressWriteKeepsTerminalState(t *testing.T) {
	t.Parallel()

	f := newUploadFixture(t)
	ctx := context.Background()

	start, err := f.svc.StartUpload(ctx, f.session.ID, "guest", "a.txt", 10, "text/plain", chunkHash([]byte("helloworld")))
	require.NoError(t, err)

	first := []byte("hello")
	_, err = f.svc.SubmitChunk(ctx, f.session.ID, "guest", start.FileID, 0, chunkHash(first), first)
	require.NoError(t, err)

	// 提交方取到记录快照后、拿到分片锁之前，扫描管道完成了合并落了终态
	f.locker.onAcquire = func(string) {
		f.transferRepo.mutateTransfer(start.FileID, func(r *model.FileTransfer) {
			r.MarkComplete("sess-1/"+start.FileID+"/a.txt", "text/plain", "")
		})
	}

	second := []byte("world")
	_, err = f.svc.SubmitChunk(ctx, f.session.ID, "guest", start.FileID, 1, chunkHash(second), second)
	require.NoError(t, err)

	record, err := f.transferRepo.GetTransferByID(ctx, start.FileID)
	require.NoError(t, err)
	require.Equal(t, model.TransferComplete, record.Status)
	require.Equal(t, "sess-1/"+start.FileID+"/a.txt", record.StoragePath)
	require.Equal(t, "text/plain", record.DetectedMime)
	require.Equal(t, float64(100), record.Progress)
}

func TestSubmitChunk_CompleteFileEchoesProgress(t *testing.T) {
	t.Parallel()

	f := newUploadFixture(t)
	ctx := context.Background()

	record := &model.FileTransfer{
		ID:          "file-done",
		SessionID:   f.session.ID,
		FileName:    "a.txt",
		FileHash:    "aaaa",
		TotalSize:   10,
		Status:      model.TransferComplete,
		SenderID:    "guest",
		TotalChunks: 2,
		Progress:    100,
	}
	require.NoError(t, f.transferRepo.CreateTransfer(ctx, record))

	payload := []byte("hello")
	res, err := f.svc.SubmitChunk(ctx, f.session.ID, "guest", "file-done", 0, chunkHash(payload), payload)
	require.NoError(t, err)
	require.True(t, res.Complete)
	require.Equal(t, float64(100), res.Progress)
}

func TestSubmitChunk_ForeignSessionHidden(t *testing.T) {
	t.Parallel()

	f := newUploadFixture(t)
	ctx := context.Background()

	record := &model.FileTransfer{
		ID:          "foreign",
		SessionID:   "other-session",
		FileName:    "a.txt",
		Status:      model.TransferSending,
		SenderID:    "someone",
		TotalChunks: 2,
	}
	require.NoError(t, f.transferRepo.CreateTransfer(ctx, record))

	payload := []byte("hello")
	_, err := f.svc.SubmitChunk(ctx, f.session.ID, "guest", "foreign", 0, chunkHash(payload), payload)
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

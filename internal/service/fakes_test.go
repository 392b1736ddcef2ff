package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"gorm.io/gorm"

	"pair-send-go/internal/model"
	"pair-send-go/pkg/log"
)

func TestMain(m *testing.M) {
	log.Init("error", "console", "")
	m.Run()
}

// fakeSessionRepo 是 SessionRepository 的内存桩实现。
// 存取都走副本，模拟数据库读到的总是独立快照。
type fakeSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]model.Session
}

func newFakeSessionRepo() *fakeSessionRepo {
	return &fakeSessionRepo{sessions: make(map[string]model.Session)}
}

func (f *fakeSessionRepo) Create(ctx context.Context, session *model.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[session.ID] = *session
	return nil
}

func (f *fakeSessionRepo) GetByID(ctx context.Context, id string) (*model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	session, ok := f.sessions[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &session, nil
}

func (f *fakeSessionRepo) GetByCode(ctx context.Context, code string) (*model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, session := range f.sessions {
		if session.Code == code {
			s := session
			return &s, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeSessionRepo) Update(ctx context.Context, session *model.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[session.ID] = *session
	return nil
}

func (f *fakeSessionRepo) Delete(ctx context.Context, session *model.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, session.ID)
	return nil
}

func (f *fakeSessionRepo) FindExpired(now time.Time) ([]model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Session
	for _, session := range f.sessions {
		if session.ExpiresAt.Before(now) && !session.Status.Terminal() {
			out = append(out, session)
		}
	}
	return out, nil
}

func (f *fakeSessionRepo) FindAwaitingPeer() ([]model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Session
	for _, session := range f.sessions {
		if session.AwaitingPeer() {
			out = append(out, session)
		}
	}
	return out, nil
}

func (f *fakeSessionRepo) FindPurgeable(cutoff time.Time) ([]model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Session
	for _, session := range f.sessions {
		if session.Status.Terminal() && session.ClosedAt != nil && session.ClosedAt.Before(cutoff) {
			out = append(out, session)
		}
	}
	return out, nil
}

// mutate 直接修改仓库内的会话，用于在测试里模拟并发写入方。
func (f *fakeSessionRepo) mutate(id string, fn func(*model.Session)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	session := f.sessions[id]
	fn(&session)
	f.sessions[id] = session
}

// fakeLocker 是进程内的 Locker 桩。
// onAcquire 在锁授予前触发一次，用来模拟另一个写入方抢先完成的竞争时序。
type fakeLocker struct {
	mu        sync.Mutex
	held      map[string]bool
	onAcquire func(name string)
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: make(map[string]bool)}
}

func (f *fakeLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (string, bool, error) {
	f.mu.Lock()
	hook := f.onAcquire
	f.onAcquire = nil
	f.mu.Unlock()
	if hook != nil {
		hook(name)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held[name] {
		return "", false, nil
	}
	f.held[name] = true
	return "tok-" + name, true, nil
}

func (f *fakeLocker) Release(ctx context.Context, name, tok string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.held, name)
	return nil
}

type publishedEvent struct {
	topic   string
	key     string
	payload interface{}
}

// fakePublisher 记录所有发布的消息供断言。
type fakePublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{}
}

func (f *fakePublisher) Publish(ctx context.Context, topic, key string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, publishedEvent{topic: topic, key: key, payload: payload})
	return nil
}

func (f *fakePublisher) all() []publishedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]publishedEvent, len(f.events))
	copy(out, f.events)
	return out
}

// fakeLimiter 是 RateLimiter 桩，默认放行。
type fakeLimiter struct {
	allowed bool
}

func newFakeLimiter() *fakeLimiter {
	return &fakeLimiter{allowed: true}
}

func (f *fakeLimiter) Allow(ctx context.Context, userID, action string, limit int) (bool, error) {
	return f.allowed, nil
}

// fakeChunkStore 是 ChunkStore 桩，只记录写入过的对象路径。
type fakeChunkStore struct {
	mu   sync.Mutex
	puts []string
}

func newFakeChunkStore() *fakeChunkStore {
	return &fakeChunkStore{}
}

func (f *fakeChunkStore) PutChunk(ctx context.Context, sessionID, fileID string, index int, payload []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	objectName := fmt.Sprintf("%s/%s/chunks/%d", sessionID, fileID, index)
	f.puts = append(f.puts, objectName)
	return objectName, nil
}

// fakeTransferRepo 是 TransferRepository 的内存桩实现。
// 写入语义对齐生产实现：CreateChunk 对重复 (file, index) 空操作，
// UpdateTransferProgress 不触碰已终态的记录。
type fakeTransferRepo struct {
	mu        sync.Mutex
	transfers map[string]model.FileTransfer
	chunks    map[string]map[int]model.ChunkInfo
	bitmap    map[string]map[int]bool
}

func newFakeTransferRepo() *fakeTransferRepo {
	return &fakeTransferRepo{
		transfers: make(map[string]model.FileTransfer),
		chunks:    make(map[string]map[int]model.ChunkInfo),
		bitmap:    make(map[string]map[int]bool),
	}
}

func (f *fakeTransferRepo) CreateTransfer(ctx context.Context, record *model.FileTransfer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transfers[record.ID] = *record
	return nil
}

func (f *fakeTransferRepo) GetTransferByID(ctx context.Context, id string) (*model.FileTransfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.transfers[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &record, nil
}

func (f *fakeTransferRepo) FindCompleteByHash(ctx context.Context, sessionID, fileHash string) (*model.FileTransfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, record := range f.transfers {
		if record.SessionID == sessionID && record.FileHash == fileHash && record.Status == model.TransferComplete {
			r := record
			return &r, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeTransferRepo) UpdateTransfer(ctx context.Context, record *model.FileTransfer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transfers[record.ID] = *record
	return nil
}

func (f *fakeTransferRepo) UpdateTransferProgress(ctx context.Context, record *model.FileTransfer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.transfers[record.ID]
	if !ok || stored.Status.Terminal() {
		return nil
	}
	stored.ChunksReceived = record.ChunksReceived
	stored.Progress = record.Progress
	stored.Status = record.Status
	f.transfers[record.ID] = stored
	return nil
}

func (f *fakeTransferRepo) CountBySession(sessionID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var count int64
	for _, record := range f.transfers {
		if record.SessionID == sessionID {
			count++
		}
	}
	return count, nil
}

func (f *fakeTransferRepo) ListBySession(sessionID string) ([]model.FileTransfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.FileTransfer
	for _, record := range f.transfers {
		if record.SessionID == sessionID {
			out = append(out, record)
		}
	}
	return out, nil
}

func (f *fakeTransferRepo) ListPendingBySession(sessionID string) ([]model.FileTransfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.FileTransfer
	for _, record := range f.transfers {
		if record.SessionID == sessionID && !record.Status.Terminal() {
			out = append(out, record)
		}
	}
	return out, nil
}

func (f *fakeTransferRepo) FindStale(cutoff time.Time) ([]model.FileTransfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.FileTransfer
	for _, record := range f.transfers {
		if !record.Status.Terminal() && record.UpdatedAt.Before(cutoff) {
			out = append(out, record)
		}
	}
	return out, nil
}

func (f *fakeTransferRepo) DeleteBySession(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, record := range f.transfers {
		if record.SessionID == sessionID {
			delete(f.transfers, id)
			delete(f.chunks, id)
			delete(f.bitmap, id)
		}
	}
	return nil
}

func (f *fakeTransferRepo) DeleteTransfer(ctx context.Context, record *model.FileTransfer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.transfers, record.ID)
	delete(f.chunks, record.ID)
	delete(f.bitmap, record.ID)
	return nil
}

func (f *fakeTransferRepo) CreateChunk(record *model.ChunkInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.chunks[record.FileID] == nil {
		f.chunks[record.FileID] = make(map[int]model.ChunkInfo)
	}
	if _, exists := f.chunks[record.FileID][record.ChunkIndex]; exists {
		return nil
	}
	f.chunks[record.FileID][record.ChunkIndex] = *record
	return nil
}

func (f *fakeTransferRepo) CountChunks(fileID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.chunks[fileID])), nil
}

func (f *fakeTransferRepo) ListChunks(fileID string) ([]model.ChunkInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.ChunkInfo
	for _, chunk := range f.chunks[fileID] {
		out = append(out, chunk)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkIndex < out[j].ChunkIndex })
	return out, nil
}

func (f *fakeTransferRepo) DeleteChunks(fileID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.chunks, fileID)
	return nil
}

func (f *fakeTransferRepo) IsChunkReceived(ctx context.Context, fileID string, chunkIndex int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bitmap[fileID][chunkIndex], nil
}

func (f *fakeTransferRepo) MarkChunkReceived(ctx context.Context, fileID string, chunkIndex int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bitmap[fileID] == nil {
		f.bitmap[fileID] = make(map[int]bool)
	}
	f.bitmap[fileID][chunkIndex] = true
	return nil
}

func (f *fakeTransferRepo) ReceivedChunks(ctx context.Context, fileID string, totalChunks int) ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	received := make([]int, 0)
	for i := 0; i < totalChunks; i++ {
		if f.bitmap[fileID][i] {
			received = append(received, i)
		}
	}
	return received, nil
}

func (f *fakeTransferRepo) ClearProgress(ctx context.Context, fileID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.bitmap, fileID)
	return nil
}

// mutateTransfer 直接修改仓库内的传输记录，用于模拟扫描管道等并发写入方。
func (f *fakeTransferRepo) mutateTransfer(id string, fn func(*model.FileTransfer)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record := f.transfers[id]
	fn(&record)
	f.transfers[id] = record
}

// Package storage 提供了与对象存储服务（如 MinIO）交互的功能。
// 所有操作只按路径寻址，不持有任何业务状态。
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"pair-send-go/internal/config"
	"pair-send-go/pkg/log"
)

// ObjectStore 封装了分片与成品文件的对象存储操作。
// 路径约定：分片为 {sessionID}/{fileID}/chunks/{index}，成品为 {sessionID}/{fileID}/{fileName}。
type ObjectStore struct {
	client *minio.Client
	bucket string
}

// New 初始化 MinIO 客户端并确保指定的存储桶存在。
func New(cfg config.MinIOConfig) (*ObjectStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化 MinIO 客户端失败: %w", err)
	}

	ctx := context.Background()
	exists, err := client.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("检查 MinIO 存储桶失败: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("创建 MinIO 存储桶失败: %w", err)
		}
	}

	return &ObjectStore{client: client, bucket: cfg.BucketName}, nil
}

// ChunkPath 返回分片对象的存储路径。
func ChunkPath(sessionID, fileID string, index int) string {
	return fmt.Sprintf("%s/%s/chunks/%d", sessionID, fileID, index)
}

// ObjectPath 返回成品文件的存储路径。
func ObjectPath(sessionID, fileID, fileName string) string {
	return fmt.Sprintf("%s/%s/%s", sessionID, fileID, fileName)
}

// PutChunk 将一个分片写入对象存储。
func (s *ObjectStore) PutChunk(ctx context.Context, sessionID, fileID string, index int, payload []byte) (string, error) {
	objectName := ChunkPath(sessionID, fileID, index)
	_, err := s.client.PutObject(ctx, s.bucket, objectName, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{})
	if err != nil {
		return "", err
	}
	return objectName, nil
}

// MergeChunks 将所有分片按序合并为成品对象，随后删除分片对象。
// 单分片走 CopyObject，多分片走 ComposeObject，与分片数无关的路径语义保持一致。
func (s *ObjectStore) MergeChunks(ctx context.Context, sessionID, fileID, fileName string, totalChunks int) (string, error) {
	destObjectName := ObjectPath(sessionID, fileID, fileName)

	dst := minio.CopyDestOptions{
		Bucket: s.bucket,
		Object: destObjectName,
	}

	if totalChunks == 1 {
		src := minio.CopySrcOptions{
			Bucket: s.bucket,
			Object: ChunkPath(sessionID, fileID, 0),
		}
		if _, err := s.client.CopyObject(ctx, dst, src); err != nil {
			return "", fmt.Errorf("failed to copy single chunk object: %w", err)
		}
	} else {
		srcs := make([]minio.CopySrcOptions, 0, totalChunks)
		for i := 0; i < totalChunks; i++ {
			srcs = append(srcs, minio.CopySrcOptions{
				Bucket: s.bucket,
				Object: ChunkPath(sessionID, fileID, i),
			})
		}
		if _, err := s.client.ComposeObject(ctx, dst, srcs...); err != nil {
			return "", fmt.Errorf("failed to compose chunk objects: %w", err)
		}
	}

	if err := s.RemoveChunks(ctx, sessionID, fileID, totalChunks); err != nil {
		// 合并已经成功，分片清理失败只记录，留给保留期清扫兜底
		log.Warnf("合并后清理分片失败, fileID: %s, error: %v", fileID, err)
	}
	return destObjectName, nil
}

// ReadPrefix 按分片顺序读取最多 maxBytes 字节，不触发合并。
// 用于在提交合并之前对文件头做内容嗅探。
func (s *ObjectStore) ReadPrefix(ctx context.Context, sessionID, fileID string, totalChunks int, maxBytes int64) ([]byte, error) {
	buf := &bytes.Buffer{}
	remaining := maxBytes

	for i := 0; i < totalChunks && remaining > 0; i++ {
		object, err := s.client.GetObject(ctx, s.bucket, ChunkPath(sessionID, fileID, i), minio.GetObjectOptions{})
		if err != nil {
			return nil, err
		}
		n, err := io.Copy(buf, io.LimitReader(object, remaining))
		object.Close()
		if err != nil {
			return nil, err
		}
		remaining -= n
	}
	return buf.Bytes(), nil
}

// GetObject 获取一个成品对象的读取流。调用方负责 Close。
func (s *ObjectStore) GetObject(ctx context.Context, objectName string) (io.ReadCloser, error) {
	object, err := s.client.GetObject(ctx, s.bucket, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	return object, nil
}

// StatObject 获取一个对象的元数据。
func (s *ObjectStore) StatObject(ctx context.Context, objectName string) (minio.ObjectInfo, error) {
	return s.client.StatObject(ctx, s.bucket, objectName, minio.StatObjectOptions{})
}

// PresignedURL 为指定对象生成限时下载 URL。
func (s *ObjectStore) PresignedURL(ctx context.Context, objectName string, expiry time.Duration) (string, error) {
	presignedURL, err := s.client.PresignedGetObject(ctx, s.bucket, objectName, expiry, nil)
	if err != nil {
		return "", err
	}
	return presignedURL.String(), nil
}

// RemoveObject 删除单个对象。
func (s *ObjectStore) RemoveObject(ctx context.Context, objectName string) error {
	return s.client.RemoveObject(ctx, s.bucket, objectName, minio.RemoveObjectOptions{})
}

// RemoveChunks 删除一个文件的全部分片对象。
func (s *ObjectStore) RemoveChunks(ctx context.Context, sessionID, fileID string, totalChunks int) error {
	objectsCh := make(chan minio.ObjectInfo)
	go func() {
		defer close(objectsCh)
		for i := 0; i < totalChunks; i++ {
			objectsCh <- minio.ObjectInfo{Key: ChunkPath(sessionID, fileID, i)}
		}
	}()

	var firstErr error
	for result := range s.client.RemoveObjects(ctx, s.bucket, objectsCh, minio.RemoveObjectsOptions{}) {
		if result.Err != nil && firstErr == nil {
			firstErr = result.Err
		}
	}
	return firstErr
}

// RemovePrefix 删除指定前缀下的全部对象，用于会话级批量清理。
func (s *ObjectStore) RemovePrefix(ctx context.Context, prefix string) error {
	objectsCh := make(chan minio.ObjectInfo)
	go func() {
		defer close(objectsCh)
		for object := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix + "/", Recursive: true}) {
			if object.Err != nil {
				continue
			}
			objectsCh <- minio.ObjectInfo{Key: object.Key}
		}
	}()

	var firstErr error
	for result := range s.client.RemoveObjects(ctx, s.bucket, objectsCh, minio.RemoveObjectsOptions{}) {
		if result.Err != nil && firstErr == nil {
			firstErr = result.Err
		}
	}
	return firstErr
}

package cache

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
)

func (s *fileStore) BeginSeed(ctx context.Context, bucket string) (*SeedBatch, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if err := validBucketName(bucket); err != nil {
		return nil, err
	}

	staging, err := os.MkdirTemp(s.basePath, ".seed-"+bucket+"-")
	if err != nil {
		return nil, err
	}

	return &SeedBatch{
		store:  s,
		bucket: bucket,
		dir:    staging,
	}, nil
}

// SeedBatch 在隐藏暂存目录里累积条目，Commit 时整目录改名成正式桶。
// 任何一步失败都应调用 Discard，于是磁盘上要么出现完整的桶，要么毫无痕迹。
type SeedBatch struct {
	store  *fileStore
	bucket string
	dir    string

	mu     sync.Mutex
	closed bool
	count  int
}

// Put 支持并发调用，不同路径互不阻塞。
func (b *SeedBatch) Put(ctx context.Context, entryPath string, meta Metadata, body io.Reader) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.New("seed batch already finished")
	}
	b.mu.Unlock()

	rel := relEntryPath(entryPath)
	filePath := filepath.Join(b.dir, rel)

	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return err
	}
	if _, _, err := writeEnvelope(ctx, filePath, meta, body); err != nil {
		return err
	}

	b.mu.Lock()
	b.count++
	b.mu.Unlock()
	return nil
}

// Commit 用暂存目录替换目标桶。替换是一次 rename,读侧不会看到半成品。
func (b *SeedBatch) Commit(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("seed batch already finished")
	}
	b.closed = true

	select {
	case <-ctx.Done():
		os.RemoveAll(b.dir)
		return ctx.Err()
	default:
	}

	target := filepath.Join(b.store.basePath, b.bucket)
	if err := os.RemoveAll(target); err != nil {
		os.RemoveAll(b.dir)
		return err
	}
	if err := os.Rename(b.dir, target); err != nil {
		os.RemoveAll(b.dir)
		return err
	}
	return nil
}

// Discard 丢弃暂存目录,可重复调用。
func (b *SeedBatch) Discard() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return os.RemoveAll(b.dir)
}

// Len 返回已写入的条目数。
func (b *SeedBatch) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

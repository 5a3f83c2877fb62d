package cache

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// NewStore 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。
func NewStore(basePath string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStore 通过 entryLock 避免同一 Locator 并发写入，同时复用 basePath。
type fileStore struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (s *fileStore) Get(ctx context.Context, locator Locator) (*ReadResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	filePath, err := s.entryPath(locator)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, ErrNotFound
	}

	f, err := os.Open(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	br := bufio.NewReader(f)
	metaLine, err := br.ReadBytes('\n')
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("read cache metadata: %w", err)
	}

	var meta Metadata
	if err := json.Unmarshal(metaLine, &meta); err != nil {
		f.Close()
		return nil, fmt.Errorf("decode cache metadata: %w", err)
	}

	entry := Entry{
		Locator:   locator,
		Status:    meta.Status,
		Header:    meta.Header,
		SizeBytes: info.Size() - int64(len(metaLine)),
		StoredAt:  meta.StoredAt,
		ModTime:   info.ModTime(),
		FilePath:  filePath,
	}

	return &ReadResult{
		Entry:  entry,
		Reader: bodyReader{Reader: br, closer: f},
	}, nil
}

// bodyReader 让调用方在读完 bufio 剩余内容后仍能正确关闭底层文件。
type bodyReader struct {
	io.Reader
	closer io.Closer
}

func (r bodyReader) Close() error {
	return r.closer.Close()
}

func (s *fileStore) Put(ctx context.Context, locator Locator, meta Metadata, body io.Reader) (*Entry, error) {
	unlock, err := s.lockEntry(locator)
	if err != nil {
		return nil, err
	}
	defer unlock()

	filePath, err := s.entryPath(locator)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return nil, err
	}

	written, stamped, err := writeEnvelope(ctx, filePath, meta, body)
	if err != nil {
		return nil, err
	}

	entry := Entry{
		Locator:   locator,
		Status:    stamped.Status,
		Header:    stamped.Header,
		SizeBytes: written,
		StoredAt:  stamped.StoredAt,
		ModTime:   stamped.StoredAt,
		FilePath:  filePath,
	}
	return &entry, nil
}

func (s *fileStore) Touch(ctx context.Context, locator Locator) error {
	filePath, err := s.entryPath(locator)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if err := os.Chtimes(filePath, now, now); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

func (s *fileStore) Remove(ctx context.Context, locator Locator) error {
	unlock, err := s.lockEntry(locator)
	if err != nil {
		return err
	}
	defer unlock()

	filePath, err := s.entryPath(locator)
	if err != nil {
		return err
	}
	if err := os.Remove(filePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *fileStore) ListBuckets(ctx context.Context) ([]string, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}

	var buckets []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		// 隐藏目录是未提交的暂存批次，不算有效桶。
		if strings.HasPrefix(name, ".") {
			continue
		}
		buckets = append(buckets, name)
	}
	return buckets, nil
}

func (s *fileStore) DeleteBucket(ctx context.Context, bucket string) error {
	if err := validBucketName(bucket); err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(s.basePath, bucket))
}

// writeEnvelope 原子写入 “元数据行 + 正文” 信封文件，并把文件时间戳与
// StoredAt 对齐，失败时不留下临时文件。
func writeEnvelope(ctx context.Context, filePath string, meta Metadata, body io.Reader) (int64, Metadata, error) {
	if meta.StoredAt.IsZero() {
		meta.StoredAt = time.Now().UTC()
	}
	if meta.Header == nil {
		meta.Header = http.Header{}
	}

	head, err := json.Marshal(meta)
	if err != nil {
		return 0, meta, fmt.Errorf("encode cache metadata: %w", err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(filePath), ".cache-*")
	if err != nil {
		return 0, meta, err
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(append(head, '\n'))
	var written int64
	if err == nil {
		written, err = copyWithContext(ctx, tempFile, body)
	}
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return 0, meta, err
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return 0, meta, err
	}

	if err := os.Chtimes(filePath, meta.StoredAt, meta.StoredAt); err != nil {
		return 0, meta, err
	}
	return written, meta, nil
}

func (s *fileStore) lockEntry(locator Locator) (func(), error) {
	key := locatorKey(locator)
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}, nil
}

func (s *fileStore) entryPath(locator Locator) (string, error) {
	if err := validBucketName(locator.Bucket); err != nil {
		return "", err
	}

	rel := relEntryPath(locator.Path)
	filePath := filepath.Join(s.basePath, locator.Bucket, rel)
	if !strings.HasPrefix(filePath, filepath.Join(s.basePath, locator.Bucket)) {
		return "", errors.New("invalid cache path")
	}
	return filePath, nil
}

// relEntryPath 将 URL 路径规整为桶内相对文件路径，根路径落在 root 文件。
func relEntryPath(p string) string {
	rel := p
	if rel == "" || rel == "/" {
		rel = "root"
	}
	rel = path.Clean("/" + rel)
	rel = strings.TrimPrefix(rel, "/")
	if rel == "" {
		rel = "root"
	}
	return filepath.FromSlash(rel)
}

func validBucketName(bucket string) error {
	if bucket == "" {
		return errors.New("bucket name required")
	}
	if strings.HasPrefix(bucket, ".") || strings.ContainsAny(bucket, `/\`) {
		return errors.New("invalid bucket name")
	}
	return nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}

func locatorKey(locator Locator) string {
	return locator.Bucket + "::" + locator.Path
}

package cache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"
)

// Store 负责管理桶化磁盘缓存的读写。磁盘布局遵循：
//
//	<StoragePath>/<site>-<version>/<path>    # 一行 JSON 元数据 + 响应正文
//
// 桶在首次写入时按需创建；条目从不单独淘汰，整个桶随版本切换被原子替换
// 或删除。文件的 ModTime 同时充当后台刷新的新鲜度时钟。
type Store interface {
	// Get 返回一个可流式读取正文的缓存条目。若不存在则返回 ErrNotFound。
	Get(ctx context.Context, locator Locator) (*ReadResult, error)

	// Put 将一次上游响应写入缓存，并产出新的 Entry 描述。实现需通过临时文件 + rename
	// 保证写入原子性，并在失败时清理临时文件。meta.StoredAt 为零值时由实现补当前时间。
	Put(ctx context.Context, locator Locator, meta Metadata, body io.Reader) (*Entry, error)

	// Touch 将条目的 ModTime 刷到当前时间，供 304 Not Modified 后复位条目年龄。
	Touch(ctx context.Context, locator Locator) error

	// Remove 删除单个条目文件，通常用于上游 404 后的清理。
	Remove(ctx context.Context, locator Locator) error

	// BeginSeed 打开一个暂存批次：所有写入先落在隐藏暂存目录中，Commit 时
	// 整体替换目标桶，Discard 时不留任何痕迹。预缓存安装的全有或全无语义
	// 依赖该原语。
	BeginSeed(ctx context.Context, bucket string) (*SeedBatch, error)

	// ListBuckets 返回存储根目录下所有桶名（不含暂存目录）。
	ListBuckets(ctx context.Context) ([]string, error)

	// DeleteBucket 整体删除一个桶；桶不存在时视为成功。
	DeleteBucket(ctx context.Context, bucket string) error
}

// Locator 唯一定位一个缓存条目（桶 + URL 路径）。
type Locator struct {
	Bucket string
	Path   string
}

// Metadata 是随正文一起持久化的响应描述，回放时原样恢复状态码与头部。
type Metadata struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	URL      string      `json:"url"`
	StoredAt time.Time   `json:"stored_at"`
}

// Entry 表示一次缓存命中结果，包含回放所需的响应描述与文件信息。
type Entry struct {
	Locator   Locator
	Status    int
	Header    http.Header
	SizeBytes int64
	StoredAt  time.Time
	ModTime   time.Time
	FilePath  string
}

// ReadResult 组合 Entry 与正文 Reader，便于上层直接将 Body 流式返回。
type ReadResult struct {
	Entry  Entry
	Reader io.ReadCloser
}

// ErrNotFound 表示缓存不存在。
var ErrNotFound = errors.New("cache entry not found")

package cache

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"testing"
	"time"
)

func TestStorePutAndGet(t *testing.T) {
	store := newTestStore(t)
	locator := Locator{Bucket: "portfolio-v3", Path: "/styles.css"}

	storedAt := time.Now().Add(-time.Hour).UTC().Truncate(time.Second)
	payload := []byte("body { margin: 0 }")
	meta := Metadata{
		Status:   http.StatusOK,
		Header:   http.Header{"Content-Type": []string{"text/css"}},
		URL:      "https://origin.example/styles.css",
		StoredAt: storedAt,
	}
	if _, err := store.Put(context.Background(), locator, meta, bytes.NewReader(payload)); err != nil {
		t.Fatalf("put error: %v", err)
	}

	result, err := store.Get(context.Background(), locator)
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	defer result.Reader.Close()

	body, err := io.ReadAll(result.Reader)
	if err != nil {
		t.Fatalf("read cached body error: %v", err)
	}
	if string(body) != string(payload) {
		t.Fatalf("cached payload mismatch: %s", string(body))
	}
	if result.Entry.Status != http.StatusOK {
		t.Fatalf("status mismatch: %d", result.Entry.Status)
	}
	if got := result.Entry.Header.Get("Content-Type"); got != "text/css" {
		t.Fatalf("header mismatch: %q", got)
	}
	if result.Entry.SizeBytes != int64(len(payload)) {
		t.Fatalf("size mismatch: %d", result.Entry.SizeBytes)
	}
	if !result.Entry.StoredAt.Equal(storedAt) {
		t.Fatalf("stored-at mismatch: expected %v got %v", storedAt, result.Entry.StoredAt)
	}
	if !result.Entry.ModTime.Equal(storedAt) {
		t.Fatalf("modtime mismatch: expected %v got %v", storedAt, result.Entry.ModTime)
	}
}

func TestStoreGetMissing(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get(context.Background(), Locator{Bucket: "portfolio-v3", Path: "/missing"})
	if err == nil || err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreRemove(t *testing.T) {
	store := newTestStore(t)
	locator := Locator{Bucket: "portfolio-v3", Path: "/script.js"}
	if _, err := store.Put(context.Background(), locator, Metadata{Status: http.StatusOK}, bytes.NewReader([]byte("data"))); err != nil {
		t.Fatalf("put error: %v", err)
	}
	if err := store.Remove(context.Background(), locator); err != nil {
		t.Fatalf("remove error: %v", err)
	}
	if _, err := store.Get(context.Background(), locator); err == nil || err != ErrNotFound {
		t.Fatalf("expected not found after remove, got %v", err)
	}
}

func TestStoreRootPathMapsToFile(t *testing.T) {
	store := newTestStore(t)
	locator := Locator{Bucket: "portfolio-v3", Path: "/"}

	if _, err := store.Put(context.Background(), locator, Metadata{Status: http.StatusOK}, bytes.NewReader([]byte("<html>shell</html>"))); err != nil {
		t.Fatalf("put error: %v", err)
	}

	result, err := store.Get(context.Background(), locator)
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	defer result.Reader.Close()

	body, err := io.ReadAll(result.Reader)
	if err != nil {
		t.Fatalf("read cached body error: %v", err)
	}
	if string(body) != "<html>shell</html>" {
		t.Fatalf("root payload mismatch: %s", string(body))
	}
}

func TestStoreTouchAdvancesModTime(t *testing.T) {
	store := newTestStore(t)
	locator := Locator{Bucket: "portfolio-v3", Path: "/index.html"}

	storedAt := time.Now().Add(-48 * time.Hour).UTC().Truncate(time.Second)
	if _, err := store.Put(context.Background(), locator, Metadata{Status: http.StatusOK, StoredAt: storedAt}, bytes.NewReader([]byte("shell"))); err != nil {
		t.Fatalf("put error: %v", err)
	}
	if err := store.Touch(context.Background(), locator); err != nil {
		t.Fatalf("touch error: %v", err)
	}

	result, err := store.Get(context.Background(), locator)
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	result.Reader.Close()

	if !result.Entry.ModTime.After(storedAt) {
		t.Fatalf("expected modtime after %v, got %v", storedAt, result.Entry.ModTime)
	}
	// 元数据行里的写入时间保持不变,只有文件时间戳被刷新。
	if !result.Entry.StoredAt.Equal(storedAt) {
		t.Fatalf("stored-at changed by touch: %v", result.Entry.StoredAt)
	}
}

func TestStoreTouchMissing(t *testing.T) {
	store := newTestStore(t)
	err := store.Touch(context.Background(), Locator{Bucket: "portfolio-v3", Path: "/missing"})
	if err == nil || err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreIgnoresDirectories(t *testing.T) {
	store := newTestStore(t)
	locator := Locator{Bucket: "portfolio-v3", Path: "/assets"}

	fs, ok := store.(*fileStore)
	if !ok {
		t.Fatalf("unexpected store type %T", store)
	}

	filePath, err := fs.entryPath(locator)
	if err != nil {
		t.Fatalf("path error: %v", err)
	}
	if err := os.MkdirAll(filePath, 0o755); err != nil {
		t.Fatalf("mkdir error: %v", err)
	}

	if _, err := store.Get(context.Background(), locator); err == nil || err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for directory, got %v", err)
	}
}

func TestSeedBatchCommitReplacesBucket(t *testing.T) {
	store := newTestStore(t)
	stale := Locator{Bucket: "portfolio-v3", Path: "/stale.html"}
	if _, err := store.Put(context.Background(), stale, Metadata{Status: http.StatusOK}, bytes.NewReader([]byte("old"))); err != nil {
		t.Fatalf("put error: %v", err)
	}

	batch, err := store.BeginSeed(context.Background(), "portfolio-v3")
	if err != nil {
		t.Fatalf("begin seed error: %v", err)
	}
	if err := batch.Put(context.Background(), "/", Metadata{Status: http.StatusOK}, bytes.NewReader([]byte("shell"))); err != nil {
		t.Fatalf("seed put error: %v", err)
	}
	if err := batch.Put(context.Background(), "/styles.css", Metadata{Status: http.StatusOK}, bytes.NewReader([]byte("css"))); err != nil {
		t.Fatalf("seed put error: %v", err)
	}
	if batch.Len() != 2 {
		t.Fatalf("expected 2 seeded entries, got %d", batch.Len())
	}
	if err := batch.Commit(context.Background()); err != nil {
		t.Fatalf("commit error: %v", err)
	}

	// 提交后旧桶内容整体被替换,未列入清单的条目一并消失。
	if _, err := store.Get(context.Background(), stale); err == nil || err != ErrNotFound {
		t.Fatalf("expected stale entry gone, got %v", err)
	}

	result, err := store.Get(context.Background(), Locator{Bucket: "portfolio-v3", Path: "/styles.css"})
	if err != nil {
		t.Fatalf("get seeded entry error: %v", err)
	}
	result.Reader.Close()

	buckets, err := store.ListBuckets(context.Background())
	if err != nil {
		t.Fatalf("list buckets error: %v", err)
	}
	if len(buckets) != 1 || buckets[0] != "portfolio-v3" {
		t.Fatalf("unexpected buckets after commit: %v", buckets)
	}
}

func TestSeedBatchDiscardLeavesNoTrace(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	batch, err := store.BeginSeed(context.Background(), "portfolio-v4")
	if err != nil {
		t.Fatalf("begin seed error: %v", err)
	}
	if err := batch.Put(context.Background(), "/index.html", Metadata{Status: http.StatusOK}, bytes.NewReader([]byte("half"))); err != nil {
		t.Fatalf("seed put error: %v", err)
	}
	if err := batch.Discard(); err != nil {
		t.Fatalf("discard error: %v", err)
	}
	if err := batch.Discard(); err != nil {
		t.Fatalf("second discard error: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read storage dir error: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty storage dir after discard, got %d entries", len(entries))
	}
}

func TestSeedBatchRejectsPutAfterCommit(t *testing.T) {
	store := newTestStore(t)
	batch, err := store.BeginSeed(context.Background(), "portfolio-v3")
	if err != nil {
		t.Fatalf("begin seed error: %v", err)
	}
	if err := batch.Commit(context.Background()); err != nil {
		t.Fatalf("commit error: %v", err)
	}
	if err := batch.Put(context.Background(), "/late", Metadata{Status: http.StatusOK}, bytes.NewReader(nil)); err == nil {
		t.Fatalf("expected error for put after commit")
	}
}

func TestListBucketsSkipsStaging(t *testing.T) {
	store := newTestStore(t)
	batch, err := store.BeginSeed(context.Background(), "portfolio-v5")
	if err != nil {
		t.Fatalf("begin seed error: %v", err)
	}
	defer batch.Discard()

	buckets, err := store.ListBuckets(context.Background())
	if err != nil {
		t.Fatalf("list buckets error: %v", err)
	}
	if len(buckets) != 0 {
		t.Fatalf("staging dir leaked into bucket list: %v", buckets)
	}
}

func TestDeleteBucket(t *testing.T) {
	store := newTestStore(t)
	locator := Locator{Bucket: "portfolio-v2", Path: "/index.html"}
	if _, err := store.Put(context.Background(), locator, Metadata{Status: http.StatusOK}, bytes.NewReader([]byte("v2"))); err != nil {
		t.Fatalf("put error: %v", err)
	}

	if err := store.DeleteBucket(context.Background(), "portfolio-v2"); err != nil {
		t.Fatalf("delete bucket error: %v", err)
	}
	if _, err := store.Get(context.Background(), locator); err == nil || err != ErrNotFound {
		t.Fatalf("expected not found after bucket delete, got %v", err)
	}
	// 删除不存在的桶不算错误。
	if err := store.DeleteBucket(context.Background(), "portfolio-v1"); err != nil {
		t.Fatalf("delete missing bucket error: %v", err)
	}
}

func TestDeleteBucketRejectsUnsafeName(t *testing.T) {
	store := newTestStore(t)
	for _, name := range []string{"", "..", ".hidden", "a/b"} {
		if err := store.DeleteBucket(context.Background(), name); err == nil {
			t.Fatalf("expected error for bucket name %q", name)
		}
	}
}

// newTestStore returns a Store backed by a temporary directory.
func newTestStore(t *testing.T) Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

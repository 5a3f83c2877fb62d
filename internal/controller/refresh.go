package controller

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/site-shelter/site-shelter/internal/cache"
	"github.com/site-shelter/site-shelter/internal/policy"
)

// spawnRefresh 在后台刷新一个刚被命中的条目。任务与触发它的请求完全解耦：
// 请求结束不影响刷新,刷新的 panic 和错误都止步于任务内部。同键的并发
// 刷新经 singleflight 合并为一次回源。
func (ctrl *Controller) spawnRefresh(cleanPath string, rawQuery []byte, locator cache.Locator) {
	if locator.Bucket == "" {
		return
	}
	key := locator.Bucket + "::" + locator.Path

	ctrl.bg.Add(1)
	go func() {
		defer ctrl.bg.Done()
		defer func() {
			if r := recover(); r != nil {
				ctrl.logger.WithFields(logrus.Fields{
					"action": "refresh",
					"site":   ctrl.Site(),
					"bucket": locator.Bucket,
					"path":   locator.Path,
					"error":  fmt.Sprintf("panic: %v", r),
				}).Error("refresh_panic")
			}
		}()
		_, _, _ = ctrl.refreshGroup.Do(key, func() (interface{}, error) {
			ctrl.refreshEntry(context.Background(), cleanPath, rawQuery, locator)
			return nil, nil
		})
	}()
}

func (ctrl *Controller) refreshEntry(ctx context.Context, cleanPath string, rawQuery []byte, locator cache.Locator) {
	resp, err := ctrl.fetchDetached(ctx, cleanPath, rawQuery, "")
	if err != nil {
		ctrl.logRefresh(locator, 0, "refresh_failed", err)
		return
	}
	defer resp.Body.Close()

	if !isStorableStatus(resp.StatusCode) {
		// 非 2xx 不覆盖已有副本。
		ctrl.logRefresh(locator, resp.StatusCode, "refresh_skipped", nil)
		return
	}

	meta := cache.Metadata{
		Status: resp.StatusCode,
		Header: storableHeader(resp.Header),
		URL:    upstreamURLString(resp),
	}
	if _, err := ctrl.store.Put(ctx, locator, meta, resp.Body); err != nil {
		ctrl.logRefresh(locator, resp.StatusCode, "refresh_store_failed", err)
		return
	}
	ctrl.logRefresh(locator, resp.StatusCode, "refresh_complete", nil)
}

// HandleSync 扫描预缓存清单，按类别 TTL 提示刷新到期条目。命中路径从不看
// 条目年龄,整个系统里只有这里消费 TTL。
func (ctrl *Controller) HandleSync(ctx context.Context) {
	bucket := ctrl.serveBucket()
	if bucket == "" {
		return
	}

	started := time.Now()
	refreshed := 0
	for _, resource := range ctrl.route.Config.PrecacheManifest {
		select {
		case <-ctx.Done():
			ctrl.logSync(bucket, refreshed, started, ctx.Err())
			return
		default:
		}
		if ctrl.refreshIfStale(ctx, bucket, resource) {
			refreshed++
		}
	}
	ctrl.logSync(bucket, refreshed, started, nil)
}

// refreshIfStale 对单个清单条目做条件刷新:带上已存的 ETag 回源,304 只刷新
// 时间戳,2xx 覆盖副本。缺失的条目视为过期直接补抓。
func (ctrl *Controller) refreshIfStale(ctx context.Context, bucket, resource string) bool {
	locator := cache.Locator{Bucket: bucket, Path: resource}
	ttl := policy.Resolve(policy.Classify(resource), ctrl.route.Overrides).TTLHint

	etag := ""
	stale := true
	if result, err := ctrl.store.Get(ctx, locator); err == nil {
		etag = result.Entry.Header.Get("Etag")
		age := time.Since(result.Entry.ModTime)
		result.Reader.Close()
		stale = ttl > 0 && age > ttl
	} else if !errors.Is(err, cache.ErrNotFound) {
		ctrl.logRefresh(locator, 0, "refresh_read_failed", err)
	}
	if !stale {
		return false
	}

	resp, err := ctrl.fetchDetached(ctx, resource, nil, etag)
	if err != nil {
		ctrl.logRefresh(locator, 0, "refresh_failed", err)
		return false
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		if err := ctrl.store.Touch(ctx, locator); err != nil {
			ctrl.logRefresh(locator, resp.StatusCode, "refresh_touch_failed", err)
			return false
		}
		ctrl.logRefresh(locator, resp.StatusCode, "refresh_not_modified", nil)
		return true
	case isStorableStatus(resp.StatusCode):
		meta := cache.Metadata{
			Status: resp.StatusCode,
			Header: storableHeader(resp.Header),
			URL:    upstreamURLString(resp),
		}
		if _, err := ctrl.store.Put(ctx, locator, meta, resp.Body); err != nil {
			ctrl.logRefresh(locator, resp.StatusCode, "refresh_store_failed", err)
			return false
		}
		ctrl.logRefresh(locator, resp.StatusCode, "refresh_complete", nil)
		return true
	default:
		ctrl.logRefresh(locator, resp.StatusCode, "refresh_skipped", nil)
		return false
	}
}

func (ctrl *Controller) logRefresh(locator cache.Locator, status int, event string, err error) {
	fields := logrus.Fields{
		"action": "refresh",
		"site":   ctrl.Site(),
		"bucket": locator.Bucket,
		"path":   locator.Path,
		"status": status,
	}
	if err != nil {
		fields["error"] = err.Error()
		ctrl.logger.WithFields(fields).Warn(event)
		return
	}
	ctrl.logger.WithFields(fields).Debug(event)
}

func (ctrl *Controller) logSync(bucket string, refreshed int, started time.Time, cause error) {
	fields := logrus.Fields{
		"action":     "sync",
		"site":       ctrl.Site(),
		"bucket":     bucket,
		"refreshed":  refreshed,
		"elapsed_ms": time.Since(started).Milliseconds(),
	}
	if cause != nil {
		fields["error"] = cause.Error()
		ctrl.logger.WithFields(fields).Warn("sync_aborted")
		return
	}
	ctrl.logger.WithFields(fields).Info("sync_complete")
}

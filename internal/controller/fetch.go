package controller

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/site-shelter/site-shelter/internal/cache"
	"github.com/site-shelter/site-shelter/internal/logging"
	"github.com/site-shelter/site-shelter/internal/policy"
	"github.com/site-shelter/site-shelter/internal/server"
)

type strategyFunc func(c fiber.Ctx, req *fetchRequest) error

// fetchRequest 聚合单次拦截请求的派生状态,策略函数之间靠它传递。
type fetchRequest struct {
	ctx        context.Context
	requestID  string
	started    time.Time
	cleanPath  string
	rawQuery   []byte
	profile    policy.Profile
	locator    cache.Locator
	navigation bool
}

// HandleFetch 是所有拦截请求的入口：先做资格过滤，再按分类结果查策略表派发。
// 非 GET 请求原样透传源站，零缓存读写。
func (ctrl *Controller) HandleFetch(c fiber.Ctx) error {
	started := time.Now()
	requestID := server.RequestID(c)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if c.Method() != http.MethodGet {
		return ctrl.passThrough(ctx, c, requestID, started)
	}

	cleanPath := normalizeRequestPath(string(c.Request().URI().Path()))
	rawQuery := append([]byte(nil), c.Request().URI().QueryString()...)
	profile := policy.Resolve(policy.Classify(cleanPath), ctrl.route.Overrides)

	req := &fetchRequest{
		ctx:        ctx,
		requestID:  requestID,
		started:    started,
		cleanPath:  cleanPath,
		rawQuery:   rawQuery,
		profile:    profile,
		locator:    buildLocator(ctrl.serveBucket(), cleanPath, rawQuery),
		navigation: isNavigation(c),
	}

	handler := ctrl.strategies[profile.Strategy]
	if handler == nil {
		handler = ctrl.networkFirst
	}
	return handler(c, req)
}

// cacheFirst 命中即返回，完全不碰源站；未命中才回源，成功则落盘。
func (ctrl *Controller) cacheFirst(c fiber.Ctx, req *fetchRequest) error {
	if cached := ctrl.lookupCache(req.ctx, req.locator); cached != nil {
		defer cached.Reader.Close()
		return ctrl.serveCached(c, req, cached)
	}

	resp, err := ctrl.fetchOrigin(c, req)
	if err != nil {
		return ctrl.serveOffline(c, req, err)
	}
	defer resp.Body.Close()

	if isStorableStatus(resp.StatusCode) {
		return ctrl.storeAndServe(c, req, resp)
	}
	return ctrl.serveUpstream(c, req, resp)
}

// networkFirst 先回源；源站不可达时依次退到同路径缓存、导航壳页面、合成 503。
func (ctrl *Controller) networkFirst(c fiber.Ctx, req *fetchRequest) error {
	resp, err := ctrl.fetchOrigin(c, req)
	if err == nil {
		defer resp.Body.Close()
		if isStorableStatus(resp.StatusCode) {
			return ctrl.storeAndServe(c, req, resp)
		}
		// 源站给出的 HTTP 错误照常转发,但不落盘。
		return ctrl.serveUpstream(c, req, resp)
	}

	if cached := ctrl.lookupCache(req.ctx, req.locator); cached != nil {
		defer cached.Reader.Close()
		ctrl.logFallback(req, "cache", err)
		return ctrl.serveCached(c, req, cached)
	}
	if req.navigation {
		if shell := ctrl.lookupShell(req.ctx); shell != nil {
			defer shell.Reader.Close()
			ctrl.logFallback(req, "shell", err)
			return ctrl.serveCached(c, req, shell)
		}
	}
	return ctrl.serveOffline(c, req, err)
}

// staleWhileRevalidate 命中立即返回旧副本,同时派生后台刷新;响应耗时与
// 源站状态无关。未命中则等待网络。
func (ctrl *Controller) staleWhileRevalidate(c fiber.Ctx, req *fetchRequest) error {
	if cached := ctrl.lookupCache(req.ctx, req.locator); cached != nil {
		defer cached.Reader.Close()
		ctrl.spawnRefresh(req.cleanPath, req.rawQuery, req.locator)
		return ctrl.serveCached(c, req, cached)
	}

	resp, err := ctrl.fetchOrigin(c, req)
	if err != nil {
		return ctrl.serveOffline(c, req, err)
	}
	defer resp.Body.Close()

	if isStorableStatus(resp.StatusCode) {
		return ctrl.storeAndServe(c, req, resp)
	}
	return ctrl.serveUpstream(c, req, resp)
}

// lookupCache 读桶中条目。读取出错按未命中处理,让请求继续走网络分支。
func (ctrl *Controller) lookupCache(ctx context.Context, locator cache.Locator) *cache.ReadResult {
	if locator.Bucket == "" {
		return nil
	}
	result, err := ctrl.store.Get(ctx, locator)
	switch {
	case err == nil:
		return result
	case errors.Is(err, cache.ErrNotFound):
		return nil
	default:
		ctrl.logger.WithError(err).WithFields(logrus.Fields{
			"site":   ctrl.Site(),
			"bucket": locator.Bucket,
			"path":   locator.Path,
		}).Warn("cache_get_failed")
		return nil
	}
}

func (ctrl *Controller) lookupShell(ctx context.Context) *cache.ReadResult {
	bucket := ctrl.serveBucket()
	if bucket == "" {
		return nil
	}
	return ctrl.lookupCache(ctx, cache.Locator{Bucket: bucket, Path: ctrl.route.Config.OfflineFallback})
}

func (ctrl *Controller) serveCached(c fiber.Ctx, req *fetchRequest, result *cache.ReadResult) error {
	copyResponseHeaders(c, result.Entry.Header)

	if result.Entry.SizeBytes > 0 {
		c.Response().Header.SetContentLength(int(result.Entry.SizeBytes))
	} else {
		c.Response().Header.Del("Content-Length")
	}
	ctrl.writeGatewayHeaders(c, req, true)

	status := result.Entry.Status
	if status == 0 {
		status = fiber.StatusOK
	}
	c.Status(status)

	_, err := io.Copy(c.Response().BodyWriter(), result.Reader)
	ctrl.logFetch(req, status, true, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("read cache failed: %v", err))
	}
	return nil
}

func (ctrl *Controller) serveUpstream(c fiber.Ctx, req *fetchRequest, resp *http.Response) error {
	copyResponseHeaders(c, resp.Header)
	ctrl.writeGatewayHeaders(c, req, false)
	c.Status(resp.StatusCode)

	_, err := io.Copy(c.Response().BodyWriter(), resp.Body)
	ctrl.logFetch(req, resp.StatusCode, false, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

// storeAndServe 一边把源站响应写给客户端,一边 tee 进缓存。
func (ctrl *Controller) storeAndServe(c fiber.Ctx, req *fetchRequest, resp *http.Response) error {
	if req.locator.Bucket == "" {
		// 没有可写的桶(安装失败且无历史版本),退化为纯转发。
		return ctrl.serveUpstream(c, req, resp)
	}

	copyResponseHeaders(c, resp.Header)
	ctrl.writeGatewayHeaders(c, req, false)
	c.Status(resp.StatusCode)

	meta := cache.Metadata{
		Status: resp.StatusCode,
		Header: storableHeader(resp.Header),
		URL:    upstreamURLString(resp),
	}
	reader := io.TeeReader(resp.Body, c.Response().BodyWriter())
	_, err := ctrl.store.Put(req.ctx, req.locator, meta, reader)
	ctrl.logFetch(req, resp.StatusCode, false, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("cache_write_failed: %v", err))
	}
	return nil
}

// serveOffline 合成兜底响应：503 + text/plain "Offline"。策略路径从不向
// 客户端抛错,断网的尽头是这里。
func (ctrl *Controller) serveOffline(c fiber.Ctx, req *fetchRequest, cause error) error {
	fields := ctrl.fetchFields(req, false)
	fields["status"] = fiber.StatusServiceUnavailable
	if cause != nil {
		fields["error"] = cause.Error()
	}
	ctrl.logger.WithFields(fields).Warn("fetch_offline")

	ctrl.writeGatewayHeaders(c, req, false)
	c.Set(fiber.HeaderContentType, "text/plain")
	return c.Status(fiber.StatusServiceUnavailable).SendString("Offline")
}

// passThrough 把非 GET 请求原样转发：方法、头、体全部保留。
func (ctrl *Controller) passThrough(ctx context.Context, c fiber.Ctx, requestID string, started time.Time) error {
	cleanPath := normalizeRequestPath(string(c.Request().URI().Path()))
	rawQuery := append([]byte(nil), c.Request().URI().QueryString()...)
	upstreamURL := ctrl.resolveUpstreamURL(cleanPath, rawQuery)

	httpReq, err := ctrl.buildOriginRequest(ctx, c, c.Method(), upstreamURL, bytesReader(c.Body()))
	if err != nil {
		return ctrl.passThroughError(c, requestID, started, cleanPath, err)
	}
	resp, err := ctrl.doRequest(httpReq)
	if err != nil {
		return ctrl.passThroughError(c, requestID, started, cleanPath, err)
	}
	defer resp.Body.Close()

	copyResponseHeaders(c, resp.Header)
	c.Set("X-Site-Shelter-Upstream", ctrl.route.UpstreamURL.String())
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.StatusCode)

	_, copyErr := io.Copy(c.Response().BodyWriter(), resp.Body)
	ctrl.logPassThrough(c.Method(), cleanPath, requestID, resp.StatusCode, started, copyErr)
	if copyErr != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", copyErr))
	}
	return nil
}

func (ctrl *Controller) passThroughError(c fiber.Ctx, requestID string, started time.Time, cleanPath string, cause error) error {
	ctrl.logPassThrough(c.Method(), cleanPath, requestID, 0, started, cause)
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "upstream_failed"})
}

func (ctrl *Controller) writeGatewayHeaders(c fiber.Ctx, req *fetchRequest, cacheHit bool) {
	c.Set("X-Site-Shelter-Cache-Hit", strconv.FormatBool(cacheHit))
	c.Set("X-Site-Shelter-Strategy", string(req.profile.Strategy))
	c.Set("X-Site-Shelter-Upstream", ctrl.route.UpstreamURL.String())
	if req.requestID != "" {
		c.Set("X-Request-ID", req.requestID)
	}
}

func (ctrl *Controller) fetchFields(req *fetchRequest, cacheHit bool) logrus.Fields {
	fields := logging.FetchFields(
		ctrl.route.Config.Name,
		ctrl.route.Config.Domain,
		ctrl.route.Config.Version,
		string(req.profile.Class),
		string(req.profile.Strategy),
		cacheHit,
	)
	fields["action"] = "fetch"
	fields["path"] = req.cleanPath
	if req.requestID != "" {
		fields["request_id"] = req.requestID
	}
	return fields
}

func (ctrl *Controller) logFetch(req *fetchRequest, status int, cacheHit bool, err error) {
	fields := ctrl.fetchFields(req, cacheHit)
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(req.started).Milliseconds()
	if err != nil {
		fields["error"] = err.Error()
		ctrl.logger.WithFields(fields).Error("fetch_failed")
		return
	}
	ctrl.logger.WithFields(fields).Info("fetch_complete")
}

func (ctrl *Controller) logFallback(req *fetchRequest, target string, cause error) {
	fields := ctrl.fetchFields(req, true)
	fields["fallback"] = target
	if cause != nil {
		fields["error"] = cause.Error()
	}
	ctrl.logger.WithFields(fields).Warn("fetch_fallback")
}

func (ctrl *Controller) logPassThrough(method, cleanPath, requestID string, status int, started time.Time, err error) {
	fields := logrus.Fields{
		"action":     "pass_through",
		"site":       ctrl.Site(),
		"method":     method,
		"path":       cleanPath,
		"status":     status,
		"elapsed_ms": time.Since(started).Milliseconds(),
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		ctrl.logger.WithFields(fields).Error("pass_through_failed")
		return
	}
	ctrl.logger.WithFields(fields).Info("pass_through_complete")
}

// isNavigation 判断请求是否在取 HTML 文档。浏览器带 Sec-Fetch-Mode 时以它
// 为准,否则看 Accept 是否声明 text/html。
func isNavigation(c fiber.Ctx) bool {
	if mode := strings.TrimSpace(string(c.Request().Header.Peek("Sec-Fetch-Mode"))); mode != "" {
		return strings.EqualFold(mode, "navigate")
	}
	accept := string(c.Request().Header.Peek(fiber.HeaderAccept))
	return strings.Contains(accept, "text/html")
}

// buildLocator 把路径折叠成桶内唯一键,带查询串的请求以摘要后缀区分。
func buildLocator(bucket, cleanPath string, rawQuery []byte) cache.Locator {
	p := cleanPath
	if len(rawQuery) > 0 {
		sum := sha1.Sum(rawQuery)
		p = fmt.Sprintf("%s/__qs/%s", p, hex.EncodeToString(sum[:]))
	}
	return cache.Locator{Bucket: bucket, Path: p}
}

func normalizeRequestPath(raw string) string {
	if raw == "" {
		raw = "/"
	}
	return path.Clean("/" + raw)
}

// 只有 2xx 响应会进缓存,其余状态照常转发但不落盘。
func isStorableStatus(status int) bool {
	return status >= http.StatusOK && status < http.StatusMultipleChoices
}

func storableHeader(src http.Header) http.Header {
	dst := http.Header{}
	server.CopyHeaders(dst, src)
	return dst
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			c.Set(key, value)
		}
	}
}

package controller

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/site-shelter/site-shelter/internal/cache"
	"github.com/site-shelter/site-shelter/internal/logging"
	"github.com/site-shelter/site-shelter/internal/policy"
	"github.com/site-shelter/site-shelter/internal/server"
)

// State 描述控制器生命周期所处的阶段。
type State string

const (
	StateNew           State = "new"
	StateInstalling    State = "installing"
	StateInstalled     State = "installed"
	StateActivating    State = "activating"
	StateActive        State = "active"
	StateInstallFailed State = "install_failed"
)

// Lifecycle 枚举控制器响应的全部外部触发，宿主按事件逐一派发：
// 安装、激活、请求拦截、控制消息、后台刷新。
type Lifecycle interface {
	Install(ctx context.Context) error
	Activate(ctx context.Context) error
	HandleFetch(c fiber.Ctx) error
	HandleMessage(ctx context.Context, msg Message) (*VersionReply, error)
	HandleSync(ctx context.Context)
}

var _ Lifecycle = (*Controller)(nil)

// 安装阶段并发抓取清单的上限。清单通常只有十几项,限流是为了
// 避免把小型源站打满。
const seedConcurrency = 4

// Controller 管理单个站点的版本桶与三种缓存策略，
// 对外暴露 Lifecycle 的五个入口，内部复用共享 http.Client 与磁盘缓存。
type Controller struct {
	route  *server.SiteRoute
	client *http.Client
	logger *logrus.Logger
	store  cache.Store

	strategies map[policy.Strategy]strategyFunc

	mu sync.Mutex
	// state 与 activeBucket 成对变化:activeBucket 是请求读写实际使用的桶,
	// 安装失败时可能退回历史版本桶,与配置里的目标桶不同。
	state        State
	activeBucket string

	refreshGroup singleflight.Group
	bg           sync.WaitGroup
}

// New constructs a site controller with shared HTTP client/logger/store.
func New(route *server.SiteRoute, client *http.Client, logger *logrus.Logger, store cache.Store) (*Controller, error) {
	if route == nil {
		return nil, errors.New("site route is required")
	}
	if client == nil {
		return nil, errors.New("http client is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	if store == nil {
		return nil, errors.New("cache store is required")
	}

	ctrl := &Controller{
		route:  route,
		client: client,
		logger: logger,
		store:  store,
		state:  StateNew,
	}
	ctrl.strategies = map[policy.Strategy]strategyFunc{
		policy.StrategyNetworkFirst:         ctrl.networkFirst,
		policy.StrategyStaleWhileRevalidate: ctrl.staleWhileRevalidate,
		policy.StrategyCacheFirst:           ctrl.cacheFirst,
	}
	return ctrl, nil
}

// Site 返回站点名，Dispatcher 用它做派发键。
func (ctrl *Controller) Site() string {
	return ctrl.route.Config.Name
}

// Version 返回配置的版本号。无论安装/激活进行到哪一步，应答始终如实。
func (ctrl *Controller) Version() string {
	return ctrl.route.Config.Version
}

// State 返回当前生命周期阶段,供诊断输出。
func (ctrl *Controller) State() State {
	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	return ctrl.state
}

// Route 返回控制器绑定的站点路由,诊断端只读使用。
func (ctrl *Controller) Route() *server.SiteRoute {
	return ctrl.route
}

// ServingBucket 返回请求读写实际使用的桶。安装失败回退旧版本时它与
// Route().Bucket 不同,降级纯转发时为空。
func (ctrl *Controller) ServingBucket() string {
	return ctrl.serveBucket()
}

func (ctrl *Controller) serveBucket() string {
	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	return ctrl.activeBucket
}

// Install 为当前版本预缓存整份清单：全部成功则桶一次性落盘，任何一项
// 失败则丢弃暂存目录，磁盘上不留该版本的任何痕迹。同版本桶已存在时
// 安装是幂等的空操作。
func (ctrl *Controller) Install(ctx context.Context) error {
	ctrl.mu.Lock()
	if ctrl.state != StateNew {
		state := ctrl.state
		ctrl.mu.Unlock()
		return fmt.Errorf("install not allowed in state %s", state)
	}
	ctrl.state = StateInstalling
	ctrl.mu.Unlock()

	bucket := ctrl.route.Bucket
	if ctrl.bucketExists(ctx, bucket) {
		ctrl.setState(StateInstalled)
		fields := logging.LifecycleFields(ctrl.Site(), ctrl.Version(), bucket, "install")
		fields["reason"] = "bucket_exists"
		ctrl.logger.WithFields(fields).Info("install_skipped")
		return nil
	}

	started := time.Now()
	batch, err := ctrl.store.BeginSeed(ctx, bucket)
	if err != nil {
		return ctrl.failInstall(bucket, fmt.Errorf("begin seed: %w", err))
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(seedConcurrency)
	for _, resource := range ctrl.route.Config.PrecacheManifest {
		group.Go(func() error {
			return ctrl.seedResource(groupCtx, batch, resource)
		})
	}
	if err := group.Wait(); err != nil {
		batch.Discard()
		return ctrl.failInstall(bucket, err)
	}

	entries := batch.Len()
	if err := batch.Commit(ctx); err != nil {
		return ctrl.failInstall(bucket, fmt.Errorf("commit seed: %w", err))
	}

	ctrl.setState(StateInstalled)
	fields := logging.LifecycleFields(ctrl.Site(), ctrl.Version(), bucket, "install")
	fields["entries"] = entries
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	ctrl.logger.WithFields(fields).Info("install_complete")
	return nil
}

func (ctrl *Controller) seedResource(ctx context.Context, batch *cache.SeedBatch, resource string) error {
	resp, err := ctrl.fetchDetached(ctx, resource, nil, "")
	if err != nil {
		return fmt.Errorf("precache %s: %w", resource, err)
	}
	defer resp.Body.Close()

	if !isStorableStatus(resp.StatusCode) {
		return fmt.Errorf("precache %s: unexpected status %d", resource, resp.StatusCode)
	}

	meta := cache.Metadata{
		Status: resp.StatusCode,
		Header: storableHeader(resp.Header),
		URL:    upstreamURLString(resp),
	}
	if err := batch.Put(ctx, resource, meta, resp.Body); err != nil {
		return fmt.Errorf("precache %s: %w", resource, err)
	}
	return nil
}

// failInstall 记录失败并决定降级姿态:有历史桶就继续用旧版本服务,
// 没有就退化成纯转发网关。
func (ctrl *Controller) failInstall(bucket string, cause error) error {
	prior := ctrl.priorBucket(bucket)

	ctrl.mu.Lock()
	ctrl.state = StateInstallFailed
	ctrl.activeBucket = prior
	ctrl.mu.Unlock()

	fields := logging.LifecycleFields(ctrl.Site(), ctrl.Version(), bucket, "install")
	fields["error"] = cause.Error()
	if prior != "" {
		fields["serving_bucket"] = prior
	}
	ctrl.logger.WithFields(fields).Error("install_failed")
	return cause
}

// Activate 把新桶推上服务位，并清掉同站点前缀下的所有历史桶。
// 清理失败只记日志，激活本身总会完成。
func (ctrl *Controller) Activate(ctx context.Context) error {
	ctrl.mu.Lock()
	switch ctrl.state {
	case StateActive:
		ctrl.mu.Unlock()
		return nil
	case StateInstalled:
	default:
		state := ctrl.state
		ctrl.mu.Unlock()
		return fmt.Errorf("activate not allowed in state %s", state)
	}
	ctrl.state = StateActivating
	ctrl.mu.Unlock()

	bucket := ctrl.route.Bucket
	prefix := ctrl.route.Config.BucketPrefix()
	purged := 0

	buckets, err := ctrl.store.ListBuckets(ctx)
	if err != nil {
		fields := logging.LifecycleFields(ctrl.Site(), ctrl.Version(), bucket, "activate")
		fields["error"] = err.Error()
		ctrl.logger.WithFields(fields).Warn("bucket_list_failed")
	}
	for _, name := range buckets {
		if name == bucket || !strings.HasPrefix(name, prefix) {
			continue
		}
		if err := ctrl.store.DeleteBucket(ctx, name); err != nil {
			fields := logging.LifecycleFields(ctrl.Site(), ctrl.Version(), name, "activate")
			fields["error"] = err.Error()
			ctrl.logger.WithFields(fields).Warn("bucket_purge_failed")
			continue
		}
		purged++
		ctrl.logger.WithFields(logging.LifecycleFields(ctrl.Site(), ctrl.Version(), name, "activate")).Info("bucket_purged")
	}

	ctrl.mu.Lock()
	ctrl.state = StateActive
	ctrl.activeBucket = bucket
	ctrl.mu.Unlock()

	fields := logging.LifecycleFields(ctrl.Site(), ctrl.Version(), bucket, "activate")
	fields["purged"] = purged
	ctrl.logger.WithFields(fields).Info("activate_complete")
	return nil
}

// SkipWaiting 立即激活已安装的版本。重复调用或时机不当都安全:
// 没有待激活的版本时什么也不做。
func (ctrl *Controller) SkipWaiting(ctx context.Context) {
	ctrl.mu.Lock()
	state := ctrl.state
	ctrl.mu.Unlock()

	if state != StateInstalled {
		return
	}
	if err := ctrl.Activate(ctx); err != nil {
		fields := logging.LifecycleFields(ctrl.Site(), ctrl.Version(), ctrl.route.Bucket, "activate")
		fields["error"] = err.Error()
		ctrl.logger.WithFields(fields).Warn("skip_waiting_failed")
	}
}

// Shutdown 等待后台刷新任务收尾，超出 ctx 期限则放弃等待。
func (ctrl *Controller) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		ctrl.bg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (ctrl *Controller) setState(state State) {
	ctrl.mu.Lock()
	ctrl.state = state
	ctrl.mu.Unlock()
}

func (ctrl *Controller) bucketExists(ctx context.Context, bucket string) bool {
	buckets, err := ctrl.store.ListBuckets(ctx)
	if err != nil {
		return false
	}
	for _, name := range buckets {
		if name == bucket {
			return true
		}
	}
	return false
}

// priorBucket 返回同站点前缀下除目标桶外的一个历史桶。正常情况下
// 激活后只会剩一个,多个并存(上次滚动中断)时取排序靠后的那个。
func (ctrl *Controller) priorBucket(exclude string) string {
	buckets, err := ctrl.store.ListBuckets(context.Background())
	if err != nil {
		return ""
	}
	prefix := ctrl.route.Config.BucketPrefix()
	var candidates []string
	for _, name := range buckets {
		if name == exclude || !strings.HasPrefix(name, prefix) {
			continue
		}
		candidates = append(candidates, name)
	}
	if len(candidates) == 0 {
		return ""
	}
	sort.Strings(candidates)
	return candidates[len(candidates)-1]
}

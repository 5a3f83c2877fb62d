package controller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/site-shelter/site-shelter/internal/server"
)

// Dispatcher 把路由层解析出的站点派发给对应的 Controller，并兜住控制器
// panic，保证单个站点的异常不会放倒整个进程。
type Dispatcher struct {
	logger *logrus.Logger

	mu          sync.RWMutex
	controllers map[string]*Controller
}

// NewDispatcher 创建空的派发表，logger 不能为空。
func NewDispatcher(logger *logrus.Logger) *Dispatcher {
	return &Dispatcher{
		logger:      logger,
		controllers: make(map[string]*Controller),
	}
}

// Register 绑定站点控制器，重复注册同名站点会返回错误。
func (d *Dispatcher) Register(ctrl *Controller) error {
	if ctrl == nil {
		return errors.New("controller is nil")
	}
	name := ctrl.Site()
	if name == "" {
		return errors.New("controller site name is empty")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.controllers[name]; exists {
		return fmt.Errorf("controller %s already registered", name)
	}
	d.controllers[name] = ctrl
	return nil
}

// Lookup 返回站点名对应的控制器。
func (d *Dispatcher) Lookup(site string) (*Controller, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ctrl, ok := d.controllers[site]
	return ctrl, ok
}

// List 返回全部控制器，按站点名排序。
func (d *Dispatcher) List() []*Controller {
	d.mu.RLock()
	defer d.mu.RUnlock()

	names := make([]string, 0, len(d.controllers))
	for name := range d.controllers {
		names = append(names, name)
	}
	sort.Strings(names)

	result := make([]*Controller, 0, len(names))
	for _, name := range names {
		result = append(result, d.controllers[name])
	}
	return result
}

// Handle 实现 server.FetchHandler，根据 route 选择控制器。
func (d *Dispatcher) Handle(c fiber.Ctx, route *server.SiteRoute) error {
	requestID := server.RequestID(c)
	ctrl, ok := d.Lookup(route.Config.Name)
	if !ok {
		return d.respondMissingController(c, route, requestID)
	}
	return d.invokeController(c, ctrl, route, requestID)
}

func (d *Dispatcher) respondMissingController(c fiber.Ctx, route *server.SiteRoute, requestID string) error {
	d.logDispatchError(route, "controller_missing", nil, requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "controller_missing"})
}

func (d *Dispatcher) invokeController(c fiber.Ctx, ctrl *Controller, route *server.SiteRoute, requestID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = d.respondControllerPanic(c, route, r, requestID)
		}
	}()
	return ctrl.HandleFetch(c)
}

func (d *Dispatcher) respondControllerPanic(c fiber.Ctx, route *server.SiteRoute, recovered interface{}, requestID string) error {
	d.logDispatchError(route, "controller_panic", fmt.Errorf("panic: %v", recovered), requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "controller_panic"})
}

func setRequestIDHeader(c fiber.Ctx, requestID string) {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
}

func (d *Dispatcher) logDispatchError(route *server.SiteRoute, code string, err error, requestID string) {
	if d.logger == nil {
		return
	}
	fields := logrus.Fields{
		"action": "fetch",
		"site":   route.Config.Name,
		"domain": route.Config.Domain,
		"error":  code,
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		d.logger.WithFields(fields).Error(err.Error())
		return
	}
	d.logger.WithFields(fields).Error("site controller unavailable")
}

// RunSyncLoop 周期触发所有控制器的后台刷新，interval 非正时直接返回。
// 循环随 ctx 取消而退出。
func (d *Dispatcher) RunSyncLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, ctrl := range d.List() {
				ctrl.HandleSync(ctx)
			}
		}
	}
}

package routes

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/site-shelter/site-shelter/internal/controller"
	"github.com/site-shelter/site-shelter/internal/server"
)

// RegisterControlRoutes 暴露 /-/control 控制通道。消息按 Host 头定位站点,
// 再交给对应控制器派发;有应答体的消息返回 200,其余返回 204。
func RegisterControlRoutes(app *fiber.App, registry *server.SiteRegistry, dispatcher *controller.Dispatcher) {
	if app == nil || registry == nil || dispatcher == nil {
		return
	}

	app.Post("/-/control", func(c fiber.Ctx) error {
		var msg controller.Message
		if err := json.Unmarshal(c.Body(), &msg); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_message"})
		}
		if strings.TrimSpace(msg.Type) == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_message"})
		}

		host := strings.TrimSpace(server.HostHeader(c))
		route, ok := registry.Lookup(host)
		if !ok {
			if host != "" {
				c.Set("X-Site-Shelter-Host", host)
			}
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "site_unmapped"})
		}

		ctrl, ok := dispatcher.Lookup(route.Config.Name)
		if !ok {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "controller_missing"})
		}

		ctx := c.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		reply, err := ctrl.HandleMessage(ctx, msg)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "message_failed"})
		}
		if reply == nil {
			return c.SendStatus(fiber.StatusNoContent)
		}
		return c.JSON(reply)
	})
}

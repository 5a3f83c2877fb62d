package routes

import (
	"context"
	"sort"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/site-shelter/site-shelter/internal/cache"
	"github.com/site-shelter/site-shelter/internal/controller"
	"github.com/site-shelter/site-shelter/internal/policy"
	"github.com/site-shelter/site-shelter/internal/server"
)

// RegisterStatusRoutes 暴露 /-/status 诊断接口,供 SRE 查询各站点的生命周期
// 状态、在役桶与全局策略表。
func RegisterStatusRoutes(app *fiber.App, registry *server.SiteRegistry, dispatcher *controller.Dispatcher, store cache.Store) {
	if app == nil || registry == nil || dispatcher == nil {
		return
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		payload := fiber.Map{
			"sites":          encodeSites(registry.List(), dispatcher),
			"strategy_table": encodeStrategyTable(policy.Rules()),
		}
		if store != nil {
			ctx := c.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if buckets, err := store.ListBuckets(ctx); err == nil {
				payload["buckets"] = buckets
			}
		}
		return c.JSON(payload)
	})
}

type sitePayload struct {
	Name              string   `json:"name"`
	Domain            string   `json:"domain"`
	Version           string   `json:"version"`
	State             string   `json:"state"`
	TargetBucket      string   `json:"target_bucket"`
	ServingBucket     string   `json:"serving_bucket"`
	Upstream          string   `json:"upstream"`
	AuthMode          string   `json:"auth_mode"`
	ManifestEntries   int      `json:"manifest_entries"`
	RuntimeCache      []string `json:"runtime_cache,omitempty"`
	OfflineFallback   string   `json:"offline_fallback"`
	RefreshTTLSeconds int64    `json:"refresh_ttl_seconds,omitempty"`
}

type strategyRulePayload struct {
	Class       string `json:"class"`
	Strategy    string `json:"strategy"`
	TTLSeconds  int64  `json:"ttl_seconds"`
	Description string `json:"description"`
}

func encodeSites(routes []server.SiteRoute, dispatcher *controller.Dispatcher) []sitePayload {
	if len(routes) == 0 {
		return nil
	}
	sort.Slice(routes, func(i, j int) bool {
		return routes[i].Config.Name < routes[j].Config.Name
	})

	result := make([]sitePayload, 0, len(routes))
	for _, route := range routes {
		site := route.Config
		item := sitePayload{
			Name:              site.Name,
			Domain:            site.Domain,
			Version:           site.Version,
			State:             "unregistered",
			TargetBucket:      route.Bucket,
			Upstream:          site.Upstream,
			AuthMode:          site.AuthMode(),
			ManifestEntries:   len(site.PrecacheManifest),
			RuntimeCache:      site.RuntimeCache,
			OfflineFallback:   site.OfflineFallback,
			RefreshTTLSeconds: int64(route.Overrides.RefreshTTL / time.Second),
		}
		if ctrl, ok := dispatcher.Lookup(site.Name); ok {
			item.State = string(ctrl.State())
			item.ServingBucket = ctrl.ServingBucket()
		}
		result = append(result, item)
	}
	return result
}

func encodeStrategyTable(rules []policy.Rule) []strategyRulePayload {
	if len(rules) == 0 {
		return nil
	}
	result := make([]strategyRulePayload, 0, len(rules))
	for _, rule := range rules {
		result = append(result, strategyRulePayload{
			Class:       string(rule.Class),
			Strategy:    string(rule.Profile.Strategy),
			TTLSeconds:  int64(rule.Profile.TTLHint / time.Second),
			Description: rule.Description,
		})
	}
	return result
}

package server

import (
	"testing"
	"time"

	"github.com/site-shelter/site-shelter/internal/config"
)

func TestSiteRegistryLookupByHost(t *testing.T) {
	cfg := &config.Config{
		Global: config.GlobalConfig{
			ListenPort: 5000,
		},
		Sites: []config.SiteConfig{
			{
				Name:             "portfolio",
				Domain:           "portfolio.shelter.local",
				Version:          "v3",
				Upstream:         "https://origin.portfolio.dev",
				PrecacheManifest: []string{"/", "/index.html"},
				OfflineFallback:  "/index.html",
			},
			{
				Name:             "blog",
				Domain:           "blog.shelter.local",
				Version:          "2024-05",
				Upstream:         "https://origin.blog.dev",
				PrecacheManifest: []string{"/index.html"},
				OfflineFallback:  "/index.html",
				RefreshTTL:       config.Duration(30 * time.Minute),
			},
		},
	}

	registry, err := NewSiteRegistry(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	route, ok := registry.Lookup("portfolio.shelter.local")
	if !ok {
		t.Fatalf("expected portfolio route")
	}

	if route.Config.Name != "portfolio" {
		t.Errorf("wrong site returned: %s", route.Config.Name)
	}
	if route.Bucket != "portfolio-v3" {
		t.Errorf("bucket mismatch: %s", route.Bucket)
	}
	if route.UpstreamURL.String() != "https://origin.portfolio.dev" {
		t.Errorf("unexpected upstream URL: %s", route.UpstreamURL)
	}
	if route.ProxyURL != nil {
		t.Errorf("expected nil proxy")
	}
	if route.ListenPort != cfg.Global.ListenPort {
		t.Fatalf("route listen port mismatch: %d", route.ListenPort)
	}
	if route.Overrides.RefreshTTL != 0 {
		t.Fatalf("unexpected refresh ttl override: %v", route.Overrides.RefreshTTL)
	}

	blog, ok := registry.Lookup("blog.shelter.local")
	if !ok {
		t.Fatalf("expected blog route")
	}
	if blog.Overrides.RefreshTTL != 30*time.Minute {
		t.Fatalf("refresh ttl override not carried: %v", blog.Overrides.RefreshTTL)
	}

	if got := len(registry.List()); got != 2 {
		t.Fatalf("expected 2 routes in list, got %d", got)
	}
}

func TestSiteRegistryParsesHostHeaderPort(t *testing.T) {
	cfg := &config.Config{
		Global: config.GlobalConfig{ListenPort: 5000},
		Sites: []config.SiteConfig{
			{
				Name:     "portfolio",
				Domain:   "portfolio.shelter.local",
				Version:  "v3",
				Upstream: "https://origin.portfolio.dev",
			},
		},
	}

	registry, err := NewSiteRegistry(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, ok := registry.Lookup("portfolio.shelter.local:6000"); !ok {
		t.Fatalf("expected lookup to ignore host header port")
	}
}

func TestSiteRegistryRejectsDuplicateDomains(t *testing.T) {
	cfg := &config.Config{
		Global: config.GlobalConfig{ListenPort: 5000},
		Sites: []config.SiteConfig{
			{
				Name:     "portfolio",
				Domain:   "portfolio.shelter.local",
				Version:  "v3",
				Upstream: "https://origin.portfolio.dev",
			},
			{
				Name:     "portfolio-alt",
				Domain:   "portfolio.shelter.local",
				Version:  "v4",
				Upstream: "https://mirror.portfolio.dev",
			},
		},
	}

	if _, err := NewSiteRegistry(cfg); err == nil {
		t.Fatalf("expected duplicate domain error")
	}
}

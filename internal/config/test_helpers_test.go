package config

import (
	"os"
	"path/filepath"
	"testing"
)

func testConfigPath(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join("testdata", name)
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}
	return path
}

// validConfig 返回一份可通过 Validate 的最小配置，测试在其上做针对性破坏。
func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			ListenPort:  5000,
			LogLevel:    "info",
			StoragePath: "./storage",
		},
		Sites: []SiteConfig{
			{
				Name:     "portfolio",
				Domain:   "portfolio.local",
				Version:  "v3",
				Upstream: "https://origin.example.com",
				PrecacheManifest: []string{
					"/", "/index.html", "/styles.css", "/script.js", "/manifest.json",
				},
				OfflineFallback: "/index.html",
			},
		},
	}
}

package policy

import (
	"testing"
	"time"
)

func TestClassifyTable(t *testing.T) {
	cases := []struct {
		path     string
		class    Class
		strategy Strategy
	}{
		{"/", ClassDocument, StrategyNetworkFirst},
		{"/index.html", ClassDocument, StrategyNetworkFirst},
		{"/projects.html", ClassDocument, StrategyNetworkFirst},
		{"/styles.css", ClassAsset, StrategyStaleWhileRevalidate},
		{"/script.js", ClassAsset, StrategyStaleWhileRevalidate},
		{"/img/photo.jpg", ClassImage, StrategyCacheFirst},
		{"/img/logo.PNG", ClassImage, StrategyCacheFirst},
		{"/favicon.ico", ClassImage, StrategyCacheFirst},
		{"/img/diagram.svg", ClassImage, StrategyCacheFirst},
		{"/fonts/body.woff2", ClassFont, StrategyCacheFirst},
		{"/fonts/TITLE.WOFF", ClassFont, StrategyCacheFirst},
		{"/fonts/serif.otf", ClassFont, StrategyCacheFirst},
		{"/fonts/legacy.eot", ClassFont, StrategyCacheFirst},
		{"/manifest.json", ClassDefault, StrategyNetworkFirst},
		{"/api/data", ClassDefault, StrategyNetworkFirst},
		// 文档与脚本扩展名按原样比较,大写变体落入 default。
		{"/Page.HTML", ClassDefault, StrategyNetworkFirst},
		{"/app.JS", ClassDefault, StrategyNetworkFirst},
	}

	for _, tc := range cases {
		profile := Classify(tc.path)
		if profile.Class != tc.class {
			t.Fatalf("path %s: expected class %s, got %s", tc.path, tc.class, profile.Class)
		}
		if profile.Strategy != tc.strategy {
			t.Fatalf("path %s: expected strategy %s, got %s", tc.path, tc.strategy, profile.Strategy)
		}
	}
}

func TestClassifyFirstMatchWins(t *testing.T) {
	// 同时满足多条规则的路径取声明顺序里最靠前的一条。
	profile := Classify("/sprite.svg.html")
	if profile.Class != ClassDocument {
		t.Fatalf("expected document, got %s", profile.Class)
	}
}

func TestClassifyDeterministic(t *testing.T) {
	first := Classify("/styles.css")
	for i := 0; i < 10; i++ {
		if got := Classify("/styles.css"); got != first {
			t.Fatalf("classification changed between calls: %+v vs %+v", first, got)
		}
	}
}

func TestClassifyTTLHints(t *testing.T) {
	if got := Classify("/index.html").TTLHint; got != 24*time.Hour {
		t.Fatalf("document ttl mismatch: %v", got)
	}
	if got := Classify("/script.js").TTLHint; got != 7*24*time.Hour {
		t.Fatalf("asset ttl mismatch: %v", got)
	}
	if got := Classify("/img/a.png").TTLHint; got != 30*24*time.Hour {
		t.Fatalf("image ttl mismatch: %v", got)
	}
}

func TestResolveAppliesOverride(t *testing.T) {
	base := Classify("/styles.css")

	resolved := Resolve(base, Overrides{RefreshTTL: time.Hour})
	if resolved.TTLHint != time.Hour {
		t.Fatalf("override not applied: %v", resolved.TTLHint)
	}
	if resolved.Strategy != StrategyStaleWhileRevalidate {
		t.Fatalf("override must not change strategy: %s", resolved.Strategy)
	}

	untouched := Resolve(base, Overrides{})
	if untouched.TTLHint != base.TTLHint {
		t.Fatalf("zero override should keep default ttl: %v", untouched.TTLHint)
	}
}

func TestResolveNormalizesNegativeTTL(t *testing.T) {
	profile := Resolve(Profile{Class: ClassDefault, TTLHint: -time.Minute}, Overrides{})
	if profile.TTLHint != 0 {
		t.Fatalf("negative ttl should normalize to zero: %v", profile.TTLHint)
	}
	if profile.Strategy != StrategyNetworkFirst {
		t.Fatalf("empty strategy should default to network-first: %s", profile.Strategy)
	}
}

func TestRulesReturnsCopy(t *testing.T) {
	list := Rules()
	if len(list) == 0 {
		t.Fatalf("expected non-empty rule table")
	}
	list[0].Class = "mangled"
	if Rules()[0].Class == "mangled" {
		t.Fatalf("Rules must return a copy")
	}
}

package policy

import (
	"strings"
	"time"
)

// Class 标识请求落入的资源类别。
type Class string

const (
	ClassDocument Class = "document"
	ClassAsset    Class = "asset"
	ClassImage    Class = "image"
	ClassFont     Class = "font"
	ClassDefault  Class = "default"
)

// Strategy 描述某一类资源的缓存读写顺序。
type Strategy string

const (
	// StrategyNetworkFirst 先打源站，失败时回退缓存。
	StrategyNetworkFirst Strategy = "network-first"
	// StrategyStaleWhileRevalidate 有缓存立即返回,同时后台刷新副本。
	StrategyStaleWhileRevalidate Strategy = "stale-while-revalidate"
	// StrategyCacheFirst 有缓存直接返回，完全不碰源站。
	StrategyCacheFirst Strategy = "cache-first"
)

// Profile 是分类结果：类别、策略以及后台刷新参考的新鲜度窗口。
// TTLHint 只影响周期刷新的取舍，命中与否从不看它。
type Profile struct {
	Class    Class
	Strategy Strategy
	TTLHint  time.Duration
}

// Rule 将路径匹配条件绑定到一个 Profile，供 Classify 查表。
type Rule struct {
	Class       Class
	Description string
	Match       func(path string) bool
	Profile     Profile
}

const (
	documentTTL = 24 * time.Hour
	assetTTL    = 7 * 24 * time.Hour
	mediaTTL    = 30 * 24 * time.Hour
)

var imageSuffixes = []string{".png", ".jpg", ".jpeg", ".gif", ".svg", ".ico", ".webp"}

var fontSuffixes = []string{".woff", ".woff2", ".ttf", ".otf", ".eot"}

// rules 按优先级排列,前面的先匹配。
var rules = []Rule{
	{
		Class:       ClassDocument,
		Description: "root path and .html pages served network-first",
		Match: func(p string) bool {
			return p == "/" || strings.HasSuffix(p, ".html")
		},
		Profile: Profile{Class: ClassDocument, Strategy: StrategyNetworkFirst, TTLHint: documentTTL},
	},
	{
		Class:       ClassAsset,
		Description: "stylesheets and scripts served stale-while-revalidate",
		Match: func(p string) bool {
			return strings.HasSuffix(p, ".css") || strings.HasSuffix(p, ".js")
		},
		Profile: Profile{Class: ClassAsset, Strategy: StrategyStaleWhileRevalidate, TTLHint: assetTTL},
	},
	{
		Class:       ClassImage,
		Description: "raster and vector images served cache-first",
		Match:       suffixMatcherFold(imageSuffixes),
		Profile:     Profile{Class: ClassImage, Strategy: StrategyCacheFirst, TTLHint: mediaTTL},
	},
	{
		Class:       ClassFont,
		Description: "web fonts served cache-first",
		Match:       suffixMatcherFold(fontSuffixes),
		Profile:     Profile{Class: ClassFont, Strategy: StrategyCacheFirst, TTLHint: mediaTTL},
	},
}

var defaultProfile = Profile{Class: ClassDefault, Strategy: StrategyNetworkFirst, TTLHint: documentTTL}

// Classify 对 URL 路径(不含查询串)查表,同一路径永远得到同一结果。
func Classify(path string) Profile {
	for _, rule := range rules {
		if rule.Match(path) {
			return rule.Profile
		}
	}
	return defaultProfile
}

// Rules 返回策略表的副本，供诊断端展示。
func Rules() []Rule {
	out := make([]Rule, len(rules))
	copy(out, rules)
	return out
}

// suffixMatcherFold 构造忽略大小写的扩展名匹配器。图片和字体的链接
// 常由内容系统生成,大小写不可控,文档与脚本则按原样比较。
func suffixMatcherFold(suffixes []string) func(string) bool {
	return func(p string) bool {
		lower := strings.ToLower(p)
		for _, suffix := range suffixes {
			if strings.HasSuffix(lower, suffix) {
				return true
			}
		}
		return false
	}
}

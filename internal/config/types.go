package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述全局运行时行为，所有 Site 共享同一份参数。
type GlobalConfig struct {
	ListenPort    int    `mapstructure:"ListenPort"`
	LogLevel      string `mapstructure:"LogLevel"`
	LogFilePath   string `mapstructure:"LogFilePath"`
	LogMaxSize    int    `mapstructure:"LogMaxSize"`
	LogMaxBackups int    `mapstructure:"LogMaxBackups"`
	LogCompress   bool   `mapstructure:"LogCompress"`
	StoragePath   string `mapstructure:"StoragePath"`
	// UpstreamTimeout 为 0 时对回源请求不设整体超时：挂起的请求只拖住
	// 触发它的那一次响应，不影响其它请求。
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	// SyncInterval 为 0 时关闭后台刷新循环。
	SyncInterval Duration `mapstructure:"SyncInterval"`
}

// SiteConfig 决定单个站点如何被缓存与回源。每个 Site 对应一个受管源站，
// 拥有独立的版本号与预缓存清单。
type SiteConfig struct {
	Name     string `mapstructure:"Name"`
	Domain   string `mapstructure:"Domain"`
	Version  string `mapstructure:"Version"`
	Upstream string `mapstructure:"Upstream"`
	Proxy    string `mapstructure:"Proxy"`
	Username string `mapstructure:"Username"`
	Password string `mapstructure:"Password"`
	// PrecacheManifest 是安装阶段整体写入的关键资源清单，任意一项失败则整次安装作废。
	PrecacheManifest []string `mapstructure:"PrecacheManifest"`
	// RuntimeCache 列出预期会被按需缓存的非关键资源，仅用于文档与诊断输出，
	// 不影响任何请求的分类结果。
	RuntimeCache []string `mapstructure:"RuntimeCache"`
	// OfflineFallback 是导航请求在断网且未命中时兜底返回的壳页面，必须包含在清单内。
	OfflineFallback string `mapstructure:"OfflineFallback"`
	// RefreshTTL 覆盖所有资源类别的后台刷新阈值；为 0 时使用各类别默认值。
	RefreshTTL Duration `mapstructure:"RefreshTTL"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Sites  []SiteConfig `mapstructure:"Site"`
}

// BucketName 返回当前站点版本对应的桶名，格式固定为 <name>-<version>。
func (s SiteConfig) BucketName() string {
	return s.Name + "-" + s.Version
}

// BucketPrefix 返回该站点所有历史桶共享的前缀，激活阶段据此识别过期桶。
func (s SiteConfig) BucketPrefix() string {
	return s.Name + "-"
}

// HasCredentials 表示当前 Site 是否配置了完整的源站凭证。
func (s SiteConfig) HasCredentials() bool {
	return s.Username != "" && s.Password != ""
}

// AuthMode 输出 `credentialed` 或 `anonymous`，供日志字段使用。
func (s SiteConfig) AuthMode() string {
	if s.HasCredentials() {
		return "credentialed"
	}
	return "anonymous"
}

// CredentialModes 返回所有 Site 的鉴权模式摘要，例如 portfolio:anonymous。
func CredentialModes(sites []SiteConfig) []string {
	if len(sites) == 0 {
		return nil
	}
	result := make([]string, len(sites))
	for i, site := range sites {
		result[i] = fmt.Sprintf("%s:%s", site.Name, site.AuthMode())
	}
	return result
}

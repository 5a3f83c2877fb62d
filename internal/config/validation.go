package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.UpstreamTimeout.DurationValue() < 0 {
		return newFieldError("Global.UpstreamTimeout", "不能为负数")
	}
	if g.SyncInterval.DurationValue() < 0 {
		return newFieldError("Global.SyncInterval", "不能为负数")
	}

	if len(c.Sites) == 0 {
		return errors.New("至少需要配置一个 Site")
	}

	seenNames := map[string]struct{}{}
	for i := range c.Sites {
		site := &c.Sites[i]
		if site.Name == "" {
			return newFieldError("Site[].Name", "不能为空")
		}
		if err := validateBucketSegment(site.Name); err != nil {
			return fmt.Errorf("%s: %w", siteField(site.Name, "Name"), err)
		}
		if _, exists := seenNames[site.Name]; exists {
			return newFieldError(siteField(site.Name, "Name"), "重复")
		}
		seenNames[site.Name] = struct{}{}

		if err := validateDomain(site.Domain); err != nil {
			return fmt.Errorf("%s: %w", siteField(site.Name, "Domain"), err)
		}

		if site.Version == "" {
			return newFieldError(siteField(site.Name, "Version"), "不能为空，版本号驱动桶名与失效")
		}
		if err := validateBucketSegment(site.Version); err != nil {
			return fmt.Errorf("%s: %w", siteField(site.Name, "Version"), err)
		}

		if (site.Username == "") != (site.Password == "") {
			return newFieldError(siteField(site.Name, "Username/Password"), "必须同时提供或同时留空")
		}
		if err := validateUpstream(site.Upstream); err != nil {
			return fmt.Errorf("%s: %w", siteField(site.Name, "Upstream"), err)
		}
		if site.Proxy != "" {
			if err := validateUpstream(site.Proxy); err != nil {
				return fmt.Errorf("%s: %w", siteField(site.Name, "Proxy"), err)
			}
		}

		if len(site.PrecacheManifest) == 0 {
			return newFieldError(siteField(site.Name, "PrecacheManifest"), "至少需要一个预缓存路径")
		}
		seenPaths := map[string]struct{}{}
		for _, p := range site.PrecacheManifest {
			if err := validateResourcePath(p); err != nil {
				return fmt.Errorf("%s: %w", siteField(site.Name, "PrecacheManifest"), err)
			}
			if _, exists := seenPaths[p]; exists {
				return newFieldError(siteField(site.Name, "PrecacheManifest"), fmt.Sprintf("路径重复: %s", p))
			}
			seenPaths[p] = struct{}{}
		}
		for _, p := range site.RuntimeCache {
			if err := validateResourcePath(p); err != nil {
				return fmt.Errorf("%s: %w", siteField(site.Name, "RuntimeCache"), err)
			}
		}

		if err := validateResourcePath(site.OfflineFallback); err != nil {
			return fmt.Errorf("%s: %w", siteField(site.Name, "OfflineFallback"), err)
		}
		if _, ok := seenPaths[site.OfflineFallback]; !ok {
			return newFieldError(siteField(site.Name, "OfflineFallback"), "必须包含在 PrecacheManifest 中")
		}
	}

	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}

// validateBucketSegment 保证 Name/Version 可以安全拼入磁盘桶名。
func validateBucketSegment(value string) error {
	if value == "" {
		return errors.New("不能为空")
	}
	if strings.HasPrefix(value, ".") {
		return errors.New("不允许以 . 开头")
	}
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '.' || r == '_' || r == '-':
		default:
			return fmt.Errorf("包含非法字符 %q，仅允许字母/数字/._-", r)
		}
	}
	return nil
}

func validateResourcePath(p string) error {
	if p == "" {
		return errors.New("路径不能为空")
	}
	if !strings.HasPrefix(p, "/") {
		return fmt.Errorf("路径必须以 / 开头: %s", p)
	}
	if strings.Contains(p, "://") {
		return fmt.Errorf("仅支持站内绝对路径: %s", p)
	}
	if strings.Contains(p, "..") {
		return fmt.Errorf("路径不允许包含 ..: %s", p)
	}
	return nil
}

package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// FetchFields 提供 site/strategy/命中状态字段，供拦截请求日志复用。
func FetchFields(site, domain, version, class, strategy string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"site":      site,
		"domain":    domain,
		"version":   version,
		"class":     class,
		"strategy":  strategy,
		"cache_hit": cacheHit,
	}
}

// LifecycleFields 提供 install/activate 等生命周期日志的公共字段。
func LifecycleFields(site, version, bucket, phase string) logrus.Fields {
	return logrus.Fields{
		"site":    site,
		"version": version,
		"bucket":  bucket,
		"phase":   phase,
	}
}

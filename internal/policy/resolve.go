package policy

import "time"

// Overrides 描述来自站点配置的策略微调项。
type Overrides struct {
	RefreshTTL time.Duration
}

// Resolve 将分类得到的默认 Profile 与站点级覆盖合并。
func Resolve(profile Profile, opts Overrides) Profile {
	if opts.RefreshTTL > 0 {
		profile.TTLHint = opts.RefreshTTL
	}
	return normalizeProfile(profile)
}

func normalizeProfile(profile Profile) Profile {
	if profile.TTLHint < 0 {
		profile.TTLHint = 0
	}
	if profile.Strategy == "" {
		profile.Strategy = StrategyNetworkFirst
	}
	return profile
}

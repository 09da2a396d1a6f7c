package config

import "time"

// EffectiveCacheTTL 返回某个 Origin 实际生效的缓存 TTL：优先取 Origin 覆盖值，
// 否则回退到全局配置。
func (c *Config) EffectiveCacheTTL(origin OriginConfig) time.Duration {
	if origin.CacheTTL.DurationValue() > 0 {
		return origin.CacheTTL.DurationValue()
	}
	return c.Global.CacheTTL.DurationValue()
}

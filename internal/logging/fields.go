package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供 origin/domain/命中状态字段，供代理请求日志复用。
func RequestFields(origin, domain string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"origin":    origin,
		"domain":    domain,
		"cache_hit": cacheHit,
	}
}

// WriterFields 提供共享写协调器相关字段（entry key、写者数量、写入模式），
// 供协调器生命周期日志复用。
func WriterFields(entryKey string, writerCount int, pattern string) logrus.Fields {
	return logrus.Fields{
		"entry_key":    entryKey,
		"writer_count": writerCount,
		"pattern":      pattern,
	}
}

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

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
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

// GlobalConfig 描述全局运行时行为，所有 Origin 共享同一份参数。
type GlobalConfig struct {
	ListenPort    int      `mapstructure:"ListenPort"`
	LogLevel      string   `mapstructure:"LogLevel"`
	LogFilePath   string   `mapstructure:"LogFilePath"`
	LogMaxSize    int      `mapstructure:"LogMaxSize"`
	LogMaxBackups int      `mapstructure:"LogMaxBackups"`
	LogCompress   bool     `mapstructure:"LogCompress"`
	StoragePath   string   `mapstructure:"StoragePath"`
	CacheTTL      Duration `mapstructure:"CacheTTL"`

	// UpstreamTimeout 约束单次回源请求的整体耗时。
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`

	// Writers 一节将源码中的全局可变阈值改为启动期显式配置，
	// 由 writers.Coordinator 的构造函数接收。
	Writers WritersConfig `mapstructure:"Writers"`
}

// WritersConfig 控制共享写协调器的行为参数。
type WritersConfig struct {
	// ReadBufferSize 是协调器共享读缓冲的上限，单位字节。
	ReadBufferSize int `mapstructure:"ReadBufferSize"`
	// DefaultPriority 是未携带优先级提示的请求使用的级别（idle/low/normal/high/highest）。
	DefaultPriority string `mapstructure:"DefaultPriority"`
	// MaxRestartAttempts 约束 doom-restart 路径下单个请求的重试次数。
	MaxRestartAttempts int `mapstructure:"MaxRestartAttempts"`
	// VerifyChecksum 启用内容寻址路径（…/sha256:<hex>）的响应校验。
	VerifyChecksum bool `mapstructure:"VerifyChecksum"`
}

// OriginConfig 决定单个缓存源如何与下游/上游交互。
type OriginConfig struct {
	Name     string   `mapstructure:"Name"`
	Domain   string   `mapstructure:"Domain"`
	Upstream string   `mapstructure:"Upstream"`
	Proxy    string   `mapstructure:"Proxy"`
	CacheTTL Duration `mapstructure:"CacheTTL"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global  GlobalConfig   `mapstructure:",squash"`
	Origins []OriginConfig `mapstructure:"Origin"`
}

// OriginNames 返回所有 Origin 名称，供启动日志输出。
func OriginNames(origins []OriginConfig) []string {
	if len(origins) == 0 {
		return nil
	}
	result := make([]string, len(origins))
	for i, origin := range origins {
		result[i] = origin.Name
	}
	return result
}

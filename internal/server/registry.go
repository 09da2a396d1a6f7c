package server

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cache-hub/cache-hub/internal/config"
)

// OriginRoute 将 Origin 配置与派生属性（生效 TTL、解析后的 Upstream/Proxy
// URL）聚合在一起，供路由/代理层直接复用，避免重复解析配置。
type OriginRoute struct {
	// Config 是用户在 config.toml 中声明的 Origin 字段副本，避免外部修改。
	Config config.OriginConfig
	// ListenPort 记录当前监听端口，方便日志/转发头输出。
	ListenPort int
	// CacheTTL 是对当前 Origin 生效的 TTL，若未覆盖则等于全局值。
	CacheTTL time.Duration
	// UpstreamURL/ProxyURL 在构造 Registry 时提前解析完成，便于后续请求快速复用。
	UpstreamURL *url.URL
	ProxyURL    *url.URL
}

// OriginRegistry 提供 Host/Host:port 到 OriginRoute 的查询能力，
// 所有 Origin 共享同一个监听端口。
type OriginRegistry struct {
	routes  map[string]*OriginRoute
	ordered []*OriginRoute
}

// NewOriginRegistry 根据配置构建 Host/端口映射。调用方应在启动阶段创建一次并复用。
func NewOriginRegistry(cfg *config.Config) (*OriginRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	registry := &OriginRegistry{
		routes: make(map[string]*OriginRoute, len(cfg.Origins)),
	}

	for _, origin := range cfg.Origins {
		normalizedHost := normalizeDomain(origin.Domain)
		if normalizedHost == "" {
			return nil, fmt.Errorf("invalid domain for origin %s", origin.Name)
		}
		if _, exists := registry.routes[normalizedHost]; exists {
			return nil, fmt.Errorf("duplicate domain mapping detected for %s", normalizedHost)
		}

		route, err := buildOriginRoute(cfg, origin)
		if err != nil {
			return nil, err
		}

		registry.routes[normalizedHost] = route
		registry.ordered = append(registry.ordered, route)
	}

	return registry, nil
}

// Lookup 根据 Host 或 Host:port 查找 OriginRoute。
func (r *OriginRegistry) Lookup(host string) (*OriginRoute, bool) {
	if r == nil {
		return nil, false
	}

	normalizedHost, _ := normalizeHost(host)
	if normalizedHost == "" {
		return nil, false
	}

	route, ok := r.routes[normalizedHost]
	return route, ok
}

// List 返回当前注册的 OriginRoute 列表（按配置定义的顺序），
// 用于调试或诊断输出。
func (r *OriginRegistry) List() []OriginRoute {
	if r == nil || len(r.ordered) == 0 {
		return nil
	}

	result := make([]OriginRoute, len(r.ordered))
	for i, route := range r.ordered {
		result[i] = *route
	}
	return result
}

func buildOriginRoute(cfg *config.Config, origin config.OriginConfig) (*OriginRoute, error) {
	upstreamURL, err := url.Parse(origin.Upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream for origin %s: %w", origin.Name, err)
	}

	var proxyURL *url.URL
	if origin.Proxy != "" {
		proxyURL, err = url.Parse(origin.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy for origin %s: %w", origin.Name, err)
		}
	}

	return &OriginRoute{
		Config:      origin,
		ListenPort:  cfg.Global.ListenPort,
		CacheTTL:    cfg.EffectiveCacheTTL(origin),
		UpstreamURL: upstreamURL,
		ProxyURL:    proxyURL,
	}, nil
}

// normalizeDomain 去掉前后空白与端口信息，并统一小写，作为注册表键。
func normalizeDomain(domain string) string {
	normalized, _ := normalizeHost(domain)
	return normalized
}

func normalizeHost(raw string) (string, string) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", ""
	}

	host := trimmed
	port := ""
	if h, p, err := net.SplitHostPort(trimmed); err == nil {
		host = h
		port = p
	}

	host = strings.ToLower(strings.Trim(host, "[]"))
	if host == "" {
		return "", ""
	}
	if port != "" {
		if _, err := strconv.Atoi(port); err != nil {
			return "", ""
		}
	}
	return host, port
}

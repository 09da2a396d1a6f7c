package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var supportedPriorities = map[string]struct{}{
	"idle":    {},
	"low":     {},
	"normal":  {},
	"high":    {},
	"highest": {},
}

const supportedPriorityList = "idle|low|normal|high|highest"

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
	if g.CacheTTL.DurationValue() <= 0 {
		return newFieldError("Global.CacheTTL", "必须大于 0")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.Writers.ReadBufferSize <= 0 {
		return newFieldError("Global.Writers.ReadBufferSize", "必须大于 0")
	}
	if g.Writers.MaxRestartAttempts < 0 {
		return newFieldError("Global.Writers.MaxRestartAttempts", "不能为负数")
	}
	priority := strings.ToLower(strings.TrimSpace(g.Writers.DefaultPriority))
	if _, ok := supportedPriorities[priority]; !ok {
		return newFieldError("Global.Writers.DefaultPriority", "仅支持 "+supportedPriorityList)
	}

	if len(c.Origins) == 0 {
		return errors.New("至少需要配置一个 Origin")
	}

	seenNames := map[string]struct{}{}
	seenDomains := map[string]struct{}{}
	for i := range c.Origins {
		origin := &c.Origins[i]
		if origin.Name == "" {
			return newFieldError("Origin[].Name", "不能为空")
		}
		if _, exists := seenNames[origin.Name]; exists {
			return newFieldError(originField(origin.Name, "Name"), "重复")
		}
		seenNames[origin.Name] = struct{}{}

		if err := validateDomain(origin.Domain); err != nil {
			return fmt.Errorf("%s: %w", originField(origin.Name, "Domain"), err)
		}
		normalized := strings.ToLower(origin.Domain)
		if _, exists := seenDomains[normalized]; exists {
			return newFieldError(originField(origin.Name, "Domain"), "重复")
		}
		seenDomains[normalized] = struct{}{}

		if err := validateUpstream(origin.Upstream); err != nil {
			return fmt.Errorf("%s: %w", originField(origin.Name, "Upstream"), err)
		}
		if origin.Proxy != "" {
			if err := validateUpstream(origin.Proxy); err != nil {
				return fmt.Errorf("%s: %w", originField(origin.Name, "Proxy"), err)
			}
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
		return errors.New("不能为空")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("URL 非法: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return errors.New("仅支持 http/https")
	}
	if parsed.Host == "" {
		return errors.New("缺少主机名")
	}
	return nil
}

package upstream

import (
	"net/http"
	"strings"
	"time"
)

// ResponseInfo 是响应元数据的不可变快照，供协调器的截断策略与缓存元数据
// 持久化使用。Header 在构造时深拷贝，之后不再跟随原始响应变化。
type ResponseInfo struct {
	StatusCode    int
	Header        http.Header
	ContentLength int64
	ReceivedAt    time.Time
}

// SnapshotResponse 从 http.Response 构造快照。
func SnapshotResponse(resp *http.Response) ResponseInfo {
	header := make(http.Header, len(resp.Header))
	for key, values := range resp.Header {
		copied := make([]string, len(values))
		copy(copied, values)
		header[key] = copied
	}
	return ResponseInfo{
		StatusCode:    resp.StatusCode,
		Header:        header,
		ContentLength: resp.ContentLength,
		ReceivedAt:    time.Now().UTC(),
	}
}

// HasHeader 报告快照是否包含指定头部。
func (ri *ResponseInfo) HasHeader(name string) bool {
	_, ok := ri.Header[http.CanonicalHeaderKey(name)]
	return ok
}

// HasHeaderValue 报告指定头部是否携带某个值（逗号分隔的 token 逐个比较，
// 大小写不敏感）。
func (ri *ResponseInfo) HasHeaderValue(name, value string) bool {
	for _, raw := range ri.Header.Values(name) {
		for _, token := range strings.Split(raw, ",") {
			if strings.EqualFold(strings.TrimSpace(token), value) {
				return true
			}
		}
	}
	return false
}

// HasStrongValidators 报告响应是否携带强校验器：非弱 ETag，或
// Last-Modified 与 Date 同时存在且至少相差 60 秒。截断后的条目只有在
// 具备强校验器时才值得保留并在未来用 Range 续传验证。
func (ri *ResponseInfo) HasStrongValidators() bool {
	if etag := strings.TrimSpace(ri.Header.Get("Etag")); etag != "" {
		if !strings.HasPrefix(etag, "W/") {
			return true
		}
	}

	lastModified, err := http.ParseTime(ri.Header.Get("Last-Modified"))
	if err != nil {
		return false
	}
	date, err := http.ParseTime(ri.Header.Get("Date"))
	if err != nil {
		return false
	}
	return date.Sub(lastModified) >= time.Minute
}

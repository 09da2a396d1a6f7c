package writers

import "github.com/cache-hub/cache-hub/internal/cache"

// shouldTruncateLocked 判定未写完的条目是否值得以截断状态保留，供未来的
// 范围请求续传验证。不值得保留时顺带清掉 shouldKeepEntry。
func (w *Coordinator) shouldTruncateLocked() bool {
	if !w.shouldKeepEntry || w.partialNoTruncate {
		return false
	}

	// 续传验证要求已知长度、允许范围请求且携带强校验器。
	resp := &w.snapshot
	if resp.ContentLength <= 0 ||
		resp.HasHeaderValue("Accept-Ranges", "none") ||
		!resp.HasStrongValidators() {
		w.shouldKeepEntry = false
		return false
	}

	// 一个字节都没写进去的条目没有保留价值。
	currentSize := w.entry.DataSize(cache.BodyStream)
	if currentSize == 0 {
		w.shouldKeepEntry = false
		return false
	}

	// 编码后的正文无法按字节偏移续传。
	if resp.HasHeader("Content-Encoding") {
		w.shouldKeepEntry = false
		return false
	}

	// 正文其实已经写全，直接按完整条目处理。
	if resp.ContentLength <= currentSize {
		return false
	}
	return true
}

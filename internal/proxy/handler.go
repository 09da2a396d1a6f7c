package proxy

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/cache-hub/cache-hub/internal/cache"
	"github.com/cache-hub/cache-hub/internal/cache/writers"
	"github.com/cache-hub/cache-hub/internal/config"
	"github.com/cache-hub/cache-hub/internal/logging"
	"github.com/cache-hub/cache-hub/internal/server"
	"github.com/cache-hub/cache-hub/internal/upstream"
)

// Handler 负责 orchestrate “缓存命中 → 共享回源写缓存 → 直接转发” 的
// 全流程，对外暴露 Fiber handler，内部复用共享 http.Client 与磁盘缓存。
// 同一条目同一时刻至多有一个写协调器，后续请求加入共享或旁路回源。
type Handler struct {
	client  *http.Client
	logger  *logrus.Logger
	store   cache.Store
	metrics *cache.Metrics

	writersCfg      writers.Config
	defaultPriority upstream.Priority
	maxRestarts     int
	verifyChecksum  bool

	mu     sync.Mutex
	active map[string]*sharedFetch
}

// Options 汇总构建 Handler 所需的共享组件与协调器阈值。
type Options struct {
	Client  *http.Client
	Logger  *logrus.Logger
	Store   cache.Store
	Metrics *cache.Metrics
	Writers config.WritersConfig
}

// NewHandler constructs a proxy handler with shared HTTP client/logger/store.
func NewHandler(opts Options) *Handler {
	priority, err := upstream.ParsePriority(opts.Writers.DefaultPriority)
	if err != nil {
		priority = upstream.NormalPriority
	}
	maxRestarts := opts.Writers.MaxRestartAttempts
	if maxRestarts < 0 {
		maxRestarts = 0
	}
	return &Handler{
		client:          opts.Client,
		logger:          opts.Logger,
		store:           opts.Store,
		metrics:         opts.Metrics,
		writersCfg:      writers.Config{ReadBufferSize: opts.Writers.ReadBufferSize},
		defaultPriority: priority,
		maxRestarts:     maxRestarts,
		verifyChecksum:  opts.Writers.VerifyChecksum,
		active:          make(map[string]*sharedFetch),
	}
}

// sharedFetch 绑定一次进行中的回源：磁盘条目 + 写协调器。它同时充当
// 协调器的 Owner，负责在生命周期结束时落盘最终元数据或销毁条目。
type sharedFetch struct {
	handler *Handler
	key     string
	locator cache.Locator
	entry   *cache.ActiveEntry
	coord   *writers.Coordinator

	// partial 表示这是截断条目的范围续传；baseMeta 保存续传前的元数据，
	// 补全后在其基础上提升为完整条目。
	partial  bool
	baseMeta cache.EntryMetadata
}

// DoneWritingToEntry 在协调器结束时定稿条目：成功且保留时写入最终元数据，
// 不保留时销毁。遗留的 readers 会在下一次读时回退到定稿后的磁盘条目。
func (f *sharedFetch) DoneWritingToEntry(entry writers.CacheEntry, success, keepEntry bool, readers []writers.Consumer) {
	h := f.handler
	h.deregister(f)
	ctx := context.Background()

	if success && keepEntry && !f.coord.MarkedUnusable() {
		meta := f.finalMetadata()
		if err := f.entry.WriteMetadata(ctx, meta); err != nil {
			h.logger.WithFields(logrus.Fields{
				"entry_key": f.key,
				"error":     err.Error(),
			}).Error("failed to finalize cache entry metadata")
		}
	}
	if !keepEntry {
		if err := f.entry.Doom(ctx); err != nil {
			h.logger.WithFields(logrus.Fields{
				"entry_key": f.key,
				"error":     err.Error(),
			}).Warn("failed to doom cache entry")
		}
		h.metrics.RecordDoomed()
	}
	f.entry.Close()
}

// DoomEntryRestartConsumers 立即销毁条目；被摘除的消费者各自重新发起
// 缓存查找。
func (f *sharedFetch) DoomEntryRestartConsumers(entry writers.CacheEntry) {
	h := f.handler
	h.deregister(f)
	if err := f.entry.Doom(context.Background()); err == nil {
		h.metrics.RecordDoomed()
	}
}

// finalMetadata 计算定稿元数据：常规回源直接采用响应快照，范围续传则在
// 旧元数据基础上判断正文是否补全。
func (f *sharedFetch) finalMetadata() cache.EntryMetadata {
	if !f.partial {
		snapshot := f.coord.ResponseSnapshot()
		return cache.EntryMetadata{
			Status:        snapshot.StatusCode,
			Header:        snapshot.Header,
			ContentLength: snapshot.ContentLength,
			FetchedAt:     snapshot.ReceivedAt,
			Complete:      true,
		}
	}

	meta := f.baseMeta
	if meta.ContentLength > 0 && f.entry.DataSize(cache.BodyStream) >= meta.ContentLength {
		meta.Complete = true
		meta.Truncated = false
	}
	return meta
}

// Handle 执行缓存查找、共享回源和最终 streaming 逻辑，可重启的流失败
// 会在限定次数内重新发起缓存查找。
func (h *Handler) Handle(c fiber.Ctx, route *server.OriginRoute) error {
	started := time.Now()
	requestID := server.RequestID(c)
	method := c.Method()

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if method != http.MethodGet && method != http.MethodHead {
		h.metrics.RecordBypass()
		return h.forward(c, route, requestID, started, ctx)
	}
	// 客户端范围请求不经过共享写路径，直接透传。
	if c.Get("Range") != "" {
		h.metrics.RecordBypass()
		return h.forward(c, route, requestID, started, ctx)
	}

	locator := cache.Locator{Origin: route.Config.Name, Path: requestPath(c)}
	priority := h.requestPriority(c)

	var lastErr error
	for attempt := 0; attempt <= h.maxRestarts; attempt++ {
		done, err := h.serveOnce(c, route, locator, priority, requestID, started, ctx, method)
		if done {
			return err
		}
		lastErr = err
		h.logger.WithFields(logrus.Fields{
			"origin":  route.Config.Name,
			"path":    locator.Path,
			"attempt": attempt + 1,
			"error":   errMessage(err),
		}).Warn("restarting cache lookup after stream failure")
	}

	h.logResult(route, requestID, 0, false, started, lastErr)
	return h.writeError(c, fiber.StatusBadGateway, "cache_stream_failed")
}

// serveOnce 尝试一次完整的服务流程。done 为 false 表示失败可重启且尚未
// 向客户端写出任何内容。
func (h *Handler) serveOnce(
	c fiber.Ctx,
	route *server.OriginRoute,
	locator cache.Locator,
	priority upstream.Priority,
	requestID string,
	started time.Time,
	ctx context.Context,
	method string,
) (bool, error) {
	result, err := h.store.Open(ctx, locator)
	switch {
	case err == nil:
		h.metrics.RecordHit()
		return true, h.serveCache(c, route, result, requestID, started, method)
	case errors.Is(err, cache.ErrNotFound):
		// miss, continue
	default:
		h.logger.WithFields(logrus.Fields{
			"origin": route.Config.Name,
			"path":   locator.Path,
			"error":  err.Error(),
		}).Warn("cache open failed")
	}

	if method == http.MethodHead {
		h.metrics.RecordMiss()
		return true, h.forward(c, route, requestID, started, ctx)
	}

	if fetch := h.lookupActive(locator); fetch != nil {
		if fetch.coord.CanAddConsumer() {
			return h.joinFetch(c, route, fetch, priority, requestID, started, ctx)
		}
		// 独占或网络只读的协调器不再接受共享，旁路回源。
		h.metrics.RecordBypass()
		return true, h.forward(c, route, requestID, started, ctx)
	}

	if meta, metaErr := h.store.Metadata(ctx, locator); metaErr == nil &&
		meta.Truncated && !meta.Unusable {
		if done, serveErr, handled := h.tryResume(c, route, locator, meta, priority, requestID, started, ctx); handled {
			return done, serveErr
		}
	}

	h.metrics.RecordMiss()
	return h.startFetch(c, route, locator, priority, requestID, started, ctx, nil)
}

// serveCache 直接从完整条目回放响应。
func (h *Handler) serveCache(
	c fiber.Ctx,
	route *server.OriginRoute,
	result *cache.ReadResult,
	requestID string,
	started time.Time,
	method string,
) error {
	meta := result.Entry.Metadata
	copyResponseHeaders(c, meta.Header)
	if result.Entry.SizeBytes > 0 {
		c.Response().Header.SetContentLength(int(result.Entry.SizeBytes))
	}
	c.Set("X-Cache-Hub-Upstream", route.UpstreamURL.String())
	c.Set("X-Cache-Hub-Cache-Hit", "true")
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}

	status := meta.Status
	if status == 0 {
		status = fiber.StatusOK
	}
	c.Status(status)

	if method == http.MethodHead {
		result.Reader.Close()
		h.logResult(route, requestID, status, true, started, nil)
		return nil
	}

	_, err := io.Copy(c.Response().BodyWriter(), result.Reader)
	result.Reader.Close()
	h.logResult(route, requestID, status, true, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("read cache failed: %v", err))
	}
	return nil
}

// joinFetch 把当前请求挂到进行中的回源上，与其它消费者共享同一批字节。
func (h *Handler) joinFetch(
	c fiber.Ctx,
	route *server.OriginRoute,
	fetch *sharedFetch,
	priority upstream.Priority,
	requestID string,
	started time.Time,
	ctx context.Context,
) (bool, error) {
	snapshot := fetch.coord.ResponseSnapshot()
	consumer := newRequestConsumer(priority, h.checksumFor(fetch.locator))
	handle, err := fetch.coord.AddConsumer(consumer, writers.TransactionInfo{Response: snapshot})
	if err != nil {
		// 与协调器收束撞线，旁路回源。
		h.metrics.RecordBypass()
		return true, h.forward(c, route, requestID, started, ctx)
	}

	h.metrics.RecordCoalescedJoin()
	return h.streamFetch(c, route, fetch, handle, requestID, started, ctx, snapshot)
}

// tryResume 对带强校验器的截断条目发起范围续传。handled 为 false 表示
// 续传不适用，调用方退回常规回源。
func (h *Handler) tryResume(
	c fiber.Ctx,
	route *server.OriginRoute,
	locator cache.Locator,
	meta cache.EntryMetadata,
	priority upstream.Priority,
	requestID string,
	started time.Time,
	ctx context.Context,
) (bool, error, bool) {
	stored := upstream.ResponseInfo{
		StatusCode:    meta.Status,
		Header:        meta.Header,
		ContentLength: meta.ContentLength,
		ReceivedAt:    meta.FetchedAt,
	}
	if !stored.HasStrongValidators() {
		return false, nil, false
	}

	entry, err := h.store.Resume(ctx, locator)
	if err != nil {
		return false, nil, false
	}
	offset := entry.DataSize(cache.BodyStream)
	if offset <= 0 || offset >= meta.ContentLength {
		entry.Close()
		return false, nil, false
	}

	header := upstreamHeader(c)
	header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	if etag := meta.Header.Get("Etag"); etag != "" {
		header.Set("If-Range", etag)
	} else if lastModified := meta.Header.Get("Last-Modified"); lastModified != "" {
		header.Set("If-Range", lastModified)
	}

	txn, err := upstream.Start(ctx, h.client, upstreamURL(route, c), header, priority, h.logger)
	if err != nil {
		entry.Close()
		h.logResult(route, requestID, 0, false, started, err)
		return true, h.writeError(c, fiber.StatusBadGateway, "upstream_failed"), true
	}

	resp := txn.ResponseInfo()
	if resp.StatusCode != http.StatusPartialContent {
		entry.Close()
		if resp.StatusCode == http.StatusOK {
			// 校验器失效，上游返回了全新正文，当作普通回源重建条目。
			h.metrics.RecordMiss()
			done, serveErr := h.startFetch(c, route, locator, priority, requestID, started, ctx, txn)
			return done, serveErr, true
		}
		h.metrics.RecordBypass()
		return true, h.streamDirect(c, route, txn, requestID, started, ctx), true
	}

	fetch := &sharedFetch{
		handler:  h,
		key:      fetchKey(locator),
		locator:  locator,
		entry:    entry,
		partial:  true,
		baseMeta: meta,
	}
	coord := writers.New(fetch, entry, h.writersCfg, h.fetchLogger(route), h.metrics)
	fetch.coord = coord

	consumer := newRequestConsumer(priority, nil)
	handle, err := coord.AddConsumer(consumer, writers.TransactionInfo{
		Partial:   &rangeCursor{off: offset},
		Truncated: true,
		Response:  *resp,
	})
	if err != nil {
		entry.Close()
		txn.Close()
		return true, h.writeError(c, fiber.StatusBadGateway, "cache_resume_failed"), true
	}
	coord.SetNetworkTransaction(txn, nil)
	h.register(fetch)
	h.metrics.RecordMiss()

	// 客户端拿到的是完整正文：追赶阶段读已有字节，随后吃续传的新字节。
	done, serveErr := h.streamFetch(c, route, fetch, handle, requestID, started, ctx, stored)
	return done, serveErr, true
}

// startFetch 发起（或接管）一次回源并建立共享写协调器。txn 非 nil 时
// 沿用已经拿到响应头的事务。
func (h *Handler) startFetch(
	c fiber.Ctx,
	route *server.OriginRoute,
	locator cache.Locator,
	priority upstream.Priority,
	requestID string,
	started time.Time,
	ctx context.Context,
	txn *upstream.Transaction,
) (bool, error) {
	if txn == nil {
		var err error
		txn, err = upstream.Start(ctx, h.client, upstreamURL(route, c), upstreamHeader(c), priority, h.logger)
		if err != nil {
			h.logResult(route, requestID, 0, false, started, err)
			return true, h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
		}
	}

	resp := txn.ResponseInfo()
	if !cacheableResponse(resp) {
		h.metrics.RecordBypass()
		return true, h.streamDirect(c, route, txn, requestID, started, ctx)
	}

	entry, err := h.store.Create(ctx, locator)
	if err != nil {
		h.logger.WithFields(logrus.Fields{
			"origin": route.Config.Name,
			"path":   locator.Path,
			"error":  err.Error(),
		}).Warn("cache create failed")
		return true, h.streamDirect(c, route, txn, requestID, started, ctx)
	}

	fetch := &sharedFetch{
		handler: h,
		key:     fetchKey(locator),
		locator: locator,
		entry:   entry,
	}
	coord := writers.New(fetch, entry, h.writersCfg, h.fetchLogger(route), h.metrics)
	fetch.coord = coord

	expected := h.checksumFor(locator)
	consumer := newRequestConsumer(priority, expected)
	handle, err := coord.AddConsumer(consumer, writers.TransactionInfo{Response: *resp})
	if err != nil {
		entry.Doom(ctx)
		return true, h.streamDirect(c, route, txn, requestID, started, ctx)
	}

	var digest hash.Hash
	if len(expected) > 0 {
		digest = sha256.New()
	}
	coord.SetNetworkTransaction(txn, digest)
	h.register(fetch)

	return h.streamFetch(c, route, fetch, handle, requestID, started, ctx, *resp)
}

// streamFetch 通过消费者读取器把共享条目的字节流给客户端。
func (h *Handler) streamFetch(
	c fiber.Ctx,
	route *server.OriginRoute,
	fetch *sharedFetch,
	handle writers.Handle,
	requestID string,
	started time.Time,
	ctx context.Context,
	resp upstream.ResponseInfo,
) (bool, error) {
	copyResponseHeaders(c, resp.Header)
	if resp.ContentLength > 0 {
		c.Response().Header.SetContentLength(int(resp.ContentLength))
	}
	c.Set("X-Cache-Hub-Upstream", route.UpstreamURL.String())
	c.Set("X-Cache-Hub-Cache-Hit", "false")
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	status := resp.StatusCode
	if status == http.StatusPartialContent {
		status = http.StatusOK
	}
	c.Status(status)

	reader := &consumerReader{
		ctx:     ctx,
		coord:   fetch.coord,
		handle:  handle,
		entry:   fetch.entry,
		store:   h.store,
		locator: fetch.locator,
	}
	written, err := io.Copy(c.Response().BodyWriter(), reader)
	reader.Close()
	fetch.coord.RemoveConsumer(ctx, handle, err == nil)

	h.logResult(route, requestID, status, false, started, err)
	if err != nil {
		if errors.Is(err, errRestartable) && written == 0 {
			return false, err
		}
		return true, fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return true, nil
}

// streamDirect 把已经拿到响应头的回源事务直接流式转发，不写缓存。
func (h *Handler) streamDirect(
	c fiber.Ctx,
	route *server.OriginRoute,
	txn *upstream.Transaction,
	requestID string,
	started time.Time,
	ctx context.Context,
) error {
	defer txn.Close()
	resp := txn.ResponseInfo()

	copyResponseHeaders(c, resp.Header)
	if resp.ContentLength > 0 {
		c.Response().Header.SetContentLength(int(resp.ContentLength))
	}
	c.Set("X-Cache-Hub-Upstream", route.UpstreamURL.String())
	c.Set("X-Cache-Hub-Cache-Hit", "false")
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.StatusCode)

	_, err := io.Copy(c.Response().BodyWriter(), &transactionReader{ctx: ctx, txn: txn})
	h.logResult(route, requestID, resp.StatusCode, false, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

// forward 直连上游转发任意方法的请求，不经过缓存。
func (h *Handler) forward(
	c fiber.Ctx,
	route *server.OriginRoute,
	requestID string,
	started time.Time,
	ctx context.Context,
) error {
	var body io.Reader = http.NoBody
	if raw := c.Body(); len(raw) > 0 {
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, c.Method(), upstreamURL(route, c), body)
	if err != nil {
		return h.writeError(c, fiber.StatusBadGateway, "upstream_request_failed")
	}
	upstream.CopyHeaders(req.Header, upstreamHeader(c))
	if rangeHeader := c.Get("Range"); rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		h.logResult(route, requestID, 0, false, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	defer resp.Body.Close()

	copyResponseHeaders(c, resp.Header)
	c.Set("X-Cache-Hub-Upstream", route.UpstreamURL.String())
	c.Set("X-Cache-Hub-Cache-Hit", "false")
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.StatusCode)

	if c.Method() == http.MethodHead {
		h.logResult(route, requestID, resp.StatusCode, false, started, nil)
		return nil
	}

	_, err = io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logResult(route, requestID, resp.StatusCode, false, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

func (h *Handler) lookupActive(locator cache.Locator) *sharedFetch {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active[fetchKey(locator)]
}

func (h *Handler) register(fetch *sharedFetch) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.active[fetch.key] = fetch
}

func (h *Handler) deregister(fetch *sharedFetch) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.active[fetch.key] == fetch {
		delete(h.active, fetch.key)
	}
}

// requestPriority 解析 X-Priority 请求头，未携带或无法识别时退回默认级别。
func (h *Handler) requestPriority(c fiber.Ctx) upstream.Priority {
	raw := c.Get("X-Priority")
	if raw == "" {
		return h.defaultPriority
	}
	priority, err := upstream.ParsePriority(raw)
	if err != nil {
		return h.defaultPriority
	}
	return priority
}

func (h *Handler) checksumFor(locator cache.Locator) []byte {
	if !h.verifyChecksum {
		return nil
	}
	return expectedChecksum(locator.Path)
}

func (h *Handler) fetchLogger(route *server.OriginRoute) *logrus.Entry {
	return h.logger.WithField("origin", route.Config.Name)
}

func (h *Handler) writeError(c fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(fiber.Map{"error": message})
}

// logResult 输出每个请求的最终处理结果日志。
func (h *Handler) logResult(
	route *server.OriginRoute,
	requestID string,
	status int,
	cacheHit bool,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(route.Config.Name, route.Config.Domain, cacheHit)
	fields["action"] = "proxy_request"
	fields["upstream"] = route.UpstreamURL.String()
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Warn("request failed")
		return
	}
	h.logger.WithFields(fields).Info("request completed")
}

// transactionReader 把回源事务适配成 io.Reader，(0, nil) 映射为 io.EOF。
type transactionReader struct {
	ctx context.Context
	txn *upstream.Transaction
}

func (r *transactionReader) Read(p []byte) (int, error) {
	n, err := r.txn.Read(r.ctx, p)
	if err != nil {
		return n, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

func requestPath(c fiber.Ctx) string {
	return string(c.Request().URI().Path())
}

// upstreamURL 拼接上游目标地址，保留原始查询串。
func upstreamURL(route *server.OriginRoute, c fiber.Ctx) string {
	base := strings.TrimRight(route.UpstreamURL.String(), "/")
	target := base + requestPath(c)
	if query := string(c.Request().URI().QueryString()); query != "" {
		target += "?" + query
	}
	return target
}

// upstreamHeader 收集可以透传给上游的请求头。Host 与 hop-by-hop 字段剔除，
// Range 由各调用方按需显式设置。
func upstreamHeader(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		name := string(key)
		if upstream.IsHopByHopHeader(name) {
			return
		}
		switch http.CanonicalHeaderKey(name) {
		case "Host", "Range", "If-Range":
			return
		}
		header.Add(name, string(value))
	})
	return header
}

// copyResponseHeaders 把上游响应头透传给客户端，剔除 hop-by-hop 字段。
func copyResponseHeaders(c fiber.Ctx, header http.Header) {
	for key, values := range header {
		if upstream.IsHopByHopHeader(key) {
			continue
		}
		for i, value := range values {
			if i == 0 {
				c.Set(key, value)
				continue
			}
			c.Response().Header.Add(key, value)
		}
	}
}

// cacheableResponse 判定响应是否应当写入缓存：只接受完整的 200，
// 且上游没有声明 no-store。
func cacheableResponse(resp *upstream.ResponseInfo) bool {
	if resp.StatusCode != http.StatusOK {
		return false
	}
	if resp.HasHeaderValue("Cache-Control", "no-store") {
		return false
	}
	return true
}

func fetchKey(locator cache.Locator) string {
	return locator.Origin + "::" + locator.Path
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

package writers

import (
	"context"
	"hash"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/cache-hub/cache-hub/internal/cache"
	"github.com/cache-hub/cache-hub/internal/logging"
	"github.com/cache-hub/cache-hub/internal/upstream"
)

// readOutcome 是投递给挂起读者的最终结果。
type readOutcome struct {
	n   int
	err error
}

// waitingRead 表示一个挂起的共享读：消费者的目标缓冲区与一次性结果通道。
// 通道容量为 1，投递永不阻塞。
type waitingRead struct {
	buf  []byte
	done chan readOutcome
}

// Coordinator 把多个消费者复用到同一次回源读取上：任意时刻至多一次网络读、
// 至多一次磁盘写在途。发起读时没有进行中网络读的消费者成为主动消费者，
// 在自己的调用栈里驱动 网络读 → 磁盘写 → 扇出 的完整序列；其余消费者挂起
// 等待同一批字节。
type Coordinator struct {
	mu sync.Mutex

	owner   Owner
	entry   CacheEntry
	cfg     Config
	logger  *logrus.Entry
	metrics *cache.Metrics

	slots     []slot
	liveCount int

	// waiting 记录挂起的共享读，按句柄索引。
	waiting map[Handle]*waitingRead

	// active 是当前驱动网络读的消费者。activeDetached 表示主动消费者
	// 在读在途期间被移除，读完成后返回 ErrConsumerGone。
	active         Handle
	activeSet      bool
	activeDetached bool

	state   State
	readBuf []byte

	network  NetworkTransaction
	checksum hash.Hash

	pattern           ParallelWritingPattern
	isExclusive       bool
	networkReadOnly   bool
	shouldKeepEntry   bool
	partialNoTruncate bool
	entryUnusable     bool

	priority upstream.Priority
	snapshot upstream.ResponseInfo

	// completed 置位后协调器不再接受任何读；DoneWritingToEntry 恰好
	// 触发一次。lastRemovalSuccess 记录最后一次主动移除的结果，用于
	// 读在途期间全员撤离后的截断决策。
	completed          bool
	lastRemovalSuccess bool
}

// New 创建一个空的写协调器。entry 的所有权随之转移，直到
// DoneWritingToEntry 或 DoomEntryRestartConsumers 交还给 owner。
func New(owner Owner, entry CacheEntry, cfg Config, logger *logrus.Entry, metrics *cache.Metrics) *Coordinator {
	bufSize := cfg.ReadBufferSize
	if bufSize <= 0 {
		bufSize = DefaultReadBufferSize
	}
	metrics.WriterStarted()
	return &Coordinator{
		owner:              owner,
		entry:              entry,
		cfg:                cfg,
		logger:             logger,
		metrics:            metrics,
		waiting:            make(map[Handle]*waitingRead),
		readBuf:            make([]byte, bufSize),
		shouldKeepEntry:    true,
		priority:           upstream.MinimumPriority,
		lastRemovalSuccess: true,
	}
}

// CanAddConsumer 报告当前是否还接受新消费者加入共享。
func (w *Coordinator) CanAddConsumer() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.canAddLocked(false)
}

func (w *Coordinator) canAddLocked(exclusive bool) bool {
	if w.completed || w.networkReadOnly || w.isExclusive {
		return false
	}
	if exclusive && w.liveCount > 0 {
		return false
	}
	return true
}

// AddConsumer 登记一个消费者并返回其代际句柄。每次登记都会刷新响应
// 快照与条目的保留资格；携带范围游标的消费者独占整个协调器。
func (w *Coordinator) AddConsumer(c Consumer, info TransactionInfo) (Handle, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	exclusive := info.Partial != nil || info.Truncated
	if !w.canAddLocked(exclusive) {
		return Handle{}, ErrCannotJoin
	}

	h := w.acquireSlotLocked(c, info)
	w.liveCount++

	w.snapshot = info.Response
	w.shouldKeepEntry = isValidResponse(info.Partial != nil, info.Response)
	if exclusive {
		w.isExclusive = true
		w.pattern = PatternExclusive
		// 截断条目的续传允许再次截断；其余范围请求禁止截断落盘。
		if info.Partial != nil && !info.Truncated {
			w.partialNoTruncate = true
		}
	} else if w.liveCount > 1 {
		w.pattern = PatternJoin
	}

	w.bumpPriorityLocked(c.Priority())

	w.logger.WithFields(logging.WriterFields(w.entry.Key(), w.liveCount, w.pattern.String())).
		Debug("consumer added to entry writers")
	return h, nil
}

// isValidResponse 判定响应是否具备写入缓存的资格：范围请求放行任意状态，
// 其余只接受 200 与 304。
func isValidResponse(partial bool, resp upstream.ResponseInfo) bool {
	if resp.StatusCode == 0 {
		return false
	}
	return partial || resp.StatusCode == 200 || resp.StatusCode == 304
}

// SetNetworkTransaction 挂载网络事务与可选的期望摘要计算器，并把当前的
// 聚合优先级下推给传输层。
func (w *Coordinator) SetNetworkTransaction(txn NetworkTransaction, checksum hash.Hash) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.network = txn
	w.checksum = checksum
	txn.SetPriority(w.priority)
}

// ResetNetworkTransaction 卸下网络事务并交还调用方。仅供独占消费者在
// 重启回源时使用，要求没有在途读。
func (w *Coordinator) ResetNetworkTransaction() NetworkTransaction {
	w.mu.Lock()
	defer w.mu.Unlock()
	txn := w.network
	w.network = nil
	w.checksum = nil
	return txn
}

// ResponseSnapshot 返回最近一次登记刷新的响应快照。
func (w *Coordinator) ResponseSnapshot() upstream.ResponseInfo {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snapshot
}

// Read 读取响应正文的下一批字节。没有在途网络读时调用方成为主动消费者，
// 驱动一次完整的读写序列并把同批字节扇出给所有挂起的消费者；否则挂起，
// 等待主动消费者投递。(0, nil) 表示正文结束。
func (w *Coordinator) Read(ctx context.Context, h Handle, p []byte) (int, error) {
	w.mu.Lock()
	if w.completed {
		w.mu.Unlock()
		return 0, ErrWritersDone
	}
	if w.lookupLocked(h) == nil {
		w.mu.Unlock()
		return 0, ErrConsumerGone
	}

	if w.state != StateNone || w.activeSet {
		wr := &waitingRead{buf: p, done: make(chan readOutcome, 1)}
		w.waiting[h] = wr
		w.mu.Unlock()

		select {
		case out := <-wr.done:
			return out.n, out.err
		case <-ctx.Done():
			w.mu.Lock()
			if _, parked := w.waiting[h]; parked {
				delete(w.waiting, h)
				w.mu.Unlock()
				return 0, ctx.Err()
			}
			w.mu.Unlock()
			// 结果在取消竞态中已经投递，照常取用。
			out := <-wr.done
			return out.n, out.err
		}
	}

	if w.network == nil {
		w.mu.Unlock()
		return 0, ErrNoNetworkTransaction
	}

	w.active = h
	w.activeSet = true
	w.activeDetached = false
	w.state = StateNetworkRead

	limit := len(p)
	if limit > len(w.readBuf) {
		limit = len(w.readBuf)
	}
	network := w.network
	w.mu.Unlock()

	return w.doLoop(ctx, h, p, network, limit)
}

// doLoop 以主动消费者身份驱动一次读写序列。I/O 全部在锁外执行，状态
// 迁移与扇出在锁内完成。
func (w *Coordinator) doLoop(ctx context.Context, h Handle, p []byte, network NetworkTransaction, limit int) (int, error) {
	n, rerr := network.Read(ctx, w.readBuf[:limit])

	w.mu.Lock()
	w.state = nextStep(w.state, Event{})
	w.state = nextStep(w.state, Event{Result: n, Err: rerr})
	if rerr != nil {
		return w.finishNetworkFailure(ctx, rerr)
	}

	// 终止读且正文字节不足声明长度，按网络失败处理；网络只读模式下
	// 同样生效，短正文条目不允许定稿为完整。
	if n == 0 && w.snapshot.ContentLength > 0 &&
		w.entry.DataSize(cache.BodyStream) < w.snapshot.ContentLength &&
		!w.isExclusive {
		w.state = StateNone
		return w.finishNetworkFailure(ctx, nil)
	}

	var partial PartialCursor
	if s := w.lookupLocked(h); s != nil {
		partial = s.info.Partial
	}
	skipWrite := n == 0 || w.networkReadOnly
	entry := w.entry
	w.mu.Unlock()

	written := n
	var werr error
	if !skipWrite {
		if partial != nil {
			written, werr = partial.CacheWrite(ctx, entry, w.readBuf[:n])
		} else {
			offset := entry.DataSize(cache.BodyStream)
			written, werr = entry.WriteData(ctx, cache.BodyStream, offset, w.readBuf[:n])
		}
	}

	return w.finishWrite(ctx, h, p, n, written, werr, skipWrite)
}

// finishWrite 完成一次读写序列的收尾：摘要校验、失败分流、扇出与完成判定。
func (w *Coordinator) finishWrite(ctx context.Context, h Handle, p []byte, n, written int, werr error, skipped bool) (int, error) {
	mismatch := false
	if w.checksum != nil {
		if n > 0 {
			w.checksum.Write(w.readBuf[:n])
		} else {
			sum := w.checksum.Sum(nil)
			w.mu.Lock()
			s := w.lookupLocked(h)
			w.mu.Unlock()
			if s != nil && !s.consumer.VerifyChecksum(sum) {
				mismatch = true
			}
		}
	}

	w.mu.Lock()
	ev := Event{Result: written, Err: werr, ChecksumMismatch: mismatch}
	w.state = nextStep(w.state, ev)
	w.state = nextStep(w.state, ev)

	if !skipped && (werr != nil || written != n) {
		return w.finishCacheWriteFailure(ctx, h, p, n, werr)
	}
	return w.finishDataReceived(ctx, h, p, n)
}

// finishCacheWriteFailure 处理磁盘写失败：挂起与空闲消费者全部摘除并
// 收到 ErrCacheWrite，主动消费者照常拿到本批字节并转为网络只读。
// 调用时持锁，返回前解锁。
func (w *Coordinator) finishCacheWriteFailure(ctx context.Context, h Handle, p []byte, n int, werr error) (int, error) {
	w.logger.WithFields(logrus.Fields{
		"entry_key": w.entry.Key(),
		"error":     errString(werr),
	}).Error("failed to write response data to cache entry")

	removed := w.eraseOthersLocked(h, ErrCacheWrite)
	w.updatePriorityLocked()

	w.networkReadOnly = true
	w.shouldKeepEntry = false
	detached := w.activeDetached
	w.activeSet = false
	w.state = StateNone

	var doomEntry CacheEntry
	var finish finishAction
	if w.liveCount > 0 {
		doomEntry = w.entry
	} else {
		finish = w.completeLocked(false, nil)
	}
	entry := w.entry
	w.mu.Unlock()

	for _, c := range removed {
		c.OnRemoved(ErrCacheWrite)
	}
	if doomEntry != nil {
		w.owner.DoomEntryRestartConsumers(doomEntry)
	}
	finish.run(ctx, w, entry)

	copy(p, w.readBuf[:n])
	if detached {
		return 0, ErrConsumerGone
	}
	return n, nil
}

// finishNetworkFailure 处理网络读失败（cause 为 nil 表示正文提前结束）：
// 所有消费者摘除，按需保留截断条目，协调器结束。调用时持锁，返回前解锁。
func (w *Coordinator) finishNetworkFailure(ctx context.Context, cause error) (int, error) {
	var result error
	var removal error
	if cause != nil {
		wrapped := &NetworkReadError{Cause: cause}
		result = wrapped
		removal = wrapped
		w.logger.WithFields(logrus.Fields{
			"entry_key": w.entry.Key(),
			"error":     cause.Error(),
		}).Warn("upstream read failed while writing to cache entry")
	} else {
		w.logger.WithField("entry_key", w.entry.Key()).
			Warn("upstream body ended before declared content length")
	}

	removed := w.eraseAllLocked(result)
	detached := w.activeDetached
	w.activeSet = false
	w.state = StateNone

	finish := w.completeLocked(false, nil)
	entry := w.entry
	w.mu.Unlock()

	for _, c := range removed {
		c.OnRemoved(removal)
	}
	finish.run(ctx, w, entry)

	if detached {
		return 0, ErrConsumerGone
	}
	return 0, result
}

// finishDataReceived 处理一次成功的读写：扇出数据或在终止读时收束整个
// 协调器。调用时持锁，返回前解锁。
func (w *Coordinator) finishDataReceived(ctx context.Context, h Handle, p []byte, n int) (int, error) {
	if w.state == StateMarkEntryUnusable {
		return w.finishMarkUnusable(ctx, h, p)
	}

	if n == 0 {
		// 正文结束：挂起消费者收到干净的 EOF 并被摘除，未在读的
		// 消费者转为直接读取磁盘条目的读者。
		var finished []Consumer
		for hh, wr := range w.waiting {
			delete(w.waiting, hh)
			wr.done <- readOutcome{n: 0, err: nil}
			if s := w.lookupLocked(hh); s != nil {
				finished = append(finished, s.consumer)
				w.releaseSlotLocked(hh)
				w.liveCount--
			}
		}
		if !w.activeDetached {
			if s := w.lookupLocked(h); s != nil {
				finished = append(finished, s.consumer)
				w.releaseSlotLocked(h)
				w.liveCount--
			}
		}
		var readers []Consumer
		w.forEachConsumerLocked(func(hh Handle, s *slot) {
			readers = append(readers, s.consumer)
		})
		w.slots = nil
		w.liveCount = 0
		detached := w.activeDetached
		w.activeSet = false

		finish := w.completeLocked(true, readers)
		entry := w.entry
		w.mu.Unlock()

		for _, c := range finished {
			c.OnRemoved(nil)
		}
		finish.run(ctx, w, entry)

		if detached {
			return 0, ErrConsumerGone
		}
		return 0, nil
	}

	// 同一批字节扇出给所有挂起的消费者。
	copy(p, w.readBuf[:n])
	for hh, wr := range w.waiting {
		delete(w.waiting, hh)
		m := copy(wr.buf, w.readBuf[:n])
		wr.done <- readOutcome{n: m, err: nil}
	}
	detached := w.activeDetached
	w.activeSet = false

	var finish finishAction
	if w.liveCount == 0 && !w.completed {
		// 读在途期间全员撤离，按最后一次移除的结果收束。
		finish = w.completeLocked(w.lastRemovalSuccess, nil)
	}
	entry := w.entry
	w.mu.Unlock()

	finish.run(ctx, w, entry)

	if detached {
		return 0, ErrConsumerGone
	}
	return n, nil
}

// finishMarkUnusable 在终止读的摘要校验失败后把条目标记为永久不可信。
// 消费者已经收到的字节不受影响，读本身以干净 EOF 结束。
// 调用时持锁，返回前解锁。
func (w *Coordinator) finishMarkUnusable(ctx context.Context, h Handle, p []byte) (int, error) {
	w.logger.WithField("entry_key", w.entry.Key()).
		Error("response checksum mismatch, marking cache entry unusable")
	w.metrics.RecordUnusable()

	meta := w.entryMetadataLocked()
	meta.Complete = false
	meta.Unusable = true
	w.entryUnusable = true

	w.state = nextStep(w.state, Event{})
	w.state = nextStep(w.state, Event{})
	entry := w.entry
	w.mu.Unlock()

	if err := entry.WriteMetadata(ctx, meta); err != nil {
		w.logger.WithFields(logrus.Fields{
			"entry_key": entry.Key(),
			"error":     err.Error(),
		}).Error("failed to persist unusable marker")
	}

	w.mu.Lock()
	return w.finishDataReceived(ctx, h, p, 0)
}

// RemoveConsumer 主动摘除一个消费者。success 表示该消费者是否已读完
// 自己需要的字节，影响全员撤离时的截断决策。过期句柄是无害的空操作。
func (w *Coordinator) RemoveConsumer(ctx context.Context, h Handle, success bool) {
	w.mu.Lock()
	s := w.lookupLocked(h)
	if s == nil {
		w.mu.Unlock()
		return
	}

	if wr, parked := w.waiting[h]; parked {
		delete(w.waiting, h)
		wr.done <- readOutcome{n: 0, err: ErrConsumerGone}
	}
	w.releaseSlotLocked(h)
	w.liveCount--
	w.lastRemovalSuccess = success

	if w.activeSet && w.active == h {
		w.activeSet = false
		w.activeDetached = true
	}
	w.updatePriorityLocked()

	var finish finishAction
	if w.liveCount == 0 && w.state == StateNone && !w.completed {
		finish = w.completeLocked(success, nil)
	}
	entry := w.entry
	count := w.liveCount
	w.mu.Unlock()

	w.logger.WithFields(logrus.Fields{
		"entry_key":    entry.Key(),
		"writer_count": count,
		"success":      success,
	}).Debug("consumer removed from entry writers")
	finish.run(ctx, w, entry)
}

// StopWriting 让唯一的消费者继续读网络但停止写缓存。keepEntry 为 false
// 时条目立即销毁。存在多个消费者或已完成时拒绝并返回 false。
func (w *Coordinator) StopWriting(keepEntry bool) bool {
	w.mu.Lock()
	if w.completed || w.liveCount != 1 || len(w.waiting) > 0 {
		w.mu.Unlock()
		return false
	}
	w.networkReadOnly = true
	var doomEntry CacheEntry
	if !keepEntry {
		w.shouldKeepEntry = false
		doomEntry = w.entry
	}
	w.mu.Unlock()

	if doomEntry != nil {
		w.owner.DoomEntryRestartConsumers(doomEntry)
	}
	return true
}

// finishAction 把完成时需要在锁外执行的收尾动作打包：关闭网络事务、
// 按需落盘截断元数据、向 owner 汇报。零值表示无事可做。
type finishAction struct {
	pending   bool
	success   bool
	keepEntry bool
	truncate  bool
	truncMeta cache.EntryMetadata
	network   NetworkTransaction
	readers   []Consumer
}

// completeLocked 做出截断决策并标记协调器完成。调用时持锁，返回的动作
// 必须在解锁后执行。DoneWritingToEntry 由 completed 标志保证恰好一次。
func (w *Coordinator) completeLocked(success bool, readers []Consumer) finishAction {
	if w.completed {
		return finishAction{}
	}
	w.completed = true

	act := finishAction{
		pending: true,
		success: success,
		network: w.network,
		readers: readers,
	}
	w.network = nil
	w.checksum = nil

	if !success && !w.entryUnusable && w.shouldTruncateLocked() {
		act.truncate = true
		act.truncMeta = w.entryMetadataLocked()
		act.truncMeta.Complete = false
		act.truncMeta.Truncated = true
	}
	act.keepEntry = w.shouldKeepEntry
	return act
}

func (a finishAction) run(ctx context.Context, w *Coordinator, entry CacheEntry) {
	if !a.pending {
		return
	}
	if a.network != nil {
		if err := a.network.Close(); err != nil {
			w.logger.WithField("error", err.Error()).Debug("closing upstream transaction")
		}
	}
	if a.truncate {
		if err := entry.WriteMetadata(ctx, a.truncMeta); err != nil {
			w.logger.WithFields(logrus.Fields{
				"entry_key": entry.Key(),
				"error":     err.Error(),
			}).Error("failed to persist truncation metadata")
		} else {
			w.metrics.RecordTruncated()
		}
	}
	w.metrics.WriterFinished()
	w.logger.WithFields(logrus.Fields{
		"entry_key":  entry.Key(),
		"success":    a.success,
		"keep_entry": a.keepEntry,
		"truncated":  a.truncate,
		"readers":    len(a.readers),
	}).Debug("entry writers finished")
	w.owner.DoneWritingToEntry(entry, a.success, a.keepEntry, a.readers)
}

// eraseOthersLocked 摘除除 keep 之外的全部消费者：挂起读收到 outcomeErr，
// 返回待回调 OnRemoved 的消费者列表（锁外调用）。
func (w *Coordinator) eraseOthersLocked(keep Handle, outcomeErr error) []Consumer {
	var removed []Consumer
	w.forEachConsumerLocked(func(hh Handle, s *slot) {
		if hh == keep {
			return
		}
		if wr, parked := w.waiting[hh]; parked {
			delete(w.waiting, hh)
			wr.done <- readOutcome{n: 0, err: outcomeErr}
		}
		removed = append(removed, s.consumer)
		w.releaseSlotLocked(hh)
		w.liveCount--
	})
	return removed
}

// eraseAllLocked 摘除全部消费者，语义同 eraseOthersLocked。
func (w *Coordinator) eraseAllLocked(outcomeErr error) []Consumer {
	var removed []Consumer
	w.forEachConsumerLocked(func(hh Handle, s *slot) {
		if wr, parked := w.waiting[hh]; parked {
			delete(w.waiting, hh)
			wr.done <- readOutcome{n: 0, err: outcomeErr}
		}
		removed = append(removed, s.consumer)
		w.releaseSlotLocked(hh)
		w.liveCount--
	})
	return removed
}

// RefreshPriority 重算聚合优先级并在变化时下推给网络事务。消费者调整
// 自身优先级后调用。
func (w *Coordinator) RefreshPriority() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.updatePriorityLocked()
}

func (w *Coordinator) bumpPriorityLocked(p upstream.Priority) {
	next := upstream.MaxPriority(w.priority, p)
	if next != w.priority {
		w.priority = next
		if w.network != nil {
			w.network.SetPriority(next)
		}
	}
}

func (w *Coordinator) updatePriorityLocked() {
	next := upstream.MinimumPriority
	w.forEachConsumerLocked(func(hh Handle, s *slot) {
		next = upstream.MaxPriority(next, s.consumer.Priority())
	})
	if next != w.priority {
		w.priority = next
		if w.network != nil {
			w.network.SetPriority(next)
		}
	}
}

// entryMetadataLocked 从响应快照构造元数据底稿。
func (w *Coordinator) entryMetadataLocked() cache.EntryMetadata {
	return cache.EntryMetadata{
		Status:        w.snapshot.StatusCode,
		Header:        w.snapshot.Header,
		ContentLength: w.snapshot.ContentLength,
		FetchedAt:     w.snapshot.ReceivedAt,
	}
}

// ConsumerCount 返回在册消费者数量。
func (w *Coordinator) ConsumerCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.liveCount
}

// Pattern 返回已固定的写入模式。
func (w *Coordinator) Pattern() ParallelWritingPattern {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pattern
}

// IsNetworkReadOnly 报告协调器是否已停止写缓存。
func (w *Coordinator) IsNetworkReadOnly() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.networkReadOnly
}

// MarkedUnusable 报告条目是否因摘要校验失败被打上永久不可信标记。
// Owner 在定稿时必须跳过这类条目，避免覆盖不可信标记。
func (w *Coordinator) MarkedUnusable() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.entryUnusable
}

// IsIdle 报告是否没有在途读。
func (w *Coordinator) IsIdle() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state == StateNone && !w.activeSet
}

// Priority 返回当前的聚合优先级。
func (w *Coordinator) Priority() upstream.Priority {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.priority
}

// LoadState 返回网络事务的负载状态，用于诊断接口。
func (w *Coordinator) LoadState() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.network == nil {
		return "idle"
	}
	return w.network.LoadState()
}

func errString(err error) string {
	if err == nil {
		return "short write"
	}
	return err.Error()
}

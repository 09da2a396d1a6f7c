package writers

// Handle 是消费者在协调器内的代际句柄：槽位下标 + 代数。消费者被移除后
// 槽位代数递增，过期句柄的查找会落空而不是触碰已释放的状态。
type Handle struct {
	index int
	gen   uint32
}

// Valid 报告句柄是否曾经被分配过（零值恒为无效）。
func (h Handle) Valid() bool {
	return h.gen != 0
}

type slot struct {
	gen      uint32
	inUse    bool
	consumer Consumer
	info     TransactionInfo
}

// acquireSlotLocked 分配一个空闲槽位，必要时扩容。代数从 1 开始，
// 保证零值 Handle 永远查不到槽位。
func (w *Coordinator) acquireSlotLocked(c Consumer, info TransactionInfo) Handle {
	for i := range w.slots {
		if !w.slots[i].inUse {
			w.slots[i].gen++
			w.slots[i].inUse = true
			w.slots[i].consumer = c
			w.slots[i].info = info
			return Handle{index: i, gen: w.slots[i].gen}
		}
	}
	w.slots = append(w.slots, slot{gen: 1, inUse: true, consumer: c, info: info})
	return Handle{index: len(w.slots) - 1, gen: 1}
}

// lookupLocked 返回句柄对应的槽位；句柄过期或越界时返回 nil。
func (w *Coordinator) lookupLocked(h Handle) *slot {
	if h.index < 0 || h.index >= len(w.slots) {
		return nil
	}
	s := &w.slots[h.index]
	if !s.inUse || s.gen != h.gen {
		return nil
	}
	return s
}

// releaseSlotLocked 释放槽位并递增代数，使现存句柄立即失效。
func (w *Coordinator) releaseSlotLocked(h Handle) {
	s := &w.slots[h.index]
	s.inUse = false
	s.gen++
	s.consumer = nil
	s.info = TransactionInfo{}
}

// forEachConsumerLocked 遍历当前所有在册消费者。
func (w *Coordinator) forEachConsumerLocked(fn func(h Handle, s *slot)) {
	for i := range w.slots {
		if w.slots[i].inUse {
			fn(Handle{index: i, gen: w.slots[i].gen}, &w.slots[i])
		}
	}
}

package proxy

import "sort"

// WriterStatus 描述一个进行中的写协调器，供诊断接口输出。
type WriterStatus struct {
	EntryKey        string `json:"entry_key"`
	Consumers       int    `json:"consumers"`
	Pattern         string `json:"pattern"`
	LoadState       string `json:"load_state"`
	NetworkReadOnly bool   `json:"network_read_only"`
	Partial         bool   `json:"partial"`
}

// ActiveWriters 返回当前所有进行中的写协调器快照，按条目键排序。
func (h *Handler) ActiveWriters() []WriterStatus {
	h.mu.Lock()
	fetches := make([]*sharedFetch, 0, len(h.active))
	for _, fetch := range h.active {
		fetches = append(fetches, fetch)
	}
	h.mu.Unlock()

	statuses := make([]WriterStatus, 0, len(fetches))
	for _, fetch := range fetches {
		statuses = append(statuses, WriterStatus{
			EntryKey:        fetch.key,
			Consumers:       fetch.coord.ConsumerCount(),
			Pattern:         fetch.coord.Pattern().String(),
			LoadState:       fetch.coord.LoadState(),
			NetworkReadOnly: fetch.coord.IsNetworkReadOnly(),
			Partial:         fetch.partial,
		})
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].EntryKey < statuses[j].EntryKey
	})
	return statuses
}

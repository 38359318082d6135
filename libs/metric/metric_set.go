package metric

import (
	"errors"
	"sort"
	"sync"
)

var (
	ErrMetricLabelExist = errors.New("metric label already exist")
)

func NewMetricSet() *MetricSet {
	return &MetricSet{
		metrics: make(map[string]MetricItem),
	}
}

// MetricSet 按label保存各模块的MetricItem，供metrics RPC查询
type MetricSet struct {
	mtx     sync.RWMutex
	metrics map[string]MetricItem
}

// SetMetrics - 根据label设置对应的Metrics，如果有存在的label，则返回error
func (ms *MetricSet) SetMetrics(label string, item MetricItem) error {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()

	if _, existed := ms.metrics[label]; existed {
		return ErrMetricLabelExist
	}
	ms.metrics[label] = item
	return nil
}

func (ms *MetricSet) HasMetrics(label string) bool {
	ms.mtx.RLock()
	_, existed := ms.metrics[label]
	ms.mtx.RUnlock()
	return existed
}

// GetMetrics 没有label时返回nil
func (ms *MetricSet) GetMetrics(label string) MetricItem {
	ms.mtx.RLock()
	defer ms.mtx.RUnlock()
	return ms.metrics[label]
}

// GetAllLabels 按字典序返回所有label
func (ms *MetricSet) GetAllLabels() []string {
	ms.mtx.RLock()
	keys := make([]string, 0, len(ms.metrics))
	for k := range ms.metrics {
		keys = append(keys, k)
	}
	ms.mtx.RUnlock()

	sort.Strings(keys)
	return keys
}

// Snapshot 返回label到JSON字符串的映射
func (ms *MetricSet) Snapshot(labels ...string) map[string]string {
	if len(labels) == 0 {
		labels = ms.GetAllLabels()
	}
	res := make(map[string]string, len(labels))
	for _, l := range labels {
		if item := ms.GetMetrics(l); item != nil {
			res[l] = item.JSONString()
		}
	}
	return res
}

package metric

import (
	jsoniter "github.com/json-iterator/go"
	metrics "github.com/rcrowley/go-metrics"
)

// MetricItem - 一个独立的metric模块对应一个MetricItem
// 实现时要保证JSONString可以并发调用
type MetricItem interface {
	JSONString() string
}

// RegistryItem 把go-metrics的Registry作为一个MetricItem
type RegistryItem struct {
	metrics.Registry
}

func NewRegistryItem(r metrics.Registry) *RegistryItem {
	return &RegistryItem{Registry: r}
}

// JSONString 输出registry中所有metric的快照
func (ri *RegistryItem) JSONString() string {
	s, err := jsoniter.MarshalToString(ri.Registry.GetAll())
	if err != nil {
		return "{}"
	}
	return s
}

type mockMetricItem struct {
	name string
}

func (mock *mockMetricItem) JSONString() string {
	return mock.name
}

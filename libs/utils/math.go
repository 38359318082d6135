package utils

import (
	"sort"
)

// Summary 一组样本的统计量，没有样本时除Count外都是-1
type Summary struct {
	Count  int     `json:"count"`
	Max    float64 `json:"max"`
	Min    float64 `json:"min"`
	Median float64 `json:"median"`
	Avg    float64 `json:"avg"`
}

// Summarize 不修改data
func Summarize(data []float64) Summary {
	if len(data) == 0 {
		return Summary{Max: -1, Min: -1, Median: -1, Avg: -1}
	}

	sorted := append([]float64{}, data...)
	sort.Float64s(sorted)

	sum := 0.0
	for _, datum := range sorted {
		sum += datum
	}
	return Summary{
		Count:  len(sorted),
		Max:    sorted[len(sorted)-1],
		Min:    sorted[0],
		Median: median(sorted),
		Avg:    sum / float64(len(sorted)),
	}
}

// sorted必须已经排好序
func median(sorted []float64) float64 {
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

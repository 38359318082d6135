package rpc

import (
	rpctypes "github.com/tendermint/tendermint/rpc/jsonrpc/types"
)

type ResultMetrics struct {
	Metrics map[string]string `json:"metrics"`
}

// JSONMetrics label为空时返回所有模块的metric
func JSONMetrics(ctx *rpctypes.Context, label string) (*ResultMetrics, error) {
	var labels []string
	if label != "" {
		labels = []string{label}
	}
	return &ResultMetrics{Metrics: env.MetricSet.Snapshot(labels...)}, nil
}

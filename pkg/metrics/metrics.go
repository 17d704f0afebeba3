// Package metrics 定义服务暴露的 Prometheus 指标。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StreamsStarted 统计被认领并开始生成的流。
	StreamsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "polychat",
		Subsystem: "stream",
		Name:      "started_total",
		Help:      "Streams claimed by a writer and started.",
	})

	// StreamsFinished 按终态统计封存的流。
	StreamsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "polychat",
		Subsystem: "stream",
		Name:      "finished_total",
		Help:      "Streams sealed, by terminal status.",
	}, []string{"status"})

	ChunksAppended = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "polychat",
		Subsystem: "stream",
		Name:      "chunks_appended_total",
		Help:      "Fragments durably appended to stream logs.",
	})

	ActiveProducers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "polychat",
		Subsystem: "stream",
		Name:      "active_producers",
		Help:      "Generation goroutines currently running in this process.",
	})

	StreamDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "polychat",
		Subsystem: "stream",
		Name:      "duration_seconds",
		Help:      "Wall time from claim to seal.",
		Buckets:   prometheus.ExponentialBuckets(0.25, 2, 12),
	}, []string{"status"})

	// Classifications 按结果统计分类调用，category 为空表示失败。
	Classifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "polychat",
		Subsystem: "router",
		Name:      "classifications_total",
		Help:      "Category classifier calls by outcome.",
	}, []string{"category", "outcome"})

	// Resolutions 按选择方式与结果统计模型解析。
	Resolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "polychat",
		Subsystem: "router",
		Name:      "resolutions_total",
		Help:      "Model resolutions by selection type and outcome.",
	}, []string{"selection", "outcome"})
)

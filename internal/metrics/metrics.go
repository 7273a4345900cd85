// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ワーカーやサービス層から利用する。
type MetricsCollector interface {
	RecordPublishOutcome(outcome string)
	RecordPublishLatency(duration time.Duration)
	RecordTokenRefreshSuccess()
	RecordTokenRefreshFailure()
	RecordConversionLatency(duration time.Duration)
	RecordConversionFailure()
	RecordAccountConnected()
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	publishOutcome    *prometheus.CounterVec
	publishLatency    prometheus.Histogram
	refreshSuccess    prometheus.Counter
	refreshFail       prometheus.Counter
	conversionLatency prometheus.Histogram
	conversionFail    prometheus.Counter
	accountsConnected prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		publishOutcome: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postdeck_publish_attempts_total",
			Help: "公開試行の結果別の合計数",
		}, []string{"outcome"}),
		publishLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "postdeck_publish_latency_seconds",
			Help:    "公開フロー全体のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		refreshSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "postdeck_token_refresh_success_total",
			Help: "トークンリフレッシュ成功の合計数",
		}),
		refreshFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "postdeck_token_refresh_fail_total",
			Help: "トークンリフレッシュ失敗の合計数",
		}),
		conversionLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "postdeck_conversion_latency_seconds",
			Help:    "スライドショー変換のレイテンシ（秒）",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
		}),
		conversionFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "postdeck_conversion_fail_total",
			Help: "スライドショー変換失敗の合計数",
		}),
		accountsConnected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "postdeck_accounts_connected_total",
			Help: "アカウント接続成功の合計数",
		}),
	}

	reg.MustRegister(
		c.publishOutcome,
		c.publishLatency,
		c.refreshSuccess,
		c.refreshFail,
		c.conversionLatency,
		c.conversionFail,
		c.accountsConnected,
	)

	return c
}

// RecordPublishOutcome は公開試行の結果を記録する。
func (c *Collector) RecordPublishOutcome(outcome string) {
	c.publishOutcome.WithLabelValues(outcome).Inc()
}

// RecordPublishLatency は公開フローのレイテンシを記録する。
func (c *Collector) RecordPublishLatency(duration time.Duration) {
	c.publishLatency.Observe(duration.Seconds())
}

// RecordTokenRefreshSuccess はトークンリフレッシュ成功を記録する。
func (c *Collector) RecordTokenRefreshSuccess() {
	c.refreshSuccess.Inc()
}

// RecordTokenRefreshFailure はトークンリフレッシュ失敗を記録する。
func (c *Collector) RecordTokenRefreshFailure() {
	c.refreshFail.Inc()
}

// RecordConversionLatency はスライドショー変換のレイテンシを記録する。
func (c *Collector) RecordConversionLatency(duration time.Duration) {
	c.conversionLatency.Observe(duration.Seconds())
}

// RecordConversionFailure はスライドショー変換失敗を記録する。
func (c *Collector) RecordConversionFailure() {
	c.conversionFail.Inc()
}

// RecordAccountConnected はアカウント接続成功を記録する。
func (c *Collector) RecordAccountConnected() {
	c.accountsConnected.Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

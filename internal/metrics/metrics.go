// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Collector はPrometheusメトリクスを収集する実装。
// 照合の分類・修復結果とHTTPレスポンスのステータスを記録する。
type Collector struct {
	classifications *prometheus.CounterVec
	repairs         *prometheus.CounterVec
	stepFailures    *prometheus.CounterVec
	duration        prometheus.Histogram
	httpStatus      *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		classifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idreconcile_classifications_total",
			Help: "分類別の照合件数",
		}, []string{"kind"}),
		repairs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idreconcile_repairs_total",
			Help: "分類・結果別の修復件数",
		}, []string{"kind", "result"}),
		stepFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idreconcile_repair_step_failures_total",
			Help: "修復手順別の失敗件数",
		}, []string{"step"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "idreconcile_reconcile_duration_seconds",
			Help:    "1回の照合・修復にかかった時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idreconcile_http_status_total",
			Help: "診断APIのHTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.classifications,
		c.repairs,
		c.stepFailures,
		c.duration,
		c.httpStatus,
	)

	return c
}

// RecordClassification は分類結果を記録する。
func (c *Collector) RecordClassification(kind string) {
	c.classifications.WithLabelValues(kind).Inc()
}

// RecordRepair は修復結果を記録する。
func (c *Collector) RecordRepair(kind, result string) {
	c.repairs.WithLabelValues(kind, result).Inc()
}

// RecordStepFailure は修復手順の失敗を記録する。
func (c *Collector) RecordStepFailure(step string) {
	c.stepFailures.WithLabelValues(step).Inc()
}

// ObserveDuration は照合・修復の所要時間を記録する。
func (c *Collector) ObserveDuration(d time.Duration) {
	c.duration.Observe(d.Seconds())
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Push はCLI実行の終了時にレジストリの内容をPushgatewayへ送信する。
// urlが空の場合は何もしない。
func Push(ctx context.Context, url, job string, gatherer prometheus.Gatherer) error {
	if url == "" {
		return nil
	}
	if err := push.New(url, job).Gatherer(gatherer).PushContext(ctx); err != nil {
		return fmt.Errorf("failed to push metrics: %w", err)
	}
	return nil
}

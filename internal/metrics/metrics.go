// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/hitoshi/larkbilling/internal/lark"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// プロビジョニング結果のラベル値
const (
	OutcomeCreated       = "created"
	OutcomeUpdated       = "updated"
	OutcomeAlreadyExists = "already_exists"
	OutcomeSkipped       = "skipped"
	OutcomeFailed        = "failed"
)

// Collector はPrometheusメトリクスを収集する実装。
// lark.CallObserverとしても動作する。
type Collector struct {
	provisioning  *prometheus.CounterVec
	billingCall   *prometheus.HistogramVec
	billingErrors *prometheus.CounterVec
	httpStatus    *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		provisioning: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "larkbilling_provisioning_total",
			Help: "課金Subjectのプロビジョニング結果の合計数",
		}, []string{"operation", "outcome"}),
		billingCall: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "larkbilling_billing_call_seconds",
			Help:    "課金サービス呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		billingErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "larkbilling_billing_call_errors_total",
			Help: "課金サービス呼び出しの失敗数（エラー種別ごと）",
		}, []string{"operation", "kind"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "larkbilling_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.provisioning,
		c.billingCall,
		c.billingErrors,
		c.httpStatus,
	)

	return c
}

// RecordProvisioning はプロビジョニング結果を記録する。
// operationは "create" または "update"。
func (c *Collector) RecordProvisioning(operation, outcome string) {
	c.provisioning.WithLabelValues(operation, outcome).Inc()
}

// ObserveBillingCall は課金サービス呼び出しのレイテンシと失敗を記録する。
func (c *Collector) ObserveBillingCall(operation string, duration time.Duration, err error) {
	c.billingCall.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		c.billingErrors.WithLabelValues(operation, lark.KindOf(err).String()).Inc()
	}
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

var _ lark.CallObserver = (*Collector)(nil)

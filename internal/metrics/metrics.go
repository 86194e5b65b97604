// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// チャット中継の結果ラベル。
const (
	OutcomeOK              = "ok"
	OutcomeInvalidInput    = "invalid_input"
	OutcomeNotFound        = "not_found"
	OutcomeUpstreamTimeout = "upstream_timeout"
	OutcomeUpstreamError   = "upstream_error"
	OutcomeInternalError   = "internal_error"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ワーカーやサービス層から利用する。
type MetricsCollector interface {
	RecordRelayOutcome(outcome string)
	RecordUpstreamLatency(duration time.Duration)
	RecordUpstreamStatus(statusCode int)
	RecordAttachment(kind string, result string)
	RecordAuthEvent(event string, result string)
	RecordRevokedTokensPurged(count int64)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	relayOutcome    *prometheus.CounterVec
	upstreamLatency prometheus.Histogram
	upstreamStatus  *prometheus.CounterVec
	attachments     *prometheus.CounterVec
	authEvents      *prometheus.CounterVec
	revokedPurged   prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		relayOutcome: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "promptroom_chat_relay_total",
			Help: "チャット中継の結果別の合計数",
		}, []string{"outcome"}),
		upstreamLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "promptroom_upstream_latency_seconds",
			Help:    "上流LLM呼び出しのレイテンシ（秒）",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}),
		upstreamStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "promptroom_upstream_http_status_total",
			Help: "上流LLMのHTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		attachments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "promptroom_attachment_extract_total",
			Help: "添付ファイルのテキスト抽出結果別の合計数",
		}, []string{"kind", "result"}),
		authEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "promptroom_auth_events_total",
			Help: "認証イベント（登録・ログイン・ログアウト）の結果別の合計数",
		}, []string{"event", "result"}),
		revokedPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "promptroom_revoked_tokens_purged_total",
			Help: "クリーンアップで削除された失効トークン数",
		}),
	}

	reg.MustRegister(
		c.relayOutcome,
		c.upstreamLatency,
		c.upstreamStatus,
		c.attachments,
		c.authEvents,
		c.revokedPurged,
	)

	return c
}

// RecordRelayOutcome はチャット中継の結果を記録する。
func (c *Collector) RecordRelayOutcome(outcome string) {
	c.relayOutcome.WithLabelValues(outcome).Inc()
}

// RecordUpstreamLatency は上流呼び出しのレイテンシを記録する。
func (c *Collector) RecordUpstreamLatency(duration time.Duration) {
	c.upstreamLatency.Observe(duration.Seconds())
}

// RecordUpstreamStatus は上流のHTTPステータスコードを記録する。
func (c *Collector) RecordUpstreamStatus(statusCode int) {
	c.upstreamStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordAttachment は添付ファイルの抽出結果を記録する。
func (c *Collector) RecordAttachment(kind string, result string) {
	c.attachments.WithLabelValues(kind, result).Inc()
}

// RecordAuthEvent は認証イベントを記録する。
func (c *Collector) RecordAuthEvent(event string, result string) {
	c.authEvents.WithLabelValues(event, result).Inc()
}

// RecordRevokedTokensPurged はクリーンアップで削除された失効トークン数を記録する。
func (c *Collector) RecordRevokedTokensPurged(count int64) {
	c.revokedPurged.Add(float64(count))
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス不要な構成で使用する。
type Nop struct{}

func (Nop) RecordRelayOutcome(string)           {}
func (Nop) RecordUpstreamLatency(time.Duration) {}
func (Nop) RecordUpstreamStatus(int)            {}
func (Nop) RecordAttachment(string, string)     {}
func (Nop) RecordAuthEvent(string, string)      {}
func (Nop) RecordRevokedTokensPurged(int64)     {}

// compile-time interface checks
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}

// ============================================================================
// Autocapture Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露客戶端核心的運行指標
//
// 指標分類:
//
//   1. 長時間操作 (Counter)：
//      - autocapture_action_ticks_total{op}: 每次非終止的輪詢回應
//      - autocapture_action_outcomes_total{op,outcome}: done / error / canceled / transport
//      - autocapture_rollbacks_total{op}: 樂觀更新被回滾的次數
//
//   2. WebSocket 通道：
//      - autocapture_socket_connects_total{channel}
//      - autocapture_socket_disconnects_total{channel}
//      - autocapture_socket_messages_total{channel,type}
//      - autocapture_socket_connected{channel}: 1 = 已連線
//
//   3. 狀態指標 (Gauge)：
//      - autocapture_uncovered_paths: 未覆蓋清單長度
//      - autocapture_notifications_visible: 去重後顯示的通知數
//      - autocapture_restore_time_seconds: 最近一次 journal 還原耗時
//
// Prometheus 查詢示例:
//
//   # 每分鐘失敗的操作
//   rate(autocapture_action_outcomes_total{outcome="error"}[1m])
//
//   # 斷線頻率
//   rate(autocapture_socket_disconnects_total[5m])
//
// HTTP 端點:
//   通過 /metrics 端點暴露，默認端口 9090
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector Prometheus 指標收集器
type Collector struct {
	// 長時間操作
	actionTicks    *prometheus.CounterVec
	actionOutcomes *prometheus.CounterVec
	rollbacks      *prometheus.CounterVec

	// WebSocket 通道
	socketConnects    *prometheus.CounterVec
	socketDisconnects *prometheus.CounterVec
	socketMessages    *prometheus.CounterVec
	socketConnected   *prometheus.GaugeVec

	// 狀態指標
	uncoveredPaths       prometheus.Gauge
	notificationsVisible prometheus.Gauge
	restoreTime          prometheus.Gauge
}

// NewCollector 創建指標收集器並註冊到預設 registry
func NewCollector() *Collector {
	return NewCollectorWith(prometheus.DefaultRegisterer)
}

// NewCollectorWith 創建指標收集器並註冊到 reg
func NewCollectorWith(reg prometheus.Registerer) *Collector {
	c := &Collector{
		actionTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autocapture_action_ticks_total",
			Help: "Total number of in-progress poll responses per long-running action",
		}, []string{"op"}),
		actionOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autocapture_action_outcomes_total",
			Help: "Total number of finished long-running actions by outcome",
		}, []string{"op", "outcome"}),
		rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autocapture_rollbacks_total",
			Help: "Total number of optimistic updates rolled back after a failed REST call",
		}, []string{"op"}),
		socketConnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autocapture_socket_connects_total",
			Help: "Total number of WebSocket connections opened",
		}, []string{"channel"}),
		socketDisconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autocapture_socket_disconnects_total",
			Help: "Total number of WebSocket connections closed or dropped",
		}, []string{"channel"}),
		socketMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autocapture_socket_messages_total",
			Help: "Total number of WebSocket messages delivered",
		}, []string{"channel", "type"}),
		socketConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "autocapture_socket_connected",
			Help: "Whether the WebSocket channel is connected (1) or not (0)",
		}, []string{"channel"}),
		uncoveredPaths: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "autocapture_uncovered_paths",
			Help: "Current number of paths in the uncovered list",
		}),
		notificationsVisible: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "autocapture_notifications_visible",
			Help: "Current number of visible notifications after collapsing by code",
		}),
		restoreTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "autocapture_restore_time_seconds",
			Help: "Time taken to restore client state from the journal in seconds",
		}),
	}

	reg.MustRegister(
		c.actionTicks,
		c.actionOutcomes,
		c.rollbacks,
		c.socketConnects,
		c.socketDisconnects,
		c.socketMessages,
		c.socketConnected,
		c.uncoveredPaths,
		c.notificationsVisible,
		c.restoreTime,
	)
	return c
}

// ActionTick 記錄一次輪詢進度
func (c *Collector) ActionTick(op string) {
	c.actionTicks.WithLabelValues(op).Inc()
}

// ActionFinished 記錄操作結果
func (c *Collector) ActionFinished(op, outcome string) {
	c.actionOutcomes.WithLabelValues(op, outcome).Inc()
}

// Rollback 記錄回滾
func (c *Collector) Rollback(op string) {
	c.rollbacks.WithLabelValues(op).Inc()
}

// SocketConnected 記錄通道連線
func (c *Collector) SocketConnected(ch string) {
	c.socketConnects.WithLabelValues(ch).Inc()
	c.socketConnected.WithLabelValues(ch).Set(1)
}

// SocketDisconnected 記錄通道斷線
func (c *Collector) SocketDisconnected(ch string) {
	c.socketDisconnects.WithLabelValues(ch).Inc()
	c.socketConnected.WithLabelValues(ch).Set(0)
}

// SocketMessage 記錄收到的訊息
func (c *Collector) SocketMessage(ch, msgType string) {
	c.socketMessages.WithLabelValues(ch, msgType).Inc()
}

// ObserveState 更新狀態統計
func (c *Collector) ObserveState(uncovered, visibleNotifications int) {
	c.uncoveredPaths.Set(float64(uncovered))
	c.notificationsVisible.Set(float64(visibleNotifications))
}

// SetRestoreTime 設置 journal 還原耗時
func (c *Collector) SetRestoreTime(d time.Duration) {
	c.restoreTime.Set(d.Seconds())
}

// NewServer 建立只提供 /metrics 的 HTTP 伺服器
func NewServer(port int, g prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

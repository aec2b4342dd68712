package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// =====================================================================
// Метрики производительности
// =====================================================================

// OrderPlacementDuration измеряет полное время выставления ордера
// (interlock + валидация + REST вызов). Labels: pair, side, status
var OrderPlacementDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "order_placement_duration_ms",
		Help:    "Время выставления ордера (мс)",
		Buckets: []float64{10, 25, 50, 100, 200, 500, 1000, 2000, 5000},
	},
	[]string{"pair", "side", "status"},
)

// RestRequestDuration измеряет длительность REST запросов.
// Labels: endpoint, status (success/error)
var RestRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "rest_request_duration_ms",
		Help:    "Длительность REST запроса (мс)",
		Buckets: []float64{10, 25, 50, 100, 200, 500, 1000, 2000, 5000, 10000},
	},
	[]string{"endpoint", "status"},
)

// JSONParsingDuration измеряет время парсинга JSON сообщений.
// Labels: message_type
var JSONParsingDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "json_parsing_duration_ms",
		Help:    "Время парсинга JSON сообщения (мс)",
		Buckets: []float64{0.01, 0.05, 0.1, 0.2, 0.5, 1},
	},
	[]string{"message_type"},
)

// RateLimitWaitDuration измеряет время ожидания допуска rate limiter'ом.
// Labels: endpoint
var RateLimitWaitDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "rate_limit_wait_duration_ms",
		Help:    "Время ожидания слота rate limiter (мс)",
		Buckets: []float64{0.1, 1, 10, 100, 500, 1000, 5000, 30000},
	},
	[]string{"endpoint"},
)

// =====================================================================
// Счётчики событий
// =====================================================================

// WebSocketEventsTotal подсчитывает общее количество WebSocket событий.
// Labels: role (public/private), event_type (ticker, trade, book, candle,
// execution, balance, pong, malformed)
var WebSocketEventsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "websocket_events_total",
		Help: "Общее количество WebSocket событий",
	},
	[]string{"role", "event_type"},
)

// OrdersTotal подсчитывает выставленные ордера.
// Labels: pair, side (buy/sell), status (placed/rejected/validation_failed/emergency_stop)
var OrdersTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "orders_total",
		Help: "Общее количество попыток выставления ордеров",
	},
	[]string{"pair", "side", "status"},
)

// WebSocketReconnectsTotal подсчитывает переподключения WebSocket.
// Labels: role, success (true/false)
var WebSocketReconnectsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "websocket_reconnects_total",
		Help: "Количество переподключений WebSocket",
	},
	[]string{"role", "success"},
)

// APIErrorsTotal подсчитывает ошибки REST API запросов.
// Labels: endpoint, error_type (rate_limit/nonce/rejected/network/configuration)
var APIErrorsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "api_errors_total",
		Help: "Количество ошибок REST API",
	},
	[]string{"endpoint", "error_type"},
)

// RestRetriesTotal подсчитывает повторные попытки REST запросов.
// Labels: endpoint
var RestRetriesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "rest_retries_total",
		Help: "Количество retry REST запросов",
	},
	[]string{"endpoint"},
)

// =====================================================================
// Gauge метрики (текущее состояние)
// =====================================================================

// WebSocketConnections показывает состояние WebSocket соединений.
// Labels: role
// Значения: 1 = подключено, 0 = отключено
var WebSocketConnections = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "websocket_connections",
		Help: "Состояние WebSocket соединений (1=подключено, 0=отключено)",
	},
	[]string{"role"},
)

// AccountBalance показывает баланс валюты на бирже.
// Labels: currency (USD, XBT, etc.)
var AccountBalance = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "account_balance",
		Help: "Общий баланс валюты на бирже",
	},
	[]string{"currency"},
)

// OpenOrders показывает текущее количество открытых ордеров.
var OpenOrders = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "open_orders",
		Help: "Текущее количество открытых ордеров",
	},
)

// EmergencyStopEngaged показывает состояние аварийной остановки.
// Значения: 1 = включена, 0 = выключена
var EmergencyStopEngaged = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "emergency_stop_engaged",
		Help: "Состояние аварийной остановки (1=включена, 0=выключена)",
	},
)

// LastPrice показывает последнюю известную цену пары.
// Labels: pair
var LastPrice = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "last_price",
		Help: "Последняя известная цена торговой пары",
	},
	[]string{"pair"},
)

// =====================================================================
// Регистрация метрик
// =====================================================================

// RegisterMetrics регистрирует все метрики в Prometheus registry.
// Вызывается один раз при инициализации приложения.
func RegisterMetrics() {
	// Гистограммы производительности
	prometheus.MustRegister(OrderPlacementDuration)
	prometheus.MustRegister(RestRequestDuration)
	prometheus.MustRegister(JSONParsingDuration)
	prometheus.MustRegister(RateLimitWaitDuration)

	// Счётчики событий
	prometheus.MustRegister(WebSocketEventsTotal)
	prometheus.MustRegister(OrdersTotal)
	prometheus.MustRegister(WebSocketReconnectsTotal)
	prometheus.MustRegister(APIErrorsTotal)
	prometheus.MustRegister(RestRetriesTotal)

	// Gauge метрики
	prometheus.MustRegister(WebSocketConnections)
	prometheus.MustRegister(AccountBalance)
	prometheus.MustRegister(OpenOrders)
	prometheus.MustRegister(EmergencyStopEngaged)
	prometheus.MustRegister(LastPrice)
}

// Handler возвращает HTTP handler для /metrics endpoint.
// Использовать с http.Handle("/metrics", metrics.Handler()).
func Handler() http.Handler {
	return promhttp.Handler()
}

// =====================================================================
// Вспомогательные функции
// =====================================================================

// Timer представляет таймер для измерения длительности операций.
type Timer struct {
	startTime time.Time
}

// NewTimer создаёт новый таймер.
// Время начинается с момента вызова.
//
// Пример использования:
//
//	timer := metrics.NewTimer()
//	// ... выполнение операции ...
//	metrics.OrderPlacementDuration.WithLabelValues("XBT/USD", "buy", "placed").Observe(timer.ElapsedMs())
func NewTimer() *Timer {
	return &Timer{
		startTime: time.Now(),
	}
}

// ElapsedMs возвращает прошедшее время в миллисекундах.
func (t *Timer) ElapsedMs() float64 {
	return float64(time.Since(t.startTime).Nanoseconds()) / 1_000_000
}

// Elapsed возвращает прошедшее время как time.Duration.
func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.startTime)
}

// ObserveOrderPlacement записывает метрику выставления ордера.
func ObserveOrderPlacement(pair, side, status string, durationMs float64) {
	OrderPlacementDuration.WithLabelValues(pair, side, status).Observe(durationMs)
}

// ObserveRestRequest записывает длительность REST запроса.
func ObserveRestRequest(endpoint, status string, durationMs float64) {
	RestRequestDuration.WithLabelValues(endpoint, status).Observe(durationMs)
}

// IncrementWebSocketEvent увеличивает счётчик WebSocket событий.
func IncrementWebSocketEvent(role, eventType string) {
	WebSocketEventsTotal.WithLabelValues(role, eventType).Inc()
}

// IncrementOrder увеличивает счётчик ордеров.
func IncrementOrder(pair, side, status string) {
	OrdersTotal.WithLabelValues(pair, side, status).Inc()
}

// IncrementReconnect увеличивает счётчик переподключений.
func IncrementReconnect(role string, success bool) {
	successStr := "false"
	if success {
		successStr = "true"
	}
	WebSocketReconnectsTotal.WithLabelValues(role, successStr).Inc()
}

// IncrementAPIError увеличивает счётчик ошибок API.
func IncrementAPIError(endpoint, errorType string) {
	APIErrorsTotal.WithLabelValues(endpoint, errorType).Inc()
}

// IncrementRestRetry увеличивает счётчик retry.
func IncrementRestRetry(endpoint string) {
	RestRetriesTotal.WithLabelValues(endpoint).Inc()
}

// SetWebSocketConnected устанавливает статус WebSocket соединения.
func SetWebSocketConnected(role string, connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	WebSocketConnections.WithLabelValues(role).Set(value)
}

// SetAccountBalance устанавливает баланс валюты.
func SetAccountBalance(currency string, balance float64) {
	AccountBalance.WithLabelValues(currency).Set(balance)
}

// SetOpenOrders устанавливает количество открытых ордеров.
func SetOpenOrders(count int) {
	OpenOrders.Set(float64(count))
}

// SetEmergencyStopEngaged устанавливает состояние аварийной остановки.
func SetEmergencyStopEngaged(engaged bool) {
	value := 0.0
	if engaged {
		value = 1.0
	}
	EmergencyStopEngaged.Set(value)
}

// SetLastPrice устанавливает последнюю цену пары.
func SetLastPrice(pair string, price float64) {
	LastPrice.WithLabelValues(pair).Set(price)
}

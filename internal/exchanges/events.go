package exchanges

import "time"

// Event — общий интерфейс типизированных доменных событий.
// Сессии и фасад публикуют события в один канал; подписчики (стратегия,
// журнал, дашборды) различают их type switch'ем.
type Event interface {
	// EventName возвращает имя события для логирования и метрик.
	EventName() string
}

// SessionRole различает публичную и приватную WebSocket сессии.
type SessionRole string

const (
	RolePublic  SessionRole = "public"  // Рыночные данные
	RolePrivate SessionRole = "private" // Исполнения и балансы
)

// TickerEvent — обновление тикера из публичного WebSocket.
type TickerEvent struct {
	Pair      string    // Символ пары
	Bid       float64   // Лучшая цена покупки
	Ask       float64   // Лучшая цена продажи
	Last      float64   // Цена последней сделки
	Volume24h float64   // Объём за 24 часа
	Timestamp time.Time // Время события
}

func (TickerEvent) EventName() string { return "ticker" }

// TradeEvent — сделка из публичного WebSocket.
type TradeEvent struct {
	Pair      string
	Price     float64
	Volume    float64
	Side      OrderSide
	Timestamp time.Time
}

func (TradeEvent) EventName() string { return "trade" }

// BookLevel — один уровень стакана.
type BookLevel struct {
	Price  float64
	Volume float64
}

// BookEvent — снапшот либо инкремент стакана из публичного WebSocket.
type BookEvent struct {
	Pair      string
	Bids      []BookLevel
	Asks      []BookLevel
	Snapshot  bool // true для первого снапшота после подписки
	Timestamp time.Time
}

func (BookEvent) EventName() string { return "book" }

// CandleEvent — OHLC свеча из публичного WebSocket.
type CandleEvent struct {
	Pair      string
	Interval  int // Интервал в минутах
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	Timestamp time.Time
}

func (CandleEvent) EventName() string { return "candle" }

// OrderUpdateEvent — изменение статуса ордера из приватного WebSocket
// либо REST polling'а.
type OrderUpdateEvent struct {
	Order     OrderRecord
	Timestamp time.Time
}

func (OrderUpdateEvent) EventName() string { return "orderUpdate" }

// BalanceUpdateEvent — обновление баланса из приватного WebSocket.
type BalanceUpdateEvent struct {
	Currency  string
	Total     float64
	Timestamp time.Time
}

func (BalanceUpdateEvent) EventName() string { return "balanceUpdate" }

// StateChangedEvent — переход состояния WebSocket сессии.
// Terminal=true означает состояние FAILED: попытки reconnect исчерпаны,
// требуется внимание оператора.
type StateChangedEvent struct {
	Role      SessionRole
	From      string
	To        string
	Attempt   int  // Номер попытки reconnect (0 вне цикла reconnect)
	Terminal  bool // true для FAILED
	Timestamp time.Time
}

func (StateChangedEvent) EventName() string { return "connectionStatusChanged" }

// OrderPlacedEvent — ордер успешно выставлен через фасад.
type OrderPlacedEvent struct {
	Order     OrderRecord
	Timestamp time.Time
}

func (OrderPlacedEvent) EventName() string { return "orderPlaced" }

// OrderCancelledEvent — ордер отменён через фасад.
type OrderCancelledEvent struct {
	OrderID   string
	Timestamp time.Time
}

func (OrderCancelledEvent) EventName() string { return "orderCancelled" }

// EmergencyStopEvent — изменение состояния аварийной остановки.
type EmergencyStopEvent struct {
	Engaged   bool
	Reason    string
	Timestamp time.Time
}

func (EmergencyStopEvent) EventName() string { return "emergencyStopEngaged" }

package exchanges

import (
	"time"
)

// Client представляет общий интерфейс коннектора биржи.
// Стратегийный слой работает только через этот интерфейс и поток событий.
type Client interface {
	// PlaceOrder выставляет ордер на бирже (после локальной валидации)
	PlaceOrder(req *OrderRequest) (*OrderRecord, error)

	// CancelOrder отменяет ордер по ID.
	// Отмена разрешена всегда, включая режим аварийной остановки.
	CancelOrder(orderID string) error

	// GetCurrentPrice возвращает последнюю известную цену пары
	GetCurrentPrice(pair string) (float64, error)

	// GetAccountBalance возвращает баланс указанной валюты
	GetAccountBalance(currency string) (*BalanceEntry, error)

	// Connect подключается к бирже (REST проверка + оба WebSocket)
	Connect() error

	// Close закрывает все соединения с биржей
	Close() error

	// Events возвращает поток типизированных доменных событий
	Events() <-chan Event

	// GetName возвращает название биржи (например, "kraken")
	GetName() string
}

// OrderRequest представляет запрос на выставление ордера.
type OrderRequest struct {
	Pair   string    // Символ торговой пары (например, "XBT/USD")
	Side   OrderSide // Направление (buy/sell)
	Type   OrderType // Тип ордера (market/limit/stop-loss)
	Volume float64   // Количество базового актива
	Price  *float64  // Цена (limit и stop-loss ордера)
}

// OrderRecord представляет ордер в локальном кеше.
// Создаётся при подтверждении выставления, обновляется REST polling'ом
// или приватными WebSocket событиями исполнения.
type OrderRecord struct {
	ID           string      // ID ордера на бирже (txid)
	Pair         string      // Символ торговой пары
	Side         OrderSide   // Направление (buy/sell)
	Type         OrderType   // Тип ордера
	Volume       float64     // Заявленное количество
	FilledVolume float64     // Исполненное количество
	Price        float64     // Цена (0 для market)
	Status       OrderStatus // Текущий статус
	UpdatedAt    time.Time   // Время последнего обновления (для last-writer-wins)
}

// IsTerminal возвращает true для статусов, при которых ордер
// удаляется из множества открытых.
func (o *OrderRecord) IsTerminal() bool {
	switch o.Status {
	case OrderStatusClosed, OrderStatusCanceled, OrderStatusExpired:
		return true
	}
	return false
}

// BalanceEntry представляет баланс валюты.
// Reserved — производное значение: сумма, заблокированная открытыми ордерами
// (buy резервирует котируемую валюту, sell — базовую). Биржа его не сообщает.
type BalanceEntry struct {
	Currency  string    // Название валюты (например, "USD", "XBT")
	Total     float64   // Общий баланс по данным биржи
	Reserved  float64   // Заблокировано открытыми ордерами (вычисляется)
	Available float64   // Total - Reserved
	UpdatedAt time.Time // Время последнего обновления (для last-writer-wins)
}

// PairMetadata содержит метаданные торговой пары.
// Неизменяемы после загрузки; обновляются только при явном cache miss.
type PairMetadata struct {
	Symbol        string  // Символ пары (например, "XBT/USD")
	Base          string  // Базовый актив
	Quote         string  // Котируемый актив
	OrderMin      float64 // Минимальный объём ордера (в базовом активе)
	PriceDecimals int     // Количество знаков после запятой для цены
	LotDecimals   int     // Количество знаков после запятой для объёма
}

// OrderSide определяет направление ордера.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"  // Покупка базового актива
	OrderSideSell OrderSide = "sell" // Продажа базового актива
)

// OrderType определяет тип ордера.
type OrderType string

const (
	OrderTypeMarket   OrderType = "market"    // Рыночный ордер
	OrderTypeLimit    OrderType = "limit"     // Лимитный ордер
	OrderTypeStopLoss OrderType = "stop-loss" // Stop-loss ордер
)

// OrderStatus определяет статус ордера (статусы Kraken).
type OrderStatus string

const (
	OrderStatusPending  OrderStatus = "pending"  // Ордер принят, ещё не в книге
	OrderStatusOpen     OrderStatus = "open"     // Ордер в книге
	OrderStatusClosed   OrderStatus = "closed"   // Ордер полностью исполнен
	OrderStatusCanceled OrderStatus = "canceled" // Ордер отменён
	OrderStatusExpired  OrderStatus = "expired"  // Ордер истёк
)

// ErrorType определяет класс ошибки для retry logic и обработки вызывающим.
type ErrorType string

const (
	// ErrorTypeConfiguration — отсутствуют/некорректны учётные данные.
	// Фатальная, не ретраится, сеть не трогается.
	ErrorTypeConfiguration ErrorType = "configuration"

	// ErrorTypeValidation — локальная проверка не пройдена.
	// До сети не доходит.
	ErrorTypeValidation ErrorType = "validation"

	// ErrorTypeRejected — биржа отклонила запрос (бизнес-ошибка).
	// Терминальная, возвращается вызывающему сразу.
	ErrorTypeRejected ErrorType = "rejected"

	// ErrorTypeTransient — сеть/таймаут/nonce/rate-limit.
	// Ретраится с backoff в пределах бюджета попыток.
	ErrorTypeTransient ErrorType = "transient"

	// ErrorTypeEmergencyStop — включена аварийная остановка.
	// Отдельный класс, чтобы вызывающие могли обработать особо.
	ErrorTypeEmergencyStop ErrorType = "emergency_stop"
)

// ExchangeError представляет ошибку коннектора с классификацией.
type ExchangeError struct {
	Type    ErrorType // Класс ошибки
	Code    string    // Код ошибки биржи (например, "EAPI:Invalid nonce")
	Message string    // Сообщение об ошибке
	Retry   bool      // Можно ли повторить запрос
}

func (e *ExchangeError) Error() string {
	return e.Message
}

// NewConfigurationError создаёт ошибку конфигурации.
func NewConfigurationError(msg string) *ExchangeError {
	return &ExchangeError{Type: ErrorTypeConfiguration, Message: msg, Retry: false}
}

// NewEmergencyStopError создаёт ошибку аварийной остановки.
func NewEmergencyStopError(reason string) *ExchangeError {
	return &ExchangeError{
		Type:    ErrorTypeEmergencyStop,
		Message: "emergency stop engaged: " + reason,
		Retry:   false,
	}
}

// IsConfigurationError проверяет, является ли ошибка ошибкой конфигурации.
func IsConfigurationError(err error) bool {
	return errorOfType(err, ErrorTypeConfiguration)
}

// IsRejectedError проверяет, является ли ошибка отказом биржи.
func IsRejectedError(err error) bool {
	return errorOfType(err, ErrorTypeRejected)
}

// IsTransientError проверяет, является ли ошибка временной.
func IsTransientError(err error) bool {
	return errorOfType(err, ErrorTypeTransient)
}

// IsEmergencyStopError проверяет, вызвана ли ошибка аварийной остановкой.
func IsEmergencyStopError(err error) bool {
	return errorOfType(err, ErrorTypeEmergencyStop)
}

// IsRetryableError проверяет, можно ли повторить запрос после этой ошибки.
func IsRetryableError(err error) bool {
	if exchErr, ok := err.(*ExchangeError); ok {
		return exchErr.Retry
	}
	return false
}

func errorOfType(err error, t ErrorType) bool {
	if exchErr, ok := err.(*ExchangeError); ok {
		return exchErr.Type == t
	}
	return false
}

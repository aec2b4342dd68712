// Package kraken реализует коннектор к бирже Kraken.
// Поддерживает Kraken REST API и WebSocket API v2 (публичный и приватный каналы).
package kraken

import (
	"encoding/json"
)

// =============================================================================
// Константы Kraken API
// =============================================================================

const (
	// ExchangeName — название биржи для идентификации.
	ExchangeName = "kraken"

	// RestBaseURL — базовый URL для REST API.
	RestBaseURL = "https://api.kraken.com"

	// WsPublicURL — URL для публичного WebSocket (рыночные данные).
	WsPublicURL = "wss://ws.kraken.com/v2"

	// WsPrivateURL — URL для приватного WebSocket (исполнения, балансы).
	WsPrivateURL = "wss://ws-auth.kraken.com/v2"
)

// REST API эндпоинты. Публичные идут без подписи,
// приватные требуют заголовки API-Key и API-Sign.
const (
	// EndpointTime — время сервера (используется как ping).
	EndpointTime = "/0/public/Time"

	// EndpointAssetPairs — метаданные торговых пар.
	EndpointAssetPairs = "/0/public/AssetPairs"

	// EndpointTicker — текущие цены (тикеры).
	EndpointTicker = "/0/public/Ticker"

	// EndpointBalance — балансы счёта.
	EndpointBalance = "/0/private/Balance"

	// EndpointOpenOrders — открытые ордера.
	EndpointOpenOrders = "/0/private/OpenOrders"

	// EndpointAddOrder — создание ордера.
	EndpointAddOrder = "/0/private/AddOrder"

	// EndpointCancelOrder — отмена ордера.
	EndpointCancelOrder = "/0/private/CancelOrder"

	// EndpointWebSocketsToken — токен для приватного WebSocket.
	EndpointWebSocketsToken = "/0/private/GetWebSocketsToken"
)

// Каналы WebSocket API v2.
const (
	ChannelTicker     = "ticker"
	ChannelTrade      = "trade"
	ChannelBook       = "book"
	ChannelOHLC       = "ohlc"
	ChannelExecutions = "executions"
	ChannelBalances   = "balances"
	ChannelHeartbeat  = "heartbeat"
	ChannelStatus     = "status"
)

// =============================================================================
// Коды ошибок Kraken
// =============================================================================

// Kraken возвращает ошибки строками вида "EAPI:Invalid nonce".
// Префикс до двоеточия определяет подсистему (EAPI, EOrder, EGeneral, EService).
const (
	// ErrInvalidNonce — nonce отклонён (повтор или уменьшение).
	// Временная: следующая попытка возьмёт новый nonce.
	ErrInvalidNonce = "EAPI:Invalid nonce"

	// ErrRateLimitAPI — превышен лимит запросов API.
	ErrRateLimitAPI = "EAPI:Rate limit exceeded"

	// ErrRateLimitOrder — превышен лимит торговых запросов.
	ErrRateLimitOrder = "EOrder:Rate limit exceeded"

	// ErrTemporaryLockout — временная блокировка после серии ошибок.
	ErrTemporaryLockout = "EGeneral:Temporary lockout"

	// ErrServicePrefix — префикс ошибок недоступности сервиса
	// ("EService:Unavailable", "EService:Busy").
	ErrServicePrefix = "EService:"

	// ErrInsufficientFunds — недостаточно средств.
	ErrInsufficientFunds = "EOrder:Insufficient funds"

	// ErrUnknownPair — неизвестная торговая пара.
	ErrUnknownPair = "EQuery:Unknown asset pair"
)

// =============================================================================
// Общие типы REST API
// =============================================================================

// APIResponse представляет общий конверт ответа Kraken REST API.
// Непустой error означает ошибку независимо от HTTP статуса.
type APIResponse struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

// ServerTimeResult — результат /0/public/Time.
type ServerTimeResult struct {
	UnixTime int64  `json:"unixtime"`
	RFC1123  string `json:"rfc1123"`
}

// AssetPairInfo — метаданные пары из /0/public/AssetPairs.
// Числовые значения приходят строками для сохранения точности.
type AssetPairInfo struct {
	Altname       string `json:"altname"`        // Например, "XBTUSD"
	WsName        string `json:"wsname"`         // Например, "XBT/USD"
	Base          string `json:"base"`           // Базовый актив
	Quote         string `json:"quote"`          // Котируемый актив
	PairDecimals  int    `json:"pair_decimals"`  // Знаков после запятой для цены
	LotDecimals   int    `json:"lot_decimals"`   // Знаков после запятой для объёма
	OrderMin      string `json:"ordermin"`       // Минимальный объём ордера
	CostDecimals  int    `json:"cost_decimals"`  // Знаков для стоимости
	TickSize      string `json:"tick_size"`      // Минимальный шаг цены
}

// TickerInfo — тикер из /0/public/Ticker.
// Формат Kraken: массивы строк [цена, объём whole lot, объём lot].
type TickerInfo struct {
	Ask    []string `json:"a"` // [цена, whole lot volume, lot volume]
	Bid    []string `json:"b"`
	Last   []string `json:"c"` // [цена, lot volume]
	Volume []string `json:"v"` // [сегодня, за 24 часа]
}

// OpenOrdersResult — результат /0/private/OpenOrders.
type OpenOrdersResult struct {
	Open map[string]OrderInfo `json:"open"` // txid -> ордер
}

// OrderInfo — информация об ордере в формате Kraken.
type OrderInfo struct {
	Status     string     `json:"status"`   // pending, open, closed, canceled, expired
	OpenTime   float64    `json:"opentm"`   // Unix время с долями секунды
	Volume     string     `json:"vol"`      // Заявленный объём
	VolumeExec string     `json:"vol_exec"` // Исполненный объём
	Descr      OrderDescr `json:"descr"`    // Описание ордера
}

// OrderDescr — описание ордера.
type OrderDescr struct {
	Pair      string `json:"pair"`      // Например, "XBTUSD"
	Type      string `json:"type"`      // buy / sell
	OrderType string `json:"ordertype"` // market / limit / stop-loss
	Price     string `json:"price"`     // Цена (limit/stop)
}

// AddOrderResult — результат /0/private/AddOrder.
type AddOrderResult struct {
	Descr struct {
		Order string `json:"order"` // Человекочитаемое описание
	} `json:"descr"`
	TxID []string `json:"txid"` // ID созданных ордеров
}

// CancelOrderResult — результат /0/private/CancelOrder.
type CancelOrderResult struct {
	Count int `json:"count"` // Количество отменённых ордеров
}

// WebSocketsTokenResult — результат /0/private/GetWebSocketsToken.
// Токен короткоживущий: использовать в течение Expires секунд.
type WebSocketsTokenResult struct {
	Token   string `json:"token"`
	Expires int64  `json:"expires"` // Секунды до истечения
}

// =============================================================================
// Типы WebSocket API v2
// =============================================================================

// WsRequest — общий формат исходящих сообщений WebSocket v2:
// subscribe, unsubscribe, ping.
type WsRequest struct {
	Method string         `json:"method"`
	Params map[string]any `json:"params,omitempty"`
	ReqID  uint64         `json:"req_id,omitempty"`
}

// WsTickerData — данные тикера из канала "ticker".
type WsTickerData struct {
	Symbol    string  `json:"symbol"`
	Bid       float64 `json:"bid"`
	Ask       float64 `json:"ask"`
	Last      float64 `json:"last"`
	Volume    float64 `json:"volume"`
	VWAP      float64 `json:"vwap"`
	Change    float64 `json:"change"`
	ChangePct float64 `json:"change_pct"`
}

// WsTradeData — сделка из канала "trade".
type WsTradeData struct {
	Symbol    string  `json:"symbol"`
	Side      string  `json:"side"` // buy / sell
	Price     float64 `json:"price"`
	Qty       float64 `json:"qty"`
	Timestamp string  `json:"timestamp"` // RFC3339
}

// WsBookLevel — уровень стакана.
type WsBookLevel struct {
	Price float64 `json:"price"`
	Qty   float64 `json:"qty"`
}

// WsBookData — снапшот/инкремент стакана из канала "book".
type WsBookData struct {
	Symbol string        `json:"symbol"`
	Bids   []WsBookLevel `json:"bids"`
	Asks   []WsBookLevel `json:"asks"`
}

// WsOHLCData — свеча из канала "ohlc".
type WsOHLCData struct {
	Symbol        string  `json:"symbol"`
	Open          float64 `json:"open"`
	High          float64 `json:"high"`
	Low           float64 `json:"low"`
	Close         float64 `json:"close"`
	Volume        float64 `json:"volume"`
	Interval      int     `json:"interval"`
	IntervalBegin string  `json:"interval_begin"`
}

// WsExecutionData — исполнение из приватного канала "executions".
type WsExecutionData struct {
	OrderID     string  `json:"order_id"`
	Symbol      string  `json:"symbol"`
	Side        string  `json:"side"`
	OrderType   string  `json:"order_type"`
	OrderQty    float64 `json:"order_qty"`
	CumQty      float64 `json:"cum_qty"`
	LimitPrice  float64 `json:"limit_price"`
	OrderStatus string  `json:"order_status"` // new, filled, canceled, expired
	Timestamp   string  `json:"timestamp"`    // RFC3339
}

// WsBalanceData — баланс из приватного канала "balances".
type WsBalanceData struct {
	Asset   string  `json:"asset"`
	Balance float64 `json:"balance"`
}

package kraken

import (
	"encoding/json"
	"fmt"
	"time"

	"kraken-terminal/internal/exchanges"
	"kraken-terminal/pkg/metrics"
)

// =============================================================================
// Парсер сообщений WebSocket API v2
// =============================================================================

// Типы сообщений для диспетчеризации и метрик.
const (
	MessageTypeTicker     = "ticker"
	MessageTypeTrade      = "trade"
	MessageTypeBook       = "book"
	MessageTypeOHLC       = "ohlc"
	MessageTypeExecutions = "executions"
	MessageTypeBalances   = "balances"
	MessageTypeHeartbeat  = "heartbeat"
	MessageTypeStatus     = "status"
	MessageTypePong       = "pong"
	MessageTypeAck        = "ack" // Ответы на subscribe/unsubscribe
	MessageTypeUnknown    = "unknown"
)

// wsEnvelope — общий конверт входящего сообщения WebSocket v2.
// Канальные сообщения несут channel и data; ответы на команды — method.
type wsEnvelope struct {
	Channel string          `json:"channel"`
	Method  string          `json:"method"`
	Type    string          `json:"type"` // snapshot / update
	Success *bool           `json:"success"`
	Error   string          `json:"error"`
	Data    json.RawMessage `json:"data"`
}

// DetectMessageType определяет тип сообщения по минимальному заголовку,
// не разбирая полезную нагрузку.
func DetectMessageType(raw []byte) string {
	var env wsEnvelope
	if err := jsonFast.Unmarshal(raw, &env); err != nil {
		return MessageTypeUnknown
	}
	return envelopeType(&env)
}

func envelopeType(env *wsEnvelope) string {
	if env.Method != "" {
		switch env.Method {
		case "pong":
			return MessageTypePong
		case "subscribe", "unsubscribe":
			return MessageTypeAck
		default:
			return MessageTypeUnknown
		}
	}

	switch env.Channel {
	case ChannelTicker:
		return MessageTypeTicker
	case ChannelTrade:
		return MessageTypeTrade
	case ChannelBook:
		return MessageTypeBook
	case ChannelOHLC:
		return MessageTypeOHLC
	case ChannelExecutions:
		return MessageTypeExecutions
	case ChannelBalances:
		return MessageTypeBalances
	case ChannelHeartbeat:
		return MessageTypeHeartbeat
	case ChannelStatus:
		return MessageTypeStatus
	}
	return MessageTypeUnknown
}

// ParseMessage разбирает входящее сообщение WebSocket в доменные события.
//
// Возвращает тип сообщения (для метрик и диагностики) и список событий.
// Служебные сообщения (heartbeat, status, pong, ack) событий не порождают.
// Некорректный JSON или неизвестный формат — ошибка: сессия логирует
// и отбрасывает кадр, соединение не рвётся.
func ParseMessage(raw []byte) ([]exchanges.Event, string, error) {
	timer := metrics.NewTimer()

	var env wsEnvelope
	if err := jsonFast.Unmarshal(raw, &env); err != nil {
		return nil, MessageTypeUnknown, fmt.Errorf("некорректный JSON: %w", err)
	}

	msgType := envelopeType(&env)
	defer func() {
		metrics.JSONParsingDuration.WithLabelValues(msgType).Observe(timer.ElapsedMs())
	}()

	switch msgType {
	case MessageTypeTicker:
		events, err := parseTicker(env.Data)
		return events, msgType, err
	case MessageTypeTrade:
		events, err := parseTrades(env.Data)
		return events, msgType, err
	case MessageTypeBook:
		events, err := parseBook(env.Data, env.Type == "snapshot")
		return events, msgType, err
	case MessageTypeOHLC:
		events, err := parseOHLC(env.Data)
		return events, msgType, err
	case MessageTypeExecutions:
		events, err := parseExecutions(env.Data)
		return events, msgType, err
	case MessageTypeBalances:
		events, err := parseBalances(env.Data)
		return events, msgType, err
	case MessageTypeHeartbeat, MessageTypeStatus, MessageTypePong:
		return nil, msgType, nil
	case MessageTypeAck:
		if env.Success != nil && !*env.Success {
			return nil, msgType, fmt.Errorf("биржа отклонила команду: %s", env.Error)
		}
		return nil, msgType, nil
	default:
		return nil, msgType, fmt.Errorf("неизвестный формат сообщения")
	}
}

func parseTicker(data json.RawMessage) ([]exchanges.Event, error) {
	var items []WsTickerData
	if err := jsonFast.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("ticker: %w", err)
	}

	now := time.Now()
	events := make([]exchanges.Event, 0, len(items))
	for _, it := range items {
		events = append(events, exchanges.TickerEvent{
			Pair:      it.Symbol,
			Bid:       it.Bid,
			Ask:       it.Ask,
			Last:      it.Last,
			Volume24h: it.Volume,
			Timestamp: now,
		})
	}
	return events, nil
}

func parseTrades(data json.RawMessage) ([]exchanges.Event, error) {
	var items []WsTradeData
	if err := jsonFast.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("trade: %w", err)
	}

	events := make([]exchanges.Event, 0, len(items))
	for _, it := range items {
		events = append(events, exchanges.TradeEvent{
			Pair:      it.Symbol,
			Price:     it.Price,
			Volume:    it.Qty,
			Side:      exchanges.OrderSide(it.Side),
			Timestamp: parseTimestamp(it.Timestamp),
		})
	}
	return events, nil
}

func parseBook(data json.RawMessage, snapshot bool) ([]exchanges.Event, error) {
	var items []WsBookData
	if err := jsonFast.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("book: %w", err)
	}

	now := time.Now()
	events := make([]exchanges.Event, 0, len(items))
	for _, it := range items {
		events = append(events, exchanges.BookEvent{
			Pair:      it.Symbol,
			Bids:      convertLevels(it.Bids),
			Asks:      convertLevels(it.Asks),
			Snapshot:  snapshot,
			Timestamp: now,
		})
	}
	return events, nil
}

func convertLevels(levels []WsBookLevel) []exchanges.BookLevel {
	out := make([]exchanges.BookLevel, len(levels))
	for i, l := range levels {
		out[i] = exchanges.BookLevel{Price: l.Price, Volume: l.Qty}
	}
	return out
}

func parseOHLC(data json.RawMessage) ([]exchanges.Event, error) {
	var items []WsOHLCData
	if err := jsonFast.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("ohlc: %w", err)
	}

	events := make([]exchanges.Event, 0, len(items))
	for _, it := range items {
		events = append(events, exchanges.CandleEvent{
			Pair:      it.Symbol,
			Interval:  it.Interval,
			Open:      it.Open,
			High:      it.High,
			Low:       it.Low,
			Close:     it.Close,
			Volume:    it.Volume,
			Timestamp: parseTimestamp(it.IntervalBegin),
		})
	}
	return events, nil
}

func parseExecutions(data json.RawMessage) ([]exchanges.Event, error) {
	var items []WsExecutionData
	if err := jsonFast.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("executions: %w", err)
	}

	events := make([]exchanges.Event, 0, len(items))
	for _, it := range items {
		ts := parseTimestamp(it.Timestamp)
		events = append(events, exchanges.OrderUpdateEvent{
			Order: exchanges.OrderRecord{
				ID:           it.OrderID,
				Pair:         it.Symbol,
				Side:         exchanges.OrderSide(it.Side),
				Type:         exchanges.OrderType(it.OrderType),
				Volume:       it.OrderQty,
				FilledVolume: it.CumQty,
				Price:        it.LimitPrice,
				Status:       convertOrderStatus(it.OrderStatus),
				UpdatedAt:    ts,
			},
			Timestamp: ts,
		})
	}
	return events, nil
}

func parseBalances(data json.RawMessage) ([]exchanges.Event, error) {
	var items []WsBalanceData
	if err := jsonFast.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("balances: %w", err)
	}

	now := time.Now()
	events := make([]exchanges.Event, 0, len(items))
	for _, it := range items {
		events = append(events, exchanges.BalanceUpdateEvent{
			Currency:  it.Asset,
			Total:     it.Balance,
			Timestamp: now,
		})
	}
	return events, nil
}

// convertOrderStatus сопоставляет статусы WebSocket v2 локальным статусам ордера.
func convertOrderStatus(status string) exchanges.OrderStatus {
	switch status {
	case "pending_new":
		return exchanges.OrderStatusPending
	case "new", "partially_filled":
		return exchanges.OrderStatusOpen
	case "filled":
		return exchanges.OrderStatusClosed
	case "canceled":
		return exchanges.OrderStatusCanceled
	case "expired":
		return exchanges.OrderStatusExpired
	default:
		return exchanges.OrderStatus(status)
	}
}

// parseTimestamp разбирает RFC3339 метку времени Kraken.
// При ошибке возвращает текущее время: событие важнее точной метки.
func parseTimestamp(s string) time.Time {
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts
	}
	return time.Now()
}

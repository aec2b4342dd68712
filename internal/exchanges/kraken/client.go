package kraken

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"kraken-terminal/internal/config"
	"kraken-terminal/internal/exchanges"
	"kraken-terminal/pkg/metrics"
)

// =============================================================================
// Фасад коннектора Kraken
// =============================================================================

// restAPI — REST операции, которые использует фасад.
// Интерфейс позволяет подменять транспорт в тестах.
type restAPI interface {
	GetServerTime(ctx context.Context) (*ServerTimeResult, error)
	GetAssetPairs(ctx context.Context, pairs ...string) (map[string]AssetPairInfo, error)
	GetTicker(ctx context.Context, pairs ...string) (map[string]TickerInfo, error)
	GetBalance(ctx context.Context) (map[string]string, error)
	GetOpenOrders(ctx context.Context) (*OpenOrdersResult, error)
	AddOrder(ctx context.Context, req *exchanges.OrderRequest) (*AddOrderResult, error)
	CancelOrder(ctx context.Context, txid string) (*CancelOrderResult, error)
	GetWebSocketsToken(ctx context.Context) (*WebSocketsTokenResult, error)
}

// Статическая проверка реализации общего интерфейса коннектора.
var _ exchanges.Client = (*Client)(nil)

// eventBufferSize — ёмкость канала событий. При переполнении события
// отбрасываются с логированием: медленный потребитель не должен
// останавливать чтение WebSocket.
const eventBufferSize = 1024

// Client — коннектор биржи Kraken: REST транспорт, две WebSocket сессии,
// локальный кеш, валидатор и interlock аварийной остановки за одним фасадом.
// Потокобезопасен (thread-safe).
//
// Порядок PlaceOrder строгий: interlock -> локальная валидация -> REST.
// При включённой аварийной остановке запрос не доходит ни до валидации,
// ни до сети.
type Client struct {
	cfg    config.ExchangeConfig
	logger *zap.Logger

	rest      restAPI
	cache     *MetadataCache
	validator *Validator
	stop      *exchanges.EmergencyStop

	public  *Session
	private *Session

	// eventsMu упорядочивает emit относительно закрытия канала:
	// отправка держит RLock, close выполняется под Lock.
	events    chan exchanges.Event
	eventsMu  sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

// NewClient создаёт коннектор Kraken из конфигурации.
// Сетевые вызовы начинаются только в Connect.
func NewClient(cfg config.ExchangeConfig, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	rest, err := NewRestClient(RestClientConfig{
		BaseURL:           cfg.RestURL,
		APIKey:            cfg.APIKey,
		APISecret:         cfg.APISecret,
		Timeout:           cfg.RestTimeout,
		MaxRetries:        cfg.MaxRetries,
		InitialRetryDelay: cfg.InitialRetryDelay,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
		Logger:            logger.Named("rest"),
	})
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:    cfg,
		logger: logger,
		rest:   rest,
		stop:   exchanges.NewEmergencyStop(),
		events: make(chan exchanges.Event, eventBufferSize),
	}

	c.cache = NewMetadataCache(c.loadPairMetadata)
	c.validator = NewValidator(c.cache)

	c.public = NewSession(SessionConfig{
		URL:                   cfg.WsPublicURL,
		Role:                  exchanges.RolePublic,
		HeartbeatInterval:     cfg.HeartbeatInterval,
		ReconnectInitialDelay: cfg.ReconnectInitialDelay,
		ReconnectMaxDelay:     cfg.ReconnectMaxDelay,
		MaxReconnectAttempts:  cfg.MaxReconnectAttempts,
		OnEvent:               c.onEvent,
		Logger:                logger.Named("ws"),
	})

	c.private = NewSession(SessionConfig{
		URL:                   cfg.WsPrivateURL,
		Role:                  exchanges.RolePrivate,
		HeartbeatInterval:     cfg.HeartbeatInterval,
		ReconnectInitialDelay: cfg.ReconnectInitialDelay,
		ReconnectMaxDelay:     cfg.ReconnectMaxDelay,
		MaxReconnectAttempts:  cfg.MaxReconnectAttempts,
		TokenFunc: func(ctx context.Context) (string, error) {
			token, err := c.rest.GetWebSocketsToken(ctx)
			if err != nil {
				return "", err
			}
			return token.Token, nil
		},
		OnEvent: c.onEvent,
		Logger:  logger.Named("ws"),
	})

	return c, nil
}

// GetName возвращает название биржи.
func (c *Client) GetName() string {
	return ExchangeName
}

// Events возвращает поток доменных событий коннектора.
func (c *Client) Events() <-chan exchanges.Event {
	return c.events
}

// Cache возвращает локальный кеш (для диагностики и Status).
func (c *Client) Cache() *MetadataCache {
	return c.cache
}

// -----------------------------------------------------------------------------
// Подключение и завершение
// -----------------------------------------------------------------------------

// Connect подключает коннектор:
// проверка REST, прогрев метаданных, загрузка балансов и открытых ордеров,
// затем обе WebSocket сессии с автоподпиской приватных каналов.
func (c *Client) Connect() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RestTimeout)
	defer cancel()

	// REST доступен?
	if _, err := c.rest.GetServerTime(ctx); err != nil {
		return fmt.Errorf("kraken REST недоступен: %w", err)
	}

	// Прогрев метаданных пар
	pairs, err := c.rest.GetAssetPairs(ctx)
	if err != nil {
		return fmt.Errorf("не удалось загрузить метаданные пар: %w", err)
	}
	warm := make(map[string]exchanges.PairMetadata, len(pairs))
	for _, info := range pairs {
		meta := ConvertAssetPair(info)
		if meta.Symbol != "" {
			warm[meta.Symbol] = meta
		}
	}
	c.cache.SetPairs(warm)
	c.logger.Info("метаданные пар загружены", zap.Int("pairs", len(warm)))

	if err := c.RefreshBalances(ctx); err != nil {
		return err
	}
	if err := c.RefreshOpenOrders(ctx); err != nil {
		return err
	}

	// Приватные каналы подписываются всегда: исполнения и балансы
	// нужны кешу независимо от стратегии.
	_ = c.private.Subscribe(ChannelExecutions, nil)
	_ = c.private.Subscribe(ChannelBalances, nil)

	if err := c.public.Connect(context.Background()); err != nil {
		c.logger.Warn("публичная сессия подключается в фоне", zap.Error(err))
	}
	if err := c.private.Connect(context.Background()); err != nil {
		c.logger.Warn("приватная сессия подключается в фоне", zap.Error(err))
	}

	c.logger.Info("коннектор Kraken подключён")
	return nil
}

// Close закрывает обе сессии и канал событий. Повторные вызовы безопасны.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		_ = c.public.Close()
		_ = c.private.Close()

		c.eventsMu.Lock()
		c.closed = true
		close(c.events)
		c.eventsMu.Unlock()
	})
	return nil
}

// Restart перезапускает сессию, находящуюся в терминальном состоянии FAILED.
func (c *Client) Restart(ctx context.Context, role exchanges.SessionRole) error {
	switch role {
	case exchanges.RolePublic:
		return c.public.Restart(ctx)
	case exchanges.RolePrivate:
		return c.private.Restart(ctx)
	default:
		return fmt.Errorf("неизвестная роль сессии: %s", role)
	}
}

// -----------------------------------------------------------------------------
// Торговые операции
// -----------------------------------------------------------------------------

// PlaceOrder выставляет ордер.
//
// Конвейер: interlock -> валидация -> REST AddOrder -> кеш -> событие.
// Скорректированные валидатором значения (округление цены и объёма)
// уходят на биржу вместо исходных.
func (c *Client) PlaceOrder(req *exchanges.OrderRequest) (*exchanges.OrderRecord, error) {
	timer := metrics.NewTimer()

	// Interlock проверяется первым: до валидации и до сети
	if err := c.stop.Guard(); err != nil {
		metrics.ObserveOrderPlacement(req.Pair, string(req.Side), "emergency_stop", timer.ElapsedMs())
		c.logger.Warn("ордер отклонён аварийной остановкой",
			zap.String("pair", req.Pair),
			zap.String("reason", c.stop.Reason()))
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RestTimeout)
	defer cancel()

	result, err := c.validator.Validate(ctx, req)
	if err != nil {
		metrics.ObserveOrderPlacement(req.Pair, string(req.Side), "validation_failed", timer.ElapsedMs())
		return nil, err
	}
	if !result.OK {
		metrics.ObserveOrderPlacement(req.Pair, string(req.Side), "validation_failed", timer.ElapsedMs())
		metrics.IncrementOrder(req.Pair, string(req.Side), "validation_failed")
		return nil, &exchanges.ExchangeError{
			Type:    exchanges.ErrorTypeValidation,
			Message: result.ErrorMessage(),
		}
	}
	for _, warning := range result.Warnings {
		c.logger.Warn("валидация скорректировала ордер",
			zap.String("pair", req.Pair),
			zap.String("warning", warning))
	}

	adjusted := &exchanges.OrderRequest{
		Pair:   req.Pair,
		Side:   req.Side,
		Type:   req.Type,
		Volume: result.AdjustedVolume,
		Price:  result.AdjustedPrice,
	}

	added, err := c.rest.AddOrder(ctx, adjusted)
	if err != nil {
		metrics.ObserveOrderPlacement(req.Pair, string(req.Side), "rejected", timer.ElapsedMs())
		metrics.IncrementOrder(req.Pair, string(req.Side), "rejected")
		return nil, err
	}
	if len(added.TxID) == 0 {
		metrics.ObserveOrderPlacement(req.Pair, string(req.Side), "rejected", timer.ElapsedMs())
		return nil, &exchanges.ExchangeError{
			Type:    exchanges.ErrorTypeRejected,
			Message: "биржа не вернула txid ордера",
		}
	}

	now := time.Now()
	record := exchanges.OrderRecord{
		ID:        added.TxID[0],
		Pair:      adjusted.Pair,
		Side:      adjusted.Side,
		Type:      adjusted.Type,
		Volume:    adjusted.Volume,
		Status:    exchanges.OrderStatusPending,
		UpdatedAt: now,
	}
	if adjusted.Price != nil {
		record.Price = *adjusted.Price
	}

	c.cache.UpsertOrder(record)
	metrics.SetOpenOrders(c.cache.OpenOrderCount())
	metrics.ObserveOrderPlacement(req.Pair, string(req.Side), "placed", timer.ElapsedMs())
	metrics.IncrementOrder(req.Pair, string(req.Side), "placed")

	c.logger.Info("ордер выставлен",
		zap.String("txid", record.ID),
		zap.String("pair", record.Pair),
		zap.String("side", string(record.Side)),
		zap.Float64("volume", record.Volume))

	c.emit(exchanges.OrderPlacedEvent{Order: record, Timestamp: now})
	return &record, nil
}

// PlaceMarketOrder выставляет рыночный ордер.
func (c *Client) PlaceMarketOrder(pair string, side exchanges.OrderSide, volume float64) (*exchanges.OrderRecord, error) {
	return c.PlaceOrder(&exchanges.OrderRequest{
		Pair: pair, Side: side, Type: exchanges.OrderTypeMarket, Volume: volume,
	})
}

// PlaceLimitOrder выставляет лимитный ордер.
func (c *Client) PlaceLimitOrder(pair string, side exchanges.OrderSide, volume, price float64) (*exchanges.OrderRecord, error) {
	return c.PlaceOrder(&exchanges.OrderRequest{
		Pair: pair, Side: side, Type: exchanges.OrderTypeLimit, Volume: volume, Price: &price,
	})
}

// PlaceStopLossOrder выставляет stop-loss ордер.
func (c *Client) PlaceStopLossOrder(pair string, side exchanges.OrderSide, volume, stopPrice float64) (*exchanges.OrderRecord, error) {
	return c.PlaceOrder(&exchanges.OrderRequest{
		Pair: pair, Side: side, Type: exchanges.OrderTypeStopLoss, Volume: volume, Price: &stopPrice,
	})
}

// CancelOrder отменяет ордер.
// Работает и при включённой аварийной остановке: оператор должен иметь
// возможность снимать ордера в любом режиме.
func (c *Client) CancelOrder(orderID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RestTimeout)
	defer cancel()

	if _, err := c.rest.CancelOrder(ctx, orderID); err != nil {
		return err
	}

	now := time.Now()
	if order, ok := c.cache.Order(orderID); ok {
		order.Status = exchanges.OrderStatusCanceled
		order.UpdatedAt = now
		c.cache.UpsertOrder(order)
		metrics.SetOpenOrders(c.cache.OpenOrderCount())
	}

	c.logger.Info("ордер отменён", zap.String("txid", orderID))
	c.emit(exchanges.OrderCancelledEvent{OrderID: orderID, Timestamp: now})
	return nil
}

// -----------------------------------------------------------------------------
// Чтение данных
// -----------------------------------------------------------------------------

// GetCurrentPrice возвращает последнюю известную цену пары.
// Сначала кеш (WebSocket тикеры), при промахе — REST Ticker.
func (c *Client) GetCurrentPrice(pair string) (float64, error) {
	if price, _, ok := c.cache.LastPrice(pair); ok {
		return price, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RestTimeout)
	defer cancel()

	tickers, err := c.rest.GetTicker(ctx, restPairName(pair))
	if err != nil {
		return 0, err
	}
	for _, info := range tickers {
		if len(info.Last) == 0 {
			continue
		}
		price, err := strconv.ParseFloat(info.Last[0], 64)
		if err != nil {
			return 0, fmt.Errorf("некорректная цена в тикере %s: %w", pair, err)
		}
		c.cache.SetLastPrice(pair, price, time.Now())
		metrics.SetLastPrice(pair, price)
		return price, nil
	}
	return 0, &exchanges.ExchangeError{
		Type:    exchanges.ErrorTypeRejected,
		Message: "биржа не вернула тикер для " + pair,
	}
}

// GetAccountBalance возвращает баланс валюты с вычисленным резервом.
// При промахе кеша балансы загружаются через REST.
func (c *Client) GetAccountBalance(currency string) (*exchanges.BalanceEntry, error) {
	if balance, ok := c.cache.Balance(currency); ok {
		return &balance, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RestTimeout)
	defer cancel()
	if err := c.RefreshBalances(ctx); err != nil {
		return nil, err
	}

	if balance, ok := c.cache.Balance(currency); ok {
		return &balance, nil
	}
	return nil, &exchanges.ExchangeError{
		Type:    exchanges.ErrorTypeRejected,
		Message: "нет баланса валюты " + currency,
	}
}

// RefreshBalances загружает балансы через REST и кладёт в кеш.
func (c *Client) RefreshBalances(ctx context.Context) error {
	balances, err := c.rest.GetBalance(ctx)
	if err != nil {
		return fmt.Errorf("не удалось загрузить балансы: %w", err)
	}

	now := time.Now()
	for asset, amount := range balances {
		total, err := strconv.ParseFloat(amount, 64)
		if err != nil {
			c.logger.Warn("некорректный баланс", zap.String("asset", asset), zap.String("value", amount))
			continue
		}
		currency := trimAssetPrefix(asset)
		c.cache.UpsertBalance(currency, total, now)
		metrics.SetAccountBalance(currency, total)
	}
	return nil
}

// RefreshOpenOrders загружает открытые ордера через REST polling.
// Снапшот замещает локальное множество открытых ордеров с учётом
// last-writer-wins.
func (c *Client) RefreshOpenOrders(ctx context.Context) error {
	open, err := c.rest.GetOpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("не удалось загрузить открытые ордера: %w", err)
	}

	now := time.Now()
	records := make([]exchanges.OrderRecord, 0, len(open.Open))
	for txid, info := range open.Open {
		records = append(records, convertRestOrder(txid, info, now))
	}
	c.cache.ReplaceOpenOrders(records, now)
	metrics.SetOpenOrders(c.cache.OpenOrderCount())
	return nil
}

// convertRestOrder преобразует ордер REST формата в локальную запись.
func convertRestOrder(txid string, info OrderInfo, updatedAt time.Time) exchanges.OrderRecord {
	volume, _ := strconv.ParseFloat(info.Volume, 64)
	filled, _ := strconv.ParseFloat(info.VolumeExec, 64)
	price, _ := strconv.ParseFloat(info.Descr.Price, 64)

	return exchanges.OrderRecord{
		ID:           txid,
		Pair:         info.Descr.Pair,
		Side:         exchanges.OrderSide(info.Descr.Type),
		Type:         exchanges.OrderType(info.Descr.OrderType),
		Volume:       volume,
		FilledVolume: filled,
		Price:        price,
		Status:       exchanges.OrderStatus(info.Status),
		UpdatedAt:    updatedAt,
	}
}

// loadPairMetadata — read-through загрузчик метаданных пары для кеша.
func (c *Client) loadPairMetadata(ctx context.Context, pair string) (exchanges.PairMetadata, error) {
	infos, err := c.rest.GetAssetPairs(ctx, restPairName(pair))
	if err != nil {
		return exchanges.PairMetadata{}, err
	}
	for _, info := range infos {
		meta := ConvertAssetPair(info)
		if meta.Symbol == pair || info.Altname == restPairName(pair) {
			return meta, nil
		}
	}
	return exchanges.PairMetadata{}, &exchanges.ExchangeError{
		Type:    exchanges.ErrorTypeValidation,
		Message: "неизвестная торговая пара: " + pair,
	}
}

// -----------------------------------------------------------------------------
// Подписки рыночных данных
// -----------------------------------------------------------------------------

// SubscribeTicker подписывает публичную сессию на тикеры пар.
func (c *Client) SubscribeTicker(pairs []string) error {
	return c.public.Subscribe(ChannelTicker, map[string]any{"symbol": pairs})
}

// SubscribeTrades подписывает публичную сессию на ленты сделок.
func (c *Client) SubscribeTrades(pairs []string) error {
	return c.public.Subscribe(ChannelTrade, map[string]any{"symbol": pairs})
}

// SubscribeBook подписывает публичную сессию на стакан указанной глубины.
func (c *Client) SubscribeBook(pairs []string, depth int) error {
	return c.public.Subscribe(ChannelBook, map[string]any{"symbol": pairs, "depth": depth})
}

// SubscribeCandles подписывает публичную сессию на OHLC свечи.
func (c *Client) SubscribeCandles(pairs []string, intervalMinutes int) error {
	return c.public.Subscribe(ChannelOHLC, map[string]any{"symbol": pairs, "interval": intervalMinutes})
}

// UnsubscribeChannel отписывает публичную сессию от канала.
func (c *Client) UnsubscribeChannel(channel string, pairs []string) error {
	return c.public.Unsubscribe(channel, map[string]any{"symbol": pairs})
}

// -----------------------------------------------------------------------------
// Аварийная остановка
// -----------------------------------------------------------------------------

// EngageEmergencyStop включает аварийную остановку торговли.
func (c *Client) EngageEmergencyStop(reason string) {
	c.stop.Engage(reason)
	metrics.SetEmergencyStopEngaged(true)
	c.logger.Warn("аварийная остановка включена", zap.String("reason", reason))
	c.emit(exchanges.EmergencyStopEvent{Engaged: true, Reason: reason, Timestamp: time.Now()})
}

// DisengageEmergencyStop выключает аварийную остановку.
func (c *Client) DisengageEmergencyStop() {
	c.stop.Disengage()
	metrics.SetEmergencyStopEngaged(false)
	c.logger.Info("аварийная остановка выключена")
	c.emit(exchanges.EmergencyStopEvent{Engaged: false, Timestamp: time.Now()})
}

// EmergencyStopEngaged возвращает состояние аварийной остановки.
func (c *Client) EmergencyStopEngaged() bool {
	return c.stop.IsEngaged()
}

// -----------------------------------------------------------------------------
// Статус
// -----------------------------------------------------------------------------

// Status — снимок состояния коннектора для оператора.
type Status struct {
	PublicSession   string
	PrivateSession  string
	EmergencyStop   bool
	EmergencyReason string
	OpenOrders      int
	PublicSubs      int
	PrivateSubs     int
}

// Status возвращает снимок состояния коннектора.
func (c *Client) Status() Status {
	return Status{
		PublicSession:   c.public.State().String(),
		PrivateSession:  c.private.State().String(),
		EmergencyStop:   c.stop.IsEngaged(),
		EmergencyReason: c.stop.Reason(),
		OpenOrders:      c.cache.OpenOrderCount(),
		PublicSubs:      c.public.Registry().Len(),
		PrivateSubs:     c.private.Registry().Len(),
	}
}

// -----------------------------------------------------------------------------
// Обработка событий сессий
// -----------------------------------------------------------------------------

// onEvent обновляет кеш и пробрасывает событие подписчикам.
// Вызывается из горутин чтения обеих сессий.
func (c *Client) onEvent(event exchanges.Event) {
	switch e := event.(type) {
	case exchanges.TickerEvent:
		c.cache.SetLastPrice(e.Pair, e.Last, e.Timestamp)
		metrics.SetLastPrice(e.Pair, e.Last)
	case exchanges.OrderUpdateEvent:
		c.cache.UpsertOrder(e.Order)
		metrics.SetOpenOrders(c.cache.OpenOrderCount())
	case exchanges.BalanceUpdateEvent:
		c.cache.UpsertBalance(e.Currency, e.Total, e.Timestamp)
		metrics.SetAccountBalance(e.Currency, e.Total)
	}

	c.emit(event)
}

// emit отправляет событие в канал без блокировки.
// После Close события молча отбрасываются.
func (c *Client) emit(event exchanges.Event) {
	c.eventsMu.RLock()
	defer c.eventsMu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.events <- event:
	default:
		c.logger.Warn("канал событий переполнен, событие отброшено",
			zap.String("event", event.EventName()))
	}
}

package kraken

import (
	"context"
	"strconv"
	"sync"
	"time"

	"kraken-terminal/internal/exchanges"
)

// =============================================================================
// Локальный кеш метаданных, балансов и ордеров
// =============================================================================

// PairLoader загружает метаданные пары при cache miss.
type PairLoader func(ctx context.Context, pair string) (exchanges.PairMetadata, error)

type balanceState struct {
	total     float64
	updatedAt time.Time
}

type pricePoint struct {
	price     float64
	updatedAt time.Time
}

// MetadataCache хранит локальное состояние коннектора: метаданные пар,
// балансы, открытые ордера и последние цены.
// Потокобезопасен (thread-safe).
//
// Балансы, ордера и цены обновляются конкурентно из приватного WebSocket
// и REST polling'а. Конфликты разрешаются по правилу last-writer-wins:
// обновление с меткой времени старше сохранённой отбрасывается.
//
// Reserved не хранится — вычисляется из открытых ордеров при каждом чтении
// баланса. Терминальные ордера удаляются при записи, поэтому резерв
// освобождается сразу после исполнения или отмены.
type MetadataCache struct {
	mu       sync.RWMutex
	pairs    map[string]exchanges.PairMetadata
	balances map[string]balanceState
	orders   map[string]exchanges.OrderRecord
	prices   map[string]pricePoint

	loadPair PairLoader
}

// NewMetadataCache создаёт кеш. loader может быть nil —
// тогда cache miss по паре возвращает ошибку.
func NewMetadataCache(loader PairLoader) *MetadataCache {
	return &MetadataCache{
		pairs:    make(map[string]exchanges.PairMetadata),
		balances: make(map[string]balanceState),
		orders:   make(map[string]exchanges.OrderRecord),
		prices:   make(map[string]pricePoint),
		loadPair: loader,
	}
}

// -----------------------------------------------------------------------------
// Метаданные пар
// -----------------------------------------------------------------------------

// PairMetadata возвращает метаданные пары (read-through).
// Метаданные неизменяемы: при попадании в кеш сеть не трогается.
func (c *MetadataCache) PairMetadata(ctx context.Context, pair string) (exchanges.PairMetadata, error) {
	c.mu.RLock()
	meta, ok := c.pairs[pair]
	c.mu.RUnlock()
	if ok {
		return meta, nil
	}

	if c.loadPair == nil {
		return exchanges.PairMetadata{}, &exchanges.ExchangeError{
			Type:    exchanges.ErrorTypeValidation,
			Message: "неизвестная торговая пара: " + pair,
		}
	}

	meta, err := c.loadPair(ctx, pair)
	if err != nil {
		return exchanges.PairMetadata{}, err
	}

	c.mu.Lock()
	c.pairs[pair] = meta
	c.mu.Unlock()
	return meta, nil
}

// SetPairs загружает метаданные пар пакетом (прогрев при старте).
func (c *MetadataCache) SetPairs(pairs map[string]exchanges.PairMetadata) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for symbol, meta := range pairs {
		c.pairs[symbol] = meta
	}
}

// -----------------------------------------------------------------------------
// Балансы
// -----------------------------------------------------------------------------

// UpsertBalance записывает общий баланс валюты.
// Возвращает false, если обновление отброшено как устаревшее (last-writer-wins).
func (c *MetadataCache) UpsertBalance(currency string, total float64, updatedAt time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.balances[currency]; ok && updatedAt.Before(existing.updatedAt) {
		return false
	}
	c.balances[currency] = balanceState{total: total, updatedAt: updatedAt}
	return true
}

// Balance возвращает баланс валюты с вычисленным резервом.
// Reserved — сумма, заблокированная открытыми ордерами:
// buy резервирует котируемую валюту (остаток × цена),
// sell — базовую (остаток объёма). Для market buy без лимитной цены
// используется последняя известная цена пары.
func (c *MetadataCache) Balance(currency string) (exchanges.BalanceEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	state, ok := c.balances[currency]
	if !ok {
		return exchanges.BalanceEntry{}, false
	}

	reserved := c.reservedLocked(currency)
	available := state.total - reserved
	if available < 0 {
		available = 0
	}

	return exchanges.BalanceEntry{
		Currency:  currency,
		Total:     state.total,
		Reserved:  reserved,
		Available: available,
		UpdatedAt: state.updatedAt,
	}, true
}

// reservedLocked вычисляет резерв валюты по открытым ордерам.
// Вызывается под блокировкой.
func (c *MetadataCache) reservedLocked(currency string) float64 {
	var reserved float64
	for _, order := range c.orders {
		meta, ok := c.pairs[order.Pair]
		if !ok {
			// Без метаданных непонятно, какая валюта заблокирована
			continue
		}

		remaining := order.Volume - order.FilledVolume
		if remaining <= 0 {
			continue
		}

		switch order.Side {
		case exchanges.OrderSideBuy:
			if meta.Quote != currency {
				continue
			}
			price := order.Price
			if price == 0 {
				// Market buy: оценка по последней цене
				if pp, ok := c.prices[order.Pair]; ok {
					price = pp.price
				}
			}
			reserved += remaining * price
		case exchanges.OrderSideSell:
			if meta.Base != currency {
				continue
			}
			reserved += remaining
		}
	}
	return reserved
}

// -----------------------------------------------------------------------------
// Ордера
// -----------------------------------------------------------------------------

// UpsertOrder записывает состояние ордера.
// Терминальный статус удаляет ордер из множества открытых (освобождает резерв).
// Возвращает false, если обновление отброшено как устаревшее.
func (c *MetadataCache) UpsertOrder(order exchanges.OrderRecord) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.orders[order.ID]; ok && order.UpdatedAt.Before(existing.UpdatedAt) {
		return false
	}

	if order.IsTerminal() {
		delete(c.orders, order.ID)
		return true
	}
	c.orders[order.ID] = order
	return true
}

// Order возвращает открытый ордер по ID.
func (c *MetadataCache) Order(orderID string) (exchanges.OrderRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	order, ok := c.orders[orderID]
	return order, ok
}

// OpenOrders возвращает копию всех открытых ордеров.
func (c *MetadataCache) OpenOrders() []exchanges.OrderRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]exchanges.OrderRecord, 0, len(c.orders))
	for _, order := range c.orders {
		out = append(out, order)
	}
	return out
}

// OpenOrderCount возвращает количество открытых ордеров.
func (c *MetadataCache) OpenOrderCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.orders)
}

// ReplaceOpenOrders замещает множество открытых ордеров снапшотом
// (REST polling). Ордера, отсутствующие в снапшоте, удаляются,
// кроме обновлённых локально позже снапшота.
func (c *MetadataCache) ReplaceOpenOrders(orders []exchanges.OrderRecord, snapshotAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[string]bool, len(orders))
	for _, order := range orders {
		seen[order.ID] = true
		if existing, ok := c.orders[order.ID]; ok && order.UpdatedAt.Before(existing.UpdatedAt) {
			continue
		}
		if order.IsTerminal() {
			delete(c.orders, order.ID)
			continue
		}
		c.orders[order.ID] = order
	}

	for id, existing := range c.orders {
		if !seen[id] && existing.UpdatedAt.Before(snapshotAt) {
			delete(c.orders, id)
		}
	}
}

// -----------------------------------------------------------------------------
// Последние цены
// -----------------------------------------------------------------------------

// SetLastPrice записывает последнюю цену пары (last-writer-wins).
func (c *MetadataCache) SetLastPrice(pair string, price float64, updatedAt time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.prices[pair]; ok && updatedAt.Before(existing.updatedAt) {
		return false
	}
	c.prices[pair] = pricePoint{price: price, updatedAt: updatedAt}
	return true
}

// LastPrice возвращает последнюю известную цену пары.
func (c *MetadataCache) LastPrice(pair string) (float64, time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	pp, ok := c.prices[pair]
	return pp.price, pp.updatedAt, ok
}

// =============================================================================
// Преобразование форматов Kraken
// =============================================================================

// ConvertAssetPair преобразует AssetPairInfo в PairMetadata.
// Символом служит WebSocket имя ("XBT/USD") — единый формат пар в кеше.
func ConvertAssetPair(info AssetPairInfo) exchanges.PairMetadata {
	orderMin, _ := strconv.ParseFloat(info.OrderMin, 64)
	return exchanges.PairMetadata{
		Symbol:        info.WsName,
		Base:          trimAssetPrefix(info.Base),
		Quote:         trimAssetPrefix(info.Quote),
		OrderMin:      orderMin,
		PriceDecimals: info.PairDecimals,
		LotDecimals:   info.LotDecimals,
	}
}

// trimAssetPrefix убирает классовый префикс валюты Kraken
// ("XXBT" -> "XBT", "ZUSD" -> "USD"). Имена короче четырёх символов
// префикса не имеют.
func trimAssetPrefix(asset string) string {
	if len(asset) >= 4 && (asset[0] == 'X' || asset[0] == 'Z') {
		return asset[1:]
	}
	return asset
}

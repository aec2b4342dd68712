package kraken

import (
	"context"
	"errors"
	"testing"
	"time"

	"kraken-terminal/internal/exchanges"
)

func xbtUsdMeta() exchanges.PairMetadata {
	return exchanges.PairMetadata{
		Symbol: "XBT/USD", Base: "XBT", Quote: "USD",
		OrderMin: 0.0001, PriceDecimals: 1, LotDecimals: 8,
	}
}

func TestPairMetadataReadThrough(t *testing.T) {
	loads := 0
	cache := NewMetadataCache(func(ctx context.Context, pair string) (exchanges.PairMetadata, error) {
		loads++
		if pair != "XBT/USD" {
			return exchanges.PairMetadata{}, errors.New("unknown pair")
		}
		return xbtUsdMeta(), nil
	})

	for i := 0; i < 3; i++ {
		meta, err := cache.PairMetadata(context.Background(), "XBT/USD")
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if meta.Quote != "USD" {
			t.Errorf("unexpected meta: %+v", meta)
		}
	}
	// Метаданные неизменяемы: loader дёргается один раз.
	if loads != 1 {
		t.Errorf("expected 1 load, got %d", loads)
	}

	if _, err := cache.PairMetadata(context.Background(), "NOPE/USD"); err == nil {
		t.Error("expected loader error for unknown pair")
	}
}

func TestBalanceLastWriterWins(t *testing.T) {
	cache := NewMetadataCache(nil)
	now := time.Now()

	if !cache.UpsertBalance("USD", 1000, now) {
		t.Fatal("first write must apply")
	}
	// Запоздавшее обновление со старой меткой отбрасывается.
	if cache.UpsertBalance("USD", 500, now.Add(-time.Second)) {
		t.Error("stale update must be dropped")
	}
	bal, ok := cache.Balance("USD")
	if !ok || bal.Total != 1000 {
		t.Errorf("unexpected balance: %+v", bal)
	}

	if !cache.UpsertBalance("USD", 1200, now.Add(time.Second)) {
		t.Error("newer update must apply")
	}
	bal, _ = cache.Balance("USD")
	if bal.Total != 1200 {
		t.Errorf("unexpected balance after update: %+v", bal)
	}
}

func TestReservedFromOpenOrders(t *testing.T) {
	cache := NewMetadataCache(nil)
	cache.SetPairs(map[string]exchanges.PairMetadata{"XBT/USD": xbtUsdMeta()})
	now := time.Now()

	cache.UpsertBalance("USD", 100000, now)
	cache.UpsertBalance("XBT", 2, now)

	// Limit buy 1 XBT @ 30000: резервирует 30000 USD
	cache.UpsertOrder(exchanges.OrderRecord{
		ID: "O1", Pair: "XBT/USD", Side: exchanges.OrderSideBuy,
		Type: exchanges.OrderTypeLimit, Volume: 1, Price: 30000,
		Status: exchanges.OrderStatusOpen, UpdatedAt: now,
	})
	// Limit sell 0.5 XBT: резервирует 0.5 XBT
	cache.UpsertOrder(exchanges.OrderRecord{
		ID: "O2", Pair: "XBT/USD", Side: exchanges.OrderSideSell,
		Type: exchanges.OrderTypeLimit, Volume: 0.5, Price: 31000,
		Status: exchanges.OrderStatusOpen, UpdatedAt: now,
	})

	usd, _ := cache.Balance("USD")
	if usd.Reserved != 30000 || usd.Available != 70000 {
		t.Errorf("USD: reserved=%v available=%v", usd.Reserved, usd.Available)
	}
	xbt, _ := cache.Balance("XBT")
	if xbt.Reserved != 0.5 || xbt.Available != 1.5 {
		t.Errorf("XBT: reserved=%v available=%v", xbt.Reserved, xbt.Available)
	}

	// Частичное исполнение buy уменьшает резерв на исполненную часть.
	cache.UpsertOrder(exchanges.OrderRecord{
		ID: "O1", Pair: "XBT/USD", Side: exchanges.OrderSideBuy,
		Type: exchanges.OrderTypeLimit, Volume: 1, FilledVolume: 0.4, Price: 30000,
		Status: exchanges.OrderStatusOpen, UpdatedAt: now.Add(time.Second),
	})
	usd, _ = cache.Balance("USD")
	if usd.Reserved != 18000 {
		t.Errorf("partial fill reserved=%v, want 18000", usd.Reserved)
	}
}

func TestMarketBuyReservesAtLastPrice(t *testing.T) {
	cache := NewMetadataCache(nil)
	cache.SetPairs(map[string]exchanges.PairMetadata{"XBT/USD": xbtUsdMeta()})
	now := time.Now()

	cache.UpsertBalance("USD", 100000, now)
	cache.SetLastPrice("XBT/USD", 30000, now)

	cache.UpsertOrder(exchanges.OrderRecord{
		ID: "O1", Pair: "XBT/USD", Side: exchanges.OrderSideBuy,
		Type: exchanges.OrderTypeMarket, Volume: 2,
		Status: exchanges.OrderStatusOpen, UpdatedAt: now,
	})

	usd, _ := cache.Balance("USD")
	if usd.Reserved != 60000 {
		t.Errorf("market buy reserved=%v, want 60000 (2 x last price)", usd.Reserved)
	}
}

func TestTerminalOrderReleasesReservation(t *testing.T) {
	cache := NewMetadataCache(nil)
	cache.SetPairs(map[string]exchanges.PairMetadata{"XBT/USD": xbtUsdMeta()})
	now := time.Now()

	cache.UpsertBalance("USD", 100000, now)
	cache.UpsertOrder(exchanges.OrderRecord{
		ID: "O1", Pair: "XBT/USD", Side: exchanges.OrderSideBuy,
		Type: exchanges.OrderTypeLimit, Volume: 1, Price: 30000,
		Status: exchanges.OrderStatusOpen, UpdatedAt: now,
	})

	cache.UpsertOrder(exchanges.OrderRecord{
		ID: "O1", Pair: "XBT/USD", Side: exchanges.OrderSideBuy,
		Type: exchanges.OrderTypeLimit, Volume: 1, FilledVolume: 1, Price: 30000,
		Status: exchanges.OrderStatusClosed, UpdatedAt: now.Add(time.Second),
	})

	if cache.OpenOrderCount() != 0 {
		t.Error("terminal order must leave open set")
	}
	usd, _ := cache.Balance("USD")
	if usd.Reserved != 0 || usd.Available != 100000 {
		t.Errorf("reservation not released: %+v", usd)
	}
}

func TestOrderLastWriterWins(t *testing.T) {
	cache := NewMetadataCache(nil)
	now := time.Now()

	cache.UpsertOrder(exchanges.OrderRecord{
		ID: "O1", Pair: "XBT/USD", Status: exchanges.OrderStatusOpen,
		FilledVolume: 0.5, UpdatedAt: now,
	})
	// Запоздавший кадр с меньшим исполнением отбрасывается.
	if cache.UpsertOrder(exchanges.OrderRecord{
		ID: "O1", Pair: "XBT/USD", Status: exchanges.OrderStatusOpen,
		FilledVolume: 0.1, UpdatedAt: now.Add(-time.Second),
	}) {
		t.Error("stale order update must be dropped")
	}
	order, _ := cache.Order("O1")
	if order.FilledVolume != 0.5 {
		t.Errorf("unexpected filled volume: %v", order.FilledVolume)
	}
}

func TestReplaceOpenOrdersSnapshot(t *testing.T) {
	cache := NewMetadataCache(nil)
	base := time.Now()

	cache.UpsertOrder(exchanges.OrderRecord{ID: "O1", Status: exchanges.OrderStatusOpen, UpdatedAt: base})
	cache.UpsertOrder(exchanges.OrderRecord{ID: "O2", Status: exchanges.OrderStatusOpen, UpdatedAt: base})
	// O3 обновлён локально позже снапшота — polling не должен его затирать.
	cache.UpsertOrder(exchanges.OrderRecord{ID: "O3", Status: exchanges.OrderStatusOpen, UpdatedAt: base.Add(2 * time.Second)})

	snapshotAt := base.Add(time.Second)
	cache.ReplaceOpenOrders([]exchanges.OrderRecord{
		{ID: "O1", Status: exchanges.OrderStatusOpen, FilledVolume: 0.2, UpdatedAt: snapshotAt},
	}, snapshotAt)

	if _, ok := cache.Order("O1"); !ok {
		t.Error("O1 must survive snapshot")
	}
	if _, ok := cache.Order("O2"); ok {
		t.Error("O2 absent from snapshot must be removed")
	}
	if _, ok := cache.Order("O3"); !ok {
		t.Error("O3 updated after snapshot must survive")
	}
}

func TestConvertAssetPair(t *testing.T) {
	meta := ConvertAssetPair(AssetPairInfo{
		Altname: "XBTUSD", WsName: "XBT/USD",
		Base: "XXBT", Quote: "ZUSD",
		PairDecimals: 1, LotDecimals: 8, OrderMin: "0.0001",
	})
	if meta.Symbol != "XBT/USD" || meta.Base != "XBT" || meta.Quote != "USD" {
		t.Errorf("unexpected meta: %+v", meta)
	}
	if meta.OrderMin != 0.0001 || meta.PriceDecimals != 1 {
		t.Errorf("unexpected numeric meta: %+v", meta)
	}
}

func TestTrimAssetPrefix(t *testing.T) {
	tests := []struct{ in, want string }{
		{"XXBT", "XBT"},
		{"ZUSD", "USD"},
		{"XETH", "ETH"},
		{"USDT", "USDT"}, // Не X/Z префикс
		{"SOL", "SOL"},   // Короткое имя без префикса
		{"USD", "USD"},
	}
	for _, tt := range tests {
		if got := trimAssetPrefix(tt.in); got != tt.want {
			t.Errorf("trimAssetPrefix(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

package kraken

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"kraken-terminal/internal/config"
	"kraken-terminal/internal/exchanges"
)

// stubREST — транспорт-заглушка фасада: считает вызовы и отдаёт
// заранее заданные ответы.
type stubREST struct {
	mu             sync.Mutex
	addOrderCalls  int
	cancelCalls    int
	tickerCalls    int
	assetPairCalls int
	balanceCalls   int
	lastOrder      *exchanges.OrderRequest

	addOrderErr error
}

func (s *stubREST) counts() (addOrder, cancel, ticker, assetPairs int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addOrderCalls, s.cancelCalls, s.tickerCalls, s.assetPairCalls
}

func (s *stubREST) GetServerTime(ctx context.Context) (*ServerTimeResult, error) {
	return &ServerTimeResult{UnixTime: time.Now().Unix()}, nil
}

func (s *stubREST) GetAssetPairs(ctx context.Context, pairs ...string) (map[string]AssetPairInfo, error) {
	s.mu.Lock()
	s.assetPairCalls++
	s.mu.Unlock()
	return map[string]AssetPairInfo{
		"XXBTZUSD": {
			Altname: "XBTUSD", WsName: "XBT/USD",
			Base: "XXBT", Quote: "ZUSD",
			PairDecimals: 1, LotDecimals: 8, OrderMin: "0.0001",
		},
	}, nil
}

func (s *stubREST) GetTicker(ctx context.Context, pairs ...string) (map[string]TickerInfo, error) {
	s.mu.Lock()
	s.tickerCalls++
	s.mu.Unlock()
	return map[string]TickerInfo{
		"XXBTZUSD": {Last: []string{"30100.5", "0.1"}},
	}, nil
}

func (s *stubREST) GetBalance(ctx context.Context) (map[string]string, error) {
	s.mu.Lock()
	s.balanceCalls++
	s.mu.Unlock()
	return map[string]string{"ZUSD": "100000.0", "XXBT": "2.0"}, nil
}

func (s *stubREST) GetOpenOrders(ctx context.Context) (*OpenOrdersResult, error) {
	return &OpenOrdersResult{Open: map[string]OrderInfo{}}, nil
}

func (s *stubREST) AddOrder(ctx context.Context, req *exchanges.OrderRequest) (*AddOrderResult, error) {
	s.mu.Lock()
	s.addOrderCalls++
	s.lastOrder = req
	err := s.addOrderErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &AddOrderResult{TxID: []string{"OTEST1-ABCDE-FGHIJ"}}, nil
}

func (s *stubREST) CancelOrder(ctx context.Context, txid string) (*CancelOrderResult, error) {
	s.mu.Lock()
	s.cancelCalls++
	s.mu.Unlock()
	return &CancelOrderResult{Count: 1}, nil
}

func (s *stubREST) GetWebSocketsToken(ctx context.Context) (*WebSocketsTokenResult, error) {
	return &WebSocketsTokenResult{Token: "stub-token", Expires: 900}, nil
}

func newStubClient(t *testing.T) (*Client, *stubREST) {
	t.Helper()

	client, err := NewClient(config.ExchangeConfig{
		RestTimeout:       5 * time.Second,
		RateLimitRequests: 1000,
		RateLimitWindow:   time.Minute,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("client: %v", err)
	}

	stub := &stubREST{}
	client.rest = stub
	client.cache.SetPairs(map[string]exchanges.PairMetadata{"XBT/USD": xbtUsdMeta()})
	client.cache.UpsertBalance("USD", 100000, time.Now())
	return client, stub
}

func drainEvents(c *Client) []exchanges.Event {
	var out []exchanges.Event
	for {
		select {
		case e := <-c.Events():
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestPlaceOrderPipeline(t *testing.T) {
	client, stub := newStubClient(t)

	record, err := client.PlaceLimitOrder("XBT/USD", exchanges.OrderSideBuy, 1, 30000)
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if record.ID != "OTEST1-ABCDE-FGHIJ" {
		t.Errorf("unexpected txid: %s", record.ID)
	}
	if record.Status != exchanges.OrderStatusPending {
		t.Errorf("new order status = %s, want pending", record.Status)
	}

	// Ордер попал в кеш открытых
	if _, ok := client.cache.Order(record.ID); !ok {
		t.Error("placed order must be cached")
	}

	// Событие orderPlaced опубликовано
	var placed bool
	for _, e := range drainEvents(client) {
		if _, ok := e.(exchanges.OrderPlacedEvent); ok {
			placed = true
		}
	}
	if !placed {
		t.Error("expected OrderPlacedEvent")
	}

	addOrder, _, _, _ := stub.counts()
	if addOrder != 1 {
		t.Errorf("expected 1 AddOrder call, got %d", addOrder)
	}
}

func TestPlaceOrderSendsAdjustedValues(t *testing.T) {
	client, stub := newStubClient(t)

	// pair_decimals=1: 30000.123456 -> 30000.1
	_, err := client.PlaceLimitOrder("XBT/USD", exchanges.OrderSideBuy, 1, 30000.123456)
	if err != nil {
		t.Fatalf("place: %v", err)
	}

	stub.mu.Lock()
	sent := stub.lastOrder
	stub.mu.Unlock()
	if sent.Price == nil || *sent.Price != 30000.1 {
		t.Errorf("exchange must receive adjusted price, got %v", sent.Price)
	}
}

func TestPlaceOrderValidationFailureSkipsNetwork(t *testing.T) {
	client, stub := newStubClient(t)

	// available=100000, ордер на 10 x 30000 = 300000
	_, err := client.PlaceLimitOrder("XBT/USD", exchanges.OrderSideBuy, 10, 30000)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if exchErr, ok := err.(*exchanges.ExchangeError); !ok || exchErr.Type != exchanges.ErrorTypeValidation {
		t.Errorf("expected validation error, got: %v", err)
	}

	addOrder, _, _, _ := stub.counts()
	if addOrder != 0 {
		t.Errorf("validation failure must not reach network, got %d calls", addOrder)
	}
}

func TestEmergencyStopBlocksAllPlacements(t *testing.T) {
	client, stub := newStubClient(t)

	client.EngageEmergencyStop("ручная остановка")
	if !client.EmergencyStopEngaged() {
		t.Fatal("interlock must be engaged")
	}

	// 100 последовательных попыток: все отклонены, сеть не тронута
	for i := 0; i < 100; i++ {
		_, err := client.PlaceLimitOrder("XBT/USD", exchanges.OrderSideBuy, 1, 30000)
		if err == nil {
			t.Fatalf("attempt %d: expected emergency stop error", i)
		}
		if !exchanges.IsEmergencyStopError(err) {
			t.Fatalf("attempt %d: expected emergency stop error, got: %v", i, err)
		}
	}

	addOrder, _, ticker, assetPairs := stub.counts()
	if addOrder != 0 || ticker != 0 || assetPairs != 0 {
		t.Errorf("engaged interlock must keep REST untouched: add=%d ticker=%d pairs=%d",
			addOrder, ticker, assetPairs)
	}

	// После выключения ордера снова проходят
	client.DisengageEmergencyStop()
	if _, err := client.PlaceLimitOrder("XBT/USD", exchanges.OrderSideBuy, 1, 30000); err != nil {
		t.Fatalf("place after disengage: %v", err)
	}
}

func TestCancelOrderAllowedDuringEmergencyStop(t *testing.T) {
	client, stub := newStubClient(t)

	record, err := client.PlaceLimitOrder("XBT/USD", exchanges.OrderSideBuy, 1, 30000)
	if err != nil {
		t.Fatalf("place: %v", err)
	}

	client.EngageEmergencyStop("стоп")
	if err := client.CancelOrder(record.ID); err != nil {
		t.Fatalf("cancel during emergency stop: %v", err)
	}

	_, cancels, _, _ := stub.counts()
	if cancels != 1 {
		t.Errorf("expected 1 CancelOrder call, got %d", cancels)
	}
	// Отменённый ордер покинул множество открытых
	if _, ok := client.cache.Order(record.ID); ok {
		t.Error("cancelled order must leave open set")
	}
}

func TestGetCurrentPriceCacheThenRest(t *testing.T) {
	client, stub := newStubClient(t)

	// Промах кеша: REST fallback
	price, err := client.GetCurrentPrice("XBT/USD")
	if err != nil {
		t.Fatalf("get price: %v", err)
	}
	if price != 30100.5 {
		t.Errorf("price = %v, want 30100.5", price)
	}

	// Повторный запрос идёт из кеша
	if _, err := client.GetCurrentPrice("XBT/USD"); err != nil {
		t.Fatalf("cached price: %v", err)
	}
	_, _, ticker, _ := stub.counts()
	if ticker != 1 {
		t.Errorf("expected 1 REST ticker call, got %d", ticker)
	}

	// WebSocket тикер обновляет кеш
	client.onEvent(exchanges.TickerEvent{Pair: "XBT/USD", Last: 30200, Timestamp: time.Now()})
	price, _ = client.GetCurrentPrice("XBT/USD")
	if price != 30200 {
		t.Errorf("price after ws update = %v, want 30200", price)
	}
}

func TestOrderUpdateEventMaintainsCache(t *testing.T) {
	client, _ := newStubClient(t)

	record, err := client.PlaceLimitOrder("XBT/USD", exchanges.OrderSideBuy, 1, 30000)
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	drainEvents(client)

	// Исполнение из приватного WebSocket закрывает ордер
	client.onEvent(exchanges.OrderUpdateEvent{
		Order: exchanges.OrderRecord{
			ID: record.ID, Pair: "XBT/USD", Side: exchanges.OrderSideBuy,
			Type: exchanges.OrderTypeLimit, Volume: 1, FilledVolume: 1,
			Price: 30000, Status: exchanges.OrderStatusClosed,
			UpdatedAt: time.Now(),
		},
		Timestamp: time.Now(),
	})

	if _, ok := client.cache.Order(record.ID); ok {
		t.Error("filled order must leave open set")
	}

	// Событие проброшено подписчикам
	var forwarded bool
	for _, e := range drainEvents(client) {
		if _, ok := e.(exchanges.OrderUpdateEvent); ok {
			forwarded = true
		}
	}
	if !forwarded {
		t.Error("order update must be forwarded to events channel")
	}
}

func TestBalanceUpdateEventMaintainsCache(t *testing.T) {
	client, _ := newStubClient(t)

	client.onEvent(exchanges.BalanceUpdateEvent{
		Currency: "XBT", Total: 3.5, Timestamp: time.Now(),
	})

	balance, err := client.GetAccountBalance("XBT")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Total != 3.5 {
		t.Errorf("total = %v, want 3.5", balance.Total)
	}
}

func TestGetAccountBalanceRestFallback(t *testing.T) {
	client, stub := newStubClient(t)

	// Валюты ETH нет ни в кеше, ни в REST ответе
	if _, err := client.GetAccountBalance("ETH"); err == nil {
		t.Error("unknown currency must return error")
	}

	// XBT нет в кеше, но есть в REST (XXBT -> XBT)
	balance, err := client.GetAccountBalance("XBT")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Total != 2.0 {
		t.Errorf("total = %v, want 2.0", balance.Total)
	}

	stub.mu.Lock()
	calls := stub.balanceCalls
	stub.mu.Unlock()
	if calls == 0 {
		t.Error("expected REST balance fallback")
	}
}

func TestStatusSnapshot(t *testing.T) {
	client, _ := newStubClient(t)
	client.EngageEmergencyStop("проверка")

	status := client.Status()
	if status.PublicSession != "DISCONNECTED" || status.PrivateSession != "DISCONNECTED" {
		t.Errorf("unexpected session states: %+v", status)
	}
	if !status.EmergencyStop || status.EmergencyReason != "проверка" {
		t.Errorf("unexpected interlock state: %+v", status)
	}
}

func TestCloseIsSafeWithConcurrentEvents(t *testing.T) {
	client, _ := newStubClient(t)

	// Эмуляция горутин чтения сессий, публикующих события во время Close
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				client.onEvent(exchanges.TickerEvent{
					Pair: "XBT/USD", Last: 30000, Timestamp: time.Now(),
				})
			}
		}()
	}

	time.Sleep(time.Millisecond)
	if err := client.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	wg.Wait()

	// Канал закрыт: чтение оставшихся событий завершается
	for range client.Events() {
	}

	// Повторный Close безопасен
	if err := client.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestClientName(t *testing.T) {
	client, _ := newStubClient(t)
	if client.GetName() != "kraken" {
		t.Errorf("name = %s", client.GetName())
	}
}

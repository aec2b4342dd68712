package kraken

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"kraken-terminal/internal/exchanges"
)

const testSecret = "kQH5HW/8p1uGOVjbgWA7FunAmGO8lsSUXNsu3eow76sz84Q18fWxnyRzBHCd3pd5nE9qa99HAZtuZuj6F1huXg=="

func intPtr(v int) *int { return &v }

func newTestClient(t *testing.T, handler http.Handler, withCreds bool) (*RestClient, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := RestClientConfig{
		BaseURL:           server.URL,
		MaxRetries:        intPtr(2),
		InitialRetryDelay: 10 * time.Millisecond,
		RateLimitRequests: 1000,
		RateLimitWindow:   time.Minute,
	}
	if withCreds {
		cfg.APIKey = "test-key"
		cfg.APISecret = testSecret
	}

	client, err := NewRestClient(cfg)
	if err != nil {
		t.Fatalf("rest client: %v", err)
	}
	return client, server
}

func TestPublicCallParsesEnvelope(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != EndpointTime {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		io.WriteString(w, `{"error":[],"result":{"unixtime":1688669448,"rfc1123":"Thu, 06 Jul 23 18:50:48 +0000"}}`)
	}), false)

	st, err := client.GetServerTime(context.Background())
	if err != nil {
		t.Fatalf("GetServerTime: %v", err)
	}
	if st.UnixTime != 1688669448 {
		t.Errorf("unexpected unixtime: %d", st.UnixTime)
	}
}

func TestRejectedErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		io.WriteString(w, `{"error":["EOrder:Insufficient funds"],"result":null}`)
	}), true)

	price := 30000.0
	_, err := client.AddOrder(context.Background(), &exchanges.OrderRequest{
		Pair: "XBT/USD", Side: exchanges.OrderSideBuy,
		Type: exchanges.OrderTypeLimit, Volume: 1, Price: &price,
	})
	if err == nil {
		t.Fatal("expected rejection")
	}
	if !exchanges.IsRejectedError(err) {
		t.Errorf("expected rejected error, got: %v", err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("rejected error must not be retried, got %d calls", n)
	}
}

func TestTransientErrorRetriedUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			io.WriteString(w, `{"error":["EService:Unavailable"],"result":null}`)
			return
		}
		io.WriteString(w, `{"error":[],"result":{"unixtime":1,"rfc1123":"x"}}`)
	}), false)

	if _, err := client.GetServerTime(context.Background()); err != nil {
		t.Fatalf("expected success after retry: %v", err)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("expected 2 calls (1 retry), got %d", n)
	}
}

func TestTransientErrorExhaustsRetryBudget(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}), false)

	_, err := client.GetServerTime(context.Background())
	if err == nil {
		t.Fatal("expected error after exhausted retries")
	}
	if !exchanges.IsTransientError(err) {
		t.Errorf("expected transient error, got: %v", err)
	}
	// MaxRetries=2: первая попытка + два повтора
	if n := calls.Load(); n != 3 {
		t.Errorf("expected 3 calls, got %d", n)
	}
}

func TestZeroRetryBudgetDisablesRetry(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(server.Close)

	client, err := NewRestClient(RestClientConfig{
		BaseURL:           server.URL,
		MaxRetries:        intPtr(0),
		InitialRetryDelay: 10 * time.Millisecond,
		RateLimitRequests: 1000,
		RateLimitWindow:   time.Minute,
	})
	if err != nil {
		t.Fatalf("rest client: %v", err)
	}

	if _, err := client.GetServerTime(context.Background()); err == nil {
		t.Fatal("expected error without retries")
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("zero retry budget must make exactly 1 call, got %d", n)
	}
}

func TestPrivateCallWithoutCredentialsFailsFast(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}), false)

	_, err := client.GetBalance(context.Background())
	if err == nil {
		t.Fatal("expected configuration error")
	}
	if !exchanges.IsConfigurationError(err) {
		t.Errorf("expected configuration error, got: %v", err)
	}
	if calls.Load() != 0 {
		t.Error("private call without credentials must not reach the network")
	}
}

func TestPrivateCallSignsRequest(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.Header.Get("API-Key") != "test-key" {
			t.Errorf("missing API-Key header")
		}
		if r.Header.Get("API-Sign") == "" {
			t.Errorf("missing API-Sign header")
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/x-www-form-urlencoded" {
			t.Errorf("unexpected content type: %s", ct)
		}

		body, _ := io.ReadAll(r.Body)
		form, err := url.ParseQuery(string(body))
		if err != nil {
			t.Fatalf("body is not form-encoded: %v", err)
		}
		if form.Get("nonce") == "" {
			t.Error("body missing nonce")
		}
		io.WriteString(w, `{"error":[],"result":{"XXBT":"1.5","ZUSD":"1000.0"}}`)
	}), true)

	balances, err := client.GetBalance(context.Background())
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if balances["XXBT"] != "1.5" {
		t.Errorf("unexpected balance: %v", balances)
	}
}

func TestPrivateRetryUsesFreshNonce(t *testing.T) {
	var nonces []string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		form, _ := url.ParseQuery(string(body))
		nonces = append(nonces, form.Get("nonce"))
		if len(nonces) == 1 {
			io.WriteString(w, `{"error":["EAPI:Invalid nonce"],"result":null}`)
			return
		}
		io.WriteString(w, `{"error":[],"result":{}}`)
	}), true)

	if _, err := client.GetBalance(context.Background()); err != nil {
		t.Fatalf("expected success after nonce retry: %v", err)
	}
	if len(nonces) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(nonces))
	}
	if nonces[0] == nonces[1] {
		t.Error("retry must use a fresh nonce")
	}
}

func TestAddOrderFormatsParams(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		form, _ := url.ParseQuery(string(body))
		if form.Get("pair") != "XBTUSD" {
			t.Errorf("pair must use REST naming: %s", form.Get("pair"))
		}
		if form.Get("type") != "sell" || form.Get("ordertype") != "limit" {
			t.Errorf("unexpected order params: %v", form)
		}
		if form.Get("volume") != "0.5" || form.Get("price") != "30000.1" {
			t.Errorf("unexpected numeric params: %v", form)
		}
		io.WriteString(w, `{"error":[],"result":{"descr":{"order":"sell 0.5 XBTUSD @ limit 30000.1"},"txid":["OABC12-XYZ45-GHI789"]}}`)
	}), true)

	price := 30000.1
	res, err := client.AddOrder(context.Background(), &exchanges.OrderRequest{
		Pair: "XBT/USD", Side: exchanges.OrderSideSell,
		Type: exchanges.OrderTypeLimit, Volume: 0.5, Price: &price,
	})
	if err != nil {
		t.Fatalf("AddOrder: %v", err)
	}
	if len(res.TxID) != 1 || res.TxID[0] != "OABC12-XYZ45-GHI789" {
		t.Errorf("unexpected txid: %v", res.TxID)
	}
}

func TestClassifyAPIError(t *testing.T) {
	tests := []struct {
		code      string
		wantType  exchanges.ErrorType
		wantRetry bool
	}{
		{"EAPI:Invalid nonce", exchanges.ErrorTypeTransient, true},
		{"EAPI:Rate limit exceeded", exchanges.ErrorTypeTransient, true},
		{"EOrder:Rate limit exceeded", exchanges.ErrorTypeTransient, true},
		{"EGeneral:Temporary lockout", exchanges.ErrorTypeTransient, true},
		{"EService:Unavailable", exchanges.ErrorTypeTransient, true},
		{"EService:Busy", exchanges.ErrorTypeTransient, true},
		{"EOrder:Insufficient funds", exchanges.ErrorTypeRejected, false},
		{"EQuery:Unknown asset pair", exchanges.ErrorTypeRejected, false},
		{"EGeneral:Invalid arguments", exchanges.ErrorTypeRejected, false},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := classifyAPIError([]string{tt.code})
			if err.Type != tt.wantType {
				t.Errorf("type = %s, want %s", err.Type, tt.wantType)
			}
			if err.Retry != tt.wantRetry {
				t.Errorf("retry = %v, want %v", err.Retry, tt.wantRetry)
			}
			if err.Code != tt.code {
				t.Errorf("code = %s, want %s", err.Code, tt.code)
			}
		})
	}
}

func TestRetryCancelledByContext(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}), false)
	client.config.InitialRetryDelay = time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := client.GetServerTime(ctx)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "отмен") {
		t.Logf("error: %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("context cancellation must interrupt backoff promptly")
	}
}

package kraken

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"kraken-terminal/internal/exchanges"
	"kraken-terminal/pkg/metrics"
	"kraken-terminal/pkg/ratelimit"
)

// jsonFast — jsoniter в режиме совместимости со стандартной библиотекой.
// Используется для всех горячих путей сериализации.
var jsonFast = jsoniter.ConfigCompatibleWithStandardLibrary

// =============================================================================
// Конфигурация REST клиента
// =============================================================================

// RestClientConfig содержит настройки REST клиента Kraken.
type RestClientConfig struct {
	BaseURL   string // По умолчанию RestBaseURL
	APIKey    string // Пусто — клиент работает только с публичными эндпоинтами
	APISecret string // base64

	Timeout           time.Duration // Таймаут одного HTTP запроса
	MaxRetries        *int          // Повторы временных ошибок: nil — по умолчанию, 0 отключает повторы
	InitialRetryDelay time.Duration // Начальная задержка retry (удваивается)

	RateLimitRequests int           // Ёмкость скользящего окна
	RateLimitWindow   time.Duration // Длительность окна

	Logger *zap.Logger
}

func (c *RestClientConfig) applyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = RestBaseURL
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxRetries == nil {
		n := 3
		c.MaxRetries = &n
	} else if *c.MaxRetries < 0 {
		n := 0
		c.MaxRetries = &n
	}
	if c.InitialRetryDelay == 0 {
		c.InitialRetryDelay = time.Second
	}
	if c.RateLimitRequests == 0 {
		c.RateLimitRequests = 60
	}
	if c.RateLimitWindow == 0 {
		c.RateLimitWindow = time.Minute
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// =============================================================================
// REST клиент
// =============================================================================

// RestClient — клиент Kraken REST API.
// Потокобезопасен (thread-safe).
//
// Все вызовы (публичные и приватные) проходят через общий rate limiter —
// допуск берётся ровно один раз перед диспетчеризацией запроса, retry
// отдельных допусков не берут: бюджет повторов живёт внутри одного допуска.
type RestClient struct {
	config     RestClientConfig
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	signer     *Signer // nil, если учётные данные не заданы
	nonce      *NonceSource
	logger     *zap.Logger
}

// NewRestClient создаёт REST клиент.
// Учётные данные опциональны: без них доступны только публичные эндпоинты,
// приватные вызовы сразу возвращают ошибку конфигурации.
func NewRestClient(cfg RestClientConfig) (*RestClient, error) {
	cfg.applyDefaults()

	var signer *Signer
	if cfg.APIKey != "" || cfg.APISecret != "" {
		var err error
		signer, err = NewSigner(cfg.APIKey, cfg.APISecret)
		if err != nil {
			return nil, err
		}
	}

	return &RestClient{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		limiter: ratelimit.NewLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow),
		signer:  signer,
		nonce:   NewNonceSource(),
		logger:  cfg.Logger,
	}, nil
}

// Limiter возвращает rate limiter клиента (для диагностики).
func (c *RestClient) Limiter() *ratelimit.Limiter {
	return c.limiter
}

// PublicCall выполняет GET запрос к публичному эндпоинту.
// result — указатель на структуру для поля result конверта ответа.
func (c *RestClient) PublicCall(ctx context.Context, endpoint string, params url.Values, result any) error {
	if err := c.admit(ctx, endpoint); err != nil {
		return err
	}

	return c.doRequestWithRetry(ctx, endpoint, func() (*http.Request, error) {
		reqURL := c.config.BaseURL + endpoint
		if len(params) > 0 {
			reqURL += "?" + params.Encode()
		}
		return http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	}, result)
}

// PrivateCall выполняет подписанный POST запрос к приватному эндпоинту.
//
// Тело кодируется как application/x-www-form-urlencoded. Nonce берётся
// заново на каждую попытку: после ошибки "EAPI:Invalid nonce" повтор
// со старым nonce обречён.
func (c *RestClient) PrivateCall(ctx context.Context, endpoint string, params url.Values, result any) error {
	if c.signer == nil {
		metrics.IncrementAPIError(endpoint, "configuration")
		return exchanges.NewConfigurationError(
			"приватный эндпоинт " + endpoint + " требует api_key и api_secret")
	}

	if err := c.admit(ctx, endpoint); err != nil {
		return err
	}

	return c.doRequestWithRetry(ctx, endpoint, func() (*http.Request, error) {
		nonce := c.nonce.Next()

		form := url.Values{}
		for k, v := range params {
			form[k] = v
		}
		form.Set("nonce", strconv.FormatInt(nonce, 10))
		body := form.Encode()

		req, err := http.NewRequestWithContext(
			ctx, http.MethodPost, c.config.BaseURL+endpoint, strings.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("API-Key", c.signer.APIKey())
		req.Header.Set("API-Sign", c.signer.Sign(endpoint, nonce, body))
		return req, nil
	}, result)
}

// admit ждёт слот rate limiter'а и записывает время ожидания в метрики.
func (c *RestClient) admit(ctx context.Context, endpoint string) error {
	timer := metrics.NewTimer()
	if err := c.limiter.Admit(ctx); err != nil {
		return &exchanges.ExchangeError{
			Type:    exchanges.ErrorTypeTransient,
			Message: "ожидание rate limiter прервано: " + err.Error(),
			Retry:   false,
		}
	}
	metrics.RateLimitWaitDuration.WithLabelValues(endpoint).Observe(timer.ElapsedMs())
	return nil
}

// doRequestWithRetry выполняет запрос с повторами для временных ошибок.
// buildReq вызывается на каждую попытку (свежий nonce для приватных запросов).
// Backoff экспоненциальный: delay, delay*2, delay*4...
func (c *RestClient) doRequestWithRetry(
	ctx context.Context,
	endpoint string,
	buildReq func() (*http.Request, error),
	result any,
) error {
	delay := c.config.InitialRetryDelay
	maxRetries := *c.config.MaxRetries
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			metrics.IncrementRestRetry(endpoint)
			c.logger.Warn("повтор REST запроса",
				zap.String("endpoint", endpoint),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr))

			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return &exchanges.ExchangeError{
					Type:    exchanges.ErrorTypeTransient,
					Message: "запрос отменён во время backoff: " + ctx.Err().Error(),
					Retry:   false,
				}
			}
			delay *= 2
		}

		err := c.doRequest(endpoint, buildReq, result)
		if err == nil {
			return nil
		}
		lastErr = err

		// Повторяются только временные ошибки
		if !exchanges.IsRetryableError(err) {
			return err
		}
	}

	return lastErr
}

// doRequest выполняет одну попытку запроса и разбирает конверт ответа.
func (c *RestClient) doRequest(
	endpoint string,
	buildReq func() (*http.Request, error),
	result any,
) error {
	req, err := buildReq()
	if err != nil {
		return &exchanges.ExchangeError{
			Type:    exchanges.ErrorTypeTransient,
			Message: "не удалось построить запрос: " + err.Error(),
			Retry:   false,
		}
	}

	timer := metrics.NewTimer()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Сетевая ошибка или таймаут — временная
		metrics.ObserveRestRequest(endpoint, "error", timer.ElapsedMs())
		metrics.IncrementAPIError(endpoint, "network")
		return &exchanges.ExchangeError{
			Type:    exchanges.ErrorTypeTransient,
			Message: "сетевая ошибка: " + err.Error(),
			Retry:   true,
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.ObserveRestRequest(endpoint, "error", timer.ElapsedMs())
		metrics.IncrementAPIError(endpoint, "network")
		return &exchanges.ExchangeError{
			Type:    exchanges.ErrorTypeTransient,
			Message: "ошибка чтения ответа: " + err.Error(),
			Retry:   true,
		}
	}

	// HTTP уровень: 429 и 5xx — временные, остальные не-200 — отказ
	if resp.StatusCode != http.StatusOK {
		metrics.ObserveRestRequest(endpoint, "error", timer.ElapsedMs())
		transient := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		if transient {
			metrics.IncrementAPIError(endpoint, "network")
			return &exchanges.ExchangeError{
				Type:    exchanges.ErrorTypeTransient,
				Code:    strconv.Itoa(resp.StatusCode),
				Message: fmt.Sprintf("HTTP %d от %s", resp.StatusCode, endpoint),
				Retry:   true,
			}
		}
		metrics.IncrementAPIError(endpoint, "rejected")
		return &exchanges.ExchangeError{
			Type:    exchanges.ErrorTypeRejected,
			Code:    strconv.Itoa(resp.StatusCode),
			Message: fmt.Sprintf("HTTP %d от %s: %s", resp.StatusCode, endpoint, truncate(body, 200)),
			Retry:   false,
		}
	}

	var envelope APIResponse
	if err := jsonFast.Unmarshal(body, &envelope); err != nil {
		metrics.ObserveRestRequest(endpoint, "error", timer.ElapsedMs())
		metrics.IncrementAPIError(endpoint, "network")
		return &exchanges.ExchangeError{
			Type:    exchanges.ErrorTypeTransient,
			Message: "некорректный JSON в ответе: " + err.Error(),
			Retry:   true,
		}
	}

	// Непустой error означает ошибку независимо от HTTP 200
	if len(envelope.Error) > 0 {
		metrics.ObserveRestRequest(endpoint, "error", timer.ElapsedMs())
		apiErr := classifyAPIError(envelope.Error)
		metrics.IncrementAPIError(endpoint, errorMetricLabel(apiErr))
		return apiErr
	}

	metrics.ObserveRestRequest(endpoint, "success", timer.ElapsedMs())

	if result != nil && len(envelope.Result) > 0 {
		if err := jsonFast.Unmarshal(envelope.Result, result); err != nil {
			return &exchanges.ExchangeError{
				Type:    exchanges.ErrorTypeRejected,
				Message: "не удалось распарсить result: " + err.Error(),
				Retry:   false,
			}
		}
	}
	return nil
}

// classifyAPIError сопоставляет строки ошибок Kraken классам ошибок.
//
// Временные (retry): invalid nonce, rate limit, temporary lockout, EService:*.
// Все остальные — отказ биржи, терминальный.
func classifyAPIError(errs []string) *exchanges.ExchangeError {
	code := errs[0]
	msg := strings.Join(errs, "; ")

	switch {
	case code == ErrInvalidNonce,
		code == ErrRateLimitAPI,
		code == ErrRateLimitOrder,
		code == ErrTemporaryLockout,
		strings.HasPrefix(code, ErrServicePrefix):
		return &exchanges.ExchangeError{
			Type:    exchanges.ErrorTypeTransient,
			Code:    code,
			Message: msg,
			Retry:   true,
		}
	default:
		return &exchanges.ExchangeError{
			Type:    exchanges.ErrorTypeRejected,
			Code:    code,
			Message: msg,
			Retry:   false,
		}
	}
}

// errorMetricLabel возвращает label error_type для метрики APIErrorsTotal.
func errorMetricLabel(err *exchanges.ExchangeError) string {
	switch err.Code {
	case ErrInvalidNonce:
		return "nonce"
	case ErrRateLimitAPI, ErrRateLimitOrder:
		return "rate_limit"
	}
	if err.Type == exchanges.ErrorTypeTransient {
		return "network"
	}
	return "rejected"
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// =============================================================================
// Обёртки эндпоинтов
// =============================================================================

// GetServerTime возвращает время сервера. Используется как проверка доступности.
func (c *RestClient) GetServerTime(ctx context.Context) (*ServerTimeResult, error) {
	var result ServerTimeResult
	if err := c.PublicCall(ctx, EndpointTime, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetAssetPairs возвращает метаданные торговых пар.
// Без аргументов — все пары; с аргументами — только перечисленные.
func (c *RestClient) GetAssetPairs(ctx context.Context, pairs ...string) (map[string]AssetPairInfo, error) {
	params := url.Values{}
	if len(pairs) > 0 {
		params.Set("pair", strings.Join(pairs, ","))
	}

	result := make(map[string]AssetPairInfo)
	if err := c.PublicCall(ctx, EndpointAssetPairs, params, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// GetTicker возвращает тикеры перечисленных пар.
func (c *RestClient) GetTicker(ctx context.Context, pairs ...string) (map[string]TickerInfo, error) {
	params := url.Values{}
	if len(pairs) > 0 {
		params.Set("pair", strings.Join(pairs, ","))
	}

	result := make(map[string]TickerInfo)
	if err := c.PublicCall(ctx, EndpointTicker, params, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// GetBalance возвращает балансы счёта: валюта -> сумма (строка Kraken).
func (c *RestClient) GetBalance(ctx context.Context) (map[string]string, error) {
	result := make(map[string]string)
	if err := c.PrivateCall(ctx, EndpointBalance, nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// GetOpenOrders возвращает открытые ордера счёта.
func (c *RestClient) GetOpenOrders(ctx context.Context) (*OpenOrdersResult, error) {
	var result OpenOrdersResult
	if err := c.PrivateCall(ctx, EndpointOpenOrders, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// AddOrder выставляет ордер.
// Цена обязательна для limit и stop-loss ордеров; для market игнорируется.
func (c *RestClient) AddOrder(ctx context.Context, req *exchanges.OrderRequest) (*AddOrderResult, error) {
	params := url.Values{}
	params.Set("pair", restPairName(req.Pair))
	params.Set("type", string(req.Side))
	params.Set("ordertype", string(req.Type))
	params.Set("volume", formatFloat(req.Volume))
	if req.Price != nil {
		params.Set("price", formatFloat(*req.Price))
	}

	var result AddOrderResult
	if err := c.PrivateCall(ctx, EndpointAddOrder, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CancelOrder отменяет ордер по txid.
func (c *RestClient) CancelOrder(ctx context.Context, txid string) (*CancelOrderResult, error) {
	params := url.Values{}
	params.Set("txid", txid)

	var result CancelOrderResult
	if err := c.PrivateCall(ctx, EndpointCancelOrder, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetWebSocketsToken запрашивает токен для приватного WebSocket.
func (c *RestClient) GetWebSocketsToken(ctx context.Context) (*WebSocketsTokenResult, error) {
	var result WebSocketsTokenResult
	if err := c.PrivateCall(ctx, EndpointWebSocketsToken, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// restPairName преобразует WebSocket имя пары ("XBT/USD") в REST имя ("XBTUSD").
func restPairName(pair string) string {
	return strings.ReplaceAll(pair, "/", "")
}

// formatFloat форматирует число без хвостовых нулей.
func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

package kraken

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"kraken-terminal/internal/exchanges"
	"kraken-terminal/internal/state"
	"kraken-terminal/pkg/metrics"
)

// =============================================================================
// WebSocket сессия (публичная и приватная)
// =============================================================================

// TokenFunc запрашивает токен аутентификации приватного WebSocket.
// Токен короткоживущий, поэтому берётся заново перед каждым подключением.
type TokenFunc func(ctx context.Context) (string, error)

// SessionConfig содержит настройки WebSocket сессии.
type SessionConfig struct {
	URL  string
	Role exchanges.SessionRole

	// HeartbeatInterval — период отправки ping.
	// Дедлайн чтения — HeartbeatInterval + PongTimeout: тишина дольше
	// этого окна трактуется как мёртвое соединение.
	HeartbeatInterval time.Duration
	PongTimeout       time.Duration

	// Параметры exponential backoff при переподключении.
	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration
	MaxReconnectAttempts  int

	// TokenFunc обязателен для приватной сессии, игнорируется для публичной.
	TokenFunc TokenFunc

	// OnEvent — приёмник доменных событий сессии. Вызывается из горутины
	// чтения; не должен блокироваться.
	OnEvent func(exchanges.Event)

	Logger *zap.Logger
}

func (c *SessionConfig) applyDefaults() {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.PongTimeout == 0 {
		c.PongTimeout = 10 * time.Second
	}
	if c.ReconnectInitialDelay == 0 {
		c.ReconnectInitialDelay = 2 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 32 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.OnEvent == nil {
		c.OnEvent = func(exchanges.Event) {}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Session — одна WebSocket сессия Kraken (публичная либо приватная).
// Потокобезопасна (thread-safe).
//
// Обе роли используют один и тот же жизненный цикл: машина состояний,
// heartbeat, реестр подписок, reconnect с exponential backoff. Приватная
// роль дополнительно получает токен через REST перед каждым dial
// и вкладывает его в параметры подписок.
//
// После исчерпания попыток reconnect сессия переходит в FAILED и остаётся
// там до явного Restart — самовольных повторных циклов нет.
type Session struct {
	config  SessionConfig
	machine *state.Machine
	logger  *zap.Logger

	registry *SubscriptionRegistry

	connMu sync.RWMutex
	conn   *websocket.Conn

	// writeMu сериализует записи: gorilla/websocket допускает
	// только одного конкурентного писателя.
	writeMu sync.Mutex

	// stopLoopCh закрывается при остановке фоновых горутин текущего
	// соединения. Пересоздаётся на каждое подключение.
	stopLoopMu sync.Mutex
	stopLoopCh chan struct{}

	// token — токен текущего соединения (только приватная роль)
	tokenMu sync.RWMutex
	token   string
}

// NewSession создаёт сессию в состоянии DISCONNECTED.
func NewSession(cfg SessionConfig) *Session {
	cfg.applyDefaults()
	return &Session{
		config:   cfg,
		machine:  state.NewMachine(),
		logger:   cfg.Logger.With(zap.String("role", string(cfg.Role))),
		registry: NewSubscriptionRegistry(),
	}
}

// State возвращает текущее состояние сессии.
func (s *Session) State() state.State {
	return s.machine.CurrentState()
}

// Registry возвращает реестр подписок сессии.
func (s *Session) Registry() *SubscriptionRegistry {
	return s.registry
}

// Connect подключает сессию.
//
// При неудаче первого dial сессия не сдаётся: переходит в RECONNECTING
// и продолжает попытки в фоне, а ошибка возвращается вызывающему
// для информации.
func (s *Session) Connect(ctx context.Context) error {
	select {
	case <-s.machine.ShutdownCh():
		return fmt.Errorf("сессия %s закрыта", s.config.Role)
	default:
	}

	if err := s.transition(state.StateConnecting, 0); err != nil {
		return err
	}

	if err := s.dial(ctx); err != nil {
		s.logger.Error("не удалось подключиться", zap.Error(err))
		s.transitionForce(state.StateReconnecting, 0)
		go s.reconnectLoop()
		return err
	}

	if s.discardAfterShutdown() {
		return fmt.Errorf("сессия %s закрыта во время подключения", s.config.Role)
	}

	s.transitionForce(state.StateConnected, 0)
	s.startLoops()
	s.replaySubscriptions()
	return nil
}

// Restart выводит сессию из терминального состояния FAILED
// и начинает новый цикл подключения. Единственный путь из FAILED.
func (s *Session) Restart(ctx context.Context) error {
	if !s.machine.Is(state.StateFailed) {
		return fmt.Errorf("restart допустим только из состояния %s, текущее: %s",
			state.StateFailed, s.machine.CurrentState())
	}
	return s.Connect(ctx)
}

// Close отключает сессию и останавливает фоновые горутины, включая
// цикл переподключения и незавершённый dial. Повторные вызовы безопасны.
// Закрытая сессия повторно не используется.
func (s *Session) Close() error {
	s.machine.Shutdown()
	s.stopLoops()

	s.connMu.Lock()
	if s.conn != nil {
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = s.conn.Close()
		s.conn = nil
	}
	s.connMu.Unlock()

	if !s.machine.Is(state.StateDisconnected) {
		s.transitionForce(state.StateDisconnected, 0)
	}
	return nil
}

// Subscribe добавляет подписку в реестр и, если сессия подключена,
// отправляет subscribe кадр. В отключённом состоянии подписка просто
// запоминается и воспроизведётся при следующем подключении.
func (s *Session) Subscribe(channel string, params map[string]any) error {
	sub := Subscription{Channel: channel, Params: params}
	s.registry.Add(sub)

	if !s.machine.Is(state.StateConnected) {
		s.logger.Debug("подписка отложена до подключения", zap.String("channel", channel))
		return nil
	}
	return s.sendSubscribe(sub)
}

// Unsubscribe удаляет подписку из реестра и, если сессия подключена,
// отправляет unsubscribe кадр.
func (s *Session) Unsubscribe(channel string, params map[string]any) error {
	if !s.registry.Remove(channel) {
		return nil
	}
	if !s.machine.Is(state.StateConnected) {
		return nil
	}

	frame := map[string]any{"channel": channel}
	for k, v := range params {
		frame[k] = v
	}
	s.injectToken(frame)
	return s.writeJSON(WsRequest{Method: "unsubscribe", Params: frame})
}

// -----------------------------------------------------------------------------
// Подключение и жизненный цикл
// -----------------------------------------------------------------------------

// dial устанавливает WebSocket соединение.
// Приватная роль сперва получает свежий токен через REST.
func (s *Session) dial(ctx context.Context) error {
	if s.config.Role == exchanges.RolePrivate {
		if s.config.TokenFunc == nil {
			return exchanges.NewConfigurationError("приватная сессия требует TokenFunc")
		}
		token, err := s.config.TokenFunc(ctx)
		if err != nil {
			return fmt.Errorf("не удалось получить WebSocket токен: %w", err)
		}
		s.tokenMu.Lock()
		s.token = token
		s.tokenMu.Unlock()
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.config.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.config.URL, err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	s.logger.Info("WebSocket подключён", zap.String("url", s.config.URL))
	return nil
}

// startLoops запускает горутины чтения и heartbeat для текущего соединения.
func (s *Session) startLoops() {
	s.stopLoopMu.Lock()
	s.stopLoopCh = make(chan struct{})
	stopCh := s.stopLoopCh
	s.stopLoopMu.Unlock()

	go s.runMessageLoop(stopCh)
	go s.runPingLoop(stopCh)
}

// stopLoops останавливает фоновые горутины текущего соединения.
func (s *Session) stopLoops() {
	s.stopLoopMu.Lock()
	defer s.stopLoopMu.Unlock()
	if s.stopLoopCh != nil {
		select {
		case <-s.stopLoopCh:
			// Уже закрыт
		default:
			close(s.stopLoopCh)
		}
	}
}

// runMessageLoop читает и обрабатывает входящие сообщения.
// Выход из цикла по ошибке чтения запускает reconnect.
func (s *Session) runMessageLoop(stopCh chan struct{}) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("паника в цикле чтения", zap.Any("panic", r))
			go s.handleDisconnect(stopCh)
		}
	}()

	readTimeout := s.config.HeartbeatInterval + s.config.PongTimeout

	for {
		select {
		case <-stopCh:
			return
		case <-s.machine.ShutdownCh():
			return
		default:
		}

		s.connMu.RLock()
		conn := s.conn
		s.connMu.RUnlock()
		if conn == nil {
			return
		}

		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-stopCh:
				// Штатное закрытие
				return
			default:
			}
			s.logger.Warn("ошибка чтения WebSocket", zap.Error(err))
			s.handleDisconnect(stopCh)
			return
		}

		s.handleMessage(raw)
	}
}

// handleMessage разбирает кадр и передаёт события приёмнику.
// Некорректный кадр логируется и отбрасывается, соединение живёт дальше.
func (s *Session) handleMessage(raw []byte) {
	events, msgType, err := ParseMessage(raw)
	if err != nil {
		metrics.IncrementWebSocketEvent(string(s.config.Role), "malformed")
		s.logger.Warn("отброшен некорректный кадр",
			zap.String("type", msgType),
			zap.Error(err),
			zap.ByteString("raw", raw[:min(len(raw), 256)]))
		return
	}

	metrics.IncrementWebSocketEvent(string(s.config.Role), msgType)
	for _, event := range events {
		s.config.OnEvent(event)
	}
}

// runPingLoop периодически отправляет ping уровня приложения.
func (s *Session) runPingLoop(stopCh chan struct{}) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("паника в цикле heartbeat", zap.Any("panic", r))
		}
	}()

	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-s.machine.ShutdownCh():
			return
		case <-ticker.C:
			if err := s.writeJSON(WsRequest{Method: "ping"}); err != nil {
				s.logger.Warn("не удалось отправить ping", zap.Error(err))
			}
		}
	}
}

// handleDisconnect переводит сессию в RECONNECTING и запускает цикл
// переподключения. Вызывается из цикла чтения при обрыве.
func (s *Session) handleDisconnect(stopCh chan struct{}) {
	// Если остановка штатная — reconnect не нужен
	select {
	case <-stopCh:
		return
	case <-s.machine.ShutdownCh():
		return
	default:
	}

	s.stopLoops()

	s.connMu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.connMu.Unlock()

	if !s.machine.CanTransition(state.StateReconnecting) {
		return
	}
	s.transitionForce(state.StateReconnecting, 0)
	go s.reconnectLoop()
}

// reconnectLoop выполняет попытки переподключения с exponential backoff.
//
// Каждая попытка: RECONNECTING -> CONNECTING -> (CONNECTED | RECONNECTING).
// После MaxReconnectAttempts неудач сессия переходит в терминальный FAILED.
func (s *Session) reconnectLoop() {
	delay := s.config.ReconnectInitialDelay

	for attempt := 1; attempt <= s.config.MaxReconnectAttempts; attempt++ {
		select {
		case <-s.machine.ShutdownCh():
			return
		case <-time.After(delay):
		}

		// Сессию могли закрыть за время сна
		if !s.machine.Is(state.StateReconnecting) {
			return
		}

		s.logger.Info("попытка переподключения",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", s.config.MaxReconnectAttempts))

		s.transitionForce(state.StateConnecting, attempt)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := s.dial(ctx)
		cancel()

		if err == nil {
			// Close мог прийти, пока dial был в полёте: соединение
			// сбрасывается, закрытая сессия не оживает
			if s.discardAfterShutdown() {
				return
			}
			metrics.IncrementReconnect(string(s.config.Role), true)
			s.transitionForce(state.StateConnected, attempt)
			s.startLoops()
			s.replaySubscriptions()
			return
		}

		metrics.IncrementReconnect(string(s.config.Role), false)
		s.logger.Warn("переподключение не удалось",
			zap.Int("attempt", attempt),
			zap.Error(err))

		s.transitionForce(state.StateReconnecting, attempt)

		delay *= 2
		if delay > s.config.ReconnectMaxDelay {
			delay = s.config.ReconnectMaxDelay
		}
	}

	// Попытки исчерпаны: терминальное состояние до явного Restart
	s.logger.Error("попытки переподключения исчерпаны, сессия остановлена",
		zap.Int("attempts", s.config.MaxReconnectAttempts))
	s.transitionForce(state.StateFailed, s.config.MaxReconnectAttempts)
}

// discardAfterShutdown закрывает только что установленное соединение,
// если сессию успели закрыть за время dial. Возвращает true, если
// сессия закрыта и соединение сброшено.
func (s *Session) discardAfterShutdown() bool {
	select {
	case <-s.machine.ShutdownCh():
	default:
		return false
	}

	s.connMu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.connMu.Unlock()

	s.machine.ForceTransition(state.StateDisconnected)
	return true
}

// replaySubscriptions воспроизводит все подписки реестра.
// Вызывается ровно один раз на каждое успешное подключение.
func (s *Session) replaySubscriptions() {
	for _, sub := range s.registry.Snapshot() {
		if err := s.sendSubscribe(sub); err != nil {
			s.logger.Error("не удалось восстановить подписку",
				zap.String("channel", sub.Channel),
				zap.Error(err))
		}
	}
}

// sendSubscribe отправляет subscribe кадр.
func (s *Session) sendSubscribe(sub Subscription) error {
	frame := map[string]any{"channel": sub.Channel}
	for k, v := range sub.Params {
		frame[k] = v
	}
	s.injectToken(frame)
	return s.writeJSON(WsRequest{Method: "subscribe", Params: frame})
}

// injectToken добавляет токен аутентификации в параметры кадра
// (только приватная роль).
func (s *Session) injectToken(frame map[string]any) {
	if s.config.Role != exchanges.RolePrivate {
		return
	}
	s.tokenMu.RLock()
	frame["token"] = s.token
	s.tokenMu.RUnlock()
}

// writeJSON сериализует и отправляет кадр под writeMu.
func (s *Session) writeJSON(v any) error {
	s.connMu.RLock()
	conn := s.conn
	s.connMu.RUnlock()
	if conn == nil {
		return fmt.Errorf("сессия %s не подключена", s.config.Role)
	}

	payload, err := jsonFast.Marshal(v)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// -----------------------------------------------------------------------------
// Переходы состояний
// -----------------------------------------------------------------------------

// transition выполняет проверяемый переход и публикует событие.
func (s *Session) transition(to state.State, attempt int) error {
	from := s.machine.CurrentState()
	if err := s.machine.Transition(to); err != nil {
		return err
	}
	s.announceTransition(from, to, attempt)
	return nil
}

// transitionForce выполняет переход без проверки (внутренние переходы
// жизненного цикла, корректность которых гарантирует сама сессия).
func (s *Session) transitionForce(to state.State, attempt int) {
	from := s.machine.CurrentState()
	s.machine.ForceTransition(to)
	s.announceTransition(from, to, attempt)
}

func (s *Session) announceTransition(from, to state.State, attempt int) {
	metrics.SetWebSocketConnected(string(s.config.Role), to == state.StateConnected)

	s.logger.Info("переход состояния сессии",
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.Int("attempt", attempt))

	s.config.OnEvent(exchanges.StateChangedEvent{
		Role:      s.config.Role,
		From:      from.String(),
		To:        to.String(),
		Attempt:   attempt,
		Terminal:  to == state.StateFailed,
		Timestamp: time.Now(),
	})
}

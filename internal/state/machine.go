package state

import (
	"fmt"
	"sync"
)

// State представляет состояние WebSocket сессии.
type State string

const (
	// StateDisconnected - сессия не подключена.
	// Начальное состояние после создания или после явного disconnect.
	StateDisconnected State = "DISCONNECTED"

	// StateConnecting - выполняется установка соединения.
	StateConnecting State = "CONNECTING"

	// StateConnected - соединение установлено, идёт приём сообщений.
	// Heartbeat активен, подписки восстановлены.
	StateConnected State = "CONNECTED"

	// StateReconnecting - соединение потеряно, ожидание backoff перед
	// следующей попыткой подключения.
	StateReconnecting State = "RECONNECTING"

	// StateFailed - исчерпаны попытки переподключения.
	// Терминальное состояние, восстановление только через явный Restart.
	StateFailed State = "FAILED"
)

// Machine управляет состоянием WebSocket сессии.
// Потокобезопасна (thread-safe).
type Machine struct {
	current      State         // Текущее состояние
	mu           sync.RWMutex  // Защита current
	shutdownCh   chan struct{} // Канал для graceful shutdown
	shutdownOnce sync.Once     // Защита от повторного вызова Shutdown()
}

// NewMachine создаёт новую State Machine с начальным состоянием DISCONNECTED.
func NewMachine() *Machine {
	return &Machine{
		current:    StateDisconnected,
		shutdownCh: make(chan struct{}),
	}
}

// NewMachineWithState создаёт новую State Machine с указанным начальным состоянием.
// Если состояние невалидное, возвращает nil и ошибку.
func NewMachineWithState(initial State) (*Machine, error) {
	if !isValidState(initial) {
		return nil, fmt.Errorf("недопустимое начальное состояние: %s", initial)
	}

	return &Machine{
		current:    initial,
		shutdownCh: make(chan struct{}),
	}, nil
}

// isValidState проверяет, является ли состояние валидным.
func isValidState(s State) bool {
	validStates := map[State]bool{
		StateDisconnected: true,
		StateConnecting:   true,
		StateConnected:    true,
		StateReconnecting: true,
		StateFailed:       true,
	}
	return validStates[s]
}

// CurrentState возвращает текущее состояние.
func (m *Machine) CurrentState() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition выполняет переход в новое состояние.
// Проверяет, разрешён ли переход согласно таблице разрешённых переходов.
//
// Возвращает ошибку, если переход не разрешён.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.canTransition(m.current, to) {
		return fmt.Errorf(
			"invalid state transition from %s to %s",
			m.current,
			to,
		)
	}

	m.current = to

	return nil
}

// CanTransition проверяет, разрешён ли переход из текущего состояния в указанное.
func (m *Machine) CanTransition(to State) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.canTransition(m.current, to)
}

// canTransition внутренний метод проверки разрешённости перехода.
// Должен вызываться под блокировкой мутекса.
func (m *Machine) canTransition(from, to State) bool {
	// Переход в то же состояние разрешён
	if from == to {
		return true
	}

	allowedTransitions, exists := AllowedTransitions[from]
	if !exists {
		return false
	}

	for _, allowedTo := range allowedTransitions {
		if allowedTo == to {
			return true
		}
	}

	return false
}

// ForceTransition принудительно переводит в указанное состояние без проверки.
// Используется только при shutdown.
func (m *Machine) ForceTransition(to State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = to
}

// Is проверяет, находится ли State Machine в указанном состоянии.
func (m *Machine) Is(state State) bool {
	return m.CurrentState() == state
}

// IsOneOf проверяет, находится ли State Machine в одном из указанных состояний.
func (m *Machine) IsOneOf(states ...State) bool {
	current := m.CurrentState()
	for _, state := range states {
		if current == state {
			return true
		}
	}
	return false
}

// ShutdownCh возвращает канал для graceful shutdown.
// Закрывается при вызове Shutdown().
func (m *Machine) ShutdownCh() <-chan struct{} {
	return m.shutdownCh
}

// Shutdown сигнализирует о завершении работы.
// Безопасен для вызова несколько раз (защита через sync.Once).
func (m *Machine) Shutdown() {
	m.shutdownOnce.Do(func() {
		close(m.shutdownCh)
	})
}

// String возвращает строковое представление состояния.
func (s State) String() string {
	return string(s)
}

// String возвращает строковое представление текущего состояния.
func (m *Machine) String() string {
	return m.CurrentState().String()
}

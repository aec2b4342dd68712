package exchanges

import (
	"sync"
	"sync/atomic"
	"time"
)

// EmergencyStop — глобальный interlock аварийной остановки торговли.
// Потокобезопасен (thread-safe).
//
// Пока флаг включён, все операции выставления и изменения ордеров обязаны
// завершаться ошибкой ErrorTypeEmergencyStop ДО какого-либо сетевого вызова.
// Проверка не зависит от состояния соединений: остановка действует и при
// полностью рабочих WebSocket/REST.
//
// Отмена ордеров (CancelOrder) из-под interlock исключена намеренно —
// оператор должен иметь возможность снимать ордера во время остановки.
//
// Флаг меняется только явным действием оператора: Engage / Disengage.
type EmergencyStop struct {
	engaged atomic.Bool // Горячий путь: читается при каждом PlaceOrder

	mu        sync.RWMutex // Защита reason и engagedAt
	reason    string       // Причина остановки
	engagedAt time.Time    // Время включения
}

// NewEmergencyStop создаёт interlock в выключенном состоянии.
func NewEmergencyStop() *EmergencyStop {
	return &EmergencyStop{}
}

// Engage включает аварийную остановку с указанием причины.
// Повторный вызов обновляет причину, но не меняет семантику.
func (s *EmergencyStop) Engage(reason string) {
	s.mu.Lock()
	s.reason = reason
	s.engagedAt = time.Now()
	s.mu.Unlock()

	s.engaged.Store(true)
}

// Disengage выключает аварийную остановку.
func (s *EmergencyStop) Disengage() {
	s.engaged.Store(false)

	s.mu.Lock()
	s.reason = ""
	s.engagedAt = time.Time{}
	s.mu.Unlock()
}

// IsEngaged возвращает true, если остановка включена.
// Только atomic load — безопасно для вызова на каждом ордере.
func (s *EmergencyStop) IsEngaged() bool {
	return s.engaged.Load()
}

// Reason возвращает причину текущей остановки (пустая строка, если выключена).
func (s *EmergencyStop) Reason() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reason
}

// EngagedAt возвращает время включения остановки.
func (s *EmergencyStop) EngagedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engagedAt
}

// Guard возвращает ошибку ErrorTypeEmergencyStop, если остановка включена.
// Вспомогательный метод для операций, обязанных проверять interlock первым действием.
func (s *EmergencyStop) Guard() error {
	if !s.engaged.Load() {
		return nil
	}
	return NewEmergencyStopError(s.Reason())
}

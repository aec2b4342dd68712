package kraken

import (
	"sort"
	"sync"
)

// Subscription описывает желаемую подписку WebSocket канала.
// Params — параметры subscribe кадра без служебных полей (token
// добавляется сессией при отправке).
type Subscription struct {
	Channel string
	Params  map[string]any
}

// SubscriptionRegistry хранит множество желаемых подписок сессии.
// Потокобезопасен (thread-safe).
//
// Реестр — источник истины для resubscribe: при каждом (пере)подключении
// сессия воспроизводит все записи ровно один раз. Subscribe/Unsubscribe
// сначала меняют реестр и только затем трогают сеть, поэтому подписка,
// сделанная в отключённом состоянии, доживает до следующего подключения.
type SubscriptionRegistry struct {
	mu   sync.RWMutex
	subs map[string]Subscription // Ключ — имя канала
}

// NewSubscriptionRegistry создаёт пустой реестр.
func NewSubscriptionRegistry() *SubscriptionRegistry {
	return &SubscriptionRegistry{
		subs: make(map[string]Subscription),
	}
}

// Add добавляет либо заменяет подписку канала.
func (r *SubscriptionRegistry) Add(sub Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[sub.Channel] = sub
}

// Remove удаляет подписку канала.
// Возвращает true, если подписка существовала.
func (r *SubscriptionRegistry) Remove(channel string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.subs[channel]
	delete(r.subs, channel)
	return ok
}

// Get возвращает подписку канала.
func (r *SubscriptionRegistry) Get(channel string) (Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sub, ok := r.subs[channel]
	return sub, ok
}

// Snapshot возвращает копию всех подписок, отсортированную по имени канала.
// Детерминированный порядок упрощает логи и тесты resubscribe.
func (r *SubscriptionRegistry) Snapshot() []Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out
}

// Len возвращает количество подписок.
func (r *SubscriptionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

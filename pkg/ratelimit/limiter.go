package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// admissionMargin — небольшой запас при расчёте времени ожидания.
// Гарантирует, что после сна самая старая метка действительно вышла из окна.
const admissionMargin = 5 * time.Millisecond

// Limiter реализует rate limiting по алгоритму скользящего окна (sliding window).
// Потокобезопасен (thread-safe).
//
// Скользящее окно работает следующим образом:
//  1. Хранится упорядоченный список временных меток допущенных запросов
//  2. Перед каждой проверкой метки старше окна отбрасываются
//  3. Если меток меньше ёмкости — запрос допускается и метка записывается
//  4. Если окно заполнено — вызывающий ждёт, пока самая старая метка не выйдет из окна
//
// В отличие от token bucket, скользящее окно даёт строгую гарантию:
// в любом хвостовом интервале длиной window допускается не более capacity запросов.
//
// Пример:
//
//	// Создать limiter: 60 запросов в минуту
//	limiter := ratelimit.NewLimiter(60, time.Minute)
//
//	// Ждать допуска (блокирующий вызов)
//	if err := limiter.Admit(ctx); err != nil {
//	    return err // контекст отменён
//	}
type Limiter struct {
	capacity int           // Максимальное количество допусков в окне
	window   time.Duration // Длительность скользящего окна
	stamps   []time.Time   // Временные метки допущенных запросов (по возрастанию)
	mu       sync.Mutex    // Мутекс для защиты stamps
}

// NewLimiter создаёт новый Rate Limiter.
//
// Параметры:
//   - capacity: количество разрешённых запросов за окно
//   - window: длительность окна (например, time.Minute для "запросов в минуту")
func NewLimiter(capacity int, window time.Duration) *Limiter {
	if capacity < 1 {
		capacity = 1
	}
	if window <= 0 {
		window = time.Minute
	}

	return &Limiter{
		capacity: capacity,
		window:   window,
		stamps:   make([]time.Time, 0, capacity),
	}
}

// Admit блокирует вызывающего, пока в окне не освободится слот,
// затем записывает временную метку допуска.
//
// Ожидание реализовано циклом с повторной проверкой, а не одним сном:
// за время сна другие горутины могли занять освободившийся слот.
//
// Возвращает ошибку только при отмене контекста.
func (l *Limiter) Admit(ctx context.Context) error {
	for {
		ok, wait := l.tryAdmit()
		if ok {
			return nil
		}

		// Проверить, не отменён ли контекст
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if wait < time.Millisecond {
			wait = time.Millisecond
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
			// Повторить попытку
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// TryAcquire пытается получить допуск без ожидания.
// Возвращает true, если допуск получен.
func (l *Limiter) TryAcquire() bool {
	ok, _ := l.tryAdmit()
	return ok
}

// tryAdmit выполняет одну попытку допуска.
// Возвращает (true, 0) при успехе либо (false, wait) — сколько ждать до освобождения слота.
func (l *Limiter) tryAdmit() (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.evict(now)

	if len(l.stamps) < l.capacity {
		l.stamps = append(l.stamps, now)
		return true, 0
	}

	// Окно заполнено: ждать, пока самая старая метка не выйдет из окна
	wait := l.window - now.Sub(l.stamps[0]) + admissionMargin
	return false, wait
}

// evict отбрасывает метки, вышедшие из скользящего окна.
// Должен вызываться под блокировкой мутекса.
func (l *Limiter) evict(now time.Time) {
	cutoff := now.Add(-l.window)
	idx := 0
	for idx < len(l.stamps) && !l.stamps[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		l.stamps = append(l.stamps[:0], l.stamps[idx:]...)
	}
}

// Len возвращает текущее количество допусков в окне.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.evict(time.Now())
	return len(l.stamps)
}

// Reset очищает окно допусков.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.stamps = l.stamps[:0]
}

// String возвращает строковое представление состояния limiter.
func (l *Limiter) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.evict(time.Now())
	return fmt.Sprintf(
		"Limiter{admitted: %d/%d, window: %s}",
		len(l.stamps),
		l.capacity,
		l.window,
	)
}

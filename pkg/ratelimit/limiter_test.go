package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestAdmitWithinCapacity(t *testing.T) {
	limiter := NewLimiter(3, time.Second)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := limiter.Admit(ctx); err != nil {
			t.Fatalf("admit %d: unexpected error: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("admissions within capacity must not block, took %v", elapsed)
	}
	if got := limiter.Len(); got != 3 {
		t.Errorf("expected 3 admissions in window, got %d", got)
	}
}

func TestAdmitBlocksWhenSaturated(t *testing.T) {
	// Сценарий из спецификации: capacity=2, window=1000ms, три вызова на t=0.
	limiter := NewLimiter(2, time.Second)
	ctx := context.Background()

	if err := limiter.Admit(ctx); err != nil {
		t.Fatal(err)
	}
	if err := limiter.Admit(ctx); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if err := limiter.Admit(ctx); err != nil {
		t.Fatal(err)
	}
	elapsed := time.Since(start)

	if elapsed < 900*time.Millisecond {
		t.Errorf("third admit returned too early: %v", elapsed)
	}
	if elapsed > 1500*time.Millisecond {
		t.Errorf("third admit waited too long: %v", elapsed)
	}
}

func TestAdmitContextCancelled(t *testing.T) {
	limiter := NewLimiter(1, time.Minute)
	if err := limiter.Admit(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := limiter.Admit(ctx)
	if err == nil {
		t.Fatal("expected context error for saturated window")
	}
}

func TestTryAcquire(t *testing.T) {
	limiter := NewLimiter(1, time.Minute)

	if !limiter.TryAcquire() {
		t.Fatal("first TryAcquire must succeed")
	}
	if limiter.TryAcquire() {
		t.Fatal("second TryAcquire must fail, window saturated")
	}

	limiter.Reset()
	if !limiter.TryAcquire() {
		t.Fatal("TryAcquire after Reset must succeed")
	}
}

// TestWindowNeverExceedsCapacity проверяет главное свойство скользящего окна:
// ни в одном хвостовом интервале количество допусков не превышает ёмкость.
func TestWindowNeverExceedsCapacity(t *testing.T) {
	const (
		capacity = 5
		window   = 200 * time.Millisecond
		workers  = 20
	)

	limiter := NewLimiter(capacity, window)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var mu sync.Mutex
	var admissions []time.Time

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if err := limiter.Admit(ctx); err != nil {
					return
				}
				mu.Lock()
				admissions = append(admissions, time.Now())
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// Проверить каждое хвостовое окно по записанным меткам.
	// Запас 10ms на время между допуском и записью метки.
	mu.Lock()
	defer mu.Unlock()
	for i := range admissions {
		count := 1
		for j := i + 1; j < len(admissions); j++ {
			if admissions[j].Sub(admissions[i]) < window-10*time.Millisecond {
				count++
			}
		}
		if count > capacity {
			t.Fatalf("window starting at admission %d holds %d admissions, capacity %d", i, count, capacity)
		}
	}
}

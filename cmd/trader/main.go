// cmd/trader/main.go
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"kraken-terminal/internal/config"
	"kraken-terminal/internal/db"
	"kraken-terminal/internal/exchanges"
	"kraken-terminal/internal/exchanges/kraken"
	"kraken-terminal/internal/logger"
	"kraken-terminal/pkg/metrics"
)

func main() {
	configPath := flag.String("config", "configs/app.yaml", "путь к конфигурационному файлу")
	flag.Parse()

	// .env опционален: учётные данные могут прийти из окружения напрямую
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ошибка конфигурации: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ошибка логгера: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("завершение с ошибкой", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	metrics.RegisterMetrics()

	// Метрики Prometheus
	if cfg.Metrics.Enabled {
		go serveMetrics(cfg.Metrics, log)
	}

	// Журнал событий (опционален)
	var journal *db.Repository
	if cfg.Database.Enabled {
		if err := db.RunMigrations(cfg.Database.GetURL(), "file://internal/db/migrations"); err != nil {
			return fmt.Errorf("миграции: %w", err)
		}
		repo, err := db.NewRepository(cfg.Database.GetDSN(), cfg.Database.MaxConnections)
		if err != nil {
			return fmt.Errorf("журнал: %w", err)
		}
		journal = repo
		defer journal.Close()
		log.Info("журнал событий подключён")
	}

	client, err := kraken.NewClient(cfg.Exchange, log.Named("kraken"))
	if err != nil {
		return fmt.Errorf("коннектор: %w", err)
	}

	if err := client.Connect(); err != nil {
		return fmt.Errorf("подключение: %w", err)
	}
	defer client.Close()

	// Потребитель событий: журнал и метрики
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		consumeEvents(client.Events(), journal, log.Named("journal"))
	}()

	log.Info("kraken-terminal запущен",
		zap.String("exchange", client.GetName()),
		zap.Bool("journal", journal != nil))

	// Ожидание сигнала завершения
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("получен сигнал завершения", zap.String("signal", sig.String()))

	client.Close()

	select {
	case <-consumerDone:
	case <-time.After(5 * time.Second):
		log.Warn("потребитель событий не завершился вовремя")
	}

	log.Info("kraken-terminal остановлен")
	return nil
}

// serveMetrics поднимает HTTP сервер для /metrics.
func serveMetrics(cfg config.MetricsConfig, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, metrics.Handler())

	addr := fmt.Sprintf(":%d", cfg.Port)
	log.Info("метрики доступны", zap.String("addr", addr), zap.String("path", cfg.Path))

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("сервер метрик остановлен", zap.Error(err))
	}
}

// consumeEvents читает поток событий коннектора до закрытия канала
// и пишет торговые события в журнал. Ошибки журнала не останавливают
// обработку: торговля важнее истории.
func consumeEvents(events <-chan exchanges.Event, journal *db.Repository, log *zap.Logger) {
	for event := range events {
		if journal == nil {
			continue
		}
		if err := journalEvent(journal, event); err != nil {
			log.Warn("не удалось записать событие в журнал",
				zap.String("event", event.EventName()),
				zap.Error(err))
		}
	}
}

// journalEvent раскладывает доменное событие по таблицам журнала.
func journalEvent(journal *db.Repository, event exchanges.Event) error {
	switch e := event.(type) {
	case exchanges.OrderPlacedEvent:
		return journal.RecordOrderPlaced(&db.JournalOrder{
			TxID:         e.Order.ID,
			Pair:         e.Order.Pair,
			Side:         string(e.Order.Side),
			OrderType:    string(e.Order.Type),
			Volume:       e.Order.Volume,
			FilledVolume: e.Order.FilledVolume,
			Price:        e.Order.Price,
			Status:       string(e.Order.Status),
			PlacedAt:     e.Timestamp,
			UpdatedAt:    e.Timestamp,
		})

	case exchanges.OrderUpdateEvent:
		return journal.RecordOrderUpdate(&db.JournalExecution{
			TxID:         e.Order.ID,
			Pair:         e.Order.Pair,
			FilledVolume: e.Order.FilledVolume,
			Status:       string(e.Order.Status),
			OccurredAt:   e.Timestamp,
		})

	case exchanges.OrderCancelledEvent:
		return journal.MarkOrderCancelled(e.OrderID, e.Timestamp)

	case exchanges.StateChangedEvent:
		return journal.RecordConnectionEvent(&db.ConnectionEvent{
			Kind:       db.EventKindConnection,
			Role:       string(e.Role),
			FromState:  e.From,
			ToState:    e.To,
			Detail:     fmt.Sprintf("attempt=%d", e.Attempt),
			OccurredAt: e.Timestamp,
		})

	case exchanges.EmergencyStopEvent:
		state := "disengaged"
		if e.Engaged {
			state = "engaged"
		}
		return journal.RecordConnectionEvent(&db.ConnectionEvent{
			Kind:       db.EventKindEmergencyStop,
			ToState:    state,
			Detail:     e.Reason,
			OccurredAt: e.Timestamp,
		})
	}

	// Рыночные данные в журнал не пишутся
	return nil
}

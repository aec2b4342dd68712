package db

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL драйвер
)

// Repository — журнал коннектора в PostgreSQL.
// Пишется асинхронно потребителем событий; торговый путь от базы не зависит.
type Repository struct {
	db *sql.DB
}

// NewRepository открывает пул соединений и проверяет доступность базы.
// Параметры:
//   - dsn: строка подключения к PostgreSQL (из DatabaseConfig.GetDSN())
//   - maxConnections: максимальное количество соединений в пуле
func NewRepository(dsn string, maxConnections int) (*Repository, error) {
	database, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("не удалось открыть соединение с БД: %w", err)
	}

	// Настройка пула соединений
	if maxConnections > 0 {
		database.SetMaxOpenConns(maxConnections)
		database.SetMaxIdleConns(maxConnections / 2)
	} else {
		database.SetMaxOpenConns(20)
		database.SetMaxIdleConns(10)
	}
	database.SetConnMaxLifetime(5 * time.Minute)

	if err := database.Ping(); err != nil {
		return nil, fmt.Errorf("не удалось подключиться к БД: %w", err)
	}

	return &Repository{db: database}, nil
}

// Close закрывает пул соединений.
func (r *Repository) Close() error {
	return r.db.Close()
}

// === Журнал ордеров ===

// RecordOrderPlaced записывает выставленный ордер.
func (r *Repository) RecordOrderPlaced(order *JournalOrder) error {
	query := `
		INSERT INTO orders (txid, pair, side, order_type, volume, filled_volume, price, status, placed_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		ON CONFLICT (txid) DO NOTHING
	`

	_, err := r.db.Exec(
		query,
		order.TxID,
		order.Pair,
		order.Side,
		order.OrderType,
		order.Volume,
		order.FilledVolume,
		order.Price,
		order.Status,
		order.PlacedAt,
	)
	if err != nil {
		return fmt.Errorf("не удалось записать ордер %s: %w", order.TxID, err)
	}
	return nil
}

// RecordOrderUpdate обновляет статус и исполненный объём ордера,
// а также пишет строку в журнал исполнений.
func (r *Repository) RecordOrderUpdate(exec *JournalExecution) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("не удалось открыть транзакцию: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		UPDATE orders
		SET filled_volume = $2, status = $3, updated_at = $4
		WHERE txid = $1
	`, exec.TxID, exec.FilledVolume, exec.Status, exec.OccurredAt)
	if err != nil {
		return fmt.Errorf("не удалось обновить ордер %s: %w", exec.TxID, err)
	}

	_, err = tx.Exec(`
		INSERT INTO executions (txid, pair, filled_volume, status, occurred_at)
		VALUES ($1, $2, $3, $4, $5)
	`, exec.TxID, exec.Pair, exec.FilledVolume, exec.Status, exec.OccurredAt)
	if err != nil {
		return fmt.Errorf("не удалось записать исполнение %s: %w", exec.TxID, err)
	}

	return tx.Commit()
}

// MarkOrderCancelled помечает ордер отменённым.
func (r *Repository) MarkOrderCancelled(txid string, at time.Time) error {
	_, err := r.db.Exec(`
		UPDATE orders SET status = 'canceled', updated_at = $2 WHERE txid = $1
	`, txid, at)
	if err != nil {
		return fmt.Errorf("не удалось пометить ордер %s отменённым: %w", txid, err)
	}
	return nil
}

// OpenJournalOrders возвращает ордера в нетерминальных статусах.
func (r *Repository) OpenJournalOrders() ([]JournalOrder, error) {
	rows, err := r.db.Query(`
		SELECT id, txid, pair, side, order_type, volume, filled_volume, price, status, placed_at, updated_at
		FROM orders
		WHERE status IN ('pending', 'open')
		ORDER BY placed_at
	`)
	if err != nil {
		return nil, fmt.Errorf("не удалось получить открытые ордера: %w", err)
	}
	defer rows.Close()

	var orders []JournalOrder
	for rows.Next() {
		var o JournalOrder
		if err := rows.Scan(
			&o.ID, &o.TxID, &o.Pair, &o.Side, &o.OrderType,
			&o.Volume, &o.FilledVolume, &o.Price, &o.Status,
			&o.PlacedAt, &o.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("не удалось прочитать строку ордера: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// === Журнал событий соединений ===

// RecordConnectionEvent записывает переход состояния сессии
// либо переключение аварийной остановки.
func (r *Repository) RecordConnectionEvent(event *ConnectionEvent) error {
	_, err := r.db.Exec(`
		INSERT INTO connection_events (kind, role, from_state, to_state, detail, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, event.Kind, event.Role, event.FromState, event.ToState, event.Detail, event.OccurredAt)
	if err != nil {
		return fmt.Errorf("не удалось записать событие соединения: %w", err)
	}
	return nil
}

// RecentConnectionEvents возвращает последние события соединений.
func (r *Repository) RecentConnectionEvents(limit int) ([]ConnectionEvent, error) {
	rows, err := r.db.Query(`
		SELECT id, kind, role, from_state, to_state, detail, occurred_at
		FROM connection_events
		ORDER BY occurred_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("не удалось получить события соединений: %w", err)
	}
	defer rows.Close()

	var events []ConnectionEvent
	for rows.Next() {
		var e ConnectionEvent
		if err := rows.Scan(&e.ID, &e.Kind, &e.Role, &e.FromState, &e.ToState, &e.Detail, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("не удалось прочитать строку события: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

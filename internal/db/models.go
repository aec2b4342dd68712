package db

import "time"

// JournalOrder — запись журнала о выставленном ордере.
// Журнал append-mostly: статус и исполненный объём обновляются
// по событиям приватного WebSocket.
type JournalOrder struct {
	ID           int64     `db:"id"`
	TxID         string    `db:"txid"`   // ID ордера на бирже
	Pair         string    `db:"pair"`   // Символ пары ("XBT/USD")
	Side         string    `db:"side"`   // buy / sell
	OrderType    string    `db:"order_type"`
	Volume       float64   `db:"volume"`
	FilledVolume float64   `db:"filled_volume"`
	Price        float64   `db:"price"` // 0 для market
	Status       string    `db:"status"`
	PlacedAt     time.Time `db:"placed_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

// JournalExecution — запись об изменении исполнения ордера.
type JournalExecution struct {
	ID           int64     `db:"id"`
	TxID         string    `db:"txid"`
	Pair         string    `db:"pair"`
	FilledVolume float64   `db:"filled_volume"`
	Status       string    `db:"status"`
	OccurredAt   time.Time `db:"occurred_at"`
}

// ConnectionEvent — запись о переходе состояния WebSocket сессии
// либо о переключении аварийной остановки.
type ConnectionEvent struct {
	ID         int64     `db:"id"`
	Kind       string    `db:"kind"` // connection / emergency_stop
	Role       string    `db:"role"` // public / private, пусто для interlock
	FromState  string    `db:"from_state"`
	ToState    string    `db:"to_state"`
	Detail     string    `db:"detail"` // Причина остановки, номер попытки
	OccurredAt time.Time `db:"occurred_at"`
}

// Виды записей ConnectionEvent.
const (
	EventKindConnection    = "connection"
	EventKindEmergencyStop = "emergency_stop"
)

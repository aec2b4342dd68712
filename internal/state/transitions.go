package state

// AllowedTransitions определяет разрешённые переходы между состояниями сессии.
// Ключ - текущее состояние, значение - список состояний, в которые можно перейти.
//
// Диаграмма переходов:
//
//	DISCONNECTED ──connect()──> CONNECTING ──onOpen──> CONNECTED
//	      ↑                         ↑  │                   │
//	      │                         │  │            onClose/onError
//	      │                  (после backoff)               │
//	      │                         │  ↓                   ↓
//	      └──disconnect()── RECONNECTING <─(попытки остались)
//	                                │
//	                        (попытки исчерпаны)
//	                                ↓
//	                             FAILED ──Restart()──> CONNECTING
//
// Ключевые особенности:
//  1. disconnect() разрешён из любого состояния - прекращает все retry
//  2. FAILED - терминальное, выход только через явный Restart
//  3. Счётчик попыток reconnect сбрасывается при каждом входе в CONNECTED
var AllowedTransitions = map[State][]State{
	// DISCONNECTED может перейти только в CONNECTING (явный connect)
	StateDisconnected: {
		StateConnecting,
	},

	// CONNECTING: успех, потеря соединения во время handshake или явный disconnect
	StateConnecting: {
		StateConnected,    // onOpen
		StateReconnecting, // handshake не удался, попытки остались
		StateFailed,       // handshake не удался, попытки исчерпаны
		StateDisconnected, // disconnect()
	},

	// CONNECTED: потеря соединения или явный disconnect
	StateConnected: {
		StateReconnecting, // onClose/onError, попытки остались
		StateFailed,       // onClose/onError, попытки исчерпаны
		StateDisconnected, // disconnect()
	},

	// RECONNECTING: после backoff новая попытка либо отмена
	StateReconnecting: {
		StateConnecting,   // backoff истёк
		StateFailed,       // попытки исчерпаны
		StateDisconnected, // disconnect()
	},

	// FAILED: только явный Restart (через CONNECTING) или disconnect
	StateFailed: {
		StateConnecting,
		StateDisconnected,
	},
}

package kraken

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"strconv"
	"sync"
	"time"

	"kraken-terminal/internal/exchanges"
)

// =============================================================================
// Подпись приватных запросов
// =============================================================================

// Signer формирует подпись API-Sign для приватных REST запросов Kraken.
//
// Схема подписи:
//
//	API-Sign = base64(HMAC-SHA512(key = base64decode(secret),
//	                              msg = path + SHA256(nonce + body)))
//
// Секрет декодируется один раз при создании. Некорректный base64 —
// ошибка конфигурации, обнаруживается до первого сетевого вызова.
type Signer struct {
	apiKey string
	secret []byte // Декодированный секрет
}

// NewSigner создаёт подписанта из учётных данных.
// apiSecret — в base64, как выдаёт биржа в личном кабинете.
func NewSigner(apiKey, apiSecret string) (*Signer, error) {
	if apiKey == "" {
		return nil, exchanges.NewConfigurationError("api_key не задан")
	}
	if apiSecret == "" {
		return nil, exchanges.NewConfigurationError("api_secret не задан")
	}

	secret, err := base64.StdEncoding.DecodeString(apiSecret)
	if err != nil {
		return nil, exchanges.NewConfigurationError("api_secret не является корректным base64: " + err.Error())
	}

	return &Signer{apiKey: apiKey, secret: secret}, nil
}

// APIKey возвращает публичный ключ для заголовка API-Key.
func (s *Signer) APIKey() string {
	return s.apiKey
}

// Sign вычисляет подпись запроса.
// path — путь эндпоинта (например, "/0/private/AddOrder"),
// nonce — значение nonce из тела запроса,
// body — закодированное тело (application/x-www-form-urlencoded),
// уже содержащее nonce.
func (s *Signer) Sign(path string, nonce int64, body string) string {
	// Внутренний хеш: SHA256(nonce + body)
	inner := sha256.Sum256([]byte(strconv.FormatInt(nonce, 10) + body))

	// Внешний: HMAC-SHA512(secret, path + inner)
	mac := hmac.New(sha512.New, s.secret)
	mac.Write([]byte(path))
	mac.Write(inner[:])

	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// =============================================================================
// Генерация nonce
// =============================================================================

// NonceSource выдаёт строго возрастающие nonce для приватных запросов.
// Потокобезопасен (thread-safe).
//
// Kraken требует, чтобы nonce каждого запроса был больше предыдущего.
// База — микросекунды Unix времени; если два вызова попадают в один
// микросекундный тик (или часы ушли назад), значение увеличивается на 1
// от последнего выданного.
type NonceSource struct {
	mu   sync.Mutex
	last int64
}

// NewNonceSource создаёт источник nonce.
func NewNonceSource() *NonceSource {
	return &NonceSource{}
}

// Next возвращает следующий nonce. Гарантированно больше предыдущего.
func (n *NonceSource) Next() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	nonce := time.Now().UnixMicro()
	if nonce <= n.last {
		nonce = n.last + 1
	}
	n.last = nonce
	return nonce
}

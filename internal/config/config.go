package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config представляет главную конфигурацию приложения.
// Загружается из файла configs/app.yaml с поддержкой переменных окружения.
type Config struct {
	Exchange ExchangeConfig `yaml:"exchange"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ExchangeConfig содержит параметры подключения к Kraken.
type ExchangeConfig struct {
	APIKey       string `yaml:"api_key"`
	APISecret    string `yaml:"api_secret"` // base64, как выдаёт биржа
	RestURL      string `yaml:"rest_url"`
	WsPublicURL  string `yaml:"ws_public_url"`
	WsPrivateURL string `yaml:"ws_private_url"`

	// RestTimeout — таймаут одного REST запроса.
	RestTimeout time.Duration `yaml:"rest_timeout"`

	// RateLimitRequests / RateLimitWindow — ёмкость и длительность
	// скользящего окна rate limiter'а.
	RateLimitRequests int           `yaml:"rate_limit_requests"`
	RateLimitWindow   time.Duration `yaml:"rate_limit_window"`

	// MaxRetries / InitialRetryDelay — бюджет retry REST запросов.
	// Явный ноль отключает повторы; отсутствие ключа даёт значение по умолчанию.
	MaxRetries        *int          `yaml:"max_retries"`
	InitialRetryDelay time.Duration `yaml:"initial_retry_delay"`

	// HeartbeatInterval — интервал ping для WebSocket сессий.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// ReconnectInitialDelay / ReconnectMaxDelay / MaxReconnectAttempts —
	// параметры exponential backoff при переподключении WebSocket.
	ReconnectInitialDelay time.Duration `yaml:"reconnect_initial_delay"`
	ReconnectMaxDelay     time.Duration `yaml:"reconnect_max_delay"`
	MaxReconnectAttempts  int           `yaml:"max_reconnect_attempts"`
}

// DatabaseConfig содержит параметры подключения к PostgreSQL.
// База используется только журналом событий; при Enabled=false журнал выключен.
type DatabaseConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	User           string `yaml:"user"`
	Password       string `yaml:"password"`
	DBName         string `yaml:"dbname"`
	MaxConnections int    `yaml:"max_connections"`
}

// LoggingConfig содержит параметры логирования.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
	Output string `yaml:"output"` // путь к файлу или stdout
}

// MetricsConfig содержит параметры экспорта метрик Prometheus.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// Load загружает конфигурацию из YAML файла.
// Поддерживает подстановку переменных окружения в формате ${VAR_NAME}.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("не удалось прочитать конфигурационный файл %s: %w", configPath, err)
	}

	// Подставить переменные окружения
	expandedData := expandEnvVars(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("не удалось распарсить YAML: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("ошибка валидации конфигурации: %w", err)
	}

	return &config, nil
}

// applyDefaults подставляет безопасные значения по умолчанию
// для всех необязательных параметров. Учётные данные умолчаний не имеют.
func (c *Config) applyDefaults() {
	e := &c.Exchange
	if e.RestURL == "" {
		e.RestURL = "https://api.kraken.com"
	}
	if e.WsPublicURL == "" {
		e.WsPublicURL = "wss://ws.kraken.com/v2"
	}
	if e.WsPrivateURL == "" {
		e.WsPrivateURL = "wss://ws-auth.kraken.com/v2"
	}
	if e.RestTimeout == 0 {
		e.RestTimeout = 30 * time.Second
	}
	if e.RateLimitRequests == 0 {
		e.RateLimitRequests = 60
	}
	if e.RateLimitWindow == 0 {
		e.RateLimitWindow = time.Minute
	}
	if e.MaxRetries == nil {
		n := 3
		e.MaxRetries = &n
	}
	if e.InitialRetryDelay == 0 {
		e.InitialRetryDelay = time.Second
	}
	if e.HeartbeatInterval == 0 {
		e.HeartbeatInterval = 30 * time.Second
	}
	if e.ReconnectInitialDelay == 0 {
		e.ReconnectInitialDelay = 2 * time.Second
	}
	if e.ReconnectMaxDelay == 0 {
		e.ReconnectMaxDelay = 32 * time.Second
	}
	if e.MaxReconnectAttempts == 0 {
		e.MaxReconnectAttempts = 5
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9090
	}

	if c.Database.MaxConnections == 0 {
		c.Database.MaxConnections = 10
	}
}

// Validate проверяет корректность загруженной конфигурации.
func (c *Config) Validate() error {
	// Проверка биржи
	e := c.Exchange
	if e.APIKey == "" || strings.HasPrefix(e.APIKey, "${") {
		return fmt.Errorf("exchange.api_key не может быть пустым или нераскрытой переменной окружения")
	}
	if e.APISecret == "" || strings.HasPrefix(e.APISecret, "${") {
		return fmt.Errorf("exchange.api_secret не может быть пустым или нераскрытой переменной окружения")
	}
	if e.RestTimeout < time.Second {
		return fmt.Errorf("exchange.rest_timeout должен быть >= 1s, получено: %v", e.RestTimeout)
	}
	if e.RateLimitRequests < 1 {
		return fmt.Errorf("exchange.rate_limit_requests должен быть >= 1")
	}
	if e.RateLimitWindow < time.Second {
		return fmt.Errorf("exchange.rate_limit_window должен быть >= 1s")
	}
	if e.MaxRetries != nil && *e.MaxRetries < 0 {
		return fmt.Errorf("exchange.max_retries не может быть отрицательным")
	}
	if e.HeartbeatInterval < time.Second {
		return fmt.Errorf("exchange.heartbeat_interval должен быть >= 1s")
	}
	if e.MaxReconnectAttempts < 1 {
		return fmt.Errorf("exchange.max_reconnect_attempts должен быть >= 1")
	}
	if e.ReconnectMaxDelay < e.ReconnectInitialDelay {
		return fmt.Errorf("exchange.reconnect_max_delay не может быть меньше reconnect_initial_delay")
	}

	// Проверка БД (только при включённом журнале)
	if c.Database.Enabled {
		if c.Database.Host == "" {
			return fmt.Errorf("database.host не может быть пустым")
		}
		if c.Database.Port == 0 {
			return fmt.Errorf("database.port не может быть 0")
		}
		if c.Database.User == "" {
			return fmt.Errorf("database.user не может быть пустым")
		}
		if c.Database.Password == "" || strings.HasPrefix(c.Database.Password, "${") {
			return fmt.Errorf("database.password не может быть пустым или нераскрытой переменной окружения")
		}
		if c.Database.DBName == "" {
			return fmt.Errorf("database.dbname не может быть пустым")
		}
	}

	// Проверка логирования
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level должен быть одним из: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format должен быть одним из: json, console")
	}

	return nil
}

// expandEnvVars заменяет ${VAR_NAME} на значения переменных окружения.
func expandEnvVars(data string) string {
	return os.Expand(data, func(key string) string {
		value := os.Getenv(key)
		if value == "" {
			// Если переменная не установлена, оставляем как есть
			return "${" + key + "}"
		}
		return value
	})
}

// GetDSN возвращает строку подключения к PostgreSQL в формате для database/sql.
// Корректно экранирует специальные символы в пароле.
func (d *DatabaseConfig) GetDSN() string {
	password := d.Password
	needsQuotes := strings.ContainsAny(password, " '\\=")

	if needsQuotes {
		password = "'" + strings.ReplaceAll(password, "'", "\\'") + "'"
	}

	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		d.Host,
		d.Port,
		d.User,
		password,
		d.DBName,
	)
}

// GetURL возвращает URL подключения к PostgreSQL (формат golang-migrate).
func (d *DatabaseConfig) GetURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		url.QueryEscape(d.User),
		url.QueryEscape(d.Password),
		d.Host,
		d.Port,
		d.DBName,
	)
}

// Package config загружает конфигурацию движка из переменных окружения.
// Используется envconfig для маппинга переменных окружения на поля структуры.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config содержит ВСЕ настройки приложения.
type Config struct {
	// --- Database ---
	// В Docker внутри контейнера "localhost" почти всегда неправильно.
	// Дефолт ставим "postgres" (имя сервиса в docker-compose), а для локалки переопределяй DB_HOST=localhost.
	DBHost     string `envconfig:"DB_HOST" default:"postgres"`
	DBPort     int    `envconfig:"DB_PORT" default:"5432"`
	DBUser     string `envconfig:"DB_USER" default:"wager"`
	DBPassword string `envconfig:"DB_PASSWORD" required:"true"`
	DBName     string `envconfig:"DB_NAME" default:"wager"`
	DBSSLMode  string `envconfig:"DB_SSLMODE" default:"disable"`
	DBMaxConns int32  `envconfig:"DB_MAX_CONNS" default:"25"`
	DBMinConns int32  `envconfig:"DB_MIN_CONNS" default:"5"`

	// --- Application ---
	AppEnv      string `envconfig:"APP_ENV" default:"development"`
	AppLogLevel string `envconfig:"APP_LOG_LEVEL" default:"debug"`

	// --- HTTP / WebSocket ---
	HTTPAddr string `envconfig:"HTTP_ADDR" default:":8080"`
	// Сколько сообщений одного соединения обрабатываются параллельно.
	// 1 — строго по порядку поступления.
	WSMaxInflight int `envconfig:"WS_MAX_INFLIGHT" default:"1"`
	// Буфер исходящих сообщений на одно соединение. Переполнен — соединение медленное, рвём.
	WSSendBuffer     int           `envconfig:"WS_SEND_BUFFER" default:"64"`
	WSWriteTimeout   time.Duration `envconfig:"WS_WRITE_TIMEOUT" default:"10s"`
	WSPongTimeout    time.Duration `envconfig:"WS_PONG_TIMEOUT" default:"60s"`
	WSMaxMessageSize int64         `envconfig:"WS_MAX_MESSAGE_SIZE" default:"4096"`

	// --- Admin ---
	// Argon2id-хеш админского ключа (scripts/generate_hash.go). Сам ключ в коде не хранится.
	AdminKeyHash string `envconfig:"ADMIN_KEY_HASH" required:"true"`
	// Попытки входа храним неделю, чистим по ночам.
	AdminAttemptsPurgeSpec string        `envconfig:"ADMIN_ATTEMPTS_PURGE_SPEC" default:"0 4 * * *"`
	AdminAttemptsKeep      time.Duration `envconfig:"ADMIN_ATTEMPTS_KEEP" default:"168h"`

	// --- Ledger ---
	LedgerRetryAttempts uint          `envconfig:"LEDGER_RETRY_ATTEMPTS" default:"4"`
	LedgerRetryInitial  time.Duration `envconfig:"LEDGER_RETRY_INITIAL" default:"50ms"`
	LedgerRetryMax      time.Duration `envconfig:"LEDGER_RETRY_MAX" default:"1s"`
	LedgerFlushSpec     string        `envconfig:"LEDGER_FLUSH_SPEC" default:"@every 30s"`

	// --- Escalator (crash) ---
	EscalatorBettingDuration time.Duration `envconfig:"ESCALATOR_BETTING_DURATION" default:"20s"`
	EscalatorTickInterval    time.Duration `envconfig:"ESCALATOR_TICK_INTERVAL" default:"100ms"`
	EscalatorStep            string        `envconfig:"ESCALATOR_STEP" default:"0.01"`
	EscalatorCooldown        time.Duration `envconfig:"ESCALATOR_COOLDOWN" default:"3s"`
	EscalatorHouseEdge       float64       `envconfig:"ESCALATOR_HOUSE_EDGE" default:"0.01"`
	EscalatorMaxCrash        string        `envconfig:"ESCALATOR_MAX_CRASH" default:"1000"`
	EscalatorMaxBet          int64         `envconfig:"ESCALATOR_MAX_BET" default:"100000"`

	// --- Flip ---
	FlipMaxBet int64 `envconfig:"FLIP_MAX_BET" default:"100000"`

	// --- Grid (mines) ---
	GridRows        int           `envconfig:"GRID_ROWS" default:"5"`
	GridCols        int           `envconfig:"GRID_COLS" default:"5"`
	GridMaxMines    int           `envconfig:"GRID_MAX_MINES" default:"24"`
	GridHouseEdge   string        `envconfig:"GRID_HOUSE_EDGE" default:"0"`
	GridMaxBet      int64         `envconfig:"GRID_MAX_BET" default:"100000"`
	GridIdleTimeout time.Duration `envconfig:"GRID_IDLE_TIMEOUT" default:"30m"`
	GridSweepSpec   string        `envconfig:"GRID_SWEEP_SPEC" default:"@every 1m"`

	// --- Fairness queue ---
	FairnessTickSpec    string        `envconfig:"FAIRNESS_TICK_SPEC" default:"@every 1s"`
	FairnessMaxPerTick  int           `envconfig:"FAIRNESS_MAX_PER_TICK" default:"32"`
	FairnessQueueCap    int           `envconfig:"FAIRNESS_QUEUE_CAP" default:"10000"`
	FairnessMaxAttempts int           `envconfig:"FAIRNESS_MAX_ATTEMPTS" default:"5"`
	FairnessBucketWidth time.Duration `envconfig:"FAIRNESS_BUCKET_WIDTH" default:"5s"`
	FairnessMaxWait     time.Duration `envconfig:"FAIRNESS_MAX_WAIT" default:"2m"`

	// --- Sessions ---
	SessionTTL       time.Duration `envconfig:"SESSION_TTL" default:"24h"`
	SessionSweepSpec string        `envconfig:"SESSION_SWEEP_SPEC" default:"@every 5m"`

	// --- Rate Limiting ---
	RateLimitRequests int           `envconfig:"RATE_LIMIT_REQUESTS" default:"20"`
	RateLimitWindow   time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"1s"`

	// --- Feature Flags ---
	FeatureEscalatorEnabled bool `envconfig:"FEATURE_ESCALATOR_ENABLED" default:"true"`
	FeatureFlipEnabled      bool `envconfig:"FEATURE_FLIP_ENABLED" default:"true"`
	FeatureGridEnabled      bool `envconfig:"FEATURE_GRID_ENABLED" default:"true"`
}

// DatabaseDSN возвращает строку подключения к PostgreSQL в формате DSN.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode,
	)
}

func (c *Config) Validate() error {
	if c.DBMaxConns <= 0 || c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("некорректные DB_MIN_CONNS/DB_MAX_CONNS")
	}
	if c.WSMaxInflight <= 0 || c.WSSendBuffer <= 0 {
		return fmt.Errorf("WS_MAX_INFLIGHT и WS_SEND_BUFFER должны быть > 0")
	}
	if c.EscalatorBettingDuration <= 0 || c.EscalatorTickInterval <= 0 {
		return fmt.Errorf("длительности эскалатора должны быть > 0")
	}
	if c.EscalatorHouseEdge < 0 || c.EscalatorHouseEdge >= 1 {
		return fmt.Errorf("ESCALATOR_HOUSE_EDGE должен быть в [0, 1)")
	}
	if c.GridRows <= 0 || c.GridCols <= 0 {
		return fmt.Errorf("GRID_ROWS/GRID_COLS должны быть > 0")
	}
	if c.GridMaxMines <= 0 || c.GridMaxMines >= c.GridRows*c.GridCols {
		return fmt.Errorf("GRID_MAX_MINES должен быть в [1, %d)", c.GridRows*c.GridCols)
	}
	if c.FairnessMaxPerTick <= 0 || c.FairnessQueueCap <= 0 || c.FairnessMaxAttempts <= 0 {
		return fmt.Errorf("FAIRNESS_MAX_PER_TICK, FAIRNESS_QUEUE_CAP, FAIRNESS_MAX_ATTEMPTS должны быть > 0")
	}
	if c.FairnessBucketWidth <= 0 || c.FairnessMaxWait < c.FairnessBucketWidth {
		return fmt.Errorf("FAIRNESS_MAX_WAIT должен быть >= FAIRNESS_BUCKET_WIDTH > 0")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL должен быть > 0")
	}
	if c.LedgerRetryAttempts == 0 {
		return fmt.Errorf("LEDGER_RETRY_ATTEMPTS должен быть > 0")
	}
	return nil
}

// Load читает переменные окружения и заполняет структуру Config.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("не удалось загрузить конфигурацию: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

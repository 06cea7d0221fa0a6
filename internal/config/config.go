package config

import (
	"fmt"
	"log"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// 바이낸스 API 설정
	Binance struct {
		APIKey        string `envconfig:"BINANCE_API_KEY" required:"true"`
		SecretKey     string `envconfig:"BINANCE_SECRET_KEY" required:"true"`
		TestAPIKey    string `envconfig:"BINANCE_TEST_API_KEY" default:""`
		TestSecretKey string `envconfig:"BINANCE_TEST_SECRET_KEY" default:""`
		UseTestnet    bool   `envconfig:"USE_TESTNET" default:"false"`
	}

	// 디스코드 웹훅 설정 (비워 두면 해당 채널 전송을 건너뜁니다)
	Discord struct {
		AlertWebhook string `envconfig:"DISCORD_ALERT_WEBHOOK" default:""`
		TradeWebhook string `envconfig:"DISCORD_TRADE_WEBHOOK" default:""`
		ErrorWebhook string `envconfig:"DISCORD_ERROR_WEBHOOK" default:""`
		InfoWebhook  string `envconfig:"DISCORD_INFO_WEBHOOK" default:""`
	}

	// 텔레그램 봇 설정 (토큰이 비어 있으면 비활성)
	Telegram struct {
		BotToken string `envconfig:"TELEGRAM_BOT_TOKEN" default:""`
		ChatID   int64  `envconfig:"TELEGRAM_CHAT_ID" default:"0"`
	}

	// 시그널 입력 스트림 설정 (주소가 비어 있으면 내부 큐만 사용)
	Redis struct {
		Addr     string `envconfig:"REDIS_ADDR" default:""`
		Password string `envconfig:"REDIS_PASSWORD" default:""`
		DB       int    `envconfig:"REDIS_DB" default:"0"`
		Stream   string `envconfig:"REDIS_SIGNAL_STREAM" default:"aegis:signals"`
	}

	// 애플리케이션 설정
	App struct {
		Symbols         []string      `envconfig:"SYMBOLS" default:"BTCUSDT"`
		TickInterval    time.Duration `envconfig:"TICK_INTERVAL" default:"5s"`
		AccountCacheTTL time.Duration `envconfig:"ACCOUNT_CACHE_TTL" default:"3s"`
		WorkerPoolSize  int           `envconfig:"WORKER_POOL_SIZE" default:"4"`
		DatabasePath    string        `envconfig:"DATABASE_PATH" default:"data/aegis.db"`
		MetricsAddr     string        `envconfig:"METRICS_ADDR" default:":9090"`
		SummaryCron     string        `envconfig:"SUMMARY_CRON" default:"0 0 9 * * *"`
	}

	// 리스크/사이징 설정
	Trading struct {
		Leverage             int     `envconfig:"LEVERAGE" default:"5"`
		RiskEquityFraction   float64 `envconfig:"RISK_EQUITY_FRACTION" default:"0.1"`
		StopCapitalFraction  float64 `envconfig:"STOP_CAPITAL_FRACTION" default:"0.5"`
		TrailCapitalFraction float64 `envconfig:"TRAIL_CAPITAL_FRACTION" default:"0.25"`
	}

	// 진입 실행 설정
	Entry struct {
		WaitTicks       int     `envconfig:"ENTRY_WAIT_TICKS" default:"2"`
		OffsetATRFactor float64 `envconfig:"ENTRY_OFFSET_ATR_FACTOR" default:"0.5"`
		TakerFraction   float64 `envconfig:"TAKER_FALLBACK_FRACTION" default:"0.7"`
	}

	// 보호 주문 설정
	Protection struct {
		SettleDelayMaker time.Duration `envconfig:"SETTLE_DELAY_MAKER" default:"1s"`
		SettleDelayTaker time.Duration `envconfig:"SETTLE_DELAY_TAKER" default:"2500ms"`
		RetryBase        time.Duration `envconfig:"PROTECT_RETRY_BASE" default:"500ms"`
		MaxAttempts      int           `envconfig:"PROTECT_MAX_ATTEMPTS" default:"4"`
	}
}

// ValidateConfig는 설정이 유효한지 확인합니다.
func ValidateConfig(cfg *Config) error {
	if cfg.Trading.Leverage < 1 || cfg.Trading.Leverage > 125 {
		return fmt.Errorf("레버리지는 1 이상 125 이하이어야 합니다")
	}

	if cfg.Trading.RiskEquityFraction <= 0 || cfg.Trading.RiskEquityFraction > 1 {
		return fmt.Errorf("RISK_EQUITY_FRACTION은 0 초과 1 이하이어야 합니다")
	}
	if cfg.Trading.StopCapitalFraction <= 0 || cfg.Trading.StopCapitalFraction > 1 {
		return fmt.Errorf("STOP_CAPITAL_FRACTION은 0 초과 1 이하이어야 합니다")
	}
	if cfg.Trading.TrailCapitalFraction <= 0 || cfg.Trading.TrailCapitalFraction > 1 {
		return fmt.Errorf("TRAIL_CAPITAL_FRACTION은 0 초과 1 이하이어야 합니다")
	}
	if cfg.Entry.TakerFraction <= 0 || cfg.Entry.TakerFraction > 1 {
		return fmt.Errorf("TAKER_FALLBACK_FRACTION은 0 초과 1 이하이어야 합니다")
	}

	if len(cfg.App.Symbols) == 0 {
		return fmt.Errorf("SYMBOLS에 심볼이 하나 이상 있어야 합니다")
	}
	if cfg.App.TickInterval < time.Second {
		return fmt.Errorf("TICK_INTERVAL은 1초 이상이어야 합니다")
	}

	// 보호 주문 재시도는 3~5회 범위에서만 허용합니다
	if cfg.Protection.MaxAttempts < 3 || cfg.Protection.MaxAttempts > 5 {
		return fmt.Errorf("PROTECT_MAX_ATTEMPTS는 3 이상 5 이하이어야 합니다")
	}

	return nil
}

// LoadConfig는 환경변수에서 설정을 로드합니다.
func LoadConfig() (*Config, error) {
	// .env 파일은 있으면 읽고, 없으면 환경변수만 사용합니다
	if err := godotenv.Load(); err != nil {
		log.Println(".env 파일 없음, 환경변수만 사용합니다")
	}

	var cfg Config
	// 환경변수를 구조체로 파싱
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("환경변수 처리 실패: %w", err)
	}

	// 설정값 검증
	if err := ValidateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("설정값 검증 실패: %w", err)
	}

	return &cfg, nil
}

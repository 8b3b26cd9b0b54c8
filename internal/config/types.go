package config

// Config is the full process configuration. YAML keys use snake_case; a small
// set of environment variables override file values (see Load).
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Exchange   ExchangeConfig   `mapstructure:"exchange"`
	MarketData MarketDataConfig `mapstructure:"market_data"`
	Features   FeaturesConfig   `mapstructure:"features"`
	Regime     RegimeConfig     `mapstructure:"regime"`
	Strategy   StrategyConfig   `mapstructure:"strategy"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Execution  ExecutionConfig  `mapstructure:"execution"`
	Position   PositionConfig   `mapstructure:"position"`
	Notifier   NotifierConfig   `mapstructure:"notifier"`
}

type AppConfig struct {
	Env         string `mapstructure:"env"`
	LogLevel    string `mapstructure:"log_level"`
	LogPath     string `mapstructure:"log_path"`
	DatabaseURL string `mapstructure:"database_url"`
	HTTPAddr    string `mapstructure:"http_addr"`
}

type ExchangeConfig struct {
	BaseURL         string `mapstructure:"base_url"`
	APIKey          string `mapstructure:"api_key"`
	APISecret       string `mapstructure:"api_secret"`
	RecvWindowMs    int64  `mapstructure:"recv_window_ms"`
	TimeoutMs       int64  `mapstructure:"timeout_ms"`
	RateLimitPerSec int    `mapstructure:"rate_limit_per_sec"`
	RetryMax        int    `mapstructure:"retry_max"`
	RetryBaseMs     int64  `mapstructure:"retry_base_ms"`
	RetryCapMs      int64  `mapstructure:"retry_cap_ms"`
}

type MarketDataConfig struct {
	Source     string   `mapstructure:"source"`
	Symbols    []string `mapstructure:"symbols"`
	Timeframes []string `mapstructure:"timeframes"`
	PollLimit  int      `mapstructure:"poll_limit"`
}

type FeaturesConfig struct {
	SigmaWindow  int `mapstructure:"sigma_window"`
	BBWindow     int `mapstructure:"bb_window"`
	VolumeWindow int `mapstructure:"volume_window"`
}

type RegimeConfig struct {
	WindowSize    int     `mapstructure:"window_size"`
	CompressionTh float64 `mapstructure:"compression_th"`
	TrendTh       float64 `mapstructure:"trend_th"`
	ExpansionTh   float64 `mapstructure:"expansion_th"`
	DefensiveTh   float64 `mapstructure:"defensive_th"`
}

type StrategyConfig struct {
	Breakout            BreakoutConfig     `mapstructure:"breakout"`
	Continuation        ContinuationConfig `mapstructure:"continuation"`
	Reversal            ReversalConfig     `mapstructure:"reversal"`
	ExchangeMaxLeverage float64            `mapstructure:"exchange_max_leverage"`
}

type BreakoutConfig struct {
	CompressionPercentileMax float64 `mapstructure:"compression_percentile_max"`
	VolumePercentileMin      float64 `mapstructure:"volume_percentile_min"`
	RangeLookbackBars        int     `mapstructure:"range_lookback_bars"`
	ConfirmationBars         int     `mapstructure:"confirmation_bars"`
	BreakoutBufferPct        float64 `mapstructure:"breakout_buffer_pct"`
	Kb                       float64 `mapstructure:"kb"`
	LeverageBase             float64 `mapstructure:"leverage_base"`
	LeverageMin              float64 `mapstructure:"leverage_min"`
	LeverageMax              float64 `mapstructure:"leverage_max"`
}

type ContinuationConfig struct {
	ConfirmationBars int            `mapstructure:"confirmation_bars"`
	PullbackZonePct  float64        `mapstructure:"pullback_zone_pct"`
	Ks               float64        `mapstructure:"ks"`
	SigmaMin         float64        `mapstructure:"sigma_min"`
	SigmaMax         float64        `mapstructure:"sigma_max"`
	LeverageBands    []LeverageBand `mapstructure:"leverage_bands"`
}

type LeverageBand struct {
	MaxSigmaNorm float64 `mapstructure:"max_sigma_norm"`
	Leverage     float64 `mapstructure:"leverage"`
}

type ReversalConfig struct {
	RangeLookbackBars   int     `mapstructure:"range_lookback_bars"`
	TouchPct            float64 `mapstructure:"touch_pct"`
	ConfirmationBodyPct float64 `mapstructure:"confirmation_body_pct"`
	Ks                  float64 `mapstructure:"ks"`
	LeverageBase        float64 `mapstructure:"leverage_base"`
	SigmaMin            float64 `mapstructure:"sigma_min"`
	SigmaMax            float64 `mapstructure:"sigma_max"`
	LeverageMin         float64 `mapstructure:"leverage_min"`
	LeverageMax         float64 `mapstructure:"leverage_max"`
}

type NotifierConfig struct {
	TelegramToken  string `mapstructure:"telegram_token"`
	TelegramChatID string `mapstructure:"telegram_chat_id"`
}

type RiskConfig struct {
	MaxOpen              int     `mapstructure:"max_open"`
	MaxOpenDefensive     int     `mapstructure:"max_open_defensive"`
	PerSymbolCooldownMs  int64   `mapstructure:"per_symbol_cooldown_ms"`
	PerEngineCooldownMs  int64   `mapstructure:"per_engine_cooldown_ms"`
	MaxLeverageDefensive float64 `mapstructure:"max_leverage_defensive"`
	MarginPct            float64 `mapstructure:"margin_pct"`
	QtyStep              float64 `mapstructure:"qty_step"`
	MinQty               float64 `mapstructure:"min_qty"`
	Equity               float64 `mapstructure:"equity"`
}

type ExecutionConfig struct {
	LimitTimeoutMs       int64   `mapstructure:"limit_timeout_ms"`
	Fallback             string  `mapstructure:"fallback"`
	ReplacementOffsetPct float64 `mapstructure:"replacement_offset_pct"`
}

type PositionConfig struct {
	TrailingATRMultiple      float64 `mapstructure:"trailing_atr_multiple"`
	HardExitOnExpansionChaos bool    `mapstructure:"hard_exit_on_expansion_chaos"`
	HardExitOnRange          bool    `mapstructure:"hard_exit_on_range"`
	ReduceRiskOnRangePct     float64 `mapstructure:"reduce_risk_on_range_pct"`
	CooldownMs               int64   `mapstructure:"cooldown_ms"`
}

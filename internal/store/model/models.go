package model

import "gorm.io/datatypes"

// CandleModel maps to 'candles'. Unique by (symbol, timeframe, close_time).
type CandleModel struct {
	ID        int64   `gorm:"column:id;primaryKey"`
	Symbol    string  `gorm:"column:symbol;uniqueIndex:idx_candle_key"`
	Timeframe string  `gorm:"column:timeframe;uniqueIndex:idx_candle_key"`
	CloseTime int64   `gorm:"column:close_time;uniqueIndex:idx_candle_key"`
	Open      float64 `gorm:"column:open"`
	High      float64 `gorm:"column:high"`
	Low       float64 `gorm:"column:low"`
	Close     float64 `gorm:"column:close"`
	Volume    float64 `gorm:"column:volume"`
}

func (CandleModel) TableName() string { return "candles" }

// FeatureModel maps to 'features'. Unique by (symbol, timeframe, computed_at).
type FeatureModel struct {
	ID                int64   `gorm:"column:id;primaryKey"`
	Symbol            string  `gorm:"column:symbol;uniqueIndex:idx_feature_key"`
	Timeframe         string  `gorm:"column:timeframe;uniqueIndex:idx_feature_key"`
	ComputedAt        int64   `gorm:"column:computed_at;uniqueIndex:idx_feature_key"`
	LogReturn         float64 `gorm:"column:log_return"`
	ATRPct            float64 `gorm:"column:atr_pct"`
	EWMASigma         float64 `gorm:"column:ewma_sigma"`
	SigmaNorm         float64 `gorm:"column:sigma_norm"`
	VolPct5m          float64 `gorm:"column:vol_pct_5m"`
	BBWidthPct        float64 `gorm:"column:bb_width_pct"`
	BBWidthPercentile float64 `gorm:"column:bb_width_percentile"`
	EMA20             float64 `gorm:"column:ema20"`
	EMA50             float64 `gorm:"column:ema50"`
	EMA200            float64 `gorm:"column:ema200"`
	EMA50Slope        float64 `gorm:"column:ema50_slope"`
	VolumePct         float64 `gorm:"column:volume_pct"`
	VolumePercentile  float64 `gorm:"column:volume_percentile"`
}

func (FeatureModel) TableName() string { return "features" }

// RegimeModel maps to 'regime_decisions'. Unique by (symbol, close_time_5m).
type RegimeModel struct {
	ID          int64   `gorm:"column:id;primaryKey"`
	Symbol      string  `gorm:"column:symbol;uniqueIndex:idx_regime_key"`
	CloseTime5m int64   `gorm:"column:close_time_5m;uniqueIndex:idx_regime_key"`
	Regime      string  `gorm:"column:regime"`
	Engine      string  `gorm:"column:engine"`
	Defensive   bool    `gorm:"column:defensive"`
	SigmaNorm   float64 `gorm:"column:sigma_norm"`
}

func (RegimeModel) TableName() string { return "regime_decisions" }

// OrderModel maps to 'orders'. ExternalID is the idempotency key.
type OrderModel struct {
	ID         int64          `gorm:"column:id;primaryKey"`
	ExternalID string         `gorm:"column:external_id;uniqueIndex"`
	Symbol     string         `gorm:"column:symbol;index"`
	Side       string         `gorm:"column:side"`
	Type       string         `gorm:"column:type"`
	Price      float64        `gorm:"column:price"`
	Qty        float64        `gorm:"column:qty"`
	Status     string         `gorm:"column:status"`
	Raw        datatypes.JSON `gorm:"column:raw"`
	CreatedAt  int64          `gorm:"column:created_at"`
	UpdatedAt  int64          `gorm:"column:updated_at"`
}

func (OrderModel) TableName() string { return "orders" }

// FillModel maps to 'fills'.
type FillModel struct {
	ID      int64   `gorm:"column:id;primaryKey"`
	OrderID int64   `gorm:"column:order_id;index"`
	Price   float64 `gorm:"column:price"`
	Qty     float64 `gorm:"column:qty"`
	Fee     float64 `gorm:"column:fee"`
	Ts      int64   `gorm:"column:ts"`
}

func (FillModel) TableName() string { return "fills" }

// PositionModel maps to 'positions'.
type PositionModel struct {
	ID               string  `gorm:"column:id;primaryKey"`
	Symbol           string  `gorm:"column:symbol;index"`
	Side             string  `gorm:"column:side"`
	EntryPrice       float64 `gorm:"column:entry_price"`
	InitialStopPrice float64 `gorm:"column:initial_stop_price"`
	StopPrice        float64 `gorm:"column:stop_price"`
	Qty              float64 `gorm:"column:qty"`
	RemainingQty     float64 `gorm:"column:remaining_qty"`
	State            string  `gorm:"column:state;index"`
	RealizedR        float64 `gorm:"column:realized_r"`
	Took1R           bool    `gorm:"column:took_1r"`
	Took2R           bool    `gorm:"column:took_2r"`
	TrailingAnchor   float64 `gorm:"column:trailing_anchor"`
	ATRPct           float64 `gorm:"column:atr_pct"`
	ParamsVersionID  string  `gorm:"column:params_version_id"`
	OpenedAt         int64   `gorm:"column:opened_at"`
	UpdatedAt        int64   `gorm:"column:updated_at"`
	ClosedAt         int64   `gorm:"column:closed_at"`
}

func (PositionModel) TableName() string { return "positions" }

// AuditModel maps to 'audit_events'. Categorical writers store their category
// in step and action in message.
type AuditModel struct {
	ID              string         `gorm:"column:id;primaryKey"`
	Ts              int64          `gorm:"column:ts;index"`
	Step            string         `gorm:"column:step;index"`
	Level           string         `gorm:"column:level"`
	Message         string         `gorm:"column:message"`
	Reason          string         `gorm:"column:reason"`
	InputsHash      string         `gorm:"column:inputs_hash"`
	OutputsHash     string         `gorm:"column:outputs_hash"`
	ParamsVersionID string         `gorm:"column:params_version_id"`
	Metadata        datatypes.JSON `gorm:"column:metadata"`
}

func (AuditModel) TableName() string { return "audit_events" }

// ParamVersionModel maps to 'param_versions'. Blobs stay opaque JSON; decoding
// into typed bands/caps happens in gormstore's ActiveParamVersion.
type ParamVersionModel struct {
	ID            string         `gorm:"column:id;primaryKey"`
	EffectiveFrom int64          `gorm:"column:effective_from;index"`
	Kb            float64        `gorm:"column:kb"`
	Ks            float64        `gorm:"column:ks"`
	LeverageBands datatypes.JSON `gorm:"column:leverage_bands"`
	CooldownRules datatypes.JSON `gorm:"column:cooldown_rules"`
	PortfolioCaps datatypes.JSON `gorm:"column:portfolio_caps"`
	CreatedAt     int64          `gorm:"column:created_at"`
}

func (ParamVersionModel) TableName() string { return "param_versions" }

// DailyMetricModel maps to 'daily_metrics', one row per UTC day.
type DailyMetricModel struct {
	Day       string  `gorm:"column:day;primaryKey"`
	Trades    int     `gorm:"column:trades"`
	Wins      int     `gorm:"column:wins"`
	Losses    int     `gorm:"column:losses"`
	TotalR    float64 `gorm:"column:total_r"`
	Fees      float64 `gorm:"column:fees"`
	UpdatedAt int64   `gorm:"column:updated_at"`
}

func (DailyMetricModel) TableName() string { return "daily_metrics" }

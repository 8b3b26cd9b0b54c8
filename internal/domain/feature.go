package domain

// FeatureVector is the per-candle derived feature set. One row per
// (Symbol, Timeframe, CloseTime), computed from the most recent >=205 bars.
type FeatureVector struct {
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	CloseTime int64  `json:"closeTime"`

	LogReturn float64 `json:"logReturn"`
	ATRPct    float64 `json:"atrPct"`
	EWMASigma float64 `json:"ewmaSigma"`
	SigmaNorm float64 `json:"sigmaNorm"`
	VolPct5m  float64 `json:"volPct5m"`

	BBWidthPct        float64 `json:"bbWidthPct"`
	BBWidthPercentile float64 `json:"bbWidthPercentile"`

	EMA20      float64 `json:"ema20"`
	EMA50      float64 `json:"ema50"`
	EMA200     float64 `json:"ema200"`
	EMA50Slope float64 `json:"ema50Slope"`

	VolumePct        float64 `json:"volumePct"`
	VolumePercentile float64 `json:"volumePercentile"`
}

package domain

// LeverageBand is one step of the continuation engine's sigma-to-leverage
// ladder. Bands are stored ascending by MaxSigmaNorm; the first band whose
// MaxSigmaNorm covers the clamped sigma-norm wins.
type LeverageBand struct {
	MaxSigmaNorm float64 `json:"maxSigmaNorm" mapstructure:"max_sigma_norm"`
	Leverage     float64 `json:"leverage" mapstructure:"leverage"`
}

// CooldownRules gates re-entry after closes and approvals.
type CooldownRules struct {
	PerSymbolMs int64 `json:"perSymbolMs" mapstructure:"per_symbol_ms"`
	PerEngineMs int64 `json:"perEngineMs" mapstructure:"per_engine_ms"`
}

// PortfolioCaps bounds concurrent exposure.
type PortfolioCaps struct {
	Max          int `json:"max" mapstructure:"max"`
	MaxDefensive int `json:"maxDefensive" mapstructure:"max_defensive"`
}

// ParamVersion is an immutable snapshot of tunable parameters. The active
// version at instant t is the one with the greatest EffectiveFrom <= t.
type ParamVersion struct {
	ID            string         `json:"id"`
	EffectiveFrom int64          `json:"effectiveFrom"`
	Kb            float64        `json:"kb"`
	Ks            float64        `json:"ks"`
	LeverageBands []LeverageBand `json:"leverageBands"`
	Cooldowns     CooldownRules  `json:"cooldownRules"`
	Caps          PortfolioCaps  `json:"portfolioCaps"`
}

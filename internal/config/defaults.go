package config

func (c *Config) applyDefaults() {
	if c.App.Env == "" {
		c.App.Env = "development"
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.App.DatabaseURL == "" {
		c.App.DatabaseURL = "data/kairos.db"
	}
	if c.App.HTTPAddr == "" {
		c.App.HTTPAddr = ":8080"
	}

	if c.Exchange.RecvWindowMs <= 0 {
		c.Exchange.RecvWindowMs = 5000
	}
	if c.Exchange.TimeoutMs <= 0 {
		c.Exchange.TimeoutMs = 5000
	}
	if c.Exchange.RateLimitPerSec <= 0 {
		c.Exchange.RateLimitPerSec = 10
	}
	if c.Exchange.RetryMax <= 0 {
		c.Exchange.RetryMax = 3
	}
	if c.Exchange.RetryBaseMs <= 0 {
		c.Exchange.RetryBaseMs = 100
	}
	if c.Exchange.RetryCapMs <= 0 {
		c.Exchange.RetryCapMs = 2000
	}

	if c.MarketData.Source == "" {
		c.MarketData.Source = "exchange"
	}
	if len(c.MarketData.Timeframes) == 0 {
		c.MarketData.Timeframes = []string{"1m", "5m"}
	}
	if c.MarketData.PollLimit <= 0 {
		c.MarketData.PollLimit = 60
	}

	if c.Features.SigmaWindow <= 0 {
		c.Features.SigmaWindow = 60
	}
	if c.Features.BBWindow <= 0 {
		c.Features.BBWindow = 100
	}
	if c.Features.VolumeWindow <= 0 {
		c.Features.VolumeWindow = 100
	}

	if c.Regime.WindowSize <= 0 {
		c.Regime.WindowSize = 100
	}
	if c.Regime.CompressionTh <= 0 {
		c.Regime.CompressionTh = 25
	}
	if c.Regime.TrendTh <= 0 {
		c.Regime.TrendTh = 65
	}
	if c.Regime.ExpansionTh <= 0 {
		c.Regime.ExpansionTh = 85
	}
	if c.Regime.DefensiveTh <= 0 {
		c.Regime.DefensiveTh = 90
	}

	b := &c.Strategy.Breakout
	if b.CompressionPercentileMax <= 0 {
		b.CompressionPercentileMax = 35
	}
	if b.VolumePercentileMin <= 0 {
		b.VolumePercentileMin = 60
	}
	if b.RangeLookbackBars <= 0 {
		b.RangeLookbackBars = 20
	}
	if b.ConfirmationBars <= 0 {
		b.ConfirmationBars = 2
	}
	if b.BreakoutBufferPct <= 0 {
		b.BreakoutBufferPct = 0.02
	}
	if b.Kb <= 0 {
		b.Kb = 1.2
	}
	if b.LeverageBase <= 0 {
		b.LeverageBase = 12
	}
	if b.LeverageMin <= 0 {
		b.LeverageMin = 2
	}
	if b.LeverageMax <= 0 {
		b.LeverageMax = 8
	}

	ct := &c.Strategy.Continuation
	if ct.ConfirmationBars <= 0 {
		ct.ConfirmationBars = 2
	}
	if ct.PullbackZonePct <= 0 {
		ct.PullbackZonePct = 0.25
	}
	if ct.Ks <= 0 {
		ct.Ks = 0.9
	}
	if ct.SigmaMin <= 0 {
		ct.SigmaMin = 0.8
	}
	if ct.SigmaMax <= 0 {
		ct.SigmaMax = 3
	}
	if len(ct.LeverageBands) == 0 {
		ct.LeverageBands = []LeverageBand{
			{MaxSigmaNorm: 1.0, Leverage: 8},
			{MaxSigmaNorm: 1.5, Leverage: 6},
			{MaxSigmaNorm: 2.0, Leverage: 4},
			{MaxSigmaNorm: 3.0, Leverage: 2},
		}
	}

	r := &c.Strategy.Reversal
	if r.RangeLookbackBars <= 0 {
		r.RangeLookbackBars = 30
	}
	if r.TouchPct <= 0 {
		r.TouchPct = 0.05
	}
	if r.ConfirmationBodyPct <= 0 {
		r.ConfirmationBodyPct = 0.04
	}
	if r.Ks <= 0 {
		r.Ks = 0.8
	}
	if r.LeverageBase <= 0 {
		r.LeverageBase = 10
	}
	if r.SigmaMin <= 0 {
		r.SigmaMin = 0.8
	}
	if r.SigmaMax <= 0 {
		r.SigmaMax = 3
	}
	if r.LeverageMin <= 0 {
		r.LeverageMin = 1
	}
	if r.LeverageMax <= 0 {
		r.LeverageMax = 6
	}
	if c.Strategy.ExchangeMaxLeverage <= 0 {
		c.Strategy.ExchangeMaxLeverage = 20
	}

	if c.Risk.MaxOpen <= 0 {
		c.Risk.MaxOpen = 3
	}
	if c.Risk.MaxOpenDefensive <= 0 {
		c.Risk.MaxOpenDefensive = 1
	}
	if c.Risk.PerSymbolCooldownMs <= 0 {
		c.Risk.PerSymbolCooldownMs = 5 * 60 * 1000
	}
	if c.Risk.PerEngineCooldownMs <= 0 {
		c.Risk.PerEngineCooldownMs = 2 * 60 * 1000
	}
	if c.Risk.MaxLeverageDefensive <= 0 {
		c.Risk.MaxLeverageDefensive = 2
	}
	if c.Risk.MarginPct <= 0 {
		c.Risk.MarginPct = 2
	}
	if c.Risk.QtyStep <= 0 {
		c.Risk.QtyStep = 0.001
	}
	if c.Risk.MinQty <= 0 {
		c.Risk.MinQty = 0.001
	}
	if c.Risk.Equity <= 0 {
		c.Risk.Equity = 10000
	}

	if c.Execution.LimitTimeoutMs <= 0 {
		c.Execution.LimitTimeoutMs = 2000
	}
	if c.Execution.Fallback == "" {
		c.Execution.Fallback = "market"
	}
	if c.Execution.ReplacementOffsetPct <= 0 {
		c.Execution.ReplacementOffsetPct = 0.01
	}

	if c.Position.TrailingATRMultiple <= 0 {
		c.Position.TrailingATRMultiple = 1
	}
	if c.Position.ReduceRiskOnRangePct <= 0 {
		c.Position.ReduceRiskOnRangePct = 30
	}
	if c.Position.CooldownMs <= 0 {
		c.Position.CooldownMs = 5 * 60 * 1000
	}
}

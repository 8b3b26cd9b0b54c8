package config

import (
	"fmt"
	"sort"
	"strings"
)

var validEnvs = map[string]bool{"development": true, "test": true, "production": true}

var validLogLevels = map[string]bool{
	"fatal": true, "error": true, "warn": true, "info": true,
	"debug": true, "trace": true, "silent": true,
}

func validate(c *Config) error {
	if !validEnvs[c.App.Env] {
		return fmt.Errorf("app.env must be development, test or production, got %q", c.App.Env)
	}
	if !validLogLevels[strings.ToLower(c.App.LogLevel)] {
		return fmt.Errorf("app.log_level %q is not a recognized level", c.App.LogLevel)
	}
	switch c.MarketData.Source {
	case "exchange", "binance", "paper":
	default:
		return fmt.Errorf("market_data.source must be exchange, binance or paper, got %q", c.MarketData.Source)
	}
	if c.MarketData.Source == "exchange" {
		if c.Exchange.BaseURL == "" {
			return fmt.Errorf("exchange.base_url is required for the exchange source")
		}
	}
	for _, tf := range c.MarketData.Timeframes {
		if tf != "1m" && tf != "5m" {
			return fmt.Errorf("market_data.timeframes supports 1m and 5m, got %q", tf)
		}
	}
	switch c.Execution.Fallback {
	case "market", "replace_limit":
	default:
		return fmt.Errorf("execution.fallback must be market or replace_limit, got %q", c.Execution.Fallback)
	}
	bands := c.Strategy.Continuation.LeverageBands
	if !sort.SliceIsSorted(bands, func(i, j int) bool {
		return bands[i].MaxSigmaNorm < bands[j].MaxSigmaNorm
	}) {
		return fmt.Errorf("strategy.continuation.leverage_bands must ascend by max_sigma_norm")
	}
	for i, band := range bands {
		if band.Leverage <= 0 {
			return fmt.Errorf("strategy.continuation.leverage_bands[%d].leverage must be positive", i)
		}
	}
	if c.Risk.MaxOpenDefensive > c.Risk.MaxOpen {
		return fmt.Errorf("risk.max_open_defensive cannot exceed risk.max_open")
	}
	return nil
}

package domain

// Side of a trade.
type Side string

const (
	SideLong  Side = "Long"
	SideShort Side = "Short"
)

// TPModel selects the take-profit ladder applied by the position manager.
type TPModel string

const (
	TPModelA TPModel = "A"
	TPModelB TPModel = "B"
)

// TradePlan is an immutable entry proposal produced by a strategy engine and
// normalized by the planner before it reaches the risk gate.
type TradePlan struct {
	Symbol          string  `json:"symbol"`
	Side            Side    `json:"side"`
	Engine          Engine  `json:"engine"`
	EntryPrice      float64 `json:"entryPrice"`
	StopPct         float64 `json:"stopPct"`
	TPModel         TPModel `json:"tpModel"`
	Leverage        float64 `json:"leverage"`
	MarginPct       float64 `json:"marginPct"`
	ATRPct          float64 `json:"atrPct"`
	ExpiresAt       int64   `json:"expiresAt"`
	Reason          string  `json:"reason"`
	ParamsVersionID string  `json:"paramsVersionId"`
	Confidence      float64 `json:"confidence"`
}

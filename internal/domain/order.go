package domain

// OrderType of a submitted order.
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// OrderStatus as reported by the exchange.
type OrderStatus string

const (
	OrderStatusOpen     OrderStatus = "OPEN"
	OrderStatusFilled   OrderStatus = "FILLED"
	OrderStatusCanceled OrderStatus = "CANCELED"
	OrderStatusRejected OrderStatus = "REJECTED"
)

// OrderIntent is a sized, risk-approved plan ready for execution.
type OrderIntent struct {
	Plan            TradePlan `json:"plan"`
	Qty             float64   `json:"qty"`
	Type            OrderType `json:"type"`
	TimeoutMs       int64     `json:"timeoutMs"`
	CancelIfInvalid bool      `json:"cancelIfInvalid"`
}

// Order is a persisted exchange order. ExternalID carries the idempotency key
// used as the exchange clientOrderId; unique across the orders table.
type Order struct {
	ID         int64       `json:"id"`
	ExternalID string      `json:"externalId"`
	Symbol     string      `json:"symbol"`
	Side       Side        `json:"side"`
	Type       OrderType   `json:"type"`
	Price      float64     `json:"price"`
	Qty        float64     `json:"qty"`
	Status     OrderStatus `json:"status"`
	CreatedAt  int64       `json:"createdAt"`
	UpdatedAt  int64       `json:"updatedAt"`
}

// Fill links an execution to its order.
type Fill struct {
	ID      int64   `json:"id"`
	OrderID int64   `json:"orderId"`
	Price   float64 `json:"price"`
	Qty     float64 `json:"qty"`
	Fee     float64 `json:"fee"`
	Ts      int64   `json:"ts"`
}

package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"kairos/internal/domain"
	"kairos/internal/logger"
	"kairos/internal/pkg/circuit"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

const (
	defaultRecvWindowMs = 5000
	defaultHTTPTimeout  = 10 * time.Second
	maxAttempts         = 3
	backoffBase         = 100 * time.Millisecond
	backoffCap          = 2 * time.Second
)

// Config carries venue credentials and connection settings.
type Config struct {
	BaseURL      string
	APIKey       string
	APISecret    string
	RecvWindowMs int64
	RatePerSec   float64
	HTTPTimeout  time.Duration
}

// Client is a signed REST client for the venue. It implements CandleSource
// and OrderAPI.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	breaker *circuit.Breaker

	// offsetMs corrects local clock drift against the venue's /time endpoint.
	offsetMs int64

	now func() time.Time
}

var _ CandleSource = (*Client)(nil)
var _ OrderAPI = (*Client)(nil)

func NewClient(cfg Config) *Client {
	if cfg.RecvWindowMs <= 0 {
		cfg.RecvWindowMs = defaultRecvWindowMs
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 10
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = defaultHTTPTimeout
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	breaker := circuit.NewBreaker("exchange", 5, 30*time.Second)
	breaker.OnStateChange(func(name string, from, to circuit.State) {
		logger.Warnf("exchange: breaker %s %s -> %s", name, from, to)
	})
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.HTTPTimeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), int(cfg.RatePerSec)),
		breaker: breaker,
		now:     time.Now,
	}
}

// SyncTime fetches the venue's server time and records the offset used when
// stamping signed requests.
func (c *Client) SyncTime(ctx context.Context) error {
	body, err := c.request(ctx, http.MethodGet, "/api/v3/time", nil, nil, false)
	if err != nil {
		return err
	}
	server := gjson.GetBytes(body, "serverTime").Int()
	if server == 0 {
		server = gjson.ParseBytes(body).Int()
	}
	if server == 0 {
		return fmt.Errorf("server time response unparseable: %s", truncate(body))
	}
	c.offsetMs = server - c.now().UnixMilli()
	logger.Debugf("exchange: clock offset %dms", c.offsetMs)
	return nil
}

// Klines fetches up to limit most recent candles, oldest first. Rows may be
// JSON tuples or objects, with numbers encoded as numbers or strings.
func (c *Client) Klines(ctx context.Context, symbol, timeframe string, limit int) ([]domain.Candle, error) {
	if limit <= 0 {
		limit = 500
	}
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", timeframe)
	q.Set("limit", fmt.Sprintf("%d", limit))
	body, err := c.request(ctx, http.MethodGet, "/api/v3/klines", q, nil, false)
	if err != nil {
		return nil, err
	}
	rows := gjson.ParseBytes(body)
	if !rows.IsArray() {
		return nil, fmt.Errorf("klines response is not an array: %s", truncate(body))
	}
	out := make([]domain.Candle, 0, limit)
	var parseErr error
	rows.ForEach(func(_, row gjson.Result) bool {
		candle, err := parseKlineRow(symbol, timeframe, row)
		if err != nil {
			parseErr = err
			return false
		}
		out = append(out, candle)
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CloseTime < out[j].CloseTime })
	return out, nil
}

func parseKlineRow(symbol, timeframe string, row gjson.Result) (domain.Candle, error) {
	c := domain.Candle{Symbol: symbol, Timeframe: timeframe}
	if row.IsArray() {
		arr := row.Array()
		if len(arr) < 7 {
			return c, fmt.Errorf("kline tuple has %d fields, want at least 7", len(arr))
		}
		c.Open = arr[1].Float()
		c.High = arr[2].Float()
		c.Low = arr[3].Float()
		c.Close = arr[4].Float()
		c.Volume = arr[5].Float()
		c.CloseTime = arr[6].Int()
	} else if row.IsObject() {
		c.Open = row.Get("open").Float()
		c.High = row.Get("high").Float()
		c.Low = row.Get("low").Float()
		c.Close = row.Get("close").Float()
		c.Volume = row.Get("volume").Float()
		c.CloseTime = row.Get("closeTime").Int()
	} else {
		return c, fmt.Errorf("kline row is neither tuple nor object")
	}
	if !c.Valid() {
		return c, fmt.Errorf("kline row failed validation: %s %d", symbol, c.CloseTime)
	}
	return c, nil
}

// PlaceLimit submits a limit order. The ClientOrderID makes retries
// idempotent on the venue side.
func (c *Client) PlaceLimit(ctx context.Context, req OrderRequest) (*OrderAck, error) {
	return c.placeOrder(ctx, req, "LIMIT")
}

// PlaceMarket submits a market order at the venue's best price.
func (c *Client) PlaceMarket(ctx context.Context, req OrderRequest) (*OrderAck, error) {
	req.Price = 0
	return c.placeOrder(ctx, req, "MARKET")
}

func (c *Client) placeOrder(ctx context.Context, req OrderRequest, orderType string) (*OrderAck, error) {
	wire := struct {
		OrderRequest
		Type string `json:"type"`
	}{OrderRequest: req, Type: orderType}
	payload, err := json.Marshal(wire)
	if err != nil {
		return nil, err
	}
	body, err := c.request(ctx, http.MethodPost, "/api/v3/order", nil, payload, true)
	if err != nil {
		return nil, err
	}
	return decodeAck(body)
}

func (c *Client) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("origClientOrderId", clientOrderID)
	_, err := c.request(ctx, http.MethodDelete, "/api/v3/order", q, nil, true)
	return err
}

func (c *Client) OrderStatus(ctx context.Context, symbol, clientOrderID string) (*OrderAck, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("origClientOrderId", clientOrderID)
	body, err := c.request(ctx, http.MethodGet, "/api/v3/order", q, nil, true)
	if err != nil {
		return nil, err
	}
	return decodeAck(body)
}

// decodeAck reads the order response through gjson because venues disagree
// on whether numeric fields are numbers or strings.
func decodeAck(body []byte) (*OrderAck, error) {
	parsed := gjson.ParseBytes(body)
	if !parsed.IsObject() {
		return nil, fmt.Errorf("order response is not an object: %s", truncate(body))
	}
	return &OrderAck{
		OrderID:       parsed.Get("orderId").String(),
		ClientOrderID: parsed.Get("clientOrderId").String(),
		Symbol:        parsed.Get("symbol").String(),
		Status:        parsed.Get("status").String(),
		Price:         parsed.Get("price").Float(),
		ExecutedQty:   parsed.Get("executedQty").Float(),
		AvgPrice:      parsed.Get("avgPrice").Float(),
		Fee:           parsed.Get("fee").Float(),
		UpdateTime:    parsed.Get("updateTime").Int(),
	}, nil
}

// request performs one HTTP call with rate limiting, signing and retries.
// Only 429, 5xx and transport errors are retried, and only those count
// against the circuit breaker.
func (c *Client) request(ctx context.Context, method, path string, query url.Values, body []byte, signed bool) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := backoffBase << (attempt - 1)
			if delay > backoffCap {
				delay = backoffCap
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
		if !c.breaker.Allow() {
			return nil, fmt.Errorf("exchange: circuit open, refusing %s %s", method, path)
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		out, err := c.do(ctx, method, path, query, body, signed)
		if err == nil {
			c.breaker.RecordSuccess()
			return out, nil
		}
		lastErr = err
		if apiErr, ok := err.(*APIError); ok && !apiErr.Retryable() {
			// The venue answered; a rejected request is not an outage.
			c.breaker.RecordSuccess()
			return nil, err
		}
		c.breaker.RecordFailure()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Warnf("exchange: %s %s attempt %d failed: %v", method, path, attempt+1, err)
	}
	return nil, lastErr
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte, signed bool) ([]byte, error) {
	full := c.cfg.BaseURL + path
	if len(query) > 0 {
		full += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, full, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	if signed {
		ts := c.now().UnixMilli() + c.offsetMs
		req.Header.Set("ApiKey", c.cfg.APIKey)
		req.Header.Set("Request-Time", fmt.Sprintf("%d", ts))
		req.Header.Set("Recv-Window", fmt.Sprintf("%d", c.cfg.RecvWindowMs))
		req.Header.Set("Signature", c.sign(ts, method, query, body))
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{HTTPStatus: resp.StatusCode}
		apiErr.Code = int(gjson.GetBytes(payload, "code").Int())
		apiErr.Message = gjson.GetBytes(payload, "msg").String()
		if apiErr.Message == "" {
			apiErr.Message = truncate(payload)
		}
		return nil, apiErr
	}
	return payload, nil
}

// sign computes hex(HMAC-SHA256(secret, apiKey + timestamp + payload)) where
// payload is the canonically sorted query string for reads and the raw JSON
// body for writes.
func (c *Client) sign(ts int64, method string, query url.Values, body []byte) string {
	var payload string
	if method == http.MethodGet || method == http.MethodDelete {
		payload = canonicalQuery(query)
	} else {
		payload = string(body)
	}
	mac := hmac.New(sha256.New, []byte(c.cfg.APISecret))
	fmt.Fprintf(mac, "%s%d%s", c.cfg.APIKey, ts, payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func canonicalQuery(q url.Values) string {
	if len(q) == 0 {
		return ""
	}
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(q.Get(k))
	}
	return b.String()
}

func truncate(b []byte) string {
	const max = 256
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "..."
}

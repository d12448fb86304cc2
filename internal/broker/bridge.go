package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradebot/internal/domain"
	"tradebot/internal/util"
)

// Compile-time interface checks.
var (
	_ Broker           = (*BridgeBroker)(nil)
	_ EarningsProvider = (*BridgeBroker)(nil)
	_ HealthChecker    = (*BridgeBroker)(nil)
)

// BridgeError is a non-2xx response from the bridge.
type BridgeError struct {
	StatusCode int
	Method     string
	Path       string
	Message    string
}

func (e *BridgeError) Error() string {
	return fmt.Sprintf("bridge %s %s: %d %s", e.Method, e.Path, e.StatusCode, e.Message)
}

// Temporary reports whether the request may succeed if retried.
func (e *BridgeError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// BridgeOptions configures a BridgeBroker.
type BridgeOptions struct {
	BaseURL         string
	Token           string
	Timeout         time.Duration
	MaxAttempts     int
	RetryDelay      time.Duration
	RateLimitPerMin int
	HTTPClient      *http.Client
	Logger          *slog.Logger
}

// BridgeBroker talks JSON over HTTP to the external order bridge process.
// Quantities and prices travel as decimal strings.
type BridgeBroker struct {
	baseURL     string
	token       string
	http        *http.Client
	maxAttempts int
	retryDelay  time.Duration
	limiter     *util.RateLimiter
	log         *slog.Logger
}

// NewBridgeBroker creates a BridgeBroker from opts.
func NewBridgeBroker(opts BridgeOptions) *BridgeBroker {
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 250 * time.Millisecond
	}
	return &BridgeBroker{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		token:       opts.Token,
		http:        hc,
		maxAttempts: opts.MaxAttempts,
		retryDelay:  opts.RetryDelay,
		limiter:     util.NewRateLimiterBurst(opts.RateLimitPerMin, 5),
		log:         util.Component(opts.Logger, "bridge"),
	}
}

// Name returns "bridge".
func (b *BridgeBroker) Name() string { return "bridge" }

// ---------------------------------------------------------------------------
// Wire types
// ---------------------------------------------------------------------------

type bridgeOrderRequest struct {
	ClientOrderID string           `json:"client_order_id"`
	Symbol        string           `json:"symbol"`
	Side          string           `json:"side"`
	Type          string           `json:"type"`
	Qty           decimal.Decimal  `json:"qty"`
	LimitPrice    *decimal.Decimal `json:"limit_price,omitempty"`
	StrategyID    string           `json:"strategy_id,omitempty"`
}

type bridgeOrder struct {
	ID             string          `json:"id"`
	ClientOrderID  string          `json:"client_order_id"`
	Symbol         string          `json:"symbol"`
	Side           string          `json:"side"`
	Type           string          `json:"type"`
	Status         string          `json:"status"`
	Qty            decimal.Decimal `json:"qty"`
	FilledQty      decimal.Decimal `json:"filled_qty"`
	FilledAvgPrice decimal.Decimal `json:"filled_avg_price"`
	Reason         string          `json:"reason,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

type bridgePosition struct {
	Symbol        string          `json:"symbol"`
	Qty           decimal.Decimal `json:"qty"` // signed; negative is short
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	Multiplier    decimal.Decimal `json:"multiplier"`
}

type bridgeAccount struct {
	Equity      decimal.Decimal `json:"equity"`
	Cash        decimal.Decimal `json:"cash"`
	BuyingPower decimal.Decimal `json:"buying_power"`
	DayPnL      decimal.Decimal `json:"day_pnl"`
}

type bridgeEarnings struct {
	Symbol string `json:"symbol"`
	Date   string `json:"date"` // YYYY-MM-DD
}

// ---------------------------------------------------------------------------
// Broker implementation
// ---------------------------------------------------------------------------

// SubmitOrder posts the order to the bridge. A missing client order ID is
// generated so retries stay idempotent on the bridge side.
func (b *BridgeBroker) SubmitOrder(ctx context.Context, order *domain.Order) (*domain.Order, error) {
	if order.ClientOrderID == "" {
		order.ClientOrderID = uuid.NewString()
	}
	req := bridgeOrderRequest{
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Side:          string(order.Side),
		Type:          string(order.Type),
		Qty:           decimal.NewFromFloat(order.Qty),
		StrategyID:    order.StrategyID,
	}
	if order.Type == domain.OrderTypeLimit {
		lp := decimal.NewFromFloat(order.LimitPrice)
		req.LimitPrice = &lp
	}

	var resp bridgeOrder
	if err := b.do(ctx, http.MethodPost, "/orders", req, &resp); err != nil {
		return nil, err
	}

	out := *order
	out.ID = resp.ID
	out.Status = domain.OrderStatus(strings.ToLower(resp.Status))
	if resp.Status == "canceled" {
		out.Status = domain.OrderStatusCancelled
	}
	out.FilledQty = resp.FilledQty.InexactFloat64()
	out.FilledAvgPrice = resp.FilledAvgPrice.InexactFloat64()
	out.Reason = resp.Reason
	if !resp.CreatedAt.IsZero() {
		out.CreatedAt = resp.CreatedAt
	}
	if !resp.UpdatedAt.IsZero() {
		out.UpdatedAt = resp.UpdatedAt
	}
	b.log.Info("order submitted", "symbol", out.Symbol, "side", out.Side, "qty", out.Qty, "id", out.ID, "status", out.Status)
	return &out, nil
}

// CancelOrder deletes an open order on the bridge.
func (b *BridgeBroker) CancelOrder(ctx context.Context, orderID string) error {
	err := b.do(ctx, http.MethodDelete, "/orders/"+url.PathEscape(orderID), nil, nil)
	var be *BridgeError
	if errors.As(err, &be) && be.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	return err
}

// GetPositions returns the bridge's open positions.
func (b *BridgeBroker) GetPositions(ctx context.Context) ([]domain.Position, error) {
	var resp []bridgePosition
	if err := b.do(ctx, http.MethodGet, "/positions", nil, &resp); err != nil {
		return nil, err
	}
	out := make([]domain.Position, 0, len(resp))
	for _, p := range resp {
		mult := p.Multiplier.InexactFloat64()
		if mult <= 0 {
			mult = 1
		}
		if pos := positionFromSigned(strings.ToUpper(p.Symbol), p.Qty.InexactFloat64(), p.AvgEntryPrice.InexactFloat64(), mult); pos != nil {
			out = append(out, *pos)
		}
	}
	return out, nil
}

// GetAccount returns the account snapshot reported by the bridge.
func (b *BridgeBroker) GetAccount(ctx context.Context) (*domain.AccountInfo, error) {
	var resp bridgeAccount
	if err := b.do(ctx, http.MethodGet, "/account", nil, &resp); err != nil {
		return nil, err
	}
	return &domain.AccountInfo{
		Equity:      resp.Equity.InexactFloat64(),
		Cash:        resp.Cash.InexactFloat64(),
		BuyingPower: resp.BuyingPower.InexactFloat64(),
		DayPnL:      resp.DayPnL.InexactFloat64(),
	}, nil
}

// Health pings the bridge.
func (b *BridgeBroker) Health(ctx context.Context) error {
	return b.do(ctx, http.MethodGet, "/health", nil, nil)
}

// Earnings returns the upcoming earnings dates the bridge knows for symbols.
func (b *BridgeBroker) Earnings(ctx context.Context, symbols []string) ([]domain.EarningsEvent, error) {
	if len(symbols) == 0 {
		return nil, nil
	}
	var resp []bridgeEarnings
	path := "/earnings?symbols=" + url.QueryEscape(strings.Join(symbols, ","))
	if err := b.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]domain.EarningsEvent, 0, len(resp))
	for _, e := range resp {
		d, err := time.Parse(time.DateOnly, e.Date)
		if err != nil {
			b.log.Warn("skipping earnings row", "symbol", e.Symbol, "date", e.Date, "error", err)
			continue
		}
		out = append(out, domain.EarningsEvent{Symbol: strings.ToUpper(e.Symbol), Date: d, Source: "bridge"})
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Transport
// ---------------------------------------------------------------------------

// do performs one logical request with rate limiting and retries. Transport
// errors and temporary statuses are retried; other 4xx are returned as is.
func (b *BridgeBroker) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encoding %s %s: %w", method, path, err)
		}
	}

	return util.Retry(ctx, b.maxAttempts, b.retryDelay, func() error {
		if err := b.limiter.Wait(ctx); err != nil {
			return util.Permanent(err)
		}
		err := b.once(ctx, method, path, payload, out)
		if err == nil {
			return nil
		}
		var be *BridgeError
		if errors.As(err, &be) && !be.Temporary() {
			return util.Permanent(err)
		}
		if ctx.Err() != nil {
			return util.Permanent(err)
		}
		b.log.Warn("bridge request failed", "method", method, "path", path, "error", err)
		return err
	})
}

func (b *BridgeBroker) once(ctx context.Context, method, path string, payload []byte, out any) error {
	var rd io.Reader
	if payload != nil {
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}

	resp, err := b.http.Do(req)
	if err != nil {
		return fmt.Errorf("bridge %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		be := &BridgeError{StatusCode: resp.StatusCode, Method: method, Path: path, Message: strings.TrimSpace(string(raw))}
		var msg struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &msg) == nil && msg.Error != "" {
			be.Message = msg.Error
		}
		return be
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s %s: %w", method, path, err)
	}
	return nil
}

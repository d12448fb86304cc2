// Package client is a Go SDK for the tradebot REST and gRPC control APIs.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"tradebot/internal/api"
	"tradebot/internal/app"
	"tradebot/internal/backtest"
	"tradebot/internal/domain"
	"tradebot/internal/engine"
	"tradebot/internal/selection"
	"tradebot/internal/strategy"
)

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tradebot api: %d %s", e.StatusCode, e.Message)
}

// Client provides a Go SDK for interacting with the tradebot REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new tradebot API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + "/api/v1" + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		if json.Unmarshal(raw, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(raw))
		}
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

// Status returns the engine status.
func (c *Client) Status(ctx context.Context) (*engine.Status, error) {
	var st engine.Status
	return &st, c.do(ctx, http.MethodGet, "/status", nil, nil, &st)
}

// Account returns the broker account snapshot.
func (c *Client) Account(ctx context.Context) (*domain.AccountInfo, error) {
	var a domain.AccountInfo
	return &a, c.do(ctx, http.MethodGet, "/account", nil, nil, &a)
}

// Positions returns the open positions.
func (c *Client) Positions(ctx context.Context) ([]domain.Position, error) {
	var ps []domain.Position
	return ps, c.do(ctx, http.MethodGet, "/positions", nil, nil, &ps)
}

// Orders lists orders with the given status; empty matches all.
func (c *Client) Orders(ctx context.Context, status domain.OrderStatus, limit int) ([]domain.Order, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", string(status))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []domain.Order
	return out, c.do(ctx, http.MethodGet, "/orders", q, nil, &out)
}

// SubmitOrder places a manual order.
func (c *Client) SubmitOrder(ctx context.Context, order domain.Order) (*domain.Order, error) {
	var out domain.Order
	return &out, c.do(ctx, http.MethodPost, "/orders", nil, order, &out)
}

// CancelOrder cancels an open order.
func (c *Client) CancelOrder(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/orders/"+url.PathEscape(id), nil, nil, nil)
}

// Trades lists closed trades. A nil shadow returns live and shadow trades.
func (c *Client) Trades(ctx context.Context, symbol string, since time.Time, shadow *bool, limit int) ([]domain.ClosedTrade, error) {
	q := url.Values{}
	if symbol != "" {
		q.Set("symbol", symbol)
	}
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339))
	}
	if shadow != nil {
		q.Set("shadow", strconv.FormatBool(*shadow))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []domain.ClosedTrade
	return out, c.do(ctx, http.MethodGet, "/trades", q, nil, &out)
}

// Bars retrieves daily bars for a symbol.
func (c *Client) Bars(ctx context.Context, symbol string, market domain.Market, start, end time.Time) ([]domain.Bar, error) {
	q := url.Values{"symbol": {symbol}}
	if market != "" {
		q.Set("market", string(market))
	}
	if !start.IsZero() {
		q.Set("start", start.UTC().Format(time.RFC3339))
	}
	if !end.IsZero() {
		q.Set("end", end.UTC().Format(time.RFC3339))
	}
	var out []domain.Bar
	return out, c.do(ctx, http.MethodGet, "/bars", q, nil, &out)
}

// Pause stops new orders; strategies keep running.
func (c *Client) Pause(ctx context.Context, reason string) (*engine.Status, error) {
	var st engine.Status
	return &st, c.do(ctx, http.MethodPost, "/engine/pause", nil, map[string]string{"reason": reason}, &st)
}

// Resume re-enables trading.
func (c *Client) Resume(ctx context.Context) (*engine.Status, error) {
	var st engine.Status
	return &st, c.do(ctx, http.MethodPost, "/engine/resume", nil, nil, &st)
}

// Flatten closes every position and returns the number of orders placed.
func (c *Client) Flatten(ctx context.Context) (int, error) {
	var out struct {
		Orders int `json:"orders"`
	}
	err := c.do(ctx, http.MethodPost, "/engine/flatten", nil, nil, &out)
	return out.Orders, err
}

// RunBacktest runs a backtest on the server and waits for the results.
func (c *Client) RunBacktest(ctx context.Context, req app.BacktestRequest) (*api.BacktestResponse, error) {
	var out api.BacktestResponse
	return &out, c.do(ctx, http.MethodPost, "/backtests", nil, req, &out)
}

// Backtests lists stored backtest results.
func (c *Client) Backtests(ctx context.Context, symbol string, limit int) ([]backtest.Result, error) {
	q := url.Values{}
	if symbol != "" {
		q.Set("symbol", symbol)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []backtest.Result
	return out, c.do(ctx, http.MethodGet, "/backtests", q, nil, &out)
}

// Equity returns the equity curve of a stored backtest.
func (c *Client) Equity(ctx context.Context, runID string) ([]backtest.EquityPoint, error) {
	var out []backtest.EquityPoint
	return out, c.do(ctx, http.MethodGet, "/backtests/"+url.PathEscape(runID)+"/equity", nil, nil, &out)
}

// Assignments returns every strategy assignment.
func (c *Client) Assignments(ctx context.Context) ([]selection.Assignment, error) {
	var out []selection.Assignment
	return out, c.do(ctx, http.MethodGet, "/assignments", nil, nil, &out)
}

// Assign pins strategy as the live strategy for symbol.
func (c *Client) Assign(ctx context.Context, symbol, name string, params strategy.Params) (*selection.Assignment, error) {
	body := map[string]any{"strategy": name}
	if len(params) > 0 {
		body["params"] = params
	}
	var out selection.Assignment
	return &out, c.do(ctx, http.MethodPost, "/assignments/"+url.PathEscape(symbol), nil, body, &out)
}

// Strategies lists the registered strategy names.
func (c *Client) Strategies(ctx context.Context) ([]string, error) {
	var out []string
	return out, c.do(ctx, http.MethodGet, "/strategies", nil, nil, &out)
}

// SaveEarnings uploads earnings dates.
func (c *Client) SaveEarnings(ctx context.Context, evs []domain.EarningsEvent) error {
	return c.do(ctx, http.MethodPut, "/earnings", nil, evs, nil)
}

// RunJob triggers a scheduler job and waits for it to finish.
func (c *Client) RunJob(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/jobs/"+url.PathEscape(name)+"/run", nil, nil, nil)
}

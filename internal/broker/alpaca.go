package broker

import (
	"context"
	"fmt"
	"strings"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"

	"tradebot/internal/domain"
)

// Compile-time interface check.
var _ Broker = (*AlpacaBroker)(nil)

// AlpacaBroker implements the Broker interface using the Alpaca brokerage API.
type AlpacaBroker struct {
	client *alpaca.Client
}

// NewAlpacaBroker creates a new AlpacaBroker configured with the given
// credentials and API endpoint.
func NewAlpacaBroker(apiKey, apiSecret, baseURL string) *AlpacaBroker {
	return &AlpacaBroker{
		client: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    apiKey,
			APISecret: apiSecret,
			BaseURL:   baseURL,
		}),
	}
}

// Name returns "alpaca".
func (b *AlpacaBroker) Name() string {
	return "alpaca"
}

// SubmitOrder sends an order to the Alpaca API for execution.
func (b *AlpacaBroker) SubmitOrder(ctx context.Context, order *domain.Order) (*domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	qty := decimal.NewFromFloat(order.Qty)
	req := alpaca.PlaceOrderRequest{
		Symbol:        order.Symbol,
		Qty:           &qty,
		Side:          alpaca.Side(order.Side),
		Type:          alpaca.Market,
		TimeInForce:   alpaca.Day,
		ClientOrderID: order.ClientOrderID,
	}
	if order.Type == domain.OrderTypeLimit {
		limit := decimal.NewFromFloat(order.LimitPrice)
		req.Type = alpaca.Limit
		req.LimitPrice = &limit
	}
	placed, err := b.client.PlaceOrder(req)
	if err != nil {
		return nil, fmt.Errorf("alpaca place order %s: %w", order.Symbol, err)
	}
	return fromAlpacaOrder(order, placed), nil
}

func fromAlpacaOrder(req *domain.Order, o *alpaca.Order) *domain.Order {
	out := *req
	out.ID = o.ID
	out.ClientOrderID = o.ClientOrderID
	out.Status = alpacaStatus(o.Status)
	out.FilledQty = o.FilledQty.InexactFloat64()
	if o.FilledAvgPrice != nil {
		out.FilledAvgPrice = o.FilledAvgPrice.InexactFloat64()
	}
	out.CreatedAt = o.CreatedAt
	out.UpdatedAt = o.UpdatedAt
	return &out
}

func alpacaStatus(s string) domain.OrderStatus {
	switch strings.ToLower(s) {
	case "filled":
		return domain.OrderStatusFilled
	case "partially_filled":
		return domain.OrderStatusPartial
	case "canceled", "cancelled", "expired":
		return domain.OrderStatusCancelled
	case "rejected", "suspended":
		return domain.OrderStatusRejected
	case "new", "pending_new":
		return domain.OrderStatusNew
	}
	return domain.OrderStatusAccepted
}

// CancelOrder requests cancellation of an open order via the Alpaca API.
func (b *AlpacaBroker) CancelOrder(ctx context.Context, orderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.client.CancelOrder(orderID); err != nil {
		return fmt.Errorf("alpaca cancel order %s: %w", orderID, err)
	}
	return nil
}

// GetPositions returns all current positions from the Alpaca account.
func (b *AlpacaBroker) GetPositions(ctx context.Context) ([]domain.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	positions, err := b.client.GetPositions()
	if err != nil {
		return nil, fmt.Errorf("alpaca positions: %w", err)
	}
	out := make([]domain.Position, 0, len(positions))
	for _, p := range positions {
		qty := p.Qty.Abs().InexactFloat64()
		side := domain.PositionSideLong
		if p.Side == "short" || p.Qty.IsNegative() {
			side = domain.PositionSideShort
		}
		out = append(out, domain.Position{
			Symbol:        p.Symbol,
			Qty:           qty,
			Side:          side,
			AvgEntryPrice: p.AvgEntryPrice.InexactFloat64(),
			Multiplier:    1,
		})
	}
	return out, nil
}

// GetAccount returns the current account information from the Alpaca API.
func (b *AlpacaBroker) GetAccount(ctx context.Context) (*domain.AccountInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	acct, err := b.client.GetAccount()
	if err != nil {
		return nil, fmt.Errorf("alpaca account: %w", err)
	}
	return &domain.AccountInfo{
		Equity:      acct.Equity.InexactFloat64(),
		Cash:        acct.Cash.InexactFloat64(),
		BuyingPower: acct.BuyingPower.InexactFloat64(),
		DayPnL:      acct.Equity.Sub(acct.LastEquity).InexactFloat64(),
	}, nil
}

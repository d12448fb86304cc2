package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradebot/internal/domain"
)

// Compile-time interface checks.
var (
	_ Broker      = (*SimulatorBroker)(nil)
	_ Marker      = (*SimulatorBroker)(nil)
	_ DayResetter = (*SimulatorBroker)(nil)
)

// SimulatorBroker implements the Broker interface for paper trading. Market
// orders fill immediately at the last marked price; limit orders rest until a
// mark crosses them. Positions and cash are tracked in memory.
type SimulatorBroker struct {
	mu          sync.Mutex
	cash        float64
	dayStart    float64
	commission  float64 // per unit
	prices      map[string]float64
	multipliers map[string]float64
	positions   map[string]*domain.Position
	orders      map[string]*domain.Order
	now         func() time.Time
}

// NewSimulatorBroker creates a new SimulatorBroker holding cash.
func NewSimulatorBroker(cash float64) *SimulatorBroker {
	return &SimulatorBroker{
		cash:        cash,
		dayStart:    cash,
		prices:      make(map[string]float64),
		multipliers: make(map[string]float64),
		positions:   make(map[string]*domain.Position),
		orders:      make(map[string]*domain.Order),
		now:         time.Now,
	}
}

// Name returns "simulator".
func (b *SimulatorBroker) Name() string {
	return "simulator"
}

// SetCommission sets the commission charged per filled unit.
func (b *SimulatorBroker) SetCommission(perUnit float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.commission = perUnit
}

// SetInstruments registers contract multipliers for futures.
func (b *SimulatorBroker) SetInstruments(insts []domain.Instrument) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, inst := range insts {
		b.multipliers[strings.ToUpper(inst.Symbol)] = inst.PointValue()
	}
}

// Mark records the latest price for symbol and fills any resting limit
// orders it crosses.
func (b *SimulatorBroker) Mark(symbol string, price float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	symbol = strings.ToUpper(symbol)
	b.prices[symbol] = price
	for _, o := range b.orders {
		if o.Symbol != symbol || !o.Status.Open() || o.Type != domain.OrderTypeLimit {
			continue
		}
		if crosses(o, price) {
			b.fillLocked(o, o.LimitPrice)
		}
	}
}

// ResetDay makes the current equity the baseline for DayPnL.
func (b *SimulatorBroker) ResetDay() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dayStart = b.equityLocked()
}

func crosses(o *domain.Order, price float64) bool {
	if o.Side == domain.OrderSideBuy {
		return price <= o.LimitPrice
	}
	return price >= o.LimitPrice
}

// SubmitOrder records the order in memory and simulates execution.
func (b *SimulatorBroker) SubmitOrder(ctx context.Context, order *domain.Order) (*domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if order.Qty <= 0 {
		return nil, fmt.Errorf("simulator: invalid quantity %v", order.Qty)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	o := *order
	o.Symbol = strings.ToUpper(o.Symbol)
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	now := b.now()
	o.CreatedAt, o.UpdatedAt = now, now
	o.Status = domain.OrderStatusAccepted
	b.orders[o.ID] = &o

	price, ok := b.prices[o.Symbol]
	switch {
	case !ok:
		if o.Type == domain.OrderTypeMarket {
			o.Status = domain.OrderStatusRejected
			o.Reason = "no price for " + o.Symbol
		}
	case o.Type == domain.OrderTypeMarket:
		b.fillLocked(&o, price)
	case crosses(&o, price):
		b.fillLocked(&o, o.LimitPrice)
	}
	out := o
	return &out, nil
}

// fillLocked fills o completely at price. It must be called with mu held.
func (b *SimulatorBroker) fillLocked(o *domain.Order, price float64) {
	mult := b.multiplier(o.Symbol)
	delta := o.Qty
	if o.Side == domain.OrderSideSell {
		delta = -delta
	}

	var qty, avg float64
	if p, ok := b.positions[o.Symbol]; ok {
		qty = p.Side.Sign() * p.Qty
		avg = p.AvgEntryPrice
	}
	next := qty + delta
	switch {
	case qty == 0 || (qty > 0) == (delta > 0):
		avg = (avg*abs(qty) + price*abs(delta)) / abs(next)
	case next != 0 && (next > 0) != (qty > 0):
		avg = price
	}

	b.cash -= delta*price*mult + b.commission*o.Qty
	if p := positionFromSigned(o.Symbol, next, avg, mult); p != nil {
		if prev, ok := b.positions[o.Symbol]; ok && (prev.Side == p.Side) {
			p.OpenedAt = prev.OpenedAt
		} else {
			p.OpenedAt = b.now()
		}
		p.UpdatedAt = b.now()
		b.positions[o.Symbol] = p
	} else {
		delete(b.positions, o.Symbol)
	}

	o.Status = domain.OrderStatusFilled
	o.FilledQty = o.Qty
	o.FilledAvgPrice = price
	o.UpdatedAt = b.now()
}

func (b *SimulatorBroker) multiplier(symbol string) float64 {
	if m, ok := b.multipliers[symbol]; ok && m > 0 {
		return m
	}
	return 1
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

// CancelOrder marks the specified order as cancelled if it is still open.
func (b *SimulatorBroker) CancelOrder(_ context.Context, orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	if !o.Status.Open() {
		return fmt.Errorf("order %s is %s", orderID, o.Status)
	}
	o.Status = domain.OrderStatusCancelled
	o.UpdatedAt = b.now()
	return nil
}

// Order returns a copy of a submitted order.
func (b *SimulatorBroker) Order(orderID string) (domain.Order, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[orderID]
	if !ok {
		return domain.Order{}, false
	}
	return *o, true
}

// GetPositions returns copies of all simulated positions.
func (b *SimulatorBroker) GetPositions(_ context.Context) ([]domain.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	positions := make([]domain.Position, 0, len(b.positions))
	for _, p := range b.positions {
		positions = append(positions, *p)
	}
	return positions, nil
}

// GetAccount returns simulated account information valued at the last
// marked prices.
func (b *SimulatorBroker) GetAccount(_ context.Context) (*domain.AccountInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	equity := b.equityLocked()
	return &domain.AccountInfo{
		Equity:      equity,
		Cash:        b.cash,
		BuyingPower: b.cash,
		DayPnL:      equity - b.dayStart,
	}, nil
}

func (b *SimulatorBroker) equityLocked() float64 {
	equity := b.cash
	for sym, p := range b.positions {
		price, ok := b.prices[sym]
		if !ok {
			price = p.AvgEntryPrice
		}
		equity += p.MarketValue(price)
	}
	return equity
}

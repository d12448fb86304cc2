// Package domain holds the core value types shared by every tradebot
// component: bars, orders, positions, signals and instruments.
package domain

import (
	"strings"
	"time"
)

// Market identifies the venue family a symbol trades on.
type Market string

const (
	MarketUS  Market = "us"
	MarketCME Market = "cme"
)

// AssetClass distinguishes equities from futures contracts.
type AssetClass string

const (
	AssetStock  AssetClass = "stock"
	AssetFuture AssetClass = "future"
)

// Bar is a single OHLCV bar.
type Bar struct {
	Symbol     string    `json:"symbol"`
	Timestamp  time.Time `json:"timestamp"`
	Open       float64   `json:"open"`
	High       float64   `json:"high"`
	Low        float64   `json:"low"`
	Close      float64   `json:"close"`
	Volume     int64     `json:"volume"`
	TradeCount int64     `json:"trade_count"`
	VWAP       float64   `json:"vwap"`
}

// Instrument describes how a symbol is traded. Stocks have Multiplier 1.
type Instrument struct {
	Symbol            string     `yaml:"symbol" json:"symbol"`
	AssetClass        AssetClass `yaml:"asset_class" json:"asset_class"`
	Market            Market     `yaml:"market" json:"market"`
	Multiplier        float64    `yaml:"multiplier" json:"multiplier"`
	TickSize          float64    `yaml:"tick_size" json:"tick_size"`
	MarginPerContract float64    `yaml:"margin_per_contract" json:"margin_per_contract"`
}

// IsFuture reports whether the instrument is a futures contract.
func (i Instrument) IsFuture() bool { return i.AssetClass == AssetFuture }

// PointValue returns the multiplier, treating an unset multiplier as 1.
func (i Instrument) PointValue() float64 {
	if i.Multiplier <= 0 {
		return 1
	}
	return i.Multiplier
}

// StockInstrument returns the default instrument for a US equity.
func StockInstrument(symbol string) Instrument {
	return Instrument{
		Symbol:     strings.ToUpper(symbol),
		AssetClass: AssetStock,
		Market:     MarketUS,
		Multiplier: 1,
		TickSize:   0.01,
	}
}

// OrderSide is buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Opposite returns the other side.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderType is market or limit.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderStatus tracks an order through its lifecycle.
type OrderStatus string

const (
	OrderStatusNew       OrderStatus = "new"
	OrderStatusAccepted  OrderStatus = "accepted"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusPartial   OrderStatus = "partially_filled"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
)

// Open reports whether the order may still fill.
func (s OrderStatus) Open() bool {
	switch s {
	case OrderStatusNew, OrderStatusAccepted, OrderStatusPartial:
		return true
	}
	return false
}

// Order is a request to buy or sell an instrument.
type Order struct {
	ID             string      `json:"id"`
	ClientOrderID  string      `json:"client_order_id"`
	Symbol         string      `json:"symbol"`
	Side           OrderSide   `json:"side"`
	Type           OrderType   `json:"type"`
	Status         OrderStatus `json:"status"`
	Qty            float64     `json:"qty"`
	LimitPrice     float64     `json:"limit_price,omitempty"`
	FilledQty      float64     `json:"filled_qty"`
	FilledAvgPrice float64     `json:"filled_avg_price"`
	StrategyID     string      `json:"strategy_id,omitempty"`
	Reason         string      `json:"reason,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// PositionSide is long or short.
type PositionSide string

const (
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
)

// Sign returns +1 for long and -1 for short.
func (s PositionSide) Sign() float64 {
	if s == PositionSideShort {
		return -1
	}
	return 1
}

// Position is an open holding. Qty is always positive; Side carries the
// direction.
type Position struct {
	Symbol        string       `json:"symbol"`
	Qty           float64      `json:"qty"`
	Side          PositionSide `json:"side"`
	AvgEntryPrice float64      `json:"avg_entry_price"`
	Multiplier    float64      `json:"multiplier"`
	StrategyID    string       `json:"strategy_id,omitempty"`
	OpenedAt      time.Time    `json:"opened_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

func (p Position) multiplier() float64 {
	if p.Multiplier <= 0 {
		return 1
	}
	return p.Multiplier
}

// MarketValue returns the signed market value of the position at price.
func (p Position) MarketValue(price float64) float64 {
	return p.Side.Sign() * p.Qty * price * p.multiplier()
}

// Notional returns the absolute exposure at price.
func (p Position) Notional(price float64) float64 {
	return p.Qty * price * p.multiplier()
}

// UnrealizedPnL returns the open profit or loss at price.
func (p Position) UnrealizedPnL(price float64) float64 {
	return p.Side.Sign() * (price - p.AvgEntryPrice) * p.Qty * p.multiplier()
}

// ClosedTrade is a round trip from entry to exit.
type ClosedTrade struct {
	ID         int64        `json:"id"`
	Symbol     string       `json:"symbol"`
	StrategyID string       `json:"strategy_id"`
	Side       PositionSide `json:"side"`
	Qty        float64      `json:"qty"`
	EntryPrice float64      `json:"entry_price"`
	ExitPrice  float64      `json:"exit_price"`
	EntryTime  time.Time    `json:"entry_time"`
	ExitTime   time.Time    `json:"exit_time"`
	Commission float64      `json:"commission"`
	PnL        float64      `json:"pnl"`
	Shadow     bool         `json:"shadow"`
}

// ReturnPct returns the trade return relative to the entry notional.
func (t ClosedTrade) ReturnPct() float64 {
	if t.EntryPrice == 0 {
		return 0
	}
	return t.Side.Sign() * (t.ExitPrice - t.EntryPrice) / t.EntryPrice
}

// HoldingTime returns how long the position was open.
func (t ClosedTrade) HoldingTime() time.Duration {
	return t.ExitTime.Sub(t.EntryTime)
}

// SignalType is the intent a strategy emits on a bar.
type SignalType string

const (
	SignalTypeLong    SignalType = "long"
	SignalTypeShort   SignalType = "short"
	SignalTypeNeutral SignalType = "neutral"
	SignalTypeExit    SignalType = "exit"
)

// Direction maps long to +1, short to -1 and everything else to 0.
func (t SignalType) Direction() int {
	switch t {
	case SignalTypeLong:
		return 1
	case SignalTypeShort:
		return -1
	}
	return 0
}

// Signal is a strategy decision for one bar.
type Signal struct {
	ID         int64             `json:"id"`
	StrategyID string            `json:"strategy_id"`
	Symbol     string            `json:"symbol"`
	Type       SignalType        `json:"type"`
	Strength   float64           `json:"strength"`
	Price      float64           `json:"price"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Neutral builds a no-op signal.
func Neutral(strategyID string, bar Bar) Signal {
	return Signal{StrategyID: strategyID, Symbol: bar.Symbol, Type: SignalTypeNeutral, Price: bar.Close, CreatedAt: bar.Timestamp}
}

// AccountInfo is a snapshot of the brokerage account.
type AccountInfo struct {
	Equity      float64 `json:"equity"`
	Cash        float64 `json:"cash"`
	BuyingPower float64 `json:"buying_power"`
	DayPnL      float64 `json:"day_pnl"`
}

// EarningsEvent is a scheduled earnings report for a symbol.
type EarningsEvent struct {
	Symbol string    `json:"symbol"`
	Date   time.Time `json:"date"`
	Source string    `json:"source,omitempty"`
}

package telegram

import (
	"context"
	"fmt"
	"log/slog"

	"tradebot/internal/domain"
	"tradebot/internal/events"
	"tradebot/internal/util"
)

// DefaultNotifyEvents are forwarded when no list is configured.
var DefaultNotifyEvents = []string{
	string(events.OrderSubmitted),
	string(events.OrderRejected),
	string(events.TradeClosed),
	string(events.RiskHalt),
	string(events.EnginePaused),
	string(events.EngineResumed),
	string(events.BacktestCompleted),
	string(events.JobFailed),
}

// Broadcaster sends a message to every operator chat.
type Broadcaster interface {
	Broadcast(ctx context.Context, text string) error
}

// Notifier forwards selected bus events to the operator chats.
type Notifier struct {
	bus    *events.Bus
	out    Broadcaster
	filter func(events.Event) bool
	log    *slog.Logger
}

// NewNotifier creates a Notifier for the given event types.
func NewNotifier(bus *events.Bus, out Broadcaster, types []string, logger *slog.Logger) *Notifier {
	if len(types) == 0 {
		types = DefaultNotifyEvents
	}
	return &Notifier{
		bus:    bus,
		out:    out,
		filter: events.Filter(types...),
		log:    util.Component(logger, "telegram-notifier"),
	}
}

// Run forwards events until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) error {
	id, ch := n.bus.Subscribe(128)
	defer n.bus.Unsubscribe(id)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if !n.filter(ev) {
				continue
			}
			if err := n.out.Broadcast(ctx, Format(ev)); err != nil && ctx.Err() == nil {
				n.log.Warn("notification failed", "type", ev.Type, "error", err)
			}
		}
	}
}

// Format renders an event as a chat message.
func Format(ev events.Event) string {
	switch p := ev.Payload.(type) {
	case *domain.Order:
		if ev.Type == events.OrderRejected {
			return fmt.Sprintf("Order rejected: %s %g %s\n%s", p.Side, p.Qty, p.Symbol, p.Reason)
		}
		return fmt.Sprintf("Order %s: %s %g %s [%s]", p.Status, p.Side, p.Qty, p.Symbol, p.StrategyID)
	case *domain.ClosedTrade:
		return fmt.Sprintf("Trade closed: %s %s %g\n%.2f -> %.2f, P&L %+.2f (%.2f%%)",
			p.Symbol, p.Side, p.Qty, p.EntryPrice, p.ExitPrice, p.PnL, 100*p.ReturnPct())
	}
	switch ev.Type {
	case events.RiskHalt:
		return "RISK HALT: " + ev.Message
	case events.EnginePaused:
		return "Engine paused: " + ev.Message
	case events.EngineResumed:
		return "Engine resumed"
	}
	if ev.Symbol != "" {
		return fmt.Sprintf("[%s] %s: %s", ev.Type, ev.Symbol, ev.Message)
	}
	return fmt.Sprintf("[%s] %s", ev.Type, ev.Message)
}

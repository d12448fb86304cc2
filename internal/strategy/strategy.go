// Package strategy defines the Strategy interface for trading strategies and
// provides a Registry of named strategy factories.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"tradebot/internal/domain"
)

// ErrUnknownStrategy is returned when a name has no registered factory.
var ErrUnknownStrategy = errors.New("unknown strategy")

// State is the portfolio state a strategy sees for one symbol.
type State struct {
	Symbol   string
	Position *domain.Position // nil when flat
	Equity   float64
	Cash     float64
}

// Flat reports whether there is no open position.
func (s State) Flat() bool { return s.Position == nil || s.Position.Qty == 0 }

// Long reports whether the open position is long.
func (s State) Long() bool { return !s.Flat() && s.Position.Side == domain.PositionSideLong }

// Short reports whether the open position is short.
func (s State) Short() bool { return !s.Flat() && s.Position.Side == domain.PositionSideShort }

// Strategy is the interface that all trading strategies must implement.
// Instances are stateful and serve a single symbol.
type Strategy interface {
	// Name returns the unique identifier for this strategy.
	Name() string

	// Warmup returns the number of bars needed before signals are meaningful.
	Warmup() int

	// OnBar is called for each new bar in time order and returns the signal
	// for that bar. Strategies return a neutral signal while warming up.
	OnBar(ctx context.Context, state State, bar domain.Bar) (domain.Signal, error)
}

// Params are numeric strategy parameters keyed by name.
type Params map[string]float64

// Float returns the parameter or def when missing.
func (p Params) Float(key string, def float64) float64 {
	if v, ok := p[key]; ok {
		return v
	}
	return def
}

// Int returns the parameter truncated to an int, or def when missing.
func (p Params) Int(key string, def int) int {
	if v, ok := p[key]; ok {
		return int(v)
	}
	return def
}

// Bool treats any non-zero value as true.
func (p Params) Bool(key string, def bool) bool {
	if v, ok := p[key]; ok {
		return v != 0
	}
	return def
}

// Clone returns a copy safe to mutate.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// String renders params as sorted key=value pairs, stable across runs.
func (p Params) String() string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + strconv.FormatFloat(p[k], 'g', -1, 64)
	}
	return strings.Join(parts, ",")
}

// Factory builds a fresh strategy instance.
type Factory func(Params) (Strategy, error)

// Registry holds named strategy factories. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty strategy Registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register adds a factory under name, replacing any previous one.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// New builds a new instance of the named strategy.
func (r *Registry) New(name string, params Params) (Strategy, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
	s, err := f(params)
	if err != nil {
		return nil, fmt.Errorf("building %s: %w", name, err)
	}
	return s, nil
}

// List returns a sorted slice of all registered strategy names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HistoryFunc returns up to n of the most recent bars for symbol, oldest
// first.
type HistoryFunc func(ctx context.Context, symbol string, n int) ([]domain.Bar, error)

// Prime feeds history through s with a flat state and discards the signals,
// so a fresh instance starts with full indicator windows.
func Prime(ctx context.Context, s Strategy, bars []domain.Bar) error {
	for _, bar := range bars {
		if _, err := s.OnBar(ctx, State{Symbol: bar.Symbol}, bar); err != nil {
			return fmt.Errorf("priming %s: %w", s.Name(), err)
		}
	}
	return nil
}

// Package shadow runs strategy assignments against virtual portfolios fed
// with live bars. Nothing here ever reaches a broker.
package shadow

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"tradebot/internal/backtest"
	"tradebot/internal/domain"
	"tradebot/internal/selection"
	"tradebot/internal/strategy"
)

// Snapshot is the state of one virtual portfolio.
type Snapshot struct {
	Key       string          `json:"key"`
	Symbol    string          `json:"symbol"`
	Strategy  string          `json:"strategy"`
	Params    strategy.Params `json:"params,omitempty"`
	Mode      selection.Mode  `json:"mode"`
	Equity    float64         `json:"equity"`
	Return    float64         `json:"return"`
	Trades    int             `json:"trades"`
	Position  string          `json:"position"` // long, short or flat
	Bars      int             `json:"bars"`
	StartedAt time.Time       `json:"started_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Promotion is a shadow combination outperforming the live one.
type Promotion struct {
	Candidate Snapshot `json:"candidate"`
	Live      Snapshot `json:"live"`
	Edge      float64  `json:"edge"`
}

// Store persists snapshots.
type Store interface {
	SaveSnapshot(ctx context.Context, s Snapshot) error
}

type slot struct {
	assignment selection.Assignment
	strat      strategy.Strategy
	portfolio  *backtest.Portfolio
	bars       int
	startedAt  time.Time
	updatedAt  time.Time
}

func (s *slot) snapshot() Snapshot {
	a := s.assignment
	pf := s.portfolio
	pos := "flat"
	if p := pf.Position(a.Symbol); p != nil {
		pos = string(p.Side)
	}
	ret := 0.0
	if pf.Initial() > 0 {
		ret = pf.Equity()/pf.Initial() - 1
	}
	return Snapshot{
		Key:       a.Key(),
		Symbol:    a.Symbol,
		Strategy:  a.Strategy,
		Params:    a.Params,
		Mode:      a.Mode,
		Equity:    pf.Equity(),
		Return:    ret,
		Trades:    len(pf.Trades()),
		Position:  pos,
		Bars:      s.bars,
		StartedAt: s.startedAt,
		UpdatedAt: s.updatedAt,
	}
}

// Tracker keeps a virtual portfolio for every assignment. Live assignments
// are tracked too so shadow results have a like-for-like benchmark.
type Tracker struct {
	registry *strategy.Registry
	engine   *backtest.Engine
	store    Store
	logger   *slog.Logger

	mu    sync.Mutex
	slots map[string]*slot
}

// NewTracker creates a Tracker. engine supplies costs and sizing; store may
// be nil.
func NewTracker(registry *strategy.Registry, engine *backtest.Engine, store Store, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		registry: registry,
		engine:   engine,
		store:    store,
		logger:   logger.With("component", "shadow"),
		slots:    make(map[string]*slot),
	}
}

// Sync aligns the tracked set with assignments. Existing combinations keep
// their portfolios; new ones are built and primed from history when given.
func (t *Tracker) Sync(ctx context.Context, assignments []selection.Assignment, instruments []domain.Instrument, history strategy.HistoryFunc) error {
	insts := make(map[string]domain.Instrument, len(instruments))
	for _, inst := range instruments {
		insts[strings.ToUpper(inst.Symbol)] = inst
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	want := make(map[string]selection.Assignment, len(assignments))
	for _, a := range assignments {
		a.Symbol = strings.ToUpper(a.Symbol)
		want[a.Key()] = a
	}
	for key := range t.slots {
		if _, ok := want[key]; !ok {
			delete(t.slots, key)
		}
	}

	for key, a := range want {
		if s, ok := t.slots[key]; ok {
			s.assignment = a
			continue
		}
		strat, err := t.registry.New(a.Strategy, a.Params)
		if err != nil {
			return fmt.Errorf("shadow %s: %w", key, err)
		}
		if history != nil {
			bars, err := history(ctx, a.Symbol, strat.Warmup())
			if err != nil {
				return fmt.Errorf("shadow %s history: %w", key, err)
			}
			if err := strategy.Prime(ctx, strat, bars); err != nil {
				return err
			}
		}
		pf := t.engine.NewPortfolio()
		pf.MarkShadow()
		inst, ok := insts[a.Symbol]
		if !ok {
			inst = domain.StockInstrument(a.Symbol)
		}
		pf.SetInstrument(inst)
		t.slots[key] = &slot{assignment: a, strat: strat, portfolio: pf, startedAt: time.Now().UTC()}
		t.logger.Info("tracking combination", "key", key, "mode", a.Mode)
	}
	return nil
}

// OnBar feeds bar to every combination for its symbol and returns the
// virtual trades it closed.
func (t *Tracker) OnBar(ctx context.Context, bar domain.Bar) ([]domain.ClosedTrade, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sym := strings.ToUpper(bar.Symbol)
	bar.Symbol = sym
	var closed []domain.ClosedTrade
	var snaps []Snapshot
	for key, s := range t.slots {
		if s.assignment.Symbol != sym {
			continue
		}
		s.portfolio.Mark(bar)
		sig, err := s.strat.OnBar(ctx, s.portfolio.State(sym), bar)
		if err != nil {
			t.logger.Warn("shadow strategy error", "key", key, "error", err)
			continue
		}
		if sig.Type != domain.SignalTypeNeutral {
			sig.StrategyID = s.assignment.Strategy
			closed = append(closed, s.portfolio.Apply(sig, bar)...)
		}
		s.bars++
		s.updatedAt = bar.Timestamp
		snaps = append(snaps, s.snapshot())
	}

	if t.store != nil {
		for _, snap := range snaps {
			if err := t.store.SaveSnapshot(ctx, snap); err != nil {
				return closed, fmt.Errorf("saving shadow snapshot %s: %w", snap.Key, err)
			}
		}
	}
	return closed, nil
}

// Snapshot returns the state of every tracked combination sorted by key.
func (t *Tracker) Snapshot() []Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Snapshot, 0, len(t.slots))
	for _, s := range t.slots {
		out = append(out, s.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Promotions lists shadow combinations whose return beats the live
// combination for the same symbol by at least minEdge, best edge first.
func (t *Tracker) Promotions(minEdge float64) []Promotion {
	snaps := t.Snapshot()
	live := make(map[string]Snapshot)
	for _, s := range snaps {
		if s.Mode == selection.ModeLive {
			live[s.Symbol] = s
		}
	}
	var out []Promotion
	for _, s := range snaps {
		if s.Mode != selection.ModeShadow {
			continue
		}
		l, ok := live[s.Symbol]
		if !ok {
			continue
		}
		if edge := s.Return - l.Return; edge >= minEdge {
			out = append(out, Promotion{Candidate: s, Live: l, Edge: edge})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Edge != out[j].Edge {
			return out[i].Edge > out[j].Edge
		}
		return out[i].Candidate.Key < out[j].Candidate.Key
	})
	return out
}

package strategy

import (
	"context"
	"errors"
	"testing"

	"tradebot/internal/domain"
)

// stubStrategy is a minimal Strategy implementation used in registry tests.
type stubStrategy struct {
	name string
}

func (s *stubStrategy) Name() string { return s.name }
func (s *stubStrategy) Warmup() int  { return 0 }
func (s *stubStrategy) OnBar(_ context.Context, _ State, bar domain.Bar) (domain.Signal, error) {
	return domain.Neutral(s.name, bar), nil
}

func stubFactory(name string) Factory {
	return func(Params) (Strategy, error) { return &stubStrategy{name: name}, nil }
}

func TestRegistryRegisterAndNew(t *testing.T) {
	r := NewRegistry()
	r.Register("test-strategy", stubFactory("test-strategy"))

	got, err := r.New("test-strategy", nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if got.Name() != "test-strategy" {
		t.Errorf("New returned strategy with Name() = %q, want %q", got.Name(), "test-strategy")
	}
	if !r.Has("test-strategy") {
		t.Error("Has returned false for registered strategy")
	}
}

func TestRegistryNew_NotFound(t *testing.T) {
	r := NewRegistry()
	_, err := r.New("nonexistent", nil)
	if !errors.Is(err, ErrUnknownStrategy) {
		t.Errorf("New error = %v, want ErrUnknownStrategy", err)
	}
}

func TestRegistryNew_FactoryError(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("bad params")
	r.Register("broken", func(Params) (Strategy, error) { return nil, boom })
	if _, err := r.New("broken", nil); !errors.Is(err, boom) {
		t.Errorf("New error = %v, want wrapped factory error", err)
	}
}

func TestRegistryList(t *testing.T) {
	r := NewRegistry()
	r.Register("beta", stubFactory("beta"))
	r.Register("alpha", stubFactory("alpha"))

	names := r.List()
	if len(names) != 2 {
		t.Fatalf("List returned %d names, want 2", len(names))
	}
	// List returns sorted names.
	if names[0] != "alpha" || names[1] != "beta" {
		t.Errorf("List returned %v, want [alpha beta]", names)
	}
}

func TestParams(t *testing.T) {
	p := Params{"fast": 5, "allow_short": 1}
	if p.Int("fast", 10) != 5 || p.Int("slow", 30) != 30 {
		t.Error("Params.Int returned unexpected values")
	}
	if !p.Bool("allow_short", false) || p.Bool("missing", false) {
		t.Error("Params.Bool returned unexpected values")
	}
	c := p.Clone()
	c["fast"] = 7
	if p["fast"] != 5 {
		t.Error("Clone should not alias the original map")
	}
	var nilParams Params
	if nilParams.Float("x", 1.5) != 1.5 {
		t.Error("nil Params should return defaults")
	}
}

func TestStateSides(t *testing.T) {
	flat := State{}
	if !flat.Flat() || flat.Long() || flat.Short() {
		t.Error("zero State should be flat")
	}
	long := State{Position: &domain.Position{Qty: 1, Side: domain.PositionSideLong}}
	if long.Flat() || !long.Long() {
		t.Error("long State misreported")
	}
}

func TestParamsString(t *testing.T) {
	p := Params{"slow": 30, "fast": 10, "k": 1.5}
	if got, want := p.String(), "fast=10,k=1.5,slow=30"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
	if got := (Params{}).String(); got != "" {
		t.Errorf("empty Params String() = %q, want empty", got)
	}
}

type countingStrategy struct {
	stubStrategy
	n int
}

func (c *countingStrategy) OnBar(ctx context.Context, st State, bar domain.Bar) (domain.Signal, error) {
	c.n++
	return c.stubStrategy.OnBar(ctx, st, bar)
}

func TestPrime(t *testing.T) {
	s := &countingStrategy{stubStrategy: stubStrategy{name: "count"}}
	bars := []domain.Bar{{Symbol: "AAPL"}, {Symbol: "AAPL"}, {Symbol: "AAPL"}}
	if err := Prime(context.Background(), s, bars); err != nil {
		t.Fatalf("Prime returned error: %v", err)
	}
	if s.n != 3 {
		t.Errorf("Prime fed %d bars, want 3", s.n)
	}
}

package indicator

import "tradebot/internal/domain"

// Window is a bounded rolling buffer of bars. Pushing onto a full window
// drops the oldest bar.
type Window struct {
	bars []domain.Bar
	size int
}

// NewWindow creates a Window holding at most size bars.
func NewWindow(size int) *Window {
	if size < 1 {
		size = 1
	}
	return &Window{bars: make([]domain.Bar, 0, size), size: size}
}

// Push appends a bar.
func (w *Window) Push(b domain.Bar) {
	if len(w.bars) == w.size {
		copy(w.bars, w.bars[1:])
		w.bars = w.bars[:len(w.bars)-1]
	}
	w.bars = append(w.bars, b)
}

// Len returns the number of bars held.
func (w *Window) Len() int { return len(w.bars) }

// Full reports whether the window is at capacity.
func (w *Window) Full() bool { return len(w.bars) == w.size }

// Bars returns the held bars, oldest first. The slice is shared.
func (w *Window) Bars() []domain.Bar { return w.bars }

// Closes returns the close prices, oldest first.
func (w *Window) Closes() []float64 { return Closes(w.bars) }

// Last returns the newest bar.
func (w *Window) Last() (domain.Bar, bool) {
	if len(w.bars) == 0 {
		return domain.Bar{}, false
	}
	return w.bars[len(w.bars)-1], true
}

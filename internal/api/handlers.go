package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tradebot/internal/app"
	"tradebot/internal/backtest"
	"tradebot/internal/domain"
	"tradebot/internal/engine"
	"tradebot/internal/risk"
	"tradebot/internal/scheduler"
	"tradebot/internal/selection"
	"tradebot/internal/store"
	"tradebot/internal/strategy"
)

const maxBody = 1 << 20

// RegisterRoutes mounts the REST endpoints on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("GET /api/v1/account", s.handleAccount)
	mux.HandleFunc("GET /api/v1/positions", s.handlePositions)

	mux.HandleFunc("GET /api/v1/orders", s.handleListOrders)
	mux.HandleFunc("POST /api/v1/orders", s.handleSubmitOrder)
	mux.HandleFunc("GET /api/v1/orders/{id}", s.handleGetOrder)
	mux.HandleFunc("DELETE /api/v1/orders/{id}", s.handleCancelOrder)

	mux.HandleFunc("GET /api/v1/trades", s.handleTrades)
	mux.HandleFunc("GET /api/v1/signals", s.handleSignals)
	mux.HandleFunc("GET /api/v1/bars", s.handleBars)

	mux.HandleFunc("GET /api/v1/backtests", s.handleListBacktests)
	mux.HandleFunc("POST /api/v1/backtests", s.handleRunBacktest)
	mux.HandleFunc("GET /api/v1/backtests/{id}", s.handleGetBacktest)
	mux.HandleFunc("GET /api/v1/backtests/{id}/equity", s.handleEquity)

	mux.HandleFunc("GET /api/v1/assignments", s.handleAssignments)
	mux.HandleFunc("PUT /api/v1/assignments", s.handleSetAssignments)
	mux.HandleFunc("POST /api/v1/assignments/{symbol}", s.handleAssign)

	mux.HandleFunc("GET /api/v1/shadow", s.handleShadow)
	mux.HandleFunc("GET /api/v1/strategies", s.handleStrategies)

	mux.HandleFunc("POST /api/v1/engine/pause", s.handlePause)
	mux.HandleFunc("POST /api/v1/engine/resume", s.handleResume)
	mux.HandleFunc("POST /api/v1/engine/flatten", s.handleFlatten)

	mux.HandleFunc("GET /api/v1/earnings", s.handleEarnings)
	mux.HandleFunc("PUT /api/v1/earnings", s.handleSaveEarnings)

	mux.HandleFunc("GET /api/v1/jobs", s.handleJobs)
	mux.HandleFunc("POST /api/v1/jobs/{name}/run", s.handleRunJob)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// errorStatus maps domain errors onto HTTP status codes.
func errorStatus(err error) int {
	var rej *risk.Rejection
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, scheduler.ErrUnknownJob), errors.Is(err, backtest.ErrNoBars):
		return http.StatusNotFound
	case errors.As(err, &rej), errors.Is(err, engine.ErrNoPrice):
		return http.StatusUnprocessableEntity
	case errors.Is(err, strategy.ErrUnknownStrategy):
		return http.StatusBadRequest
	case errors.Is(err, scheduler.ErrJobRunning):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeError(w, status, err.Error())
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// queryInt parses an integer query parameter, returning def when absent.
func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("invalid " + key + ": " + v)
	}
	return n, nil
}

// queryTime accepts RFC 3339 timestamps or YYYY-MM-DD dates.
func queryTime(r *http.Request, key string) (time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return time.Time{}, errors.New("invalid " + key + ": " + v)
	}
	return t, nil
}

// ---------------------------------------------------------------------------
// Engine state
// ---------------------------------------------------------------------------

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.deps.Operator.Status())
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := s.deps.Operator.Account(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, acct)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	ps, err := s.deps.Operator.Positions(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if ps == nil {
		ps = []domain.Position{}
	}
	writeJSON(w, ps)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength > 0 && !decode(w, r, &body) {
		return
	}
	if body.Reason == "" {
		body.Reason = "api"
	}
	s.deps.Operator.Pause(body.Reason)
	writeJSON(w, s.deps.Operator.Status())
}

func (s *Server) handleResume(w http.ResponseWriter, _ *http.Request) {
	s.deps.Operator.Resume()
	writeJSON(w, s.deps.Operator.Status())
}

func (s *Server) handleFlatten(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Operator.Flatten(r.Context())
	resp := map[string]any{"orders": n}
	if err != nil {
		resp["error"] = err.Error()
		writeJSONStatus(w, http.StatusBadGateway, resp)
		return
	}
	writeJSON(w, resp)
}

// ---------------------------------------------------------------------------
// Orders, trades, signals, bars
// ---------------------------------------------------------------------------

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	status := domain.OrderStatus(r.URL.Query().Get("status"))
	orders, err := s.deps.Orders.ListOrders(r.Context(), status, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if orders == nil {
		orders = []domain.Order{}
	}
	writeJSON(w, orders)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.deps.Orders.GetOrder(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, o)
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var o domain.Order
	if !decode(w, r, &o) {
		return
	}
	if o.Symbol == "" || o.Qty <= 0 {
		writeError(w, http.StatusBadRequest, "symbol and positive qty required")
		return
	}
	if o.Side != domain.OrderSideBuy && o.Side != domain.OrderSideSell {
		writeError(w, http.StatusBadRequest, "side must be buy or sell")
		return
	}
	placed, err := s.deps.Operator.SubmitOrder(r.Context(), &o)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, placed)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Operator.CancelOrder(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, map[string]string{"id": id, "status": string(domain.OrderStatusCancelled)})
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.TradeFilter{Symbol: strings.ToUpper(q.Get("symbol"))}
	var err error
	if f.Since, err = queryTime(r, "since"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if f.Limit, err = queryInt(r, "limit", 100); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if v := q.Get("shadow"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid shadow: "+v)
			return
		}
		f.Shadow = &b
	}
	trades, err := s.deps.Trades.ListTrades(r.Context(), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if trades == nil {
		trades = []domain.ClosedTrade{}
	}
	writeJSON(w, trades)
}

func (s *Server) handleSignals(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sigs, err := s.deps.Signals.ListSignals(r.Context(), r.URL.Query().Get("strategy"), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if sigs == nil {
		sigs = []domain.Signal{}
	}
	writeJSON(w, sigs)
}

func (s *Server) handleBars(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	symbol := strings.ToUpper(q.Get("symbol"))
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol required")
		return
	}
	market := domain.Market(q.Get("market"))
	if market == "" {
		market = domain.MarketUS
	}
	start, err := queryTime(r, "start")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	end, err := queryTime(r, "end")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if end.IsZero() {
		end = time.Now().UTC()
	}
	if start.IsZero() {
		start = end.AddDate(-1, 0, 0)
	}
	bars, err := s.deps.Bars.ReadBars(r.Context(), symbol, market, start, end)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if bars == nil {
		bars = []domain.Bar{}
	}
	writeJSON(w, bars)
}

// ---------------------------------------------------------------------------
// Backtests
// ---------------------------------------------------------------------------

// BacktestResponse is the body returned by POST /api/v1/backtests.
type BacktestResponse struct {
	Results  []*backtest.Result `json:"results"`
	Errors   map[string]string  `json:"errors,omitempty"`
	Duration string             `json:"duration"`
}

// NewBacktestResponse flattens a report for JSON. Equity curves and trade
// lists are left out; they are served per run.
func NewBacktestResponse(rep *backtest.Report) BacktestResponse {
	resp := BacktestResponse{Results: []*backtest.Result{}, Duration: rep.Duration.String()}
	for _, res := range rep.Sorted() {
		slim := *res
		slim.Equity, slim.Trades = nil, nil
		resp.Results = append(resp.Results, &slim)
	}
	if len(rep.Errors) > 0 {
		resp.Errors = make(map[string]string, len(rep.Errors))
		for k, err := range rep.Errors {
			resp.Errors[k] = err.Error()
		}
	}
	return resp
}

func (s *Server) handleRunBacktest(w http.ResponseWriter, r *http.Request) {
	var req app.BacktestRequest
	if !decode(w, r, &req) {
		return
	}
	rep, err := s.deps.Operator.RunBacktest(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, NewBacktestResponse(rep))
}

func (s *Server) handleListBacktests(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	results, err := s.deps.Backtests.ListResults(r.Context(), strings.ToUpper(r.URL.Query().Get("symbol")), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if results == nil {
		results = []backtest.Result{}
	}
	writeJSON(w, results)
}

func (s *Server) handleGetBacktest(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Backtests.GetResult(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, res)
}

func (s *Server) handleEquity(w http.ResponseWriter, r *http.Request) {
	pts, err := s.deps.Equity.ReadEquity(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if pts == nil {
		pts = []backtest.EquityPoint{}
	}
	writeJSON(w, pts)
}

// ---------------------------------------------------------------------------
// Assignments and strategies
// ---------------------------------------------------------------------------

func (s *Server) handleAssignments(w http.ResponseWriter, r *http.Request) {
	as, err := s.deps.Operator.Assignments(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if as == nil {
		as = []selection.Assignment{}
	}
	writeJSON(w, as)
}

func (s *Server) handleSetAssignments(w http.ResponseWriter, r *http.Request) {
	var as []selection.Assignment
	if !decode(w, r, &as) {
		return
	}
	if err := s.deps.Operator.SetAssignments(r.Context(), as); err != nil {
		s.fail(w, r, err)
		return
	}
	s.handleAssignments(w, r)
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Strategy string          `json:"strategy"`
		Params   strategy.Params `json:"params"`
	}
	if !decode(w, r, &body) {
		return
	}
	if body.Strategy == "" {
		writeError(w, http.StatusBadRequest, "strategy required")
		return
	}
	a, err := s.deps.Operator.Assign(r.Context(), r.PathValue("symbol"), body.Strategy, body.Params)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, a)
}

func (s *Server) handleStrategies(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.deps.Operator.Strategies())
}

func (s *Server) handleShadow(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"snapshots":  s.deps.Operator.ShadowSnapshots(),
		"promotions": s.deps.Operator.Promotions(),
	})
}

// ---------------------------------------------------------------------------
// Earnings and jobs
// ---------------------------------------------------------------------------

func (s *Server) handleEarnings(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(r.URL.Query().Get("symbol"))
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol required")
		return
	}
	evs, err := s.deps.Operator.Earnings(r.Context(), symbol)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if evs == nil {
		evs = []domain.EarningsEvent{}
	}
	writeJSON(w, evs)
}

func (s *Server) handleSaveEarnings(w http.ResponseWriter, r *http.Request) {
	var evs []domain.EarningsEvent
	if !decode(w, r, &evs) {
		return
	}
	for i := range evs {
		evs[i].Symbol = strings.ToUpper(evs[i].Symbol)
		if evs[i].Symbol == "" || evs[i].Date.IsZero() {
			writeError(w, http.StatusBadRequest, "each event needs symbol and date")
			return
		}
		if evs[i].Source == "" {
			evs[i].Source = "manual"
		}
	}
	if err := s.deps.Operator.SaveEarnings(r.Context(), evs); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, map[string]int{"saved": len(evs)})
}

func (s *Server) handleJobs(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Scheduler == nil {
		writeError(w, http.StatusNotFound, "scheduler not running")
		return
	}
	writeJSON(w, s.deps.Scheduler.Status())
}

func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		writeError(w, http.StatusNotFound, "scheduler not running")
		return
	}
	name := r.PathValue("name")
	if err := s.deps.Scheduler.Trigger(r.Context(), name); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, map[string]string{"job": name, "status": "completed"})
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"percolator/internal/cap"
	"percolator/internal/collateral"
	"percolator/internal/event"
	"percolator/internal/fixedpoint"
	"percolator/internal/hold"
	"percolator/internal/market"
	"percolator/internal/observability"
	"percolator/internal/oracle"
	"percolator/internal/pipeline"
	"percolator/internal/position"
)

// Deps holds everything the HTTP API serves from. Events may be nil.
type Deps struct {
	Pipeline   *pipeline.Pipeline
	Registry   *market.Registry
	Positions  *position.Ledger
	Collateral *collateral.Tracker
	Events     *event.Log
	Logger     zerolog.Logger
}

// Server is the HTTP/JSON admission and admin API. Amounts and prices on
// the wire are scaled fixed-point integers, matching the inbound NATS
// encoding.
type Server struct {
	httpServer *http.Server
	deps       Deps
	log        zerolog.Logger
}

func NewServer(addr string, deps Deps) *Server {
	s := &Server{deps: deps, log: deps.Logger}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/orders", s.handlePlaceOrder)
	mux.HandleFunc("POST /v1/orders/{hold_id}/cancel", s.handleCancelOrder)
	mux.HandleFunc("GET /v1/markets", s.handleListMarkets)
	mux.HandleFunc("GET /v1/markets/{id}", s.handleGetMarket)
	mux.HandleFunc("POST /v1/markets/{id}/freeze", s.handleFreeze)
	mux.HandleFunc("POST /v1/markets/{id}/unfreeze", s.handleUnfreeze)
	mux.HandleFunc("PUT /v1/markets/{id}/risk", s.handleSetRiskParams)
	mux.HandleFunc("GET /v1/markets/{id}/positions", s.handleListPositions)
	mux.HandleFunc("GET /v1/accounts/{id}", s.handleGetAccount)
	mux.HandleFunc("POST /v1/accounts/{id}/deposit", s.handleDeposit)
	mux.HandleFunc("POST /v1/accounts/{id}/withdraw", s.handleWithdraw)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the route mux, used by tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until ctx is cancelled, then drains with a 5s deadline.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.log.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", s.httpServer.Addr).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// NewOpsMux serves health and metrics on the operational port.
func NewOpsMux(hc *observability.HealthChecker) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", hc.LivenessHandler)
	mux.HandleFunc("/readyz", hc.ReadinessHandler)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// --- Orders ---

type placeOrderRequest struct {
	Trader          string `json:"trader"`
	MarketID        string `json:"market_id"`
	InstrumentIndex int    `json:"instrument_index"`
	Side            string `json:"side"`
	Quantity        int64  `json:"quantity"`
	LimitPrice      int64  `json:"limit_price"`
	Leverage        uint32 `json:"leverage"`
	HoldTTLMs       int64  `json:"hold_ttl_ms"`
	CapNonce        uint64 `json:"cap_nonce"`
	SettlementMint  string `json:"settlement_mint"`
}

type placeOrderResponse struct {
	FillID         string `json:"fill_id"`
	HoldID         string `json:"hold_id"`
	CapID          string `json:"cap_id"`
	FillPrice      int64  `json:"fill_price"`
	RequiredMargin int64  `json:"required_margin"`
	RealizedPnL    int64  `json:"realized_pnl"`
	PositionSize   int64  `json:"position_size"`
	EntryPrice     int64  `json:"entry_price"`
}

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req placeOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if req.Trader == "" {
		writeError(w, http.StatusBadRequest, errors.New("trader is required"))
		return
	}

	side, err := parseSide(req.Side)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	res, err := s.deps.Pipeline.PlaceOrder(r.Context(), req.Trader, pipeline.OrderParams{
		MarketID:        req.MarketID,
		InstrumentIndex: req.InstrumentIndex,
		Side:            side,
		Quantity:        fixedpoint.FixedPoint(req.Quantity),
		LimitPrice:      fixedpoint.FixedPoint(req.LimitPrice),
		Leverage:        req.Leverage,
		HoldTTLMs:       req.HoldTTLMs,
		CapNonce:        req.CapNonce,
		SettlementMint:  req.SettlementMint,
	})
	if err != nil {
		writeError(w, rejectionStatus(err), err)
		return
	}

	writeJSON(w, http.StatusOK, placeOrderResponse{
		FillID:         res.FillID.String(),
		HoldID:         res.HoldID.String(),
		CapID:          res.CapID.String(),
		FillPrice:      int64(res.FillPrice),
		RequiredMargin: int64(res.RequiredMargin),
		RealizedPnL:    int64(res.RealizedPnL),
		PositionSize:   int64(res.Position.Size),
		EntryPrice:     int64(res.Position.EntryPrice),
	})
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	holdID, err := uuid.Parse(r.PathValue("hold_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid hold_id: %w", err))
		return
	}

	var req struct {
		Trader string `json:"trader"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if req.Trader == "" {
		writeError(w, http.StatusBadRequest, errors.New("trader is required"))
		return
	}

	if err := s.deps.Pipeline.CancelOrder(r.Context(), req.Trader, holdID); err != nil {
		writeError(w, rejectionStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// --- Markets ---

type marketView struct {
	ID                   string `json:"id"`
	Authority            string `json:"authority"`
	Status               string `json:"status"`
	OpenInterest         int64  `json:"open_interest"`
	OpenInterestCap      int64  `json:"open_interest_cap"`
	InitialMarginBps     uint32 `json:"initial_margin_bps"`
	MaintenanceMarginBps uint32 `json:"maintenance_margin_bps"`
	BandBps              uint32 `json:"band_bps"`
	FundingCapBps        uint32 `json:"funding_cap_bps"`
	MaxLeverage          uint32 `json:"max_leverage"`
	LastFundingTimestamp int64  `json:"last_funding_timestamp"`
}

func viewOf(m *market.Market, now int64) marketView {
	risk := m.Risk()
	return marketView{
		ID:                   m.ID,
		Authority:            m.Authority,
		Status:               m.StatusAt(now).String(),
		OpenInterest:         int64(m.OpenInterest()),
		OpenInterestCap:      int64(risk.OpenInterestCap),
		InitialMarginBps:     risk.InitialMarginBps,
		MaintenanceMarginBps: risk.MaintenanceMarginBps,
		BandBps:              risk.BandBps,
		FundingCapBps:        risk.FundingCapBps,
		MaxLeverage:          risk.MaxLeverage,
		LastFundingTimestamp: m.LastFundingTimestamp(),
	}
}

func (s *Server) handleListMarkets(w http.ResponseWriter, r *http.Request) {
	now := time.Now().Unix()
	markets := s.deps.Registry.All()
	views := make([]marketView, 0, len(markets))
	for _, m := range markets {
		views = append(views, viewOf(m, now))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"markets": views})
}

func (s *Server) handleGetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := s.deps.Registry.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(m, time.Now().Unix()))
}

// requireAuthority checks the admin request against the market authority.
func (s *Server) requireAuthority(w http.ResponseWriter, r *http.Request, m *market.Market) bool {
	if r.Header.Get("X-Authority") != m.Authority {
		writeError(w, http.StatusForbidden, errors.New("authority mismatch"))
		return false
	}
	return true
}

func (s *Server) handleFreeze(w http.ResponseWriter, r *http.Request) {
	m, err := s.deps.Registry.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if !s.requireAuthority(w, r, m) {
		return
	}
	if err := m.Freeze(); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	s.log.Warn().Str("market", m.ID).Msg("market frozen")
	s.emit(&event.MarketStatusChanged{
		Market:    m.ID,
		Status:    market.StatusFrozen.String(),
		Timestamp: time.Now(),
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "Frozen"})
}

func (s *Server) handleUnfreeze(w http.ResponseWriter, r *http.Request) {
	m, err := s.deps.Registry.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if !s.requireAuthority(w, r, m) {
		return
	}
	if err := m.Unfreeze(); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	now := time.Now()
	status := m.StatusAt(now.Unix()).String()
	s.log.Info().Str("market", m.ID).Msg("market unfrozen")
	s.emit(&event.MarketStatusChanged{
		Market:    m.ID,
		Status:    status,
		Timestamp: now,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

type riskParamsRequest struct {
	InitialMarginBps     uint32 `json:"initial_margin_bps"`
	MaintenanceMarginBps uint32 `json:"maintenance_margin_bps"`
	BandBps              uint32 `json:"band_bps"`
	FundingCapBps        uint32 `json:"funding_cap_bps"`
	MaxLeverage          uint32 `json:"max_leverage"`
	OpenInterestCap      int64  `json:"open_interest_cap"`
}

func (s *Server) handleSetRiskParams(w http.ResponseWriter, r *http.Request) {
	m, err := s.deps.Registry.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if !s.requireAuthority(w, r, m) {
		return
	}

	var req riskParamsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	err = m.SetRiskParams(market.RiskParams{
		InitialMarginBps:     req.InitialMarginBps,
		MaintenanceMarginBps: req.MaintenanceMarginBps,
		BandBps:              req.BandBps,
		FundingCapBps:        req.FundingCapBps,
		MaxLeverage:          req.MaxLeverage,
		OpenInterestCap:      fixedpoint.FixedPoint(req.OpenInterestCap),
	})
	if err != nil {
		if errors.Is(err, market.ErrMarketActive) {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.emit(&event.RiskParamUpdate{
		Market:               m.ID,
		InitialMarginBps:     req.InitialMarginBps,
		MaintenanceMarginBps: req.MaintenanceMarginBps,
		BandBps:              req.BandBps,
		FundingCapBps:        req.FundingCapBps,
		MaxLeverage:          req.MaxLeverage,
		OpenInterestCap:      fixedpoint.FixedPoint(req.OpenInterestCap),
		Timestamp:            time.Now(),
	})
	writeJSON(w, http.StatusOK, viewOf(m, time.Now().Unix()))
}

// --- Positions ---

type positionView struct {
	Trader           string `json:"trader"`
	MarketID         string `json:"market_id"`
	InstrumentIndex  int    `json:"instrument_index"`
	Size             int64  `json:"size"`
	EntryPrice       int64  `json:"entry_price"`
	Margin           int64  `json:"margin"`
	LastFundingIndex int64  `json:"last_funding_index"`
}

func (s *Server) handleListPositions(w http.ResponseWriter, r *http.Request) {
	marketID := r.PathValue("id")
	if _, err := s.deps.Registry.Get(marketID); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	idx := 0
	if v := r.URL.Query().Get("instrument"); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &idx); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid instrument: %w", err))
			return
		}
	}

	positions := s.deps.Positions.AllOn(marketID, idx)
	views := make([]positionView, 0, len(positions))
	for _, p := range positions {
		views = append(views, positionView{
			Trader:           p.Trader,
			MarketID:         p.MarketID,
			InstrumentIndex:  p.InstrumentIndex,
			Size:             int64(p.Size),
			EntryPrice:       int64(p.EntryPrice),
			Margin:           int64(p.Margin),
			LastFundingIndex: p.LastFundingIndex,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"positions": views})
}

// --- Accounts ---

type accountView struct {
	Account   string `json:"account"`
	Available int64  `json:"available"`
	Reserved  int64  `json:"reserved"`
	Total     int64  `json:"total"`
}

func (s *Server) accountView(id string) accountView {
	return accountView{
		Account:   id,
		Available: int64(s.deps.Collateral.Available(id)),
		Reserved:  int64(s.deps.Collateral.Reserved(id)),
		Total:     int64(s.deps.Collateral.Total(id)),
	}
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.accountView(r.PathValue("id")))
}

type amountRequest struct {
	Amount int64 `json:"amount"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req amountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if err := s.deps.Collateral.Deposit(id, fixedpoint.FixedPoint(req.Amount)); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, s.accountView(id))
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req amountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if err := s.deps.Collateral.Withdraw(id, fixedpoint.FixedPoint(req.Amount)); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeJSON(w, http.StatusOK, s.accountView(id))
}

// --- Helpers ---

func (s *Server) emit(ev event.Event) {
	if s.deps.Events == nil {
		return
	}
	if _, _, err := s.deps.Events.Emit(ev, time.Now()); err != nil {
		s.log.Error().Err(err).Str("event_type", ev.EventType().String()).Msg("event emit failed")
	}
}

func parseSide(s string) (market.Side, error) {
	switch s {
	case "bid", "buy", "long":
		return market.SideBid, nil
	case "ask", "sell", "short":
		return market.SideAsk, nil
	default:
		return 0, fmt.Errorf("invalid side %q, want bid or ask", s)
	}
}

// rejectionStatus maps pipeline errors to HTTP status codes. Admission
// rejections are 422 so clients can tell them from malformed requests.
func rejectionStatus(err error) int {
	switch {
	case errors.Is(err, hold.ErrHoldNotFound), errors.Is(err, market.ErrInstrumentNotFound):
		return http.StatusNotFound
	case errors.Is(err, hold.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, hold.ErrAlreadyConsumed),
		errors.Is(err, hold.ErrAlreadyTerminal),
		errors.Is(err, cap.ErrNonceReused):
		return http.StatusConflict
	case errors.Is(err, pipeline.ErrMarketUnavailable),
		errors.Is(err, pipeline.ErrShortsDisabledDuringWarmup),
		errors.Is(err, pipeline.ErrLeverageCapExceeded),
		errors.Is(err, pipeline.ErrNotAligned),
		errors.Is(err, pipeline.ErrPriceOutOfBand),
		errors.Is(err, pipeline.ErrInsufficientMargin),
		errors.Is(err, market.ErrOpenInterestCapExceeded),
		errors.Is(err, oracle.ErrStaleOracle),
		errors.Is(err, oracle.ErrNoOracleData),
		errors.Is(err, hold.ErrHoldExpired),
		errors.Is(err, cap.ErrCapExpired),
		errors.Is(err, cap.ErrInsufficientCapRemaining):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadRequest
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"LendLedger/internal/event"
	"LendLedger/internal/ingestion"
	"LendLedger/internal/observability"
	"LendLedger/internal/projection"
	"LendLedger/internal/query"
)

// MarketSummary is a point-in-time view of one market's book, mantissa
// values rendered as decimal strings.
type MarketSummary struct {
	Symbol              string `json:"symbol"`
	Underlying          string `json:"underlying"`
	Cash                string `json:"cash"`
	TotalShares         string `json:"total_shares"`
	TotalBorrows        string `json:"total_borrows"`
	TotalReserves       string `json:"total_reserves"`
	ExchangeRate        string `json:"exchange_rate"`
	BorrowIndex         string `json:"borrow_index"`
	BorrowRatePerSecond string `json:"borrow_rate_per_second"`
	SupplyRatePerSecond string `json:"supply_rate_per_second"`
	AccrualTimestamp    int64  `json:"accrual_timestamp"`
}

// LiquidityView is an account's current solvency, 18-decimal USD values.
type LiquidityView struct {
	Account    string   `json:"account"`
	Collateral string   `json:"collateral"`
	Borrowed   string   `json:"borrowed"`
	Liquidity  string   `json:"liquidity"`
	Shortfall  string   `json:"shortfall"`
	Markets    []string `json:"markets"`
}

// BorrowView is an account's stored debt in one market.
type BorrowView struct {
	Account       string `json:"account"`
	Market        string `json:"market"`
	BorrowBalance string `json:"borrow_balance"`
}

// CoreReader serves reads that need the live book rather than the
// projection tables. Implementations marshal each call onto the goroutine
// that owns the book; a nil result with nil error means not found.
type CoreReader interface {
	Markets(ctx context.Context) ([]MarketSummary, error)
	Market(ctx context.Context, symbol string) (*MarketSummary, error)
	AccountLiquidity(ctx context.Context, account string) (*LiquidityView, error)
	BorrowBalance(ctx context.Context, market, account string) (*BorrowView, error)
}

// Deps holds everything the HTTP API serves from. Query reads come from
// the projection tables; submissions go through the same parse path as the
// NATS shell and land on the core's input channel.
type Deps struct {
	Query      *query.Service
	Core       CoreReader
	Candidates *projection.CandidateFeed
	Submit     chan<- event.Event
	Health     *observability.HealthChecker
	Metrics    *observability.Metrics
	Logger     zerolog.Logger

	// AdminAuthority gates price and risk-parameter submissions over HTTP.
	// Empty disables those operation types entirely.
	AdminAuthority string
}

// Server is the HTTP/JSON API: market and account reads, operation
// submission, admin integrity checks, health and metrics.
type Server struct {
	httpServer *http.Server
	deps       *Deps
}

func New(addr string, deps *Deps) *Server {
	s := &Server{deps: deps}

	r := mux.NewRouter()

	r.HandleFunc("/v1/accounts/{account}/positions", s.handleAccountPositions).Methods(http.MethodGet)
	r.HandleFunc("/v1/accounts/{account}/operations", s.handleAccountOperations).Methods(http.MethodGet)
	r.HandleFunc("/v1/accounts/{account}/liquidations", s.handleAccountLiquidations).Methods(http.MethodGet)

	r.HandleFunc("/v1/accounts/{account}/liquidity", s.handleAccountLiquidity).Methods(http.MethodGet)

	r.HandleFunc("/v1/markets", s.handleMarkets).Methods(http.MethodGet)
	r.HandleFunc("/v1/markets/prices", s.handlePrices).Methods(http.MethodGet)
	r.HandleFunc("/v1/markets/{market}", s.handleMarketDetail).Methods(http.MethodGet)
	r.HandleFunc("/v1/markets/{market}/positions", s.handleMarketPositions).Methods(http.MethodGet)
	r.HandleFunc("/v1/markets/{market}/borrows/{account}", s.handleBorrowBalance).Methods(http.MethodGet)

	r.HandleFunc("/v1/liquidations/candidates", s.handleCandidates).Methods(http.MethodGet)

	r.HandleFunc("/v1/operations/{type}", s.handleSubmit).Methods(http.MethodPost)

	r.HandleFunc("/v1/admin/integrity", s.handleIntegrity).Methods(http.MethodGet)

	if deps.Health != nil {
		r.HandleFunc("/healthz", deps.Health.LivenessHandler).Methods(http.MethodGet)
		r.HandleFunc("/readyz", deps.Health.ReadinessHandler).Methods(http.MethodGet)
	}
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.Use(s.instrument)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return s
}

// Run starts the HTTP server and shuts it down when ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.deps.Logger.Info().Str("addr", s.httpServer.Addr).Msg("http server listening")
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// --- read handlers ---

func (s *Server) handleAccountPositions(w http.ResponseWriter, r *http.Request) {
	account := mux.Vars(r)["account"]

	positions, err := s.deps.Query.GetPositions(r.Context(), account)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"positions": positions})
}

func (s *Server) handleAccountOperations(w http.ResponseWriter, r *http.Request) {
	account := mux.Vars(r)["account"]
	limit := queryLimit(r, 50)
	before := queryCursor(r)

	ops, err := s.deps.Query.GetOperationHistory(r.Context(), account, limit, before)
	if err != nil {
		s.serverError(w, r, err)
		return
	}

	type opView struct {
		Sequence  int64           `json:"sequence"`
		EventType string          `json:"event_type"`
		Market    *string         `json:"market,omitempty"`
		Payload   json.RawMessage `json:"payload"`
		Timestamp int64           `json:"timestamp"`
	}
	views := make([]opView, 0, len(ops))
	for _, o := range ops {
		views = append(views, opView{
			Sequence:  o.Sequence,
			EventType: o.EventType,
			Market:    o.Market,
			Payload:   json.RawMessage(o.Payload),
			Timestamp: o.Timestamp,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"operations": views})
}

func (s *Server) handleAccountLiquidations(w http.ResponseWriter, r *http.Request) {
	account := mux.Vars(r)["account"]
	limit := queryLimit(r, 50)
	before := queryCursor(r)

	liqs, err := s.deps.Query.GetLiquidations(r.Context(), account, limit, before)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"liquidations": liqs})
}

func (s *Server) handlePrices(w http.ResponseWriter, r *http.Request) {
	prices, err := s.deps.Query.GetPrices(r.Context())
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"prices": prices})
}

func (s *Server) handleMarketPositions(w http.ResponseWriter, r *http.Request) {
	market := mux.Vars(r)["market"]
	limit := queryLimit(r, 100)

	positions, err := s.deps.Query.GetMarketPositions(r.Context(), market, limit)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"positions": positions})
}

func (s *Server) handleMarkets(w http.ResponseWriter, r *http.Request) {
	if s.deps.Core == nil {
		writeError(w, http.StatusServiceUnavailable, "live reads unavailable")
		return
	}
	markets, err := s.deps.Core.Markets(r.Context())
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"markets": markets})
}

func (s *Server) handleMarketDetail(w http.ResponseWriter, r *http.Request) {
	if s.deps.Core == nil {
		writeError(w, http.StatusServiceUnavailable, "live reads unavailable")
		return
	}
	symbol := mux.Vars(r)["market"]
	summary, err := s.deps.Core.Market(r.Context(), symbol)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	if summary == nil {
		writeError(w, http.StatusNotFound, "market not listed: "+symbol)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleAccountLiquidity(w http.ResponseWriter, r *http.Request) {
	if s.deps.Core == nil {
		writeError(w, http.StatusServiceUnavailable, "live reads unavailable")
		return
	}
	account := mux.Vars(r)["account"]
	view, err := s.deps.Core.AccountLiquidity(r.Context(), account)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	if view == nil {
		writeError(w, http.StatusNotFound, "no liquidity view for "+account)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleBorrowBalance(w http.ResponseWriter, r *http.Request) {
	if s.deps.Core == nil {
		writeError(w, http.StatusServiceUnavailable, "live reads unavailable")
		return
	}
	vars := mux.Vars(r)
	view, err := s.deps.Core.BorrowBalance(r.Context(), vars["market"], vars["account"])
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	if view == nil {
		writeError(w, http.StatusNotFound, "market not listed: "+vars["market"])
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleCandidates(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 100)

	var candidates []projection.CandidateEntry
	if borrower := r.URL.Query().Get("borrower"); borrower != "" {
		candidates = s.deps.Candidates.ByBorrower(borrower, limit)
	} else {
		candidates = s.deps.Candidates.Recent(limit)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"candidates": candidates})
}

// --- submission ---

// operationTypes maps URL path types to parser event types.
var operationTypes = map[string]string{
	"mint":      "Mint",
	"redeem":    "Redeem",
	"enter":     "EnterMarkets",
	"exit":      "ExitMarket",
	"borrow":    "Borrow",
	"repay":     "Repay",
	"liquidate": "Liquidation",
	"flash":     "FlashLiquidation",
}

// adminOperationTypes additionally require the authority header.
var adminOperationTypes = map[string]string{
	"price":     "PriceUpdate",
	"riskparam": "RiskParamUpdate",
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	opType := mux.Vars(r)["type"]
	eventType, ok := operationTypes[opType]
	if !ok {
		eventType, ok = adminOperationTypes[opType]
		if !ok {
			writeError(w, http.StatusNotFound, "unknown operation type: "+opType)
			return
		}
		if s.deps.AdminAuthority == "" || r.Header.Get("X-Lend-Authority") != s.deps.AdminAuthority {
			writeError(w, http.StatusForbidden, "authority required for "+opType)
			return
		}
	}

	body := http.MaxBytesReader(w, r.Body, 1<<20)
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	raw := ingestion.RawEvent{
		Subject:   "http:" + opType,
		Data:      data,
		Timestamp: time.Now(),
		AckFunc:   func() {},
		NakFunc:   func() {},
	}

	evt, err := ingestion.ParseRawEvent(raw, eventType)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	select {
	case s.deps.Submit <- evt:
	case <-r.Context().Done():
		writeError(w, http.StatusServiceUnavailable, "submission queue full")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"accepted":        true,
		"event_type":      eventType,
		"idempotency_key": evt.IdempotencyKey(),
	})
}

// --- admin ---

func (s *Server) handleIntegrity(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Query.VerifyIntegrity(r.Context())
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// --- helpers ---

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Metrics == nil {
			next.ServeHTTP(w, r)
			return
		}

		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tmpl
			}
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		s.deps.Metrics.QueryRequests.WithLabelValues(endpoint, strconv.Itoa(rec.status)).Inc()
		s.deps.Metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	})
}

func (s *Server) serverError(w http.ResponseWriter, r *http.Request, err error) {
	s.deps.Logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	if s.deps.Metrics != nil {
		s.deps.Metrics.QueryErrors.WithLabelValues(r.URL.Path, "500").Inc()
	}
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func queryLimit(r *http.Request, def int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > 1000 {
		return def
	}
	return n
}

func queryCursor(r *http.Request) *int64 {
	raw := r.URL.Query().Get("before")
	if raw == "" {
		return nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil
	}
	return &n
}

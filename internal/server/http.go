package server

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/AlanLeo32/kipubankv3/internal/ledger"
	bpsmath "github.com/AlanLeo32/kipubankv3/internal/math"
	"github.com/AlanLeo32/kipubankv3/internal/observability"
	"github.com/AlanLeo32/kipubankv3/internal/persistence"
	"github.com/AlanLeo32/kipubankv3/internal/projection"
	"github.com/AlanLeo32/kipubankv3/internal/query"
	"github.com/AlanLeo32/kipubankv3/internal/vault"
)

// Server exposes the vault over HTTP/JSON: settlement endpoints, reads,
// previews, history queries, and the token-gated admin surface. Amounts
// cross the wire as decimal strings in asset display units.
type Server struct {
	vault      *vault.Vault
	query      *query.Service
	db         *sql.DB
	health     *observability.HealthChecker
	metrics    *observability.Metrics
	adminToken string
	logger     zerolog.Logger
	httpServer *http.Server
}

// Config holds the dependencies the HTTP layer serves. Vault is required;
// Query and DB gate the history and admin endpoints when absent.
type Config struct {
	Addr       string
	AdminToken string
	Vault      *vault.Vault
	Query      *query.Service
	DB         *sql.DB
	Health     *observability.HealthChecker
	Metrics    *observability.Metrics
}

func New(cfg Config) (*Server, error) {
	if cfg.Vault == nil {
		return nil, fmt.Errorf("vault is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}

	s := &Server{
		vault:      cfg.Vault,
		query:      cfg.Query,
		db:         cfg.DB,
		health:     cfg.Health,
		metrics:    cfg.Metrics,
		adminToken: cfg.AdminToken,
		logger:     observability.NewLogger("http"),
	}
	s.httpServer = &http.Server{
		Addr:    cfg.Addr,
		Handler: s.routes(),
	}
	return s, nil
}

// Handler exposes the configured router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until ctx is cancelled (blocking).
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("http server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("http server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.observe)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "no such route")
	})

	if s.health != nil {
		r.Get("/healthz", s.health.LivenessHandler)
		r.Get("/readyz", s.health.ReadinessHandler)
	} else {
		r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"status":"ok"}`)
		})
	}
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Post("/deposits/native", s.handleDepositNative)
		api.Post("/deposits/asset", s.handleDepositAsset)
		api.Post("/withdrawals", s.handleWithdraw)

		api.Get("/vault", s.handleVaultState)
		api.Get("/accounts/{account}/balance", s.handleBalance)
		api.Get("/accounts/{account}/operations", s.handleOperations)
		api.Get("/accounts/{account}/balance-history", s.handleBalanceHistory)
		api.Get("/assets/{asset}/route", s.handleAssetRoute)
		api.Get("/previews/deposit", s.handlePreviewDeposit)

		api.Route("/admin", func(admin chi.Router) {
			admin.Use(s.requireAdmin)
			admin.Put("/slippage-tolerance", s.handleSetSlippage)
			admin.Post("/projections/rebuild", s.handleRebuildProjections)
			admin.Get("/integrity", s.handleVerifyIntegrity)
		})
	})

	return r
}

// ============================================================================
// Middleware
// ============================================================================

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		s.metrics.HTTPRequestDuration.
			WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).
			Observe(time.Since(start).Seconds())
	})
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" {
			writeError(w, http.StatusForbidden, "admin_disabled", "admin surface is not configured")
			return
		}
		const prefix = "Bearer "
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, prefix) ||
			subtle.ConstantTimeCompare([]byte(strings.TrimPrefix(auth, prefix)), []byte(s.adminToken)) != 1 {
			writeError(w, http.StatusForbidden, "forbidden", "admin token rejected")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ============================================================================
// Settlement handlers
// ============================================================================

type depositPayload struct {
	Account   string `json:"account"`
	Asset     string `json:"asset"`
	Amount    string `json:"amount"`
	MinOutput string `json:"min_output"`
	OpID      string `json:"op_id"`
}

type withdrawPayload struct {
	Account string `json:"account"`
	Amount  string `json:"amount"`
	OpID    string `json:"op_id"`
}

func (s *Server) handleDepositNative(w http.ResponseWriter, r *http.Request) {
	var payload depositPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}

	native, ok := s.vault.Registry().Native()
	if !ok {
		writeError(w, http.StatusBadRequest, "unsupported_asset", "no native asset is configured")
		return
	}

	req, ok := s.decodeDeposit(w, r, payload, native.Symbol)
	if !ok {
		return
	}

	op, err := s.vault.DepositNative(r.Context(), req)
	if err != nil {
		s.writeOperationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.operationReply(op))
}

func (s *Server) handleDepositAsset(w http.ResponseWriter, r *http.Request) {
	var payload depositPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}

	a, ok := s.vault.Registry().Lookup(payload.Asset)
	if !ok {
		writeError(w, http.StatusBadRequest, "unsupported_asset", fmt.Sprintf("unsupported asset: %s", payload.Asset))
		return
	}

	req, ok := s.decodeDeposit(w, r, payload, a.Symbol)
	if !ok {
		return
	}

	op, err := s.vault.DepositAsset(r.Context(), req)
	if err != nil {
		s.writeOperationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.operationReply(op))
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var payload withdrawPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}

	account, ok := s.parseAccount(w, payload.Account)
	if !ok {
		return
	}
	unit := s.vault.Registry().Unit().Symbol
	amount, ok := s.parseAmount(w, unit, payload.Amount)
	if !ok {
		return
	}
	opID, ok := s.resolveOpID(w, r, payload.OpID)
	if !ok {
		return
	}

	op, err := s.vault.Withdraw(r.Context(), vault.WithdrawRequest{
		OpID:    opID,
		Account: account,
		Amount:  amount,
	})
	if err != nil {
		s.writeOperationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.operationReply(op))
}

// decodeDeposit turns the wire payload into a vault request, with amounts
// scaled by the deposit asset and min_output scaled by the unit asset.
func (s *Server) decodeDeposit(w http.ResponseWriter, r *http.Request, payload depositPayload, symbol string) (vault.DepositRequest, bool) {
	var req vault.DepositRequest

	account, ok := s.parseAccount(w, payload.Account)
	if !ok {
		return req, false
	}
	req.Account = account
	req.Asset = symbol

	amount, ok := s.parseAmount(w, symbol, payload.Amount)
	if !ok {
		return req, false
	}
	req.AmountIn = amount

	if payload.MinOutput != "" {
		unit := s.vault.Registry().Unit().Symbol
		min, ok := s.parseAmount(w, unit, payload.MinOutput)
		if !ok {
			return req, false
		}
		req.MinOut = min
	}

	opID, ok := s.resolveOpID(w, r, payload.OpID)
	if !ok {
		return req, false
	}
	req.OpID = opID

	return req, true
}

// ============================================================================
// Read handlers
// ============================================================================

type vaultStateReply struct {
	UnitAsset            string `json:"unit_asset"`
	Total                string `json:"total"`
	CapacityCeiling      string `json:"capacity_ceiling"`
	AvailableCapacity    string `json:"available_capacity"`
	WithdrawCeiling      string `json:"withdraw_ceiling"`
	SlippageToleranceBps uint64 `json:"slippage_tolerance_bps"`
	DepositCount         uint64 `json:"deposit_count"`
	WithdrawalCount      uint64 `json:"withdrawal_count"`
	NextSeq              uint64 `json:"next_seq"`
	ChainTip             string `json:"chain_tip"`
}

type balanceReply struct {
	Account      string `json:"account"`
	Asset        string `json:"asset"`
	Balance      string `json:"balance"`
	BalanceMinor string `json:"balance_minor"`
}

type routeReply struct {
	Asset       string `json:"asset"`
	DirectRoute bool   `json:"direct_route"`
}

type previewReply struct {
	Asset          string `json:"asset"`
	AmountIn       string `json:"amount_in"`
	ExpectedOutput string `json:"expected_output"`
	MinimumOutput  string `json:"minimum_output"`
	ToleranceBps   uint64 `json:"tolerance_bps"`
}

type operationsReply struct {
	Account    string                    `json:"account"`
	Operations []query.OperationResponse `json:"operations"`
}

type historyReply struct {
	Account string                  `json:"account"`
	History []query.HistoryResponse `json:"history"`
}

func (s *Server) handleVaultState(w http.ResponseWriter, _ *http.Request) {
	st := s.vault.State()
	unit := s.vault.Registry().Unit().Symbol
	writeJSON(w, http.StatusOK, vaultStateReply{
		UnitAsset:            unit,
		Total:                s.display(unit, st.Total),
		CapacityCeiling:      s.display(unit, st.CapacityCeiling),
		AvailableCapacity:    s.display(unit, st.AvailableCapacity),
		WithdrawCeiling:      s.display(unit, st.WithdrawCeiling),
		SlippageToleranceBps: st.SlippageBps,
		DepositCount:         st.DepositCount,
		WithdrawalCount:      st.WithdrawalCount,
		NextSeq:              st.NextSeq,
		ChainTip:             hex.EncodeToString(st.ChainTip[:]),
	})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	account, ok := s.parseAccount(w, chi.URLParam(r, "account"))
	if !ok {
		return
	}
	unit := s.vault.Registry().Unit().Symbol
	minor := s.vault.BalanceOf(account)
	writeJSON(w, http.StatusOK, balanceReply{
		Account:      account.String(),
		Asset:        unit,
		Balance:      s.display(unit, minor),
		BalanceMinor: strconv.FormatUint(minor, 10),
	})
}

func (s *Server) handleAssetRoute(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "asset")
	ok, err := s.vault.HasDirectRoute(r.Context(), symbol)
	if err != nil {
		s.writeOperationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, routeReply{Asset: symbol, DirectRoute: ok})
}

func (s *Server) handlePreviewDeposit(w http.ResponseWriter, r *http.Request) {
	symbol := strings.TrimSpace(r.URL.Query().Get("asset"))
	if symbol == "" {
		native, ok := s.vault.Registry().Native()
		if !ok {
			writeError(w, http.StatusBadRequest, "unsupported_asset", "no native asset is configured")
			return
		}
		symbol = native.Symbol
	}
	a, ok := s.vault.Registry().Lookup(symbol)
	if !ok {
		writeError(w, http.StatusBadRequest, "unsupported_asset", fmt.Sprintf("unsupported asset: %s", symbol))
		return
	}

	amount, ok := s.parseAmount(w, a.Symbol, r.URL.Query().Get("amount"))
	if !ok {
		return
	}

	expected, err := s.vault.PreviewDeposit(r.Context(), a.Symbol, amount)
	if err != nil {
		s.writeOperationError(w, err)
		return
	}

	tolerance := s.vault.SlippageTolerance()
	unit := s.vault.Registry().Unit().Symbol
	writeJSON(w, http.StatusOK, previewReply{
		Asset:          a.Symbol,
		AmountIn:       s.display(a.Symbol, amount),
		ExpectedOutput: s.display(unit, expected),
		MinimumOutput:  s.display(unit, bpsmath.MinAcceptable(expected, tolerance)),
		ToleranceBps:   tolerance,
	})
}

func (s *Server) handleOperations(w http.ResponseWriter, r *http.Request) {
	if s.query == nil {
		writeError(w, http.StatusServiceUnavailable, "query_unavailable", "history queries are not configured")
		return
	}
	account, ok := s.parseAccount(w, chi.URLParam(r, "account"))
	if !ok {
		return
	}
	limit, before, ok := parsePage(w, r)
	if !ok {
		return
	}

	start := time.Now()
	ops, err := s.query.ListOperations(r.Context(), account, limit, before)
	s.observeQuery("operations", start, err)
	if err != nil {
		s.logger.Error().Err(err).Msg("list operations failed")
		writeError(w, http.StatusInternalServerError, "query_failed", "operation history unavailable")
		return
	}
	if ops == nil {
		ops = []query.OperationResponse{}
	}
	writeJSON(w, http.StatusOK, operationsReply{Account: account.String(), Operations: ops})
}

func (s *Server) handleBalanceHistory(w http.ResponseWriter, r *http.Request) {
	if s.query == nil {
		writeError(w, http.StatusServiceUnavailable, "query_unavailable", "history queries are not configured")
		return
	}
	account, ok := s.parseAccount(w, chi.URLParam(r, "account"))
	if !ok {
		return
	}
	limit, before, ok := parsePage(w, r)
	if !ok {
		return
	}

	start := time.Now()
	entries, err := s.query.BalanceHistory(r.Context(), account, limit, before)
	s.observeQuery("balance_history", start, err)
	if err != nil {
		s.logger.Error().Err(err).Msg("balance history failed")
		writeError(w, http.StatusInternalServerError, "query_failed", "balance history unavailable")
		return
	}
	if entries == nil {
		entries = []query.HistoryResponse{}
	}
	writeJSON(w, http.StatusOK, historyReply{Account: account.String(), History: entries})
}

// ============================================================================
// Admin handlers
// ============================================================================

func (s *Server) handleSetSlippage(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Bps uint64 `json:"bps"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}
	if err := s.vault.SetSlippageTolerance(payload.Bps); err != nil {
		s.writeOperationError(w, err)
		return
	}

	// The update is already live; a failed write only costs durability
	// across restarts and is logged for the operator.
	if s.db != nil {
		if err := persistence.SaveSlippageTolerance(r.Context(), s.db, payload.Bps); err != nil {
			s.logger.Error().Err(err).Uint64("bps", payload.Bps).Msg("persist slippage tolerance failed")
		}
	}

	writeJSON(w, http.StatusOK, map[string]uint64{"slippage_tolerance_bps": payload.Bps})
}

func (s *Server) handleRebuildProjections(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		writeError(w, http.StatusServiceUnavailable, "query_unavailable", "projections are not configured")
		return
	}
	if err := projection.RebuildProjections(r.Context(), s.db); err != nil {
		s.logger.Error().Err(err).Msg("projection rebuild failed")
		writeError(w, http.StatusInternalServerError, "rebuild_failed", "projection rebuild failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"rebuilt": true})
}

func (s *Server) handleVerifyIntegrity(w http.ResponseWriter, r *http.Request) {
	if s.query == nil {
		writeError(w, http.StatusServiceUnavailable, "query_unavailable", "integrity checks are not configured")
		return
	}
	start := time.Now()
	report, err := s.query.VerifyIntegrity(r.Context())
	s.observeQuery("integrity", start, err)
	if err != nil {
		s.logger.Error().Err(err).Msg("integrity check failed")
		writeError(w, http.StatusInternalServerError, "query_failed", "integrity check failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ============================================================================
// Wire helpers
// ============================================================================

type operationReply struct {
	OpID         string    `json:"op_id"`
	Seq          uint64    `json:"seq"`
	Kind         string    `json:"kind"`
	Account      string    `json:"account"`
	AssetIn      string    `json:"asset_in"`
	AmountIn     string    `json:"amount_in"`
	AmountOut    string    `json:"amount_out"`
	ExpectedOut  string    `json:"expected_out"`
	MinOut       string    `json:"min_out"`
	ToleranceBps uint64    `json:"tolerance_bps"`
	OccurredAt   time.Time `json:"occurred_at"`
	PrevHash     string    `json:"prev_hash"`
	Hash         string    `json:"hash"`
}

func (s *Server) operationReply(op ledger.Operation) operationReply {
	unit := s.vault.Registry().Unit().Symbol
	return operationReply{
		OpID:         op.ID.String(),
		Seq:          op.Seq,
		Kind:         op.Kind.String(),
		Account:      op.Account.String(),
		AssetIn:      op.AssetIn,
		AmountIn:     s.display(op.AssetIn, op.AmountIn),
		AmountOut:    s.display(unit, op.AmountOut),
		ExpectedOut:  s.display(unit, op.ExpectedOut),
		MinOut:       s.display(unit, op.MinOut),
		ToleranceBps: op.ToleranceBps,
		OccurredAt:   op.OccurredAt,
		PrevHash:     hex.EncodeToString(op.PrevHash[:]),
		Hash:         hex.EncodeToString(op.Hash[:]),
	}
}

// display renders minor units as a display-unit decimal string.
func (s *Server) display(symbol string, minor uint64) string {
	d, err := s.vault.Registry().FromMinor(symbol, minor)
	if err != nil {
		return strconv.FormatUint(minor, 10)
	}
	return d.String()
}

func (s *Server) parseAccount(w http.ResponseWriter, raw string) (uuid.UUID, bool) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil || id == uuid.Nil {
		writeError(w, http.StatusBadRequest, "invalid_identity", "account must be a non-zero UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) parseAmount(w http.ResponseWriter, symbol, raw string) (uint64, bool) {
	if strings.TrimSpace(raw) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "amount is required")
		return 0, false
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("malformed amount %q", raw))
		return 0, false
	}
	minor, err := s.vault.Registry().ToMinor(symbol, d)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return 0, false
	}
	return minor, true
}

// resolveOpID picks the client idempotency key: the op_id body field wins,
// then the Idempotency-Key header. Absent both, the vault generates one.
func (s *Server) resolveOpID(w http.ResponseWriter, r *http.Request, bodyID string) (uuid.UUID, bool) {
	if raw := strings.TrimSpace(bodyID); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "op_id must be a UUID")
			return uuid.Nil, false
		}
		return id, true
	}

	if raw := strings.TrimSpace(r.Header.Get("Idempotency-Key")); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "Idempotency-Key must be a UUID")
			return uuid.Nil, false
		}
		return id, true
	}

	return uuid.Nil, true
}

func parsePage(w http.ResponseWriter, r *http.Request) (int, *uint64, bool) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return 0, nil, false
		}
		if n > 500 {
			n = 500
		}
		limit = n
	}

	var before *uint64
	if raw := r.URL.Query().Get("before"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "before must be a sequence number")
			return 0, nil, false
		}
		before = &n
	}

	return limit, before, true
}

func (s *Server) observeQuery(endpoint string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	s.metrics.QueryRequests.WithLabelValues(endpoint, status).Inc()
	s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}

// ============================================================================
// Error envelope
// ============================================================================

type errorReply struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Requested string `json:"requested,omitempty"`
	Available string `json:"available,omitempty"`
	Ceiling   string `json:"ceiling,omitempty"`
	OpID      string `json:"op_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorReply{Error: errorDetail{Code: code, Message: message}})
}

// writeOperationError maps the settlement error taxonomy onto HTTP statuses:
// 400 for input the caller can fix, 409 for concurrency conflicts, 422 for
// limit violations, 502/504 for collaborator failures.
func (s *Server) writeOperationError(w http.ResponseWriter, err error) {
	var (
		relErr *vault.ReleaseFailedError
		capErr *ledger.CapacityExceededError
		balErr *ledger.InsufficientBalanceError
		wcErr  *vault.WithdrawalCeilingError
		uaErr  *vault.UnsupportedAssetError
	)
	switch {
	// The debit committed; only the custody leg is stuck. Must win over the
	// wrapped transport error so the caller sees the operation ID.
	case errors.As(err, &relErr):
		writeJSON(w, http.StatusBadGateway, errorReply{Error: errorDetail{
			Code:    "release_failed",
			Message: err.Error(),
			OpID:    relErr.OpID.String(),
		}})
	case errors.As(err, &capErr):
		writeJSON(w, http.StatusUnprocessableEntity, errorReply{Error: errorDetail{
			Code:      "capacity_exceeded",
			Message:   err.Error(),
			Requested: strconv.FormatUint(capErr.Requested, 10),
			Available: strconv.FormatUint(capErr.Available, 10),
		}})
	case errors.As(err, &balErr):
		writeJSON(w, http.StatusUnprocessableEntity, errorReply{Error: errorDetail{
			Code:      "insufficient_balance",
			Message:   err.Error(),
			Requested: strconv.FormatUint(balErr.Requested, 10),
			Available: strconv.FormatUint(balErr.Available, 10),
		}})
	case errors.As(err, &wcErr):
		writeJSON(w, http.StatusUnprocessableEntity, errorReply{Error: errorDetail{
			Code:      "withdrawal_ceiling",
			Message:   err.Error(),
			Requested: strconv.FormatUint(wcErr.Requested, 10),
			Ceiling:   strconv.FormatUint(wcErr.Ceiling, 10),
		}})
	case errors.Is(err, vault.ErrInsufficientOutput):
		writeError(w, http.StatusUnprocessableEntity, "insufficient_output", err.Error())
	case errors.As(err, &uaErr):
		writeError(w, http.StatusBadRequest, "unsupported_asset", err.Error())
	case errors.Is(err, vault.ErrZeroAmount):
		writeError(w, http.StatusBadRequest, "zero_amount", err.Error())
	case errors.Is(err, vault.ErrInvalidIdentity):
		writeError(w, http.StatusBadRequest, "invalid_identity", err.Error())
	case errors.Is(err, vault.ErrExcessiveSlippage):
		writeError(w, http.StatusBadRequest, "excessive_slippage", err.Error())
	case errors.Is(err, vault.ErrInvalidSlippage):
		writeError(w, http.StatusBadRequest, "invalid_slippage", err.Error())
	case errors.Is(err, vault.ErrReentrantCall):
		writeError(w, http.StatusConflict, "reentrant_call", err.Error())
	case errors.Is(err, vault.ErrDuplicateOperation):
		writeError(w, http.StatusConflict, "duplicate_operation", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "collaborator_timeout", err.Error())
	default:
		writeError(w, http.StatusBadGateway, "collaborator_failure", err.Error())
	}
}

// Package api exposes the REST surface for submitting runs, paying the agent
// fee and reading the run history.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"CronoGuard/internal/engine"
	xerrors "CronoGuard/internal/errors"
	"CronoGuard/internal/intent"
	"CronoGuard/internal/observability/metrics"
	"CronoGuard/internal/receipt"
	"CronoGuard/internal/store"
	"CronoGuard/internal/store/mysql"
	"CronoGuard/internal/x402"
	"CronoGuard/pkg/logger"
)

// History lists archived runs. Satisfied by the MySQL archive.
type History interface {
	List(ctx context.Context, limit int) ([]mysql.ArchivedRun, error)
}

// Server wires the pipeline and payment client to HTTP.
type Server struct {
	addr     string
	pipeline *engine.Pipeline
	payments *x402.Client
	stores   store.Stores
	history  History
	log      *slog.Logger
}

// NewServer constructs the API server. history may be nil when no archive is
// configured.
func NewServer(addr string, pipeline *engine.Pipeline, payments *x402.Client, stores store.Stores, history History) *Server {
	return &Server{
		addr:     addr,
		pipeline: pipeline,
		payments: payments,
		stores:   stores,
		history:  history,
		log:      logger.Named("api"),
	}
}

// Start serves HTTP until the context is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/api/v1/runs", metrics.Middleware("/api/v1/runs", http.HandlerFunc(s.handleRuns)))
	mux.Handle("/api/v1/pay/requirements", metrics.Middleware("/api/v1/pay/requirements", http.HandlerFunc(s.handlePayRequirements)))
	mux.Handle("/api/v1/pay/settle", metrics.Middleware("/api/v1/pay/settle", http.HandlerFunc(s.handlePaySettle)))
	mux.Handle("/api/v1/health", metrics.Middleware("/api/v1/health", http.HandlerFunc(s.handleHealth)))
	mux.Handle("/metrics", metrics.Handler())

	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateRun(w, r)
	case http.MethodGet:
		s.handleListRuns(w, r)
	default:
		http.Error(w, "only GET/POST supported", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req engine.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "request body is not valid JSON", http.StatusBadRequest)
		return
	}

	rr, err := s.pipeline.Run(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rr)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.Error(w, "run history is not configured", http.StatusServiceUnavailable)
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	runs, err := s.history.List(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

type payRequirementsRequest struct {
	Intent *intent.Intent `json:"intent"`
}

type payRequirementsResponse struct {
	PaymentRequirements x402.PaymentRequirements `json:"payment_requirements"`
	Signable            x402.SignableTemplate    `json:"signable"`
	Nonce               string                   `json:"nonce"`
}

func (s *Server) handlePayRequirements(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "only POST supported", http.StatusMethodNotAllowed)
		return
	}
	var req payRequirementsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Intent == nil {
		http.Error(w, "request needs an intent", http.StatusBadRequest)
		return
	}
	if err := req.Intent.Validate(); err != nil {
		s.writeError(w, err)
		return
	}

	reqs, template, nonce, err := s.payments.BuildRequirements(r.Context(), req.Intent)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payRequirementsResponse{
		PaymentRequirements: reqs,
		Signable:            template,
		Nonce:               nonce,
	})
}

type paySettleRequest struct {
	IntentID            string                   `json:"intent_id"`
	PaymentHeader       string                   `json:"payment_header"`
	PaymentRequirements x402.PaymentRequirements `json:"payment_requirements"`
}

type paySettleResponse struct {
	Verify *x402.VerifyResult `json:"verify,omitempty"`
	Settle *x402.SettleResult `json:"settle,omitempty"`
}

func (s *Server) handlePaySettle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "only POST supported", http.StatusMethodNotAllowed)
		return
	}
	var req paySettleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "request body is not valid JSON", http.StatusBadRequest)
		return
	}
	if req.IntentID == "" || req.PaymentHeader == "" {
		http.Error(w, "intent_id and payment_header are required", http.StatusBadRequest)
		return
	}

	verify, settle, err := s.payments.VerifyAndSettle(r.Context(), req.IntentID, req.PaymentHeader, req.PaymentRequirements)
	if err != nil {
		s.writeError(w, err)
		return
	}

	// A settled payment unlocks the execution gate for this intent.
	if settle != nil && settle.Settled() {
		nonce := ""
		if header, err := x402.DecodeHeader(req.PaymentHeader); err == nil {
			nonce = header.Payload.Nonce
		}
		raw, _ := json.Marshal(paySettleResponse{Verify: verify, Settle: settle})
		record := store.PaymentRecord{
			IntentID:     req.IntentID,
			Nonce:        nonce,
			SettledTxRef: settle.TxHash,
			Verified:     true,
			Settled:      true,
			RawReceipt:   raw,
			TS:           time.Now().Unix(),
		}
		if err := s.stores.Payments.MarkPaid(r.Context(), record); err != nil {
			s.log.Error("recording settled payment failed", "intent_id", req.IntentID, "error", err)
			s.writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, paySettleResponse{Verify: verify, Settle: settle})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "only GET supported", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":      "ok",
		"schema_hash": receipt.SchemaHash(),
	})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch xerrors.CodeOf(err) {
	case xerrors.CodeValidation, xerrors.CodeInvalidToken:
		status = http.StatusBadRequest
	case xerrors.CodeNotPaid:
		status = http.StatusPaymentRequired
	case xerrors.CodeConflict, xerrors.CodeAlreadyExecuted, xerrors.CodeAuthAlreadyUsed:
		status = http.StatusConflict
	case xerrors.CodeFacilitator, xerrors.CodeRPCDown:
		status = http.StatusBadGateway
	case xerrors.CodeTimeout, xerrors.CodeRetriesExhausted:
		status = http.StatusGatewayTimeout
	}
	s.log.Warn("request failed", "status", status, "error", err)
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// withContext rejects new requests once the root context is cancelled, so
// shutdown does not race the handlers.
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

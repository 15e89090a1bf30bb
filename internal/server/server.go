package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"claimdrop/internal/claimerr"
	"claimdrop/internal/config"
	"claimdrop/internal/hmacauth"
	"claimdrop/internal/lifecycle"
	"claimdrop/internal/log"
	"claimdrop/internal/registry"
)

const requestIDHeader = "X-Request-Id"

type Server struct {
	orch       *lifecycle.Orchestrator
	hmac       *hmacauth.Verifier
	httpServer *http.Server
	metrics    *Metrics
	dbHealthFn func(context.Context) error
}

func NewServer(cfg *config.AppConfig, orch *lifecycle.Orchestrator, store registry.Store, metrics *Metrics) *Server {
	if metrics == nil {
		metrics = NewMetrics()
	}
	s := &Server{
		orch: orch,
		hmac: &hmacauth.Verifier{
			Secret:  cfg.Service.HMACSecret,
			MaxSkew: cfg.Service.HMACClockSkew,
		},
		metrics: metrics,
	}

	if checker, ok := store.(interface{ Ping(context.Context) error }); ok {
		s.dbHealthFn = checker.Ping
	}
	if sized, ok := store.(interface{ Len() int }); ok {
		metrics.trackRegistrySize(sized.Len)
	}

	mux := http.NewServeMux()
	s.signed(mux, "/api/v1/claims", s.handleCreateClaim)
	s.signed(mux, "/api/v1/transactions", s.handleSubmitTransaction)
	s.signed(mux, "/api/v1/fund-contract", s.handleFundContract)
	s.signed(mux, "/api/v1/fund-contract/submit", s.handleSubmitFunding)
	s.signed(mux, "/api/v1/claim-funds", s.handleClaimFunds)
	s.signed(mux, "/api/v1/claim-funds/submit", s.handleSubmitClaim)
	s.signed(mux, "/api/v1/refund-funds", s.handleRefundFunds)
	s.signed(mux, "/api/v1/refund-funds/submit", s.handleSubmitRefund)
	s.signed(mux, "/api/v1/delete-contract", s.handleDeleteContract)
	s.signed(mux, "/api/v1/delete-contract/submit", s.handleSubmitDelete)
	mux.Handle("/api/v1/claims/status", only(http.MethodGet, s.handleClaimStatus))
	mux.Handle("/api/v1/wallet-contracts", only(http.MethodGet, s.handleWalletContracts))
	mux.Handle("/api/v1/metrics", metrics.handler())
	mux.Handle("/api/v1/health", only(http.MethodGet, s.handleHealth))

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           requestIDMiddleware(mux),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

// signed registers a POST route behind HMAC verification.
func (s *Server) signed(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.Handle(pattern, s.hmac.Middleware(only(http.MethodPost, h)))
}

func only(method string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.Header().Set("Allow", method)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	})
}

func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	log.L(context.Background()).Infof("API listening on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type errorResponse struct {
	Error string        `json:"error"`
	Kind  claimerr.Kind `json:"kind,omitempty"`
}

func statusFor(kind claimerr.Kind) int {
	switch kind {
	case claimerr.KindInvalidAddress, claimerr.KindInvalidAmount, claimerr.KindInvalidNetwork, claimerr.KindBuild:
		return http.StatusBadRequest
	case claimerr.KindClaimNotFound:
		return http.StatusNotFound
	case claimerr.KindAlreadyClaimed, claimerr.KindAlreadyRefunded, claimerr.KindNotDeployed, claimerr.KindInsufficientEscrowBalance:
		return http.StatusConflict
	case claimerr.KindRefundLocked:
		return http.StatusLocked
	case claimerr.KindRejected:
		return http.StatusUnprocessableEntity
	case claimerr.KindRateLimited:
		return http.StatusTooManyRequests
	case claimerr.KindNetwork, claimerr.KindInvalidReceipt:
		return http.StatusBadGateway
	case claimerr.KindConfirmationTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := claimerr.KindOf(err)
	status := statusFor(kind)
	if status >= http.StatusInternalServerError {
		log.L(r.Context()).Errorf("%s %s failed: %s", r.Method, r.URL.Path, err)
	} else {
		log.L(r.Context()).Infof("%s %s refused: %s", r.Method, r.URL.Path, err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Kind: kind})
}

func decode(w http.ResponseWriter, r *http.Request, into any) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json payload: " + err.Error()})
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	type ledgerInfo struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}
	ledgers := map[string]ledgerInfo{}
	for network, c := range s.orch.Networks() {
		start := time.Now()
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := c.Ping(pingCtx)
		cancel()
		if err != nil {
			ledgers[string(network)] = ledgerInfo{Error: err.Error()}
			overallHealthy = false
			continue
		}
		ledgers[string(network)] = ledgerInfo{
			Connected: true,
			LatencyMs: float64(time.Since(start).Microseconds()) / 1000.0,
		}
	}

	dbInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	if s.dbHealthFn != nil {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.dbHealthFn(dbCtx); err != nil {
			dbInfo.Connected = false
			dbInfo.Error = err.Error()
			overallHealthy = false
		}
	}

	status := "healthy"
	code := http.StatusOK
	if !overallHealthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, struct {
		Status   string                `json:"status"`
		Ledgers  map[string]ledgerInfo `json:"ledgers"`
		Registry any                   `json:"registry"`
	}{
		Status:   status,
		Ledgers:  ledgers,
		Registry: dbInfo,
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(requestIDHeader, id)
		}
		w.Header().Set(requestIDHeader, id)
		ctx := log.WithLogField(r.Context(), "requestId", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

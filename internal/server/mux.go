// internal/server/mux.go
// Package server exposes the registry's read-only HTTP surface: discovery,
// reporting and ops endpoints. Mutations go through the service call
// interfaces; a write API is an external layer.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	regerrors "github.com/AgentMesh/agentmesh-registry-go/internal/errors"
	"github.com/AgentMesh/agentmesh-registry-go/internal/identity"
	"github.com/AgentMesh/agentmesh-registry-go/internal/metrics"
	"github.com/AgentMesh/agentmesh-registry-go/internal/model"
	"github.com/AgentMesh/agentmesh-registry-go/internal/payment"
	"github.com/AgentMesh/agentmesh-registry-go/internal/reputation"
	"github.com/AgentMesh/agentmesh-registry-go/internal/storage"
	"github.com/AgentMesh/agentmesh-registry-go/internal/validation"
)

type contextKey string

// ContextKeyCorrelationID is the request context key for the correlation id.
const ContextKeyCorrelationID contextKey = "correlationId"

// Mux holds the HTTP handlers and their dependencies.
type Mux struct {
	mux *http.ServeMux

	store       storage.Store
	agents      *identity.Registry
	payments    *payment.Ledger
	reputation  *reputation.Ledger
	validations *validation.Ledger
	metrics     *metrics.Metrics

	minFeedback int64 // Default leaderboard feedback floor
}

// NewMux creates the HTTP mux with all registry read endpoints.
func NewMux(store storage.Store, agents *identity.Registry, payments *payment.Ledger, rep *reputation.Ledger, validations *validation.Ledger, minFeedback int64) *http.ServeMux {
	m := &Mux{
		mux:         http.NewServeMux(),
		store:       store,
		agents:      agents,
		payments:    payments,
		reputation:  rep,
		validations: validations,
		metrics:     metrics.NewMetrics(),
		minFeedback: minFeedback,
	}

	m.mux.HandleFunc("/healthz", m.handleHealthz)
	m.mux.HandleFunc("/readyz", m.handleReadyz)
	m.mux.Handle("/metrics", promhttp.Handler())

	m.mux.HandleFunc("/v1/agents/get", m.method("GET", m.withMiddleware(m.handleGetAgent)))
	m.mux.HandleFunc("/v1/agents/byCapability", m.method("GET", m.withMiddleware(m.handleAgentsByCapability)))
	m.mux.HandleFunc("/v1/agents/byOwner", m.method("GET", m.withMiddleware(m.handleAgentsByOwner)))
	m.mux.HandleFunc("/v1/agents/discover", m.method("GET", m.withMiddleware(m.handleDiscover)))

	m.mux.HandleFunc("/v1/payments/get", m.method("GET", m.withMiddleware(m.handleGetPayment)))
	m.mux.HandleFunc("/v1/payments/byAgent", m.method("GET", m.withMiddleware(m.handlePaymentsByAgent)))
	m.mux.HandleFunc("/v1/payments/byPayer", m.method("GET", m.withMiddleware(m.handlePaymentsByPayer)))
	m.mux.HandleFunc("/v1/payments/isRecorded", m.method("GET", m.withMiddleware(m.handleTxRecorded)))
	m.mux.HandleFunc("/v1/payments/agentStats", m.method("GET", m.withMiddleware(m.handleAgentPaymentStats)))
	m.mux.HandleFunc("/v1/payments/globalStats", m.method("GET", m.withMiddleware(m.handleGlobalPaymentStats)))

	m.mux.HandleFunc("/v1/reputation/score", m.method("GET", m.withMiddleware(m.handleReputationScore)))
	m.mux.HandleFunc("/v1/reputation/feedback", m.method("GET", m.withMiddleware(m.handleFeedback)))
	m.mux.HandleFunc("/v1/reputation/top", m.method("GET", m.withMiddleware(m.handleTopAgents)))

	m.mux.HandleFunc("/v1/validations/list", m.method("GET", m.withMiddleware(m.handleValidations)))
	m.mux.HandleFunc("/v1/validations/score", m.method("GET", m.withMiddleware(m.handleValidationScore)))
	m.mux.HandleFunc("/v1/validations/dispute", m.method("GET", m.withMiddleware(m.handleGetDispute)))

	return m.mux
}

// method ensures the HTTP method matches the expected method
func (m *Mux) method(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			m.writeError(w, http.StatusMethodNotAllowed, regerrors.REG_BAD_REQUEST, "method not allowed", "")
			return
		}
		h(w, r)
	}
}

// withMiddleware applies correlation-id propagation, request logging and
// request metrics to a handler.
func (m *Mux) withMiddleware(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		correlationID := r.Header.Get("X-Correlation-Id")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		r = r.WithContext(context.WithValue(r.Context(), ContextKeyCorrelationID, correlationID))
		w.Header().Set("X-Correlation-Id", correlationID)

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		h(sw, r)

		duration := time.Since(start)
		status := strconv.Itoa(sw.status)
		m.metrics.HTTPRequestTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		m.metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path, status).Observe(duration.Seconds())

		slog.LogAttrs(r.Context(), slog.LevelInfo, "request completed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", sw.status),
			slog.Duration("duration", duration),
			slog.String("correlation_id", correlationID),
			slog.String("remote_addr", r.RemoteAddr),
		)
	}
}

// statusWriter captures the response status for logging and metrics.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// writeSuccess writes a successful response
func (m *Mux) writeSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": data})
}

// writeError writes an error response following the registry error taxonomy
func (m *Mux) writeError(w http.ResponseWriter, statusCode int, code regerrors.ErrorCode, message, correlationID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"code":          string(code),
			"message":       message,
			"correlationId": correlationID,
		},
	})
}

// writeServiceError maps a service-layer error into the HTTP error envelope.
func (m *Mux) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	correlationID, _ := r.Context().Value(ContextKeyCorrelationID).(string)

	var regErr *regerrors.Error
	if errors.As(err, &regErr) {
		m.writeError(w, regErr.HTTPStatus, regErr.Code, regErr.Message, correlationID)
		return
	}
	m.writeError(w, http.StatusInternalServerError, regerrors.REG_INTERNAL, "internal error", correlationID)
}

func (m *Mux) badRequest(w http.ResponseWriter, r *http.Request, message string) {
	correlationID, _ := r.Context().Value(ContextKeyCorrelationID).(string)
	m.writeError(w, http.StatusBadRequest, regerrors.REG_BAD_REQUEST, message, correlationID)
}

// agentIDParam parses the agentId query parameter.
func agentIDParam(r *http.Request) (model.AgentID, error) {
	raw := r.URL.Query().Get("agentId")
	if raw == "" {
		return 0, errors.New("agentId is required")
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, errors.New("agentId must be a positive integer")
	}
	return model.AgentID(id), nil
}

// intParam parses an optional integer query parameter, falling back to def.
func intParam(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

// handleHealthz handles liveness health check requests
func (m *Mux) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz handles readiness health check requests
func (m *Mux) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	// A not-found for a probe id still proves the store is reachable.
	_, err := m.store.GetAgent(ctx, 0)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (m *Mux) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	id, err := agentIDParam(r)
	if err != nil {
		m.badRequest(w, r, err.Error())
		return
	}
	agent, err := m.agents.Get(r.Context(), id)
	if err != nil {
		m.writeServiceError(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, agent)
}

func (m *Mux) handleAgentsByCapability(w http.ResponseWriter, r *http.Request) {
	capability := r.URL.Query().Get("capability")
	if capability == "" {
		m.badRequest(w, r, "capability is required")
		return
	}
	ids, err := m.agents.FindByCapability(r.Context(), capability)
	if err != nil {
		m.writeServiceError(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, ids)
}

func (m *Mux) handleAgentsByOwner(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		m.badRequest(w, r, "owner is required")
		return
	}
	ids, err := m.agents.FindByOwner(r.Context(), owner)
	if err != nil {
		m.writeServiceError(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, ids)
}

func (m *Mux) handleDiscover(w http.ResponseWriter, r *http.Request) {
	capability := r.URL.Query().Get("capability")
	if capability == "" {
		m.badRequest(w, r, "capability is required")
		return
	}
	found, err := m.agents.Discover(r.Context(), capability)
	if err != nil {
		m.writeServiceError(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, found)
}

func (m *Mux) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		m.badRequest(w, r, "id is required")
		return
	}
	pay, err := m.payments.Get(r.Context(), id)
	if err != nil {
		m.writeServiceError(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, pay)
}

func (m *Mux) handlePaymentsByAgent(w http.ResponseWriter, r *http.Request) {
	id, err := agentIDParam(r)
	if err != nil {
		m.badRequest(w, r, err.Error())
		return
	}
	ids, err := m.payments.ByAgent(r.Context(), id)
	if err != nil {
		m.writeServiceError(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, ids)
}

func (m *Mux) handlePaymentsByPayer(w http.ResponseWriter, r *http.Request) {
	payer := r.URL.Query().Get("payer")
	if payer == "" {
		m.badRequest(w, r, "payer is required")
		return
	}
	ids, err := m.payments.ByPayer(r.Context(), payer)
	if err != nil {
		m.writeServiceError(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, ids)
}

func (m *Mux) handleTxRecorded(w http.ResponseWriter, r *http.Request) {
	txHash := r.URL.Query().Get("txHash")
	if txHash == "" {
		m.badRequest(w, r, "txHash is required")
		return
	}
	recorded, err := m.payments.IsRecorded(r.Context(), txHash)
	if err != nil {
		m.writeServiceError(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, map[string]bool{"recorded": recorded})
}

func (m *Mux) handleAgentPaymentStats(w http.ResponseWriter, r *http.Request) {
	id, err := agentIDParam(r)
	if err != nil {
		m.badRequest(w, r, err.Error())
		return
	}
	stats, err := m.payments.AgentStats(r.Context(), id)
	if err != nil {
		m.writeServiceError(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, stats)
}

func (m *Mux) handleGlobalPaymentStats(w http.ResponseWriter, r *http.Request) {
	stats, err := m.payments.GlobalStats(r.Context())
	if err != nil {
		m.writeServiceError(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, stats)
}

func (m *Mux) handleReputationScore(w http.ResponseWriter, r *http.Request) {
	id, err := agentIDParam(r)
	if err != nil {
		m.badRequest(w, r, err.Error())
		return
	}
	score, err := m.reputation.GetScore(r.Context(), id)
	if err != nil {
		m.writeServiceError(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, map[string]interface{}{
		"score": score,
		"tier":  model.TierFor(*score),
	})
}

func (m *Mux) handleFeedback(w http.ResponseWriter, r *http.Request) {
	id, err := agentIDParam(r)
	if err != nil {
		m.badRequest(w, r, err.Error())
		return
	}
	offset := intParam(r, "offset", 0)
	limit := intParam(r, "limit", 25)

	fbs, err := m.reputation.GetFeedback(r.Context(), id, offset, limit)
	if err != nil {
		m.writeServiceError(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, fbs)
}

func (m *Mux) handleTopAgents(w http.ResponseWriter, r *http.Request) {
	minFeedback := int64(intParam(r, "minFeedback", int(m.minFeedback)))
	limit := intParam(r, "limit", 50)

	ranked, err := m.reputation.TopAgents(r.Context(), minFeedback, limit)
	if err != nil {
		m.writeServiceError(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, ranked)
}

func (m *Mux) handleValidations(w http.ResponseWriter, r *http.Request) {
	id, err := agentIDParam(r)
	if err != nil {
		m.badRequest(w, r, err.Error())
		return
	}

	var vs []model.Validation
	switch {
	case r.URL.Query().Get("type") != "":
		vtype, err := model.ParseValidationType(r.URL.Query().Get("type"))
		if err != nil {
			m.badRequest(w, r, err.Error())
			return
		}
		vs, err = m.validations.GetByType(r.Context(), id, vtype)
		if err != nil {
			m.writeServiceError(w, r, err)
			return
		}
	case r.URL.Query().Get("activeOnly") == "true":
		vs, err = m.validations.GetActive(r.Context(), id)
		if err != nil {
			m.writeServiceError(w, r, err)
			return
		}
	default:
		vs, err = m.validations.GetAll(r.Context(), id)
		if err != nil {
			m.writeServiceError(w, r, err)
			return
		}
	}
	m.writeSuccess(w, http.StatusOK, vs)
}

func (m *Mux) handleValidationScore(w http.ResponseWriter, r *http.Request) {
	id, err := agentIDParam(r)
	if err != nil {
		m.badRequest(w, r, err.Error())
		return
	}
	score, err := m.validations.Score(r.Context(), id)
	if err != nil {
		m.writeServiceError(w, r, err)
		return
	}
	stats, err := m.validations.Stats(r.Context(), id)
	if err != nil {
		m.writeServiceError(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, map[string]interface{}{
		"score": score,
		"stats": stats,
	})
}

func (m *Mux) handleGetDispute(w http.ResponseWriter, r *http.Request) {
	id, err := agentIDParam(r)
	if err != nil {
		m.badRequest(w, r, err.Error())
		return
	}
	index := intParam(r, "index", -1)
	if index < 0 {
		m.badRequest(w, r, "index is required")
		return
	}
	d, err := m.validations.GetDispute(r.Context(), id, index)
	if err != nil {
		m.writeServiceError(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, d)
}

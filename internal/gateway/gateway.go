// Package gateway serves token-authorized document downloads. It is the
// transfer endpoint backing signed access tokens: the bearer presents a
// capability token, the gateway verifies it and streams the decrypted
// object. It deliberately does not expose the rest of the vault API.
package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/docvault/internal/metrics"
	"github.com/kenneth/docvault/internal/vault"
)

// Handler routes gateway requests to the vault service.
type Handler struct {
	svc     *vault.Service
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

// NewHandler creates a gateway handler.
func NewHandler(svc *vault.Service, logger *logrus.Logger, m *metrics.Metrics) *Handler {
	return &Handler{
		svc:     svc,
		logger:  logger,
		metrics: m,
	}
}

// RegisterRoutes registers gateway routes on r.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", h.handleHealth).Methods("GET")
	r.Handle("/metrics", h.metrics.Handler()).Methods("GET")
	r.HandleFunc("/v1/objects/{id}", h.handleDownload).Methods("GET")
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

// handleDownload serves a document to the bearer of a valid capability
// token. Authorization happened when the token was issued; the gateway
// only checks the token itself and that it names the requested object.
func (h *Handler) handleDownload(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["id"]

	tokenString, ok := bearerToken(r)
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "missing bearer token", "")
		return
	}

	grant, err := h.svc.VerifyToken(tokenString)
	if err != nil {
		h.writeVaultError(w, err)
		return
	}
	if grant.ResourceID != documentID {
		h.logger.WithFields(logrus.Fields{
			"token_resource": grant.ResourceID,
			"requested":      documentID,
		}).Warn("capability token presented for a different object")
		h.writeError(w, http.StatusForbidden, "token does not grant access to this object", "")
		return
	}

	result, err := h.svc.DownloadWithGrant(r.Context(), grant, vault.RequestMeta{
		IP:        remoteAddr(r),
		UserAgent: r.UserAgent(),
		RequestID: r.Header.Get("X-Request-ID"),
	})
	if err != nil {
		h.writeVaultError(w, err)
		return
	}

	w.Header().Set("Content-Type", result.Record.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(result.Plaintext)))
	w.Header().Set("Content-Disposition", `attachment; filename="`+sanitizeFilename(result.Record.Name)+`"`)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(result.Plaintext)
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return "", false
	}
	return auth[len(prefix):], true
}

// remoteAddr extracts the client address, preferring proxy headers.
func remoteAddr(r *http.Request) string {
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return xff
	}
	return r.RemoteAddr
}

// sanitizeFilename strips characters that would break the
// Content-Disposition header.
func sanitizeFilename(name string) string {
	return strings.Map(func(c rune) rune {
		switch c {
		case '"', '\\', '\r', '\n':
			return '_'
		}
		return c
	}, name)
}

type errorResponse struct {
	Error         string `json:"error"`
	CorrelationID string `json:"correlationId,omitempty"`
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message, correlationID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Error: message, CorrelationID: correlationID})
}

// writeVaultError maps a service error classification to an HTTP status.
// Internal detail stays in the log; the body carries the correlation id
// so a support request can be matched to audit events.
func (h *Handler) writeVaultError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	message := "internal error"

	switch vault.KindOf(err) {
	case vault.KindValidation:
		status, message = http.StatusBadRequest, "invalid request"
	case vault.KindAccessDenied:
		status, message = http.StatusForbidden, "access denied"
	case vault.KindNotFound:
		status, message = http.StatusNotFound, "object not found"
	case vault.KindIntegrityFailure:
		status, message = http.StatusConflict, "object failed integrity verification"
	case vault.KindKeyUnavailable:
		status, message = http.StatusServiceUnavailable, "encryption key temporarily unavailable"
	case vault.KindKeyPermissionDenied:
		status, message = http.StatusForbidden, "encryption key access denied"
	case vault.KindRetentionViolation:
		status, message = http.StatusBadRequest, "retention policy violation"
	}

	var correlationID string
	var verr *vault.Error
	if errors.As(err, &verr) {
		correlationID = verr.CorrelationID
	}
	if status == http.StatusInternalServerError {
		h.logger.WithError(err).Error("gateway request failed")
	}
	h.writeError(w, status, message, correlationID)
}

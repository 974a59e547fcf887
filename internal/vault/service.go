// Package vault orchestrates the document lifecycle: authorization,
// envelope encryption, key wrapping, blob and metadata persistence, and
// audit. Every operation appends exactly one audit event once its outcome
// is known.
package vault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/kenneth/docvault/internal/access"
	"github.com/kenneth/docvault/internal/audit"
	"github.com/kenneth/docvault/internal/blob"
	"github.com/kenneth/docvault/internal/crypto"
	"github.com/kenneth/docvault/internal/kms"
	"github.com/kenneth/docvault/internal/metrics"
	"github.com/kenneth/docvault/internal/store"
	"github.com/kenneth/docvault/internal/token"
)

const (
	defaultMaxObjectSize = 25 << 20
	// mutationRetries bounds internal retries on optimistic version
	// conflicts before the conflict surfaces to the caller.
	mutationRetries = 3
)

var defaultAllowedTypes = []string{
	"application/pdf",
	"image/png",
	"image/jpeg",
	"text/plain",
}

// Options configures a Service.
type Options struct {
	Cipher  *crypto.Cipher
	Keys    kms.KeyWrapper
	Store   *store.Store
	Blobs   blob.Store
	Ledger  *audit.Ledger
	Tokens  *token.Issuer
	Metrics *metrics.Metrics
	Logger  *logrus.Logger
	// MaxObjectSize caps plaintext uploads; defaults to 25 MiB.
	MaxObjectSize int64
	// AllowedContentTypes is the upload MIME allowlist.
	AllowedContentTypes []string
	// DataClassification tags audit events for compliance export.
	DataClassification string
	// RetentionDays is stamped on audit events.
	RetentionDays int
}

// Service is the vault's single entry point for document operations.
type Service struct {
	cipher         *crypto.Cipher
	keys           kms.KeyWrapper
	store          *store.Store
	blobs          blob.Store
	ledger         *audit.Ledger
	tokens         *token.Issuer
	metrics        *metrics.Metrics
	logger         *logrus.Logger
	tracer         trace.Tracer
	maxObjectSize  int64
	allowedTypes   map[string]struct{}
	classification string
	retentionDays  int
}

// NewService validates the dependency set and builds a Service.
func NewService(opts Options) (*Service, error) {
	switch {
	case opts.Cipher == nil:
		return nil, errors.New("vault: cipher is required")
	case opts.Keys == nil:
		return nil, errors.New("vault: key wrapper is required")
	case opts.Store == nil:
		return nil, errors.New("vault: metadata store is required")
	case opts.Blobs == nil:
		return nil, errors.New("vault: blob store is required")
	case opts.Ledger == nil:
		return nil, errors.New("vault: audit ledger is required")
	case opts.Tokens == nil:
		return nil, errors.New("vault: token issuer is required")
	case opts.Metrics == nil:
		return nil, errors.New("vault: metrics are required")
	case opts.Logger == nil:
		return nil, errors.New("vault: logger is required")
	}
	if opts.MaxObjectSize <= 0 {
		opts.MaxObjectSize = defaultMaxObjectSize
	}
	if len(opts.AllowedContentTypes) == 0 {
		opts.AllowedContentTypes = defaultAllowedTypes
	}
	if opts.DataClassification == "" {
		opts.DataClassification = "confidential"
	}
	if opts.RetentionDays <= 0 {
		opts.RetentionDays = 365
	}

	allowed := make(map[string]struct{}, len(opts.AllowedContentTypes))
	for _, t := range opts.AllowedContentTypes {
		allowed[t] = struct{}{}
	}

	return &Service{
		cipher:         opts.Cipher,
		keys:           opts.Keys,
		store:          opts.Store,
		blobs:          opts.Blobs,
		ledger:         opts.Ledger,
		tokens:         opts.Tokens,
		metrics:        opts.Metrics,
		logger:         opts.Logger,
		tracer:         otel.Tracer("docvault/vault"),
		maxObjectSize:  opts.MaxObjectSize,
		allowedTypes:   allowed,
		classification: opts.DataClassification,
		retentionDays:  opts.RetentionDays,
	}, nil
}

// RequestMeta carries per-request correlation attributes into logs and
// audit events.
type RequestMeta struct {
	IP        string
	UserAgent string
	RequestID string
}

func (m *RequestMeta) correlationID() string {
	if m.RequestID == "" {
		m.RequestID = uuid.NewString()
	}
	return m.RequestID
}

func (s *Service) event(kind audit.Kind, p access.Principal, res *audit.ResourceRef, outcome audit.Outcome, meta RequestMeta) *audit.Event {
	return &audit.Event{
		Kind:     kind,
		User:     audit.Actor{ID: p.ID, Email: p.Email, Role: string(p.Role), EmployeeID: p.EmployeeID},
		Resource: res,
		Action:   outcome,
		Context:  audit.RequestContext{IP: meta.IP, UserAgent: meta.UserAgent, RequestID: meta.RequestID},
		Compliance: audit.Compliance{
			DataClassification: s.classification,
			RetentionDays:      s.retentionDays,
		},
	}
}

func (s *Service) append(ctx context.Context, e *audit.Event) {
	id := s.ledger.Append(ctx, e)
	s.metrics.RecordAuditAppend(string(e.Kind), id == audit.FallbackEventID)
}

// auditDenial records an evaluator deny with the facts it considered.
func (s *Service) auditDenial(ctx context.Context, p access.Principal, res *audit.ResourceRef, action access.Action, d access.Decision, meta RequestMeta) {
	e := s.event(audit.KindAccessDenied, p, res, audit.Outcome{Success: false, ErrorMessage: d.Reason}, meta)
	e.Metadata = map[string]string{
		"action":        string(action),
		"role":          string(d.Facts.Role),
		"is_owner":      fmt.Sprintf("%t", d.Facts.IsOwner),
		"is_shared":     fmt.Sprintf("%t", d.Facts.IsSharedWith),
		"same_employee": fmt.Sprintf("%t", d.Facts.SameEmployee),
	}
	s.append(ctx, e)
	s.metrics.RecordAccessDenial(string(action), d.Reason)
}

// denialError maps a deny decision to the caller-facing error kind. A
// deny caused by soft deletion is reported as NotFound so the existence
// of a deleted record is not confirmed to unauthorized callers.
func denialError(d access.Decision, correlationID string) error {
	if d.Reason == access.ReasonResourceDeleted {
		return newError(KindNotFound, correlationID, "document not found", nil)
	}
	return newError(KindAccessDenied, correlationID, "access denied: "+d.Reason, nil)
}

func (s *Service) mapKeyError(err error, correlationID string) error {
	switch {
	case errors.Is(err, kms.ErrKeyPermissionDenied):
		return newError(KindKeyPermissionDenied, correlationID, "key authority refused access to the wrapping key", err)
	case errors.Is(err, kms.ErrKeyUnavailable):
		return newError(KindKeyUnavailable, correlationID, "key authority unavailable", err)
	default:
		return newError(KindStorageFailure, correlationID, "key operation failed", err)
	}
}

func resourceOf(rec *store.DocumentRecord) access.Resource {
	return access.Resource{
		ID:          rec.ID,
		OwnerID:     rec.OwnerID,
		EmployeeID:  rec.EmployeeID,
		SharingList: rec.SharingList,
		Deleted:     rec.Deleted,
	}
}

func documentRef(id string) *audit.ResourceRef {
	return &audit.ResourceRef{Type: "document", ID: id}
}

func durationMs(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}

// Package audit implements the vault's append-only audit ledger. Events are
// persisted to a bbolt bucket keyed by a monotonic sequence number, queried
// newest-first, and removed only by the age-based retention cleanup.
package audit

import "time"

// Kind is the closed set of audit event kinds.
type Kind string

const (
	KindUpload           Kind = "upload"
	KindDownload         Kind = "download"
	KindDelete           Kind = "delete"
	KindShare            Kind = "share"
	KindRoleChange       Kind = "role-change"
	KindLogin            Kind = "login"
	KindAccessDenied     Kind = "access-denied"
	KindTokenIssued      Kind = "token-issued"
	KindIntegrityFailure Kind = "integrity-failure"
	KindRetentionCleanup Kind = "retention-cleanup"
)

// securityRelevant reports whether a failure to persist an event of this
// kind warrants an operational warning and whether the event is mirrored to
// the alert sinks.
func (k Kind) securityRelevant() bool {
	switch k {
	case KindDelete, KindRoleChange, KindAccessDenied, KindIntegrityFailure:
		return true
	}
	return false
}

// Actor identifies the principal an event was recorded for.
type Actor struct {
	ID         string `json:"id"`
	Email      string `json:"email,omitempty"`
	Role       string `json:"role"`
	EmployeeID string `json:"employeeId,omitempty"`
}

// ResourceRef points at the target of an event, when it has one.
type ResourceRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Outcome records how the audited operation ended.
type Outcome struct {
	Success      bool   `json:"success"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	DurationMs   int64  `json:"durationMs"`
}

// RequestContext carries the client-side correlation attributes.
type RequestContext struct {
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// Compliance tags an event for retention and classification policy.
type Compliance struct {
	DataClassification string `json:"dataClassification,omitempty"`
	RetentionDays      int    `json:"retentionDays,omitempty"`
}

// Event is one immutable ledger entry. Fields follow the wire structure
// emitted by Export and consumed by downstream compliance tooling.
type Event struct {
	ID         string            `json:"id"`
	Kind       Kind              `json:"eventType"`
	Timestamp  time.Time         `json:"timestamp"`
	User       Actor             `json:"user"`
	Resource   *ResourceRef      `json:"resource,omitempty"`
	Action     Outcome           `json:"action"`
	Context    RequestContext    `json:"context"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Compliance Compliance        `json:"compliance"`
}

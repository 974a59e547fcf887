package vault

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/kenneth/docvault/internal/access"
	"github.com/kenneth/docvault/internal/audit"
	"github.com/kenneth/docvault/internal/store"
)

// Principal administration. All of these require the admin-reserved
// manage_principals permission and emit role-change audit events, which
// are mirrored to the alert sinks.

// SetPrincipalRole changes a mirrored principal's role.
func (s *Service) SetPrincipalRole(ctx context.Context, actor access.Principal, targetID string, role access.Role, meta RequestMeta) error {
	return s.principalChange(ctx, actor, targetID, meta, "role changed to "+string(role), func() error {
		return s.store.SetPrincipalRole(ctx, targetID, role)
	})
}

// DeactivatePrincipal suspends a principal. The record is kept so audit
// events retain a valid referent.
func (s *Service) DeactivatePrincipal(ctx context.Context, actor access.Principal, targetID string, meta RequestMeta) error {
	return s.principalChange(ctx, actor, targetID, meta, "deactivated", func() error {
		return s.store.DeactivatePrincipal(ctx, targetID)
	})
}

// ReactivatePrincipal lifts a suspension.
func (s *Service) ReactivatePrincipal(ctx context.Context, actor access.Principal, targetID string, meta RequestMeta) error {
	return s.principalChange(ctx, actor, targetID, meta, "reactivated", func() error {
		return s.store.ReactivatePrincipal(ctx, targetID)
	})
}

func (s *Service) principalChange(ctx context.Context, actor access.Principal, targetID string, meta RequestMeta, change string, fn func() error) error {
	corrID := meta.correlationID()
	ctx, span := s.tracer.Start(ctx, "vault.PrincipalChange")
	defer span.End()
	start := time.Now()

	if targetID == "" {
		return newError(KindValidation, corrID, "target principal id is required", nil)
	}

	decision := access.Decide(actor, access.Resource{}, access.ActionManagePrincipals)
	if !decision.Allow {
		s.auditDenial(ctx, actor, principalRef(targetID), access.ActionManagePrincipals, decision, meta)
		return denialError(decision, corrID)
	}

	if err := fn(); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return newError(KindNotFound, corrID, "principal not found", err)
		}
		return newError(KindStorageFailure, corrID, "principal update failed", err)
	}

	e := s.event(audit.KindRoleChange, actor, principalRef(targetID), audit.Outcome{Success: true, DurationMs: durationMs(start)}, meta)
	e.Metadata = map[string]string{"change": change}
	s.append(ctx, e)
	return nil
}

// CleanupAuditEvents runs the retention cleanup on behalf of an admin. A
// request below the compliance floor is rejected before anything is
// deleted.
func (s *Service) CleanupAuditEvents(ctx context.Context, actor access.Principal, retentionDays int, meta RequestMeta) (int, error) {
	corrID := meta.correlationID()
	ctx, span := s.tracer.Start(ctx, "vault.CleanupAuditEvents")
	defer span.End()
	start := time.Now()

	decision := access.Decide(actor, access.Resource{}, access.ActionManagePrincipals)
	if !decision.Allow {
		s.auditDenial(ctx, actor, nil, access.ActionManagePrincipals, decision, meta)
		return 0, denialError(decision, corrID)
	}

	deleted, err := s.ledger.Cleanup(ctx, retentionDays)
	if err != nil {
		if errors.Is(err, audit.ErrRetentionBelowFloor) {
			return 0, newError(KindRetentionViolation, corrID, "retention period is below the compliance floor", err)
		}
		return deleted, newError(KindStorageFailure, corrID, "audit cleanup failed", err)
	}

	e := s.event(audit.KindRetentionCleanup, actor, nil, audit.Outcome{Success: true, DurationMs: durationMs(start)}, meta)
	e.Metadata = map[string]string{
		"retention_days": strconv.Itoa(retentionDays),
		"deleted":        strconv.Itoa(deleted),
	}
	s.append(ctx, e)
	return deleted, nil
}

func principalRef(id string) *audit.ResourceRef {
	return &audit.ResourceRef{Type: "principal", ID: id}
}

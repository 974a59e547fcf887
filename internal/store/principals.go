package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/kenneth/docvault/internal/access"
)

// UpsertPrincipal mirrors a principal from the identity source. Creation
// timestamps are preserved across updates.
func (s *Store) UpsertPrincipal(ctx context.Context, rec *PrincipalRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("store: principal id is required")
	}
	if !access.Role(rec.Role).Valid() {
		return fmt.Errorf("store: unknown role %q", rec.Role)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(principalsBucket)
		now := time.Now().UTC()
		if raw := b.Get([]byte(rec.ID)); raw != nil {
			var prev PrincipalRecord
			if err := json.Unmarshal(raw, &prev); err == nil {
				rec.CreatedAt = prev.CreatedAt
			}
		}
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = now
		}
		rec.UpdatedAt = now
		return putPrincipal(b, rec)
	})
}

// GetPrincipal returns the mirrored record for id.
func (s *Store) GetPrincipal(ctx context.Context, id string) (*PrincipalRecord, error) {
	var rec *PrincipalRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		rec, err = getPrincipal(tx.Bucket(principalsBucket), id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// DeactivatePrincipal flips the active flag off and stamps DisabledAt.
// The record itself is retained so past audit events keep a valid
// referent.
func (s *Store) DeactivatePrincipal(ctx context.Context, id string) error {
	return s.updatePrincipal(id, func(rec *PrincipalRecord) {
		now := time.Now().UTC()
		rec.Active = false
		rec.DisabledAt = &now
	})
}

// ReactivatePrincipal flips the active flag back on. DisabledAt is left
// in place as a trace of the previous deactivation.
func (s *Store) ReactivatePrincipal(ctx context.Context, id string) error {
	return s.updatePrincipal(id, func(rec *PrincipalRecord) {
		rec.Active = true
	})
}

// SetPrincipalRole changes the mirrored role.
func (s *Store) SetPrincipalRole(ctx context.Context, id string, role access.Role) error {
	if !role.Valid() {
		return fmt.Errorf("store: unknown role %q", role)
	}
	return s.updatePrincipal(id, func(rec *PrincipalRecord) {
		rec.Role = string(role)
	})
}

func (s *Store) updatePrincipal(id string, fn func(*PrincipalRecord)) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(principalsBucket)
		rec, err := getPrincipal(b, id)
		if err != nil {
			return err
		}
		fn(rec)
		rec.UpdatedAt = time.Now().UTC()
		return putPrincipal(b, rec)
	})
}

func getPrincipal(b *bbolt.Bucket, id string) (*PrincipalRecord, error) {
	raw := b.Get([]byte(id))
	if raw == nil {
		return nil, fmt.Errorf("%w: principal %s", ErrNotFound, id)
	}
	var rec PrincipalRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("store: corrupt principal %s: %w", id, err)
	}
	return &rec, nil
}

func putPrincipal(b *bbolt.Bucket, rec *PrincipalRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: failed to marshal principal %s: %w", rec.ID, err)
	}
	return b.Put([]byte(rec.ID), raw)
}

// Principal converts the mirrored record into the evaluator's input type.
func (r *PrincipalRecord) Principal() access.Principal {
	return access.Principal{
		ID:         r.ID,
		Role:       access.Role(r.Role),
		EmployeeID: r.EmployeeID,
		Email:      r.Email,
		Active:     r.Active,
	}
}

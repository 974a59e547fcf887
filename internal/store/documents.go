package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/kenneth/docvault/internal/access"
)

// Create persists a new document record. The id and version are assigned
// here; callers populate everything else.
func (s *Store) Create(ctx context.Context, rec *DocumentRecord) error {
	if rec.OwnerID == "" {
		return errors.New("store: owner id is required")
	}
	if rec.EmployeeID == "" {
		return errors.New("store: employee id is required")
	}
	if !rec.Category.Valid() {
		return fmt.Errorf("store: unknown category %q", rec.Category)
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.Version = 1
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(documentsBucket)
		if b.Get([]byte(rec.ID)) != nil {
			return fmt.Errorf("store: document %s already exists", rec.ID)
		}
		return putDocument(b, rec)
	})
}

// Get returns the record for id, including soft-deleted records so callers
// can distinguish deleted from absent.
func (s *Store) Get(ctx context.Context, id string) (*DocumentRecord, error) {
	var rec *DocumentRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		rec, err = getDocument(tx.Bucket(documentsBucket), id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListFilter narrows ListForPrincipal results.
type ListFilter struct {
	Category Category
	// EmployeeID narrows HR/admin listings to one employee's records.
	EmployeeID string
	From       time.Time
	To         time.Time
	Limit      int
	Offset     int
}

// ListForPrincipal returns active records visible to p, newest first.
// Admin and HR see every record; employees see only records whose
// employee id matches their own. Soft-deleted records are never listed.
func (s *Store) ListForPrincipal(ctx context.Context, p access.Principal, filter ListFilter) ([]DocumentRecord, error) {
	if filter.Limit <= 0 {
		filter.Limit = 100
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	var out []DocumentRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(documentsBucket).ForEach(func(k, v []byte) error {
			var rec DocumentRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("store: corrupt document %s: %w", k, err)
			}
			if rec.Deleted {
				return nil
			}
			if !visibleTo(p, &rec) {
				return nil
			}
			if filter.Category != "" && rec.Category != filter.Category {
				return nil
			}
			if filter.EmployeeID != "" && rec.EmployeeID != filter.EmployeeID {
				return nil
			}
			if !filter.From.IsZero() && rec.CreatedAt.Before(filter.From) {
				return nil
			}
			if !filter.To.IsZero() && rec.CreatedAt.After(filter.To) {
				return nil
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Offset >= len(out) {
		return nil, nil
	}
	out = out[filter.Offset:]
	if len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func visibleTo(p access.Principal, rec *DocumentRecord) bool {
	switch p.Role {
	case access.RoleAdmin, access.RoleHR:
		return true
	case access.RoleEmployee:
		return p.EmployeeID != "" && p.EmployeeID == rec.EmployeeID
	}
	return false
}

// SoftDelete marks the record deleted. The transition is terminal; there
// is no un-delete. expectedVersion implements the optimistic check.
func (s *Store) SoftDelete(ctx context.Context, id, actingPrincipal, reason string, expectedVersion uint64) error {
	return s.mutate(id, expectedVersion, func(rec *DocumentRecord) error {
		now := time.Now().UTC()
		rec.Deleted = true
		rec.DeletedAt = &now
		rec.DeletedBy = actingPrincipal
		rec.DeleteReason = reason
		return nil
	})
}

// Share merges principalIDs into the sharing list as a set union, capped
// at MaxSharingList.
func (s *Store) Share(ctx context.Context, id string, principalIDs []string, expectedVersion uint64) error {
	if len(principalIDs) == 0 {
		return errors.New("store: no principals to share with")
	}
	return s.mutate(id, expectedVersion, func(rec *DocumentRecord) error {
		seen := make(map[string]struct{}, len(rec.SharingList))
		for _, p := range rec.SharingList {
			seen[p] = struct{}{}
		}
		for _, p := range principalIDs {
			if p == "" {
				continue
			}
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			rec.SharingList = append(rec.SharingList, p)
		}
		if len(rec.SharingList) > MaxSharingList {
			return fmt.Errorf("%w: %d principals, cap is %d", ErrSharingLimit, len(rec.SharingList), MaxSharingList)
		}
		return nil
	})
}

// RecordAccess increments the access counter and stamps last-accessed
// time. Counters are statistical, so no version check applies and the
// record version does not change.
func (s *Store) RecordAccess(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(documentsBucket)
		rec, err := getDocument(b, id)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		rec.AccessCount++
		rec.LastAccess = &now
		return putDocument(b, rec)
	})
}

// mutate applies fn under the optimistic version check and bumps the
// version on success. Soft-deleted records reject all mutations.
func (s *Store) mutate(id string, expectedVersion uint64, fn func(*DocumentRecord) error) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(documentsBucket)
		rec, err := getDocument(b, id)
		if err != nil {
			return err
		}
		if rec.Deleted {
			return ErrDeleted
		}
		if rec.Version != expectedVersion {
			return fmt.Errorf("%w: document %s at version %d, expected %d", ErrVersionConflict, id, rec.Version, expectedVersion)
		}
		if err := fn(rec); err != nil {
			return err
		}
		rec.Version++
		rec.UpdatedAt = time.Now().UTC()
		return putDocument(b, rec)
	})
}

func getDocument(b *bbolt.Bucket, id string) (*DocumentRecord, error) {
	raw := b.Get([]byte(id))
	if raw == nil {
		return nil, fmt.Errorf("%w: document %s", ErrNotFound, id)
	}
	var rec DocumentRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("store: corrupt document %s: %w", id, err)
	}
	return &rec, nil
}

func putDocument(b *bbolt.Bucket, rec *DocumentRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: failed to marshal document %s: %w", rec.ID, err)
	}
	return b.Put([]byte(rec.ID), raw)
}

// Package store persists document metadata and the read-only principal
// mirror in bbolt. Mutating document operations use an optimistic version
// check so concurrent writers against the same record are serialized
// without a global lock.
package store

import (
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/kenneth/docvault/internal/crypto"
)

var (
	// ErrNotFound is returned for absent ids. Callers decide whether a
	// soft-deleted record counts as found; Get returns them so the
	// authorization layer can deny with the right reason.
	ErrNotFound = errors.New("store: record not found")
	// ErrVersionConflict signals a concurrent mutation; the caller re-reads
	// and retries.
	ErrVersionConflict = errors.New("store: version conflict")
	// ErrSharingLimit rejects a share that would exceed the sharing cap.
	ErrSharingLimit = errors.New("store: sharing list limit exceeded")
	// ErrDeleted rejects mutations on a soft-deleted record.
	ErrDeleted = errors.New("store: record is deleted")
)

// MaxSharingList bounds the sharing list of a single document.
const MaxSharingList = 64

var (
	documentsBucket  = []byte("documents")
	principalsBucket = []byte("principals")
)

// Category is the closed set of document categories.
type Category string

const (
	CategoryContract          Category = "contract"
	CategorySalarySlip        Category = "salary_slip"
	CategoryIDDocument        Category = "id_document"
	CategoryCertificate       Category = "certificate"
	CategoryPerformanceReview Category = "performance_review"
	CategoryOther             Category = "other"
)

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryContract, CategorySalarySlip, CategoryIDDocument,
		CategoryCertificate, CategoryPerformanceReview, CategoryOther:
		return true
	}
	return false
}

// DocumentRecord is the metadata row for one stored document. The
// ciphertext itself lives in the blob store under BlobKey; the envelope
// carried here holds the wrapped DEK, nonce, tag, and algorithm with
// EncryptedData left empty.
type DocumentRecord struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	ContentType  string           `json:"contentType"`
	Category     Category         `json:"category"`
	Size         int64            `json:"size"`
	ContentHash  string           `json:"contentHash"`
	OwnerID      string           `json:"ownerId"`
	EmployeeID   string           `json:"employeeId"`
	BlobKey      string           `json:"blobKey"`
	Envelope     *crypto.Envelope `json:"envelope"`
	Version      uint64           `json:"version"`
	Deleted      bool             `json:"deleted"`
	DeletedAt    *time.Time       `json:"deletedAt,omitempty"`
	DeletedBy    string           `json:"deletedBy,omitempty"`
	DeleteReason string           `json:"deleteReason,omitempty"`
	AccessCount  int64            `json:"accessCount"`
	LastAccess   *time.Time       `json:"lastAccessedAt,omitempty"`
	SharingList  []string         `json:"sharingList,omitempty"`
	CreatedAt    time.Time        `json:"createdAt"`
	UpdatedAt    time.Time        `json:"updatedAt"`
}

// PrincipalRecord mirrors one principal from the identity source for
// authorization lookups. Principals are deactivated, never hard-deleted,
// to preserve audit referential integrity.
type PrincipalRecord struct {
	ID         string     `json:"id"`
	Email      string     `json:"email,omitempty"`
	Role       string     `json:"role"`
	EmployeeID string     `json:"employeeId,omitempty"`
	Active     bool       `json:"active"`
	DisabledAt *time.Time `json:"disabledAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// Store wraps a bbolt database holding documents and mirrored principals.
type Store struct {
	db *bbolt.DB
}

// New opens the metadata store over an existing bbolt database, creating
// its buckets if needed.
func New(db *bbolt.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("store: database is required")
	}
	err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{documentsBucket, principalsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: failed to create buckets: %w", err)
	}
	return &Store{db: db}, nil
}

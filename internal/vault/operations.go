package vault

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/kenneth/docvault/internal/access"
	"github.com/kenneth/docvault/internal/audit"
	"github.com/kenneth/docvault/internal/blob"
	"github.com/kenneth/docvault/internal/crypto"
	"github.com/kenneth/docvault/internal/store"
	"github.com/kenneth/docvault/internal/token"
)

// UploadRequest describes one document to store.
type UploadRequest struct {
	Name        string
	ContentType string
	Category    store.Category
	EmployeeID  string
	Data        []byte
}

// Upload encrypts and stores a document on behalf of an employee. The
// caller must hold the upload permission; employees never upload, even
// their own records.
func (s *Service) Upload(ctx context.Context, p access.Principal, req UploadRequest, meta RequestMeta) (*store.DocumentRecord, error) {
	corrID := meta.correlationID()
	ctx, span := s.tracer.Start(ctx, "vault.Upload")
	defer span.End()
	start := time.Now()

	if err := s.validateUpload(req, corrID); err != nil {
		return nil, err
	}

	decision := access.Decide(p, access.Resource{EmployeeID: req.EmployeeID}, access.ActionUpload)
	if !decision.Allow {
		s.auditDenial(ctx, p, nil, access.ActionUpload, decision, meta)
		return nil, denialError(decision, corrID)
	}

	docID := uuid.NewString()
	fail := func(msg string) {
		e := s.event(audit.KindUpload, p, documentRef(docID), audit.Outcome{Success: false, ErrorMessage: msg, DurationMs: durationMs(start)}, meta)
		s.append(ctx, e)
		s.metrics.RecordVaultOperation("upload", false, time.Since(start), 0)
	}

	// The document id binds the ciphertext to this record as AAD, so an
	// envelope swapped between records fails authentication.
	envelope, dek, err := s.cipher.Encrypt(req.Data, []byte(docID))
	if err != nil {
		fail("encryption failed")
		return nil, newError(KindStorageFailure, corrID, "encryption failed", err)
	}

	wrapStart := time.Now()
	wrapped, err := s.keys.Wrap(ctx, dek)
	crypto.ZeroBytes(dek)
	s.metrics.RecordKMSOperation("wrap", err == nil, time.Since(wrapStart))
	if err != nil {
		fail("key wrap failed")
		return nil, s.mapKeyError(err, corrID)
	}
	envelope.EncryptedDEK = wrapped
	envelope.KeyID = s.keys.KeyID()

	// Ciphertext goes to the blob store; the metadata row keeps the rest
	// of the envelope as a sidecar.
	ciphertext := envelope.EncryptedData
	envelope.EncryptedData = nil
	blobKey := uuid.NewString()

	s.metrics.RecordBlobOperation("put")
	if err := s.blobs.Put(ctx, blobKey, ciphertext); err != nil {
		s.metrics.RecordBlobError("put", "put_failed")
		fail("blob store write failed")
		return nil, newError(KindStorageFailure, corrID, "failed to store ciphertext", err)
	}

	rec := &store.DocumentRecord{
		ID:          docID,
		Name:        req.Name,
		ContentType: req.ContentType,
		Category:    req.Category,
		Size:        int64(len(req.Data)),
		ContentHash: crypto.Hash(req.Data),
		OwnerID:     p.ID,
		EmployeeID:  req.EmployeeID,
		BlobKey:     blobKey,
		Envelope:    envelope,
	}
	if err := s.store.Create(ctx, rec); err != nil {
		if derr := s.blobs.Delete(ctx, blobKey); derr != nil {
			s.logger.WithError(derr).WithField("blob_key", blobKey).Warn("failed to remove orphaned ciphertext")
		}
		fail("metadata write failed")
		return nil, newError(KindStorageFailure, corrID, "failed to store document metadata", err)
	}

	e := s.event(audit.KindUpload, p, documentRef(docID), audit.Outcome{Success: true, DurationMs: durationMs(start)}, meta)
	e.Metadata = map[string]string{"category": string(req.Category), "content_type": req.ContentType}
	s.append(ctx, e)
	s.metrics.RecordVaultOperation("upload", true, time.Since(start), rec.Size)
	return rec, nil
}

func (s *Service) validateUpload(req UploadRequest, corrID string) error {
	switch {
	case req.Name == "":
		return newError(KindValidation, corrID, "document name is required", nil)
	case req.EmployeeID == "":
		return newError(KindValidation, corrID, "employee id is required", nil)
	case len(req.Data) == 0:
		return newError(KindValidation, corrID, "document is empty", nil)
	case int64(len(req.Data)) > s.maxObjectSize:
		return newError(KindValidation, corrID, fmt.Sprintf("document exceeds %d byte limit", s.maxObjectSize), nil)
	case !req.Category.Valid():
		return newError(KindValidation, corrID, fmt.Sprintf("unknown category %q", req.Category), nil)
	}
	if _, ok := s.allowedTypes[req.ContentType]; !ok {
		return newError(KindValidation, corrID, fmt.Sprintf("content type %q is not allowed", req.ContentType), nil)
	}
	return nil
}

// DownloadResult carries the decrypted document and its metadata.
type DownloadResult struct {
	Record    *store.DocumentRecord
	Plaintext []byte
}

// Download decrypts a document for an authorized principal. The plaintext
// hash is re-checked against the value recorded at upload, so storage
// corruption surfaces as an integrity failure rather than silent damage.
func (s *Service) Download(ctx context.Context, p access.Principal, documentID string, meta RequestMeta) (*DownloadResult, error) {
	corrID := meta.correlationID()
	ctx, span := s.tracer.Start(ctx, "vault.Download")
	defer span.End()
	start := time.Now()

	rec, err := s.getRecord(ctx, documentID, corrID)
	if err != nil {
		return nil, err
	}

	decision := access.Decide(p, resourceOf(rec), access.ActionDownload)
	if !decision.Allow {
		s.auditDenial(ctx, p, documentRef(documentID), access.ActionDownload, decision, meta)
		return nil, denialError(decision, corrID)
	}

	return s.serveDownload(ctx, p, rec, meta, corrID, start)
}

// serveDownload runs the decrypt pipeline for an already-authorized
// download.
func (s *Service) serveDownload(ctx context.Context, p access.Principal, rec *store.DocumentRecord, meta RequestMeta, corrID string, start time.Time) (*DownloadResult, error) {
	documentID := rec.ID
	fail := func(msg string) {
		e := s.event(audit.KindDownload, p, documentRef(documentID), audit.Outcome{Success: false, ErrorMessage: msg, DurationMs: durationMs(start)}, meta)
		s.append(ctx, e)
		s.metrics.RecordVaultOperation("download", false, time.Since(start), 0)
	}
	integrityFail := func(msg string) {
		e := s.event(audit.KindIntegrityFailure, p, documentRef(documentID), audit.Outcome{Success: false, ErrorMessage: msg, DurationMs: durationMs(start)}, meta)
		s.append(ctx, e)
		s.metrics.RecordVaultOperation("download", false, time.Since(start), 0)
	}

	s.metrics.RecordBlobOperation("get")
	ciphertext, err := s.blobs.Get(ctx, rec.BlobKey)
	if err != nil {
		s.metrics.RecordBlobError("get", "get_failed")
		if errors.Is(err, blob.ErrNotFound) {
			// Metadata without ciphertext is a corruption signal, not a 404.
			integrityFail("ciphertext missing from blob store")
			return nil, newError(KindIntegrityFailure, corrID, "stored ciphertext is missing", err)
		}
		fail("blob store read failed")
		return nil, newError(KindStorageFailure, corrID, "failed to read ciphertext", err)
	}

	if rec.Envelope == nil {
		integrityFail("envelope missing from metadata")
		return nil, newError(KindIntegrityFailure, corrID, "stored envelope is missing", nil)
	}
	envelope := *rec.Envelope
	envelope.EncryptedData = ciphertext

	unwrapStart := time.Now()
	dek, err := s.keys.Unwrap(ctx, envelope.EncryptedDEK)
	s.metrics.RecordKMSOperation("unwrap", err == nil, time.Since(unwrapStart))
	if err != nil {
		fail("key unwrap failed")
		return nil, s.mapKeyError(err, corrID)
	}

	plaintext, err := s.cipher.Decrypt(&envelope, dek, []byte(rec.ID))
	crypto.ZeroBytes(dek)
	if err != nil {
		if errors.Is(err, crypto.ErrIntegrityFailure) {
			integrityFail("authentication tag mismatch")
			return nil, newError(KindIntegrityFailure, corrID, "document failed integrity verification", err)
		}
		fail("decryption failed")
		return nil, newError(KindStorageFailure, corrID, "decryption failed", err)
	}

	if crypto.Hash(plaintext) != rec.ContentHash {
		crypto.ZeroBytes(plaintext)
		integrityFail("content hash mismatch")
		return nil, newError(KindIntegrityFailure, corrID, "document failed integrity verification", nil)
	}

	// A cancelled caller gets no plaintext and no success record; the
	// partially-served download is recorded as a failure.
	if ctx.Err() != nil {
		crypto.ZeroBytes(plaintext)
		fail("request cancelled")
		return nil, ctx.Err()
	}

	if err := s.store.RecordAccess(ctx, rec.ID); err != nil {
		// Counters are statistical; losing an increment is not worth
		// failing the download.
		s.logger.WithError(err).WithField("document_id", rec.ID).Warn("failed to record access")
	}

	e := s.event(audit.KindDownload, p, documentRef(documentID), audit.Outcome{Success: true, DurationMs: durationMs(start)}, meta)
	s.append(ctx, e)
	s.metrics.RecordVaultOperation("download", true, time.Since(start), rec.Size)
	return &DownloadResult{Record: rec, Plaintext: plaintext}, nil
}

// Delete soft-deletes a document. The metadata row survives for audit
// continuity; the ciphertext is removed from the blob store.
func (s *Service) Delete(ctx context.Context, p access.Principal, documentID, reason string, meta RequestMeta) error {
	corrID := meta.correlationID()
	ctx, span := s.tracer.Start(ctx, "vault.Delete")
	defer span.End()
	start := time.Now()

	rec, err := s.getRecord(ctx, documentID, corrID)
	if err != nil {
		return err
	}

	decision := access.Decide(p, resourceOf(rec), access.ActionDelete)
	if !decision.Allow {
		s.auditDenial(ctx, p, documentRef(documentID), access.ActionDelete, decision, meta)
		return denialError(decision, corrID)
	}

	err = s.retryMutation(ctx, documentID, corrID, func(version uint64) error {
		return s.store.SoftDelete(ctx, documentID, p.ID, reason, version)
	}, rec.Version)
	if err != nil {
		e := s.event(audit.KindDelete, p, documentRef(documentID), audit.Outcome{Success: false, ErrorMessage: "soft delete failed", DurationMs: durationMs(start)}, meta)
		s.append(ctx, e)
		s.metrics.RecordVaultOperation("delete", false, time.Since(start), 0)
		return err
	}

	s.metrics.RecordBlobOperation("delete")
	if err := s.blobs.Delete(ctx, rec.BlobKey); err != nil && !errors.Is(err, blob.ErrNotFound) {
		s.metrics.RecordBlobError("delete", "delete_failed")
		s.logger.WithError(err).WithField("blob_key", rec.BlobKey).Warn("failed to delete ciphertext for soft-deleted document")
	}

	e := s.event(audit.KindDelete, p, documentRef(documentID), audit.Outcome{Success: true, DurationMs: durationMs(start)}, meta)
	e.Metadata = map[string]string{"reason": reason}
	s.append(ctx, e)
	s.metrics.RecordVaultOperation("delete", true, time.Since(start), 0)
	return nil
}

// Share grants read access to additional principals.
func (s *Service) Share(ctx context.Context, p access.Principal, documentID string, principalIDs []string, meta RequestMeta) error {
	corrID := meta.correlationID()
	ctx, span := s.tracer.Start(ctx, "vault.Share")
	defer span.End()
	start := time.Now()

	if len(principalIDs) == 0 {
		return newError(KindValidation, corrID, "no principals to share with", nil)
	}

	rec, err := s.getRecord(ctx, documentID, corrID)
	if err != nil {
		return err
	}

	decision := access.Decide(p, resourceOf(rec), access.ActionShare)
	if !decision.Allow {
		s.auditDenial(ctx, p, documentRef(documentID), access.ActionShare, decision, meta)
		return denialError(decision, corrID)
	}

	err = s.retryMutation(ctx, documentID, corrID, func(version uint64) error {
		return s.store.Share(ctx, documentID, principalIDs, version)
	}, rec.Version)
	if err != nil {
		var verr *Error
		if errors.As(err, &verr) && verr.Kind == KindValidation {
			return err
		}
		e := s.event(audit.KindShare, p, documentRef(documentID), audit.Outcome{Success: false, ErrorMessage: "share failed", DurationMs: durationMs(start)}, meta)
		s.append(ctx, e)
		s.metrics.RecordVaultOperation("share", false, time.Since(start), 0)
		return err
	}

	e := s.event(audit.KindShare, p, documentRef(documentID), audit.Outcome{Success: true, DurationMs: durationMs(start)}, meta)
	e.Metadata = map[string]string{"principals": strconv.Itoa(len(principalIDs))}
	s.append(ctx, e)
	s.metrics.RecordVaultOperation("share", true, time.Since(start), 0)
	return nil
}

// List returns the documents visible to p. Only denials are audited;
// successful listings are high-volume and carry no per-document access.
func (s *Service) List(ctx context.Context, p access.Principal, filter store.ListFilter, meta RequestMeta) ([]store.DocumentRecord, error) {
	corrID := meta.correlationID()
	ctx, span := s.tracer.Start(ctx, "vault.List")
	defer span.End()

	decision := access.Decide(p, access.Resource{EmployeeID: p.EmployeeID}, access.ActionList)
	if !decision.Allow {
		s.auditDenial(ctx, p, nil, access.ActionList, decision, meta)
		return nil, denialError(decision, corrID)
	}

	records, err := s.store.ListForPrincipal(ctx, p, filter)
	if err != nil {
		return nil, newError(KindStorageFailure, corrID, "failed to list documents", err)
	}
	return records, nil
}

// IssueToken creates a signed access token for one document and one
// action, authorized by the full evaluator at issue time.
func (s *Service) IssueToken(ctx context.Context, p access.Principal, documentID string, action access.Action, ttl time.Duration, meta RequestMeta) (string, time.Time, error) {
	corrID := meta.correlationID()
	ctx, span := s.tracer.Start(ctx, "vault.IssueToken")
	defer span.End()

	rec, err := s.getRecord(ctx, documentID, corrID)
	if err != nil {
		return "", time.Time{}, err
	}

	decision := access.Decide(p, resourceOf(rec), action)
	if !decision.Allow {
		s.auditDenial(ctx, p, documentRef(documentID), action, decision, meta)
		return "", time.Time{}, denialError(decision, corrID)
	}

	signed, expiresAt, err := s.tokens.Issue(documentID, p, action, ttl)
	if err != nil {
		return "", time.Time{}, newError(KindValidation, corrID, "token issuance failed", err)
	}

	e := s.event(audit.KindTokenIssued, p, documentRef(documentID), audit.Outcome{Success: true}, meta)
	e.Metadata = map[string]string{
		"action":     string(action),
		"expires_at": expiresAt.Format(time.RFC3339),
	}
	s.append(ctx, e)
	s.metrics.RecordTokenIssued()
	return signed, expiresAt, nil
}

// VerifyToken checks a signed access token and returns its grant. Used by
// the gateway so a token download skips the evaluator by design.
func (s *Service) VerifyToken(tokenString string) (*token.Grant, error) {
	grant, err := s.tokens.Verify(tokenString)
	if err != nil {
		if errors.Is(err, token.ErrExpired) {
			return nil, newError(KindAccessDenied, "", "token expired", err)
		}
		return nil, newError(KindAccessDenied, "", "token invalid", err)
	}
	return grant, nil
}

// DownloadWithGrant serves a token-authorized download. The grant replaces
// the evaluator decision, which already ran at issue time; everything else
// matches Download. Soft deletion after issuance still wins.
func (s *Service) DownloadWithGrant(ctx context.Context, grant *token.Grant, meta RequestMeta) (*DownloadResult, error) {
	corrID := meta.correlationID()
	ctx, span := s.tracer.Start(ctx, "vault.DownloadWithGrant")
	defer span.End()
	start := time.Now()

	if grant.Action != access.ActionDownload {
		return nil, newError(KindAccessDenied, corrID, "token does not grant download", nil)
	}
	rec, err := s.getRecord(ctx, grant.ResourceID, corrID)
	if err != nil {
		return nil, err
	}
	if rec.Deleted {
		return nil, newError(KindNotFound, corrID, "document not found", nil)
	}

	bearer := access.Principal{ID: grant.PrincipalID, Active: true}
	return s.serveDownload(ctx, bearer, rec, meta, corrID, start)
}

// getRecord loads a document, translating store errors to the caller
// taxonomy.
func (s *Service) getRecord(ctx context.Context, documentID, corrID string) (*store.DocumentRecord, error) {
	if documentID == "" {
		return nil, newError(KindValidation, corrID, "document id is required", nil)
	}
	rec, err := s.store.Get(ctx, documentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, newError(KindNotFound, corrID, "document not found", err)
		}
		return nil, newError(KindStorageFailure, corrID, "failed to load document metadata", err)
	}
	return rec, nil
}

// retryMutation reruns an optimistic mutation, re-reading the version on
// conflict, before surfacing the conflict to the caller.
func (s *Service) retryMutation(ctx context.Context, documentID, corrID string, fn func(version uint64) error, version uint64) error {
	for attempt := 0; attempt < mutationRetries; attempt++ {
		err := fn(version)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, store.ErrVersionConflict):
			rec, gerr := s.store.Get(ctx, documentID)
			if gerr != nil {
				return newError(KindStorageFailure, corrID, "failed to reload document after version conflict", gerr)
			}
			version = rec.Version
		case errors.Is(err, store.ErrDeleted):
			return newError(KindNotFound, corrID, "document not found", err)
		case errors.Is(err, store.ErrSharingLimit):
			return newError(KindValidation, corrID, "sharing list limit exceeded", err)
		default:
			return newError(KindStorageFailure, corrID, "document mutation failed", err)
		}
	}
	return newError(KindStorageFailure, corrID, "document mutation kept conflicting, try again", store.ErrVersionConflict)
}

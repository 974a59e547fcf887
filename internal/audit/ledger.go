package audit

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.etcd.io/bbolt"
)

// FallbackEventID is returned by Append when the ledger could not persist
// the event and degraded to a process-log emission. It is never a real
// event id, so callers can distinguish degraded appends without handling
// an error.
const FallbackEventID = "audit-fallback"

// ErrRetentionBelowFloor rejects a cleanup request shorter than the
// compliance floor before any deletion happens.
var ErrRetentionBelowFloor = errors.New("audit: retention below compliance floor")

var eventsBucket = []byte("audit_events")

const (
	defaultComplianceFloorDays = 365
	defaultCleanupBatchSize    = 500
	defaultQueryLimit          = 100
	maxQueryLimit              = 1000
)

// Sink receives mirrored security-relevant events for near-real-time
// alerting. Sinks must be fast; a slow sink delays the caller's response.
type Sink interface {
	Mirror(event *Event) error
}

// Options configures a Ledger.
type Options struct {
	// Logger receives fallback emissions and sink failures. Required.
	Logger *logrus.Logger
	// Sinks receive mirrored copies of security-relevant events.
	Sinks []Sink
	// ComplianceFloorDays is the minimum retention Cleanup accepts.
	// Defaults to 365.
	ComplianceFloorDays int
	// CleanupBatchSize bounds deletions per transaction. Defaults to 500.
	CleanupBatchSize int
}

// Ledger is the append-only audit store. Safe for concurrent use; bbolt
// serializes writers and allows concurrent readers.
type Ledger struct {
	db        *bbolt.DB
	logger    *logrus.Logger
	sinks     []Sink
	floorDays atomic.Int64
	batchSize int
}

// NewLedger opens the audit ledger over an existing bbolt database,
// creating its bucket if needed.
func NewLedger(db *bbolt.DB, opts Options) (*Ledger, error) {
	if db == nil {
		return nil, errors.New("audit: database is required")
	}
	if opts.Logger == nil {
		return nil, errors.New("audit: logger is required")
	}
	if opts.ComplianceFloorDays <= 0 {
		opts.ComplianceFloorDays = defaultComplianceFloorDays
	}
	if opts.CleanupBatchSize <= 0 {
		opts.CleanupBatchSize = defaultCleanupBatchSize
	}

	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(eventsBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("audit: failed to create events bucket: %w", err)
	}

	l := &Ledger{
		db:        db,
		logger:    opts.Logger,
		sinks:     opts.Sinks,
		batchSize: opts.CleanupBatchSize,
	}
	l.floorDays.Store(int64(opts.ComplianceFloorDays))
	return l, nil
}

// SetComplianceFloor updates the minimum retention Cleanup accepts. Used
// by config reload; non-positive values are ignored. Safe to call while
// a cleanup is running.
func (l *Ledger) SetComplianceFloor(days int) {
	if days <= 0 {
		return
	}
	l.floorDays.Store(int64(days))
}

// Append persists one event and returns its id. Append never fails the
// caller: on storage failure the event is emitted to the process log and
// FallbackEventID is returned, so audit unavailability cannot block
// business operations while remaining visible to operators.
func (l *Ledger) Append(ctx context.Context, event *Event) string {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	payload, err := json.Marshal(event)
	if err == nil {
		err = l.db.Update(func(tx *bbolt.Tx) error {
			b := tx.Bucket(eventsBucket)
			seq, serr := b.NextSequence()
			if serr != nil {
				return serr
			}
			return b.Put(seqKey(seq), payload)
		})
	}
	if err != nil {
		entry := l.logger.WithFields(logrus.Fields{
			"event_id":   event.ID,
			"event_type": event.Kind,
			"user_id":    event.User.ID,
			"success":    event.Action.Success,
		}).WithError(err)
		if event.Kind.securityRelevant() {
			entry.Warn("audit append failed for security-relevant event, falling back to process log")
		} else {
			entry.Error("audit append failed, falling back to process log")
		}
		return FallbackEventID
	}

	if event.Kind.securityRelevant() {
		for _, sink := range l.sinks {
			if serr := sink.Mirror(event); serr != nil {
				l.logger.WithError(serr).WithField("event_id", event.ID).Warn("audit sink mirror failed")
			}
		}
	}
	return event.ID
}

// Filter selects events for Query and Export. Zero fields match everything.
type Filter struct {
	PrincipalID string
	Kind        Kind
	ResourceID  string
	From        time.Time
	To          time.Time
	// Success filters by outcome when non-nil.
	Success *bool
}

func (f Filter) matches(e *Event) bool {
	if f.PrincipalID != "" && e.User.ID != f.PrincipalID {
		return false
	}
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if f.ResourceID != "" && (e.Resource == nil || e.Resource.ID != f.ResourceID) {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Timestamp.After(f.To) {
		return false
	}
	if f.Success != nil && e.Action.Success != *f.Success {
		return false
	}
	return true
}

// Page bounds a Query result.
type Page struct {
	Limit  int
	Offset int
}

// Query returns matching events ordered by time descending. Limit defaults
// to 100 and is capped at 1000.
func (l *Ledger) Query(filter Filter, page Page) ([]Event, error) {
	if page.Limit <= 0 {
		page.Limit = defaultQueryLimit
	}
	if page.Limit > maxQueryLimit {
		page.Limit = maxQueryLimit
	}
	if page.Offset < 0 {
		page.Offset = 0
	}

	var out []Event
	err := l.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(eventsBucket).Cursor()
		skipped := 0
		// Sequence order is append order, which is the canonical audit
		// order; walking backwards yields newest first.
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var e Event
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("audit: corrupt event at seq %d: %w", seqFromKey(k), err)
			}
			if !filter.matches(&e) {
				continue
			}
			if skipped < page.Offset {
				skipped++
				continue
			}
			out = append(out, e)
			if len(out) >= page.Limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Stats aggregates ledger activity over a time range.
type Stats struct {
	Total          int            `json:"total"`
	ByKind         map[Kind]int   `json:"byKind"`
	ByPrincipal    map[string]int `json:"byPrincipal"`
	Succeeded      int            `json:"succeeded"`
	Failed         int            `json:"failed"`
	ResourceAccess map[string]int `json:"resourceAccess"`
}

// Statistics computes aggregate counts for events within [from, to]. Zero
// bounds are open.
func (l *Ledger) Statistics(from, to time.Time) (*Stats, error) {
	stats := &Stats{
		ByKind:         make(map[Kind]int),
		ByPrincipal:    make(map[string]int),
		ResourceAccess: make(map[string]int),
	}
	filter := Filter{From: from, To: to}

	err := l.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(eventsBucket).ForEach(func(k, v []byte) error {
			var e Event
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("audit: corrupt event at seq %d: %w", seqFromKey(k), err)
			}
			if !filter.matches(&e) {
				return nil
			}
			stats.Total++
			stats.ByKind[e.Kind]++
			if e.User.ID != "" {
				stats.ByPrincipal[e.User.ID]++
			}
			if e.Action.Success {
				stats.Succeeded++
			} else {
				stats.Failed++
			}
			if e.Resource != nil && (e.Kind == KindDownload || e.Kind == KindUpload) {
				stats.ResourceAccess[e.Resource.ID]++
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// Cleanup deletes events strictly older than retentionDays and returns the
// count removed. Deletion proceeds in bounded batches so a large backlog
// never holds one long write transaction. Requests below the compliance
// floor are rejected with ErrRetentionBelowFloor before any deletion.
func (l *Ledger) Cleanup(ctx context.Context, retentionDays int) (int, error) {
	if floor := int(l.floorDays.Load()); retentionDays < floor {
		return 0, fmt.Errorf("%w: requested %d days, floor is %d", ErrRetentionBelowFloor, retentionDays, floor)
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)

	deleted := 0
	for {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		removed := 0
		err := l.db.Update(func(tx *bbolt.Tx) error {
			b := tx.Bucket(eventsBucket)
			c := b.Cursor()
			var stale [][]byte
			for k, v := c.First(); k != nil && len(stale) < l.batchSize; k, v = c.Next() {
				var e Event
				if err := json.Unmarshal(v, &e); err != nil {
					return fmt.Errorf("audit: corrupt event at seq %d: %w", seqFromKey(k), err)
				}
				// Age is the only deletion criterion.
				if e.Timestamp.Before(cutoff) {
					stale = append(stale, append([]byte(nil), k...))
				}
			}
			for _, k := range stale {
				if err := b.Delete(k); err != nil {
					return err
				}
			}
			removed = len(stale)
			return nil
		})
		if err != nil {
			return deleted, err
		}
		deleted += removed
		if removed < l.batchSize {
			return deleted, nil
		}
	}
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

func seqFromKey(k []byte) uint64 {
	if len(k) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(k)
}

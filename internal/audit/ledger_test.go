package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"go.etcd.io/bbolt"
)

type memSink struct {
	events []*Event
}

func (s *memSink) Mirror(e *Event) error {
	s.events = append(s.events, e)
	return nil
}

func newTestDB(t *testing.T) *bbolt.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.db")
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		t.Fatalf("could not open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestLedger(t *testing.T, opts Options) *Ledger {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = logrus.New()
		opts.Logger.SetOutput(io.Discard)
	}
	l, err := NewLedger(newTestDB(t), opts)
	if err != nil {
		t.Fatalf("NewLedger() error: %v", err)
	}
	return l
}

func uploadEvent(principal, resource string, success bool) *Event {
	return &Event{
		Kind:     KindUpload,
		User:     Actor{ID: principal, Role: "hr"},
		Resource: &ResourceRef{Type: "document", ID: resource},
		Action:   Outcome{Success: success},
	}
}

func TestAppend_AssignsIDAndPersists(t *testing.T) {
	l := newTestLedger(t, Options{})

	id := l.Append(context.Background(), uploadEvent("u-hr", "d-1", true))
	if id == "" || id == FallbackEventID {
		t.Fatalf("Append() id = %q, want a real event id", id)
	}

	events, err := l.Query(Filter{}, Page{})
	if err != nil {
		t.Fatalf("Query() error: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("Query() returned %d events, want 1", len(events))
	}
	if events[0].ID != id {
		t.Errorf("stored id = %s, want %s", events[0].ID, id)
	}
	if events[0].Timestamp.IsZero() {
		t.Error("Append() did not assign a timestamp")
	}
}

func TestAppend_FallsBackOnStorageFailure(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.JSONFormatter{})

	db := newTestDB(t)
	l, err := NewLedger(db, Options{Logger: logger})
	if err != nil {
		t.Fatal(err)
	}
	db.Close()

	e := &Event{Kind: KindAccessDenied, User: Actor{ID: "u-e2"}}
	if id := l.Append(context.Background(), e); id != FallbackEventID {
		t.Errorf("Append() on closed db = %q, want %q", id, FallbackEventID)
	}
	if !strings.Contains(buf.String(), "falling back to process log") {
		t.Error("fallback emission missing from process log")
	}
	if !strings.Contains(buf.String(), `"level":"warning"`) {
		t.Error("security-relevant append failure should log at warn level")
	}
}

func TestAppend_MirrorsSecurityRelevantKinds(t *testing.T) {
	sink := &memSink{}
	l := newTestLedger(t, Options{Sinks: []Sink{sink}})

	l.Append(context.Background(), uploadEvent("u-hr", "d-1", true))
	l.Append(context.Background(), &Event{Kind: KindDelete, User: Actor{ID: "u-hr"}})
	l.Append(context.Background(), &Event{Kind: KindAccessDenied, User: Actor{ID: "u-e2"}})
	l.Append(context.Background(), &Event{Kind: KindRoleChange, User: Actor{ID: "u-admin"}})

	if len(sink.events) != 3 {
		t.Fatalf("sink received %d events, want 3", len(sink.events))
	}
	for _, e := range sink.events {
		if e.Kind == KindUpload {
			t.Error("upload event should not be mirrored")
		}
	}
}

func TestQuery_FiltersAndOrdering(t *testing.T) {
	l := newTestLedger(t, Options{})
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.Append(ctx, &Event{Kind: KindUpload, Timestamp: base, User: Actor{ID: "u-hr"}, Resource: &ResourceRef{Type: "document", ID: "d-1"}, Action: Outcome{Success: true}})
	l.Append(ctx, &Event{Kind: KindDownload, Timestamp: base.Add(time.Minute), User: Actor{ID: "u-e1"}, Resource: &ResourceRef{Type: "document", ID: "d-1"}, Action: Outcome{Success: true}})
	l.Append(ctx, &Event{Kind: KindAccessDenied, Timestamp: base.Add(2 * time.Minute), User: Actor{ID: "u-e2"}, Resource: &ResourceRef{Type: "document", ID: "d-1"}, Action: Outcome{Success: false, ErrorMessage: "not_own_resource"}})
	l.Append(ctx, &Event{Kind: KindDownload, Timestamp: base.Add(3 * time.Minute), User: Actor{ID: "u-e1"}, Resource: &ResourceRef{Type: "document", ID: "d-2"}, Action: Outcome{Success: true}})

	t.Run("newest first", func(t *testing.T) {
		events, err := l.Query(Filter{}, Page{})
		if err != nil {
			t.Fatal(err)
		}
		if len(events) != 4 {
			t.Fatalf("got %d events, want 4", len(events))
		}
		for i := 1; i < len(events); i++ {
			if events[i].Timestamp.After(events[i-1].Timestamp) {
				t.Fatal("events not ordered time descending")
			}
		}
	})

	t.Run("by principal", func(t *testing.T) {
		events, err := l.Query(Filter{PrincipalID: "u-e1"}, Page{})
		if err != nil {
			t.Fatal(err)
		}
		if len(events) != 2 {
			t.Errorf("got %d events for u-e1, want 2", len(events))
		}
	})

	t.Run("by kind", func(t *testing.T) {
		events, err := l.Query(Filter{Kind: KindAccessDenied}, Page{})
		if err != nil {
			t.Fatal(err)
		}
		if len(events) != 1 || events[0].User.ID != "u-e2" {
			t.Errorf("access-denied filter returned %+v", events)
		}
	})

	t.Run("by resource", func(t *testing.T) {
		events, err := l.Query(Filter{ResourceID: "d-2"}, Page{})
		if err != nil {
			t.Fatal(err)
		}
		if len(events) != 1 {
			t.Errorf("got %d events for d-2, want 1", len(events))
		}
	})

	t.Run("by outcome", func(t *testing.T) {
		failed := false
		events, err := l.Query(Filter{Success: &failed}, Page{})
		if err != nil {
			t.Fatal(err)
		}
		if len(events) != 1 || events[0].Kind != KindAccessDenied {
			t.Errorf("failure filter returned %+v", events)
		}
	})

	t.Run("time range", func(t *testing.T) {
		events, err := l.Query(Filter{From: base.Add(time.Minute), To: base.Add(2 * time.Minute)}, Page{})
		if err != nil {
			t.Fatal(err)
		}
		if len(events) != 2 {
			t.Errorf("got %d events in range, want 2", len(events))
		}
	})
}

func TestQuery_Pagination(t *testing.T) {
	l := newTestLedger(t, Options{})
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		l.Append(ctx, uploadEvent("u-hr", "d-1", true))
	}

	first, err := l.Query(Filter{}, Page{Limit: 4})
	if err != nil {
		t.Fatal(err)
	}
	second, err := l.Query(Filter{}, Page{Limit: 4, Offset: 4})
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 4 || len(second) != 4 {
		t.Fatalf("page sizes = %d, %d, want 4, 4", len(first), len(second))
	}
	if first[0].ID == second[0].ID {
		t.Error("offset page repeats events")
	}
}

func TestStatistics(t *testing.T) {
	l := newTestLedger(t, Options{})
	ctx := context.Background()

	l.Append(ctx, uploadEvent("u-hr", "d-1", true))
	l.Append(ctx, &Event{Kind: KindDownload, User: Actor{ID: "u-e1"}, Resource: &ResourceRef{Type: "document", ID: "d-1"}, Action: Outcome{Success: true}})
	l.Append(ctx, &Event{Kind: KindDownload, User: Actor{ID: "u-e1"}, Resource: &ResourceRef{Type: "document", ID: "d-1"}, Action: Outcome{Success: true}})
	l.Append(ctx, &Event{Kind: KindAccessDenied, User: Actor{ID: "u-e2"}, Resource: &ResourceRef{Type: "document", ID: "d-1"}, Action: Outcome{Success: false}})

	stats, err := l.Statistics(time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("Statistics() error: %v", err)
	}
	if stats.Total != 4 {
		t.Errorf("Total = %d, want 4", stats.Total)
	}
	if stats.ByKind[KindDownload] != 2 {
		t.Errorf("ByKind[download] = %d, want 2", stats.ByKind[KindDownload])
	}
	if stats.ByPrincipal["u-e1"] != 2 {
		t.Errorf("ByPrincipal[u-e1] = %d, want 2", stats.ByPrincipal["u-e1"])
	}
	if stats.Succeeded != 3 || stats.Failed != 1 {
		t.Errorf("success/failure = %d/%d, want 3/1", stats.Succeeded, stats.Failed)
	}
	if stats.ResourceAccess["d-1"] != 3 {
		t.Errorf("ResourceAccess[d-1] = %d, want 3", stats.ResourceAccess["d-1"])
	}
}

func TestExport(t *testing.T) {
	l := newTestLedger(t, Options{})
	ctx := context.Background()
	l.Append(ctx, uploadEvent("u-hr", "d-1", true))
	l.Append(ctx, &Event{Kind: KindAccessDenied, User: Actor{ID: "u-e2"}, Action: Outcome{Success: false, ErrorMessage: "not_own_resource"}})

	t.Run("csv", func(t *testing.T) {
		out, err := l.Export(Filter{}, FormatCSV)
		if err != nil {
			t.Fatalf("Export(csv) error: %v", err)
		}
		lines := strings.Split(strings.TrimSpace(string(out)), "\n")
		if len(lines) != 3 {
			t.Fatalf("csv has %d lines, want header + 2 rows", len(lines))
		}
		if !strings.HasPrefix(lines[0], "id,eventType,timestamp") {
			t.Errorf("unexpected csv header: %s", lines[0])
		}
	})

	t.Run("json", func(t *testing.T) {
		out, err := l.Export(Filter{}, FormatJSON)
		if err != nil {
			t.Fatalf("Export(json) error: %v", err)
		}
		var events []Event
		if err := json.Unmarshal(out, &events); err != nil {
			t.Fatalf("export is not valid json: %v", err)
		}
		if len(events) != 2 {
			t.Errorf("json export has %d events, want 2", len(events))
		}
	})

	t.Run("unknown format", func(t *testing.T) {
		if _, err := l.Export(Filter{}, "xml"); err == nil {
			t.Error("Export(xml) expected error")
		}
	})
}

func TestCleanup_BelowFloorRejected(t *testing.T) {
	l := newTestLedger(t, Options{})
	l.Append(context.Background(), uploadEvent("u-hr", "d-1", true))

	if _, err := l.Cleanup(context.Background(), 30); err == nil {
		t.Fatal("Cleanup(30) with 365-day floor: expected RetentionViolation")
	}
	events, err := l.Query(Filter{}, Page{})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Error("rejected cleanup must not delete events")
	}
}

func TestSetComplianceFloor_AppliesToNextCleanup(t *testing.T) {
	l := newTestLedger(t, Options{ComplianceFloorDays: 365})
	ctx := context.Background()
	l.Append(ctx, &Event{Kind: KindUpload, Timestamp: time.Now().UTC().AddDate(0, 0, -100), User: Actor{ID: "u-hr"}, Action: Outcome{Success: true}})

	if _, err := l.Cleanup(ctx, 90); !errors.Is(err, ErrRetentionBelowFloor) {
		t.Fatalf("Cleanup(90) before floor change: want ErrRetentionBelowFloor, got %v", err)
	}

	// A config reload lowers the floor; the next cleanup honors it.
	l.SetComplianceFloor(90)
	deleted, err := l.Cleanup(ctx, 90)
	if err != nil {
		t.Fatalf("Cleanup(90) after floor change: %v", err)
	}
	if deleted != 1 {
		t.Errorf("Cleanup() deleted %d events, want 1", deleted)
	}

	// Non-positive updates are ignored, not applied.
	l.SetComplianceFloor(0)
	if _, err := l.Cleanup(ctx, 90); err != nil {
		t.Errorf("Cleanup(90) after ignored update: %v", err)
	}
}

func TestCleanup_DeletesOnlyByAge(t *testing.T) {
	// Small batch size so a cleanup spans multiple transactions.
	l := newTestLedger(t, Options{CleanupBatchSize: 2})
	ctx := context.Background()

	old := time.Now().UTC().AddDate(0, 0, -400)
	for i := 0; i < 5; i++ {
		l.Append(ctx, &Event{Kind: KindUpload, Timestamp: old, User: Actor{ID: "u-hr"}, Action: Outcome{Success: true}})
	}
	l.Append(ctx, uploadEvent("u-hr", "d-recent", true))

	deleted, err := l.Cleanup(ctx, 365)
	if err != nil {
		t.Fatalf("Cleanup() error: %v", err)
	}
	if deleted != 5 {
		t.Errorf("Cleanup() deleted %d events, want 5", deleted)
	}

	remaining, err := l.Query(Filter{}, Page{})
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 1 {
		t.Fatalf("%d events remain, want 1", len(remaining))
	}
	if remaining[0].Resource == nil || remaining[0].Resource.ID != "d-recent" {
		t.Error("cleanup removed a recent event")
	}
}

func TestNewLedger_RequiresLogger(t *testing.T) {
	if _, err := NewLedger(newTestDB(t), Options{}); err == nil {
		t.Error("NewLedger() without logger: expected error")
	}
}

func BenchmarkAppend(b *testing.B) {
	path := filepath.Join(b.TempDir(), "audit.db")
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		b.Fatal(err)
	}
	defer db.Close()
	defer os.Remove(path)

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	l, err := NewLedger(db, Options{Logger: logger})
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		l.Append(context.Background(), uploadEvent("u-hr", "d-1", true))
	}
}

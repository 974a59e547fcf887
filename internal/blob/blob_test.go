package blob

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/aws/smithy-go"
)

func TestMemory_PutGetDelete(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if err := m.Put(ctx, "obj-1", []byte("ciphertext")); err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	data, err := m.Get(ctx, "obj-1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if !bytes.Equal(data, []byte("ciphertext")) {
		t.Errorf("Get() = %q, want %q", data, "ciphertext")
	}

	if err := m.Delete(ctx, "obj-1"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if _, err := m.Get(ctx, "obj-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after delete = %v, want ErrNotFound", err)
	}
}

func TestMemory_GetMissing(t *testing.T) {
	m := NewMemory()
	if _, err := m.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) = %v, want ErrNotFound", err)
	}
}

func TestMemory_EmptyKeyRejected(t *testing.T) {
	m := NewMemory()
	if err := m.Put(context.Background(), "", []byte("x")); err == nil {
		t.Error("Put() with empty key: expected error")
	}
}

func TestMemory_CopiesData(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	data := []byte("original")
	if err := m.Put(ctx, "obj", data); err != nil {
		t.Fatal(err)
	}
	data[0] = 'X'

	got, err := m.Get(ctx, "obj")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "original" {
		t.Error("stored data aliases the caller's slice")
	}

	got[0] = 'Y'
	again, _ := m.Get(ctx, "obj")
	if string(again) != "original" {
		t.Error("returned data aliases the stored slice")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		notFound bool
	}{
		{
			name:     "NoSuchKey maps to ErrNotFound",
			err:      &smithy.GenericAPIError{Code: "NoSuchKey", Message: "no such key"},
			notFound: true,
		},
		{
			name:     "NotFound maps to ErrNotFound",
			err:      &smithy.GenericAPIError{Code: "NotFound", Message: "not found"},
			notFound: true,
		},
		{
			name:     "AccessDenied stays opaque",
			err:      &smithy.GenericAPIError{Code: "AccessDenied", Message: "denied"},
			notFound: false,
		},
		{
			name:     "plain error stays opaque",
			err:      errors.New("connection reset"),
			notFound: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify("k", tt.err)
			if errors.Is(got, ErrNotFound) != tt.notFound {
				t.Errorf("classify(%v) notFound = %v, want %v", tt.err, !tt.notFound, tt.notFound)
			}
		})
	}
}

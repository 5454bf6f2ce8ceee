package memory

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"datastore/internal/blob/core"
)

func TestStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	s := New()
	if s.Driver() != core.DriverMemory {
		t.Fatalf("unexpected driver %s", s.Driver())
	}
	info, err := s.Put(ctx, "DS1/a", bytes.NewReader([]byte("abc")), core.PutOptions{Metadata: map[string]string{"k": "v"}})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Size != 3 || info.ETag == "" {
		t.Fatalf("unexpected info %+v", info)
	}
	info.Metadata["k"] = "mutated"
	if _, err := s.Put(ctx, "DS1/a", bytes.NewReader(nil), core.PutOptions{}); !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	head, err := s.Head(ctx, "DS1/a")
	if err != nil || head.Metadata["k"] != "v" {
		t.Fatalf("head: %v %+v", err, head)
	}
	_, rc, err := s.Get(ctx, "DS1/a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(rc)
	if string(body) != "abc" {
		t.Fatalf("unexpected body %q", body)
	}
	if _, err := s.Put(ctx, "DS2/b", bytes.NewReader([]byte("b")), core.PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	list, _ := s.List(ctx, "DS1/")
	if len(list) != 1 {
		t.Fatalf("expected one blob under DS1/, got %+v", list)
	}
	if ok, _ := s.Delete(ctx, "DS1/a"); !ok {
		t.Fatalf("expected delete to report existing key")
	}
	if ok, _ := s.Delete(ctx, "DS1/a"); ok {
		t.Fatalf("expected second delete to report missing key")
	}
	if _, _, err := s.Get(ctx, "DS1/a"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.PresignURL(ctx, "DS2/b", core.SignedURLOptions{}); !errors.Is(err, core.ErrUnsupported) {
		t.Fatalf("expected unsupported, got %v", err)
	}
	if _, err := s.Put(ctx, " ", bytes.NewReader(nil), core.PutOptions{}); err == nil {
		t.Fatalf("expected empty key error")
	}
}

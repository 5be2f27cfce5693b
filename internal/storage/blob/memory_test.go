package blob

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.Get(ctx, "journal/a-1/act-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	data := []byte(`{"big":"result"}`)
	if err := s.Put(ctx, "journal/a-1/act-1", data); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	data[0] = 'X' // 调用方缓冲区与存储隔离

	got, err := s.Get(ctx, "journal/a-1/act-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(got, []byte(`{"big":"result"}`)) {
		t.Fatalf("unexpected data: %s", got)
	}

	if err := s.Delete(ctx, "journal/a-1/act-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.Get(ctx, "journal/a-1/act-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	// 幂等删除
	if err := s.Delete(ctx, "journal/a-1/act-1"); err != nil {
		t.Fatalf("repeat Delete failed: %v", err)
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	ctx := context.Background()

	if err := s.Put(ctx, "journal/a-1/act-1", []byte("payload")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	got, err := s.Get(ctx, "journal/a-1/act-1")
	if err != nil || string(got) != "payload" {
		t.Fatalf("Get = %q, %v", got, err)
	}

	// 覆盖写
	if err := s.Put(ctx, "journal/a-1/act-1", []byte("payload-2")); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	got, _ = s.Get(ctx, "journal/a-1/act-1")
	if string(got) != "payload-2" {
		t.Fatalf("expected overwritten payload, got %q", got)
	}

	if err := s.Delete(ctx, "journal/a-1/act-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.Get(ctx, "journal/a-1/act-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFileStoreRejectsEscapingKey(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	if err := s.Put(context.Background(), "../outside", []byte("x")); err == nil {
		t.Fatal("expected error for key escaping root")
	}
}

package kvstate

import (
	"context"
	"errors"
	"os"
	"testing"
)

// 运行方式：TEST_REDIS_ADDR=localhost:6379 go test ./internal/storage/kvstate/
func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set; skipping redis kvstate tests")
	}
	s, err := NewRedisStore(context.Background(), RedisConfig{Addr: addr, DB: 15, KeyPrefix: "kvstate-test:"})
	if err != nil {
		t.Fatalf("NewRedisStore failed: %v", err)
	}
	t.Cleanup(func() {
		keys, _ := s.Keys(context.Background(), "")
		for _, k := range keys {
			_ = s.Delete(context.Background(), k)
		}
		s.Close()
	})
	return s
}

func TestRedisStoreCAS(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	v, err := s.Put(ctx, "pipeline:r1", []byte(`{"stage":"a"}`), 0)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if v != 1 {
		t.Fatalf("expected version 1, got %d", v)
	}
	if _, err := s.Put(ctx, "pipeline:r1", []byte(`{}`), 0); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch on duplicate create, got %v", err)
	}
	v, err = s.Put(ctx, "pipeline:r1", []byte(`{"stage":"b"}`), 1)
	if err != nil || v != 2 {
		t.Fatalf("update failed: v=%d err=%v", v, err)
	}
	if _, err := s.Put(ctx, "pipeline:r1", []byte(`{}`), 1); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch on stale update, got %v", err)
	}

	doc, err := s.Get(ctx, "pipeline:r1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if doc.Version != 2 || string(doc.Value) != `{"stage":"b"}` {
		t.Fatalf("unexpected document: %+v", doc)
	}

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRedisStoreKeys(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	for _, k := range []string{"pipeline:k1", "pipeline:k2", "other:z"} {
		if _, err := s.Put(ctx, k, []byte(`{}`), 0); err != nil {
			t.Fatalf("create %s failed: %v", k, err)
		}
	}
	keys, err := s.Keys(ctx, "pipeline:")
	if err != nil {
		t.Fatalf("Keys failed: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %v", keys)
	}
}

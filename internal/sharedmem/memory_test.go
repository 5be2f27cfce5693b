package sharedmem

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMemoryStoreKV(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	if err := s.Set(ctx, "chat:c-1:title", "kickoff", 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	var title string
	ok, err := s.Get(ctx, "chat:c-1:title", &title)
	if err != nil || !ok {
		t.Fatalf("Get failed: ok=%v err=%v", ok, err)
	}
	if title != "kickoff" {
		t.Fatalf("expected kickoff, got %q", title)
	}

	// last-write-wins
	if err := s.Set(ctx, "chat:c-1:title", "renamed", 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if _, err := s.Get(ctx, "chat:c-1:title", &title); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if title != "renamed" {
		t.Fatalf("expected renamed, got %q", title)
	}

	if ok, _ := s.Get(ctx, "chat:c-1:missing", nil); ok {
		t.Fatal("expected missing key")
	}
}

func TestMemoryStoreTTLExpiry(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	if err := s.Set(ctx, "ephemeral", 1, 20*time.Millisecond); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if ok, _ := s.Get(ctx, "ephemeral", nil); !ok {
		t.Fatal("expected key before expiry")
	}
	time.Sleep(40 * time.Millisecond)
	if ok, _ := s.Get(ctx, "ephemeral", nil); ok {
		t.Fatal("expected key to expire")
	}
}

func TestMemoryStoreList(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	for _, msg := range []string{"hello", "world", "!"} {
		if err := s.ListAppend(ctx, "chat:c-1:history", msg, 0); err != nil {
			t.Fatalf("ListAppend failed: %v", err)
		}
	}
	all, err := s.ListRange(ctx, "chat:c-1:history", 0, -1)
	if err != nil {
		t.Fatalf("ListRange failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 items, got %d", len(all))
	}
	if string(all[0]) != `"hello"` || string(all[2]) != `"!"` {
		t.Fatalf("unexpected list contents: %q %q", all[0], all[2])
	}

	// 负数下标从末尾数
	tail, err := s.ListRange(ctx, "chat:c-1:history", -2, -1)
	if err != nil {
		t.Fatalf("ListRange failed: %v", err)
	}
	if len(tail) != 2 || string(tail[0]) != `"world"` {
		t.Fatalf("unexpected tail: %v", tail)
	}

	if out, _ := s.ListRange(ctx, "no-such-list", 0, -1); len(out) != 0 {
		t.Fatal("expected empty range for missing key")
	}
}

func TestMemoryStoreHash(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	if err := s.HashSet(ctx, "pipeline:p-1:tasks", "t-0", "completed", 0); err != nil {
		t.Fatalf("HashSet failed: %v", err)
	}
	if err := s.HashSet(ctx, "pipeline:p-1:tasks", "t-1", "running", 0); err != nil {
		t.Fatalf("HashSet failed: %v", err)
	}

	var status string
	ok, err := s.HashGet(ctx, "pipeline:p-1:tasks", "t-0", &status)
	if err != nil || !ok {
		t.Fatalf("HashGet failed: ok=%v err=%v", ok, err)
	}
	if status != "completed" {
		t.Fatalf("expected completed, got %q", status)
	}
	if ok, _ := s.HashGet(ctx, "pipeline:p-1:tasks", "t-9", nil); ok {
		t.Fatal("expected missing field")
	}

	all, err := s.HashGetAll(ctx, "pipeline:p-1:tasks")
	if err != nil {
		t.Fatalf("HashGetAll failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(all))
	}
}

func TestMemoryStoreSet(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	for _, m := range []string{"actor-a", "actor-b", "actor-a"} {
		if err := s.SetAdd(ctx, "mailboxes:counter", m, 0); err != nil {
			t.Fatalf("SetAdd failed: %v", err)
		}
	}
	members, err := s.SetMembers(ctx, "mailboxes:counter")
	if err != nil {
		t.Fatalf("SetMembers failed: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 unique members, got %d", len(members))
	}
}

func TestMemoryStoreIncrConcurrent(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if _, err := s.Incr(ctx, "counters:hits", 1, 0); err != nil {
					t.Errorf("Incr failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	final, err := s.Incr(ctx, "counters:hits", 0, 0)
	if err != nil {
		t.Fatalf("Incr failed: %v", err)
	}
	if final != 1000 {
		t.Fatalf("expected 1000, got %d", final)
	}
}

func TestMemoryStoreKindConflict(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	if err := s.ListAppend(ctx, "k", "v", 0); err != nil {
		t.Fatalf("ListAppend failed: %v", err)
	}
	if err := s.HashSet(ctx, "k", "f", "v", 0); err == nil {
		t.Fatal("expected kind conflict error")
	}
	// Set 覆盖任意旧类型，与 redis SET 对齐
	if err := s.Set(ctx, "k", "v", 0); err != nil {
		t.Fatalf("Set over list failed: %v", err)
	}
}

func TestMemoryStoreExpire(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	if err := s.Set(ctx, "k", "v", 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := s.Expire(ctx, "k", 20*time.Millisecond); err != nil {
		t.Fatalf("Expire failed: %v", err)
	}
	time.Sleep(40 * time.Millisecond)
	if ok, _ := s.Get(ctx, "k", nil); ok {
		t.Fatal("expected key to expire after Expire")
	}
}

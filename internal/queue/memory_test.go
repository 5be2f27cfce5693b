package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func msg(id string, priority int) Message {
	return Message{
		MessageID: id,
		ActorID:   "actor-1",
		Payload:   json.RawMessage(`{"op":"noop"}`),
		Priority:  priority,
		Timestamp: time.Now(),
	}
}

func TestMemoryQueueFIFO(t *testing.T) {
	q := NewMemoryQueue(time.Minute)
	ctx := context.Background()

	for _, id := range []string{"m-1", "m-2", "m-3"} {
		if err := q.Enqueue(ctx, "actor:a", msg(id, 0)); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}
	for _, want := range []string{"m-1", "m-2", "m-3"} {
		got, err := q.Consume(ctx, "actor:a")
		if err != nil {
			t.Fatalf("Consume failed: %v", err)
		}
		if got.MessageID != want {
			t.Fatalf("expected %s, got %s", want, got.MessageID)
		}
	}
	if _, err := q.Consume(ctx, "actor:a"); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
}

func TestMemoryQueuePriority(t *testing.T) {
	q := NewMemoryQueue(time.Minute)
	ctx := context.Background()

	// 优先级大者先出；同优先级保持入队顺序
	q.Enqueue(ctx, "q", msg("low-1", 0))
	q.Enqueue(ctx, "q", msg("high-1", 5))
	q.Enqueue(ctx, "q", msg("low-2", 0))
	q.Enqueue(ctx, "q", msg("high-2", 5))

	var order []string
	for i := 0; i < 4; i++ {
		m, err := q.Consume(ctx, "q")
		if err != nil {
			t.Fatalf("Consume failed: %v", err)
		}
		order = append(order, m.MessageID)
	}
	want := []string{"high-1", "high-2", "low-1", "low-2"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, order)
		}
	}
}

func TestMemoryQueueAckRemoves(t *testing.T) {
	q := NewMemoryQueue(time.Minute)
	ctx := context.Background()

	q.Enqueue(ctx, "q", msg("m-1", 0))
	m, err := q.Consume(ctx, "q")
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if err := q.Ack(ctx, "q", m.MessageID); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}
	if err := q.Ack(ctx, "q", m.MessageID); !errors.Is(err, ErrNotInFlight) {
		t.Fatalf("expected ErrNotInFlight on double ack, got %v", err)
	}
	if _, err := q.Consume(ctx, "q"); !errors.Is(err, ErrEmpty) {
		t.Fatalf("acked message must not reappear, got %v", err)
	}
}

func TestMemoryQueueNackRedelivery(t *testing.T) {
	q := NewMemoryQueue(time.Minute)
	ctx := context.Background()

	q.Enqueue(ctx, "q", msg("m-1", 3))
	m, _ := q.Consume(ctx, "q")

	if err := q.Nack(ctx, "q", m.MessageID, NackOptions{}); err != nil {
		t.Fatalf("Nack failed: %v", err)
	}
	redelivered, err := q.Consume(ctx, "q")
	if err != nil {
		t.Fatalf("Consume after nack failed: %v", err)
	}
	// 重投递复用 MessageID，保留优先级，Attempt+1
	if redelivered.MessageID != "m-1" {
		t.Fatalf("expected same message id, got %s", redelivered.MessageID)
	}
	if redelivered.Priority != 3 {
		t.Fatalf("expected priority preserved, got %d", redelivered.Priority)
	}
	if redelivered.Attempt != 1 {
		t.Fatalf("expected attempt 1, got %d", redelivered.Attempt)
	}
}

func TestMemoryQueueNackKeepAttempt(t *testing.T) {
	q := NewMemoryQueue(time.Minute)
	ctx := context.Background()

	q.Enqueue(ctx, "q", msg("m-1", 0))
	m, _ := q.Consume(ctx, "q")
	if err := q.Nack(ctx, "q", m.MessageID, NackOptions{KeepAttempt: true}); err != nil {
		t.Fatalf("Nack failed: %v", err)
	}

	redelivered, err := q.Consume(ctx, "q")
	if err != nil {
		t.Fatalf("Consume after nack failed: %v", err)
	}
	// 非失败性退回不消耗重试预算
	if redelivered.Attempt != 0 {
		t.Fatalf("expected attempt unchanged, got %d", redelivered.Attempt)
	}
}

func TestMemoryQueueNackDelay(t *testing.T) {
	q := NewMemoryQueue(time.Minute)
	ctx := context.Background()

	now := time.Now()
	q.now = func() time.Time { return now }

	q.Enqueue(ctx, "q", msg("m-1", 0))
	m, _ := q.Consume(ctx, "q")
	if err := q.Nack(ctx, "q", m.MessageID, NackOptions{RetryIn: 10 * time.Second}); err != nil {
		t.Fatalf("Nack failed: %v", err)
	}

	if _, err := q.Consume(ctx, "q"); !errors.Is(err, ErrEmpty) {
		t.Fatal("delayed retry must not be visible immediately")
	}
	now = now.Add(11 * time.Second)
	if m, err := q.Consume(ctx, "q"); err != nil || m.MessageID != "m-1" {
		t.Fatalf("expected redelivery after delay, got %v %v", m, err)
	}
}

func TestMemoryQueueVisibilityTimeout(t *testing.T) {
	q := NewMemoryQueue(5 * time.Second)
	ctx := context.Background()

	now := time.Now()
	q.now = func() time.Time { return now }

	q.Enqueue(ctx, "q", msg("m-1", 0))
	if _, err := q.Consume(ctx, "q"); err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	// 超时前不可见
	if _, err := q.Consume(ctx, "q"); !errors.Is(err, ErrEmpty) {
		t.Fatal("in-flight message must not be redelivered before timeout")
	}
	// 超时后收回重投递
	now = now.Add(6 * time.Second)
	m, err := q.Consume(ctx, "q")
	if err != nil {
		t.Fatalf("Consume after visibility timeout failed: %v", err)
	}
	if m.MessageID != "m-1" || m.Attempt != 1 {
		t.Fatalf("expected reaped redelivery with attempt 1, got %+v", m)
	}
}

func TestMemoryQueueExtendVisibility(t *testing.T) {
	q := NewMemoryQueue(5 * time.Second)
	ctx := context.Background()

	now := time.Now()
	q.now = func() time.Time { return now }

	q.Enqueue(ctx, "q", msg("m-1", 0))
	m, _ := q.Consume(ctx, "q")
	if err := q.Extend(ctx, "q", m.MessageID, time.Minute); err != nil {
		t.Fatalf("Extend failed: %v", err)
	}
	now = now.Add(30 * time.Second)
	if _, err := q.Consume(ctx, "q"); !errors.Is(err, ErrEmpty) {
		t.Fatal("extended message must stay in flight")
	}
}

func TestMemoryQueueDelayedEnqueue(t *testing.T) {
	q := NewMemoryQueue(time.Minute)
	ctx := context.Background()

	now := time.Now()
	q.now = func() time.Time { return now }

	if err := q.EnqueueDelayed(ctx, "q", msg("m-1", 0), 10*time.Second); err != nil {
		t.Fatalf("EnqueueDelayed failed: %v", err)
	}
	if d, _ := q.Depth(ctx, "q"); d != 0 {
		t.Fatalf("expected depth 0 before ready, got %d", d)
	}
	now = now.Add(11 * time.Second)
	if d, _ := q.Depth(ctx, "q"); d != 1 {
		t.Fatalf("expected depth 1 after ready, got %d", d)
	}
}

func TestRetryPolicyBackoffBounds(t *testing.T) {
	p := DefaultRetryPolicy()
	for attempt := 0; attempt < 10; attempt++ {
		d := p.BackoffFor(attempt)
		if d <= 0 || d > p.MaxInterval+p.MaxInterval/2 {
			t.Fatalf("backoff out of bounds for attempt %d: %v", attempt, d)
		}
	}
	if !p.Exhausted(4) {
		t.Fatal("expected attempt 4 (5th delivery) to exhaust default policy")
	}
	if p.Exhausted(3) {
		t.Fatal("attempt 3 must not exhaust default policy")
	}
}

package outbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type failedCall struct {
	id   string
	next time.Time
	dead bool
}

type fakeClaimer struct {
	pending []Message
	sent    []string
	failed  []failedCall
}

func (f *fakeClaimer) ClaimPending(ctx context.Context, limit int) ([]Message, error) {
	if len(f.pending) > limit {
		out := f.pending[:limit]
		f.pending = f.pending[limit:]
		return out, nil
	}
	out := f.pending
	f.pending = nil
	return out, nil
}

func (f *fakeClaimer) MarkSent(ctx context.Context, id string) error {
	f.sent = append(f.sent, id)
	return nil
}

func (f *fakeClaimer) MarkFailed(ctx context.Context, id string, next time.Time, msg string, dead bool) error {
	f.failed = append(f.failed, failedCall{id: id, next: next, dead: dead})
	return nil
}

func (f *fakeClaimer) RequeueStuck(ctx context.Context, timeout time.Duration) (int64, error) {
	return 0, nil
}

type fakePublisher struct {
	failTopic string
	got       []string
}

func (p *fakePublisher) Publish(ctx context.Context, topic string, key, value []byte) error {
	if topic == p.failTopic {
		return errors.New("broker unavailable")
	}
	p.got = append(p.got, topic+":"+string(key))
	return nil
}

func TestRelayTick_PublishesAndMarks(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	store := &fakeClaimer{pending: []Message{
		{ID: "m1", Topic: "envelope.created", Key: "env-1", Payload: []byte(`{}`), Attempts: 1, CreatedAt: now.Add(-3 * time.Second)},
		{ID: "m2", Topic: "envelope.voided", Key: "env-2", Payload: []byte(`{}`), Attempts: 1, CreatedAt: now},
		{ID: "m3", Topic: "envelope.voided", Key: "env-3", Payload: []byte(`{}`), Attempts: 10, CreatedAt: now},
	}}
	pub := &fakePublisher{failTopic: "envelope.voided"}
	reg := prometheus.NewRegistry()
	m := NewRelayMetrics(reg)
	relay := NewRelay(store, pub, slog.New(slog.NewJSONHandler(io.Discard, nil)), RelayConfig{
		BatchSize:   10,
		MaxAttempts: 10,
		BaseBackoff: time.Second,
		MaxBackoff:  time.Minute,
	}).WithMetrics(m)
	relay.now = func() time.Time { return now }

	if sent := relay.Tick(context.Background()); sent != 1 {
		t.Fatalf("expected 1 sent, got %d", sent)
	}
	if len(pub.got) != 1 || pub.got[0] != "envelope.created:env-1" {
		t.Fatalf("unexpected publishes %v", pub.got)
	}
	if len(store.sent) != 1 || store.sent[0] != "m1" {
		t.Fatalf("unexpected sent marks %v", store.sent)
	}
	if len(store.failed) != 2 {
		t.Fatalf("expected 2 failures, got %v", store.failed)
	}
	if store.failed[0].dead || !store.failed[0].next.Equal(now.Add(time.Second)) {
		t.Fatalf("first failure should retry after base backoff: %+v", store.failed[0])
	}
	if !store.failed[1].dead {
		t.Fatalf("message at max attempts should be dead: %+v", store.failed[1])
	}
	if got := testutil.ToFloat64(m.lagSeconds); got != 3 {
		t.Fatalf("expected lag 3s, got %v", got)
	}
	if got := testutil.ToFloat64(m.deadN.WithLabelValues("envelope.voided")); got != 1 {
		t.Fatalf("expected 1 dead, got %v", got)
	}
}

func TestRelayBackoff_Capped(t *testing.T) {
	r := NewRelay(&fakeClaimer{}, &fakePublisher{}, slog.New(slog.NewJSONHandler(io.Discard, nil)), RelayConfig{
		BaseBackoff: time.Second,
		MaxBackoff:  10 * time.Second,
	})
	cases := map[int]time.Duration{1: time.Second, 2: 2 * time.Second, 3: 4 * time.Second, 4: 8 * time.Second, 5: 10 * time.Second, 50: 10 * time.Second}
	for attempts, want := range cases {
		if got := r.backoff(attempts); got != want {
			t.Errorf("attempts=%d: expected %s, got %s", attempts, want, got)
		}
	}
}

func TestRelayRun_StopsOnCancel(t *testing.T) {
	r := NewRelay(&fakeClaimer{}, &fakePublisher{}, slog.New(slog.NewJSONHandler(io.Discard, nil)), RelayConfig{PollInterval: 5 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := r.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
}

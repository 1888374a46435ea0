package envelope

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestService(t *testing.T) (*Service, *fakePool, *fakeRepo, *fakeOutbox) {
	t.Helper()
	pool := &fakePool{}
	repo := newFakeRepo()
	outbox := &fakeOutbox{}
	clock := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	svc := NewService(pool, repo, fakeMinter{}, "https://sign.example.com/").
		WithOutbox(outbox).
		WithIDGenerator(func() string { return "env-1" }).
		WithClock(func() time.Time { return clock })
	return svc, pool, repo, outbox
}

func createTwoSigner(t *testing.T, svc *Service) Envelope {
	t.Helper()
	env, err := svc.Create(context.Background(), CreateParams{
		Recipients: []Recipient{{Email: "a@x.com", Name: "Ann"}, {Email: "b@x.com"}},
		Files:      []File{{Filename: "nda.pdf", StoredName: "abc.pdf", PublicURL: "/files/abc.pdf", Mimetype: "application/pdf"}},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return env
}

func TestCreate_MintsLinkPerSigner(t *testing.T) {
	svc, pool, repo, outbox := newTestService(t)

	env := createTwoSigner(t, svc)

	if env.Status != StatusSent {
		t.Fatalf("expected SENT, got %s", env.Status)
	}
	if len(env.Signers) != 2 {
		t.Fatalf("expected 2 signers, got %d", len(env.Signers))
	}
	for i, s := range env.Signers {
		want := fmt.Sprintf("https://sign.example.com/sign/tok-env-1-%d", i)
		if s.SigningURL != want {
			t.Errorf("signer %d link %q, expected %q", i, s.SigningURL, want)
		}
		if s.Status != StatusSent || s.SentAt == nil {
			t.Errorf("signer %d not sent: %+v", i, s)
		}
	}
	if env.SigningURL != env.Signers[0].SigningURL {
		t.Errorf("envelope link %q should equal first signer link", env.SigningURL)
	}
	if !pool.tx.committed {
		t.Error("expected commit")
	}
	if got := repo.eventTypes("env-1"); len(got) != 1 || got[0] != EventEnvelopeCreated {
		t.Errorf("unexpected timeline %v", got)
	}
	if len(outbox.topics) != 1 || outbox.topics[0] != OutboxTopicCreated {
		t.Errorf("unexpected outbox %v", outbox.topics)
	}
}

func TestCreate_Validation(t *testing.T) {
	svc, pool, _, _ := newTestService(t)
	file := []File{{StoredName: "x.pdf"}}

	cases := []struct {
		name   string
		params CreateParams
		want   error
	}{
		{"no recipients", CreateParams{Files: file}, ErrNoRecipients},
		{"blank email", CreateParams{Recipients: []Recipient{{Email: "  "}}, Files: file}, ErrNoRecipients},
		{"no files", CreateParams{Recipients: []Recipient{{Email: "a@x.com"}}}, ErrNoFiles},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Create(context.Background(), tc.params)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	_, err := svc.Create(context.Background(), CreateParams{
		Recipients: []Recipient{{Email: "a@x.com"}, {Email: "A@X.com"}},
		Files:      file,
	})
	var verr ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error for duplicate, got %v", err)
	}
	if pool.tx != nil {
		t.Fatal("validation failures must not open a transaction")
	}
}

func TestLifecycle_TwoSigners(t *testing.T) {
	svc, _, repo, outbox := newTestService(t)
	ctx := context.Background()
	env := createTwoSigner(t, svc)

	env, err := svc.RecordDelivery(ctx, env.ID, 0)
	if err != nil {
		t.Fatalf("deliver a: %v", err)
	}
	if env.Status != StatusSent {
		t.Fatalf("after first delivery expected SENT, got %s", env.Status)
	}

	env, err = svc.RecordDelivery(ctx, env.ID, 1)
	if err != nil {
		t.Fatalf("deliver b: %v", err)
	}
	if env.Status != StatusDelivered {
		t.Fatalf("expected DELIVERED, got %s", env.Status)
	}

	env, err = svc.RecordCompletion(ctx, env.ID, 0, Artifact{StoredName: "a.pdf", PublicURL: "/files/a.pdf"})
	if err != nil {
		t.Fatalf("complete a: %v", err)
	}
	if env.Status != StatusDelivered {
		t.Fatalf("after one completion expected DELIVERED, got %s", env.Status)
	}

	env, err = svc.RecordCompletion(ctx, env.ID, 1, Artifact{StoredName: "b.pdf", PublicURL: "/files/b.pdf"})
	if err != nil {
		t.Fatalf("complete b: %v", err)
	}
	if env.Status != StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", env.Status)
	}
	if env.SignedPDF != "b.pdf" || env.Signers[0].SignedPDF != "a.pdf" {
		t.Fatalf("unexpected artifacts: envelope=%q signer0=%q", env.SignedPDF, env.Signers[0].SignedPDF)
	}
	if env.Version != 5 {
		t.Fatalf("expected version 5 after four transitions, got %d", env.Version)
	}

	want := []string{
		EventEnvelopeCreated,
		EventSignerDelivered, EventSignerDelivered,
		EventSignerCompleted, EventSignerCompleted,
	}
	got := repo.eventTypes(env.ID)
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("timeline %v, expected %v", got, want)
	}
	if len(outbox.topics) != len(want) {
		t.Fatalf("expected %d outbox messages, got %d", len(want), len(outbox.topics))
	}
	last := outbox.payloads[len(outbox.payloads)-1]
	if last["document_status"] != StatusCompleted || last["signer_index"] != 1 {
		t.Fatalf("unexpected completion payload %v", last)
	}
}

func TestRecordDelivery_RepeatIsNoop(t *testing.T) {
	svc, pool, repo, _ := newTestService(t)
	ctx := context.Background()
	env := createTwoSigner(t, svc)

	first, err := svc.RecordDelivery(ctx, env.ID, 0)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	second, err := svc.RecordDelivery(ctx, env.ID, 0)
	if err != nil {
		t.Fatalf("repeat deliver: %v", err)
	}
	if second.Version != first.Version {
		t.Fatalf("repeat delivery bumped version %d -> %d", first.Version, second.Version)
	}
	if pool.tx.committed {
		t.Fatal("no-op delivery must not commit")
	}
	if n := len(repo.eventTypes(env.ID)); n != 2 {
		t.Fatalf("expected 2 timeline events, got %d", n)
	}
}

func TestCancel_VoidsCompletedSigners(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()
	env := createTwoSigner(t, svc)

	if _, err := svc.RecordCompletion(ctx, env.ID, 0, Artifact{StoredName: "a.pdf"}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	env, err := svc.Cancel(ctx, env.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if env.Status != StatusVoided {
		t.Fatalf("expected VOIDED, got %s", env.Status)
	}
	for i, s := range env.Signers {
		if s.Status != StatusVoided {
			t.Fatalf("signer %d status %s", i, s.Status)
		}
	}

	_, err = svc.RecordCompletion(ctx, env.ID, 1, Artifact{StoredName: "late.pdf"})
	if !errors.Is(err, ErrEnvelopeVoided) {
		t.Fatalf("expected ErrEnvelopeVoided, got %v", err)
	}
	stored, err := svc.Get(ctx, env.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != StatusVoided || stored.SignedPDF != "a.pdf" {
		t.Fatalf("voided envelope mutated: %+v", stored)
	}
}

func TestTransitions_Errors(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()
	env := createTwoSigner(t, svc)

	if _, err := svc.RecordDelivery(ctx, "missing", 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := svc.RecordDelivery(ctx, env.ID, 5); !errors.Is(err, ErrSignerNotFound) {
		t.Errorf("expected ErrSignerNotFound, got %v", err)
	}
	if _, err := svc.RecordCompletion(ctx, env.ID, 0, Artifact{}); !errors.Is(err, ErrMissingArtifact) {
		t.Errorf("expected ErrMissingArtifact, got %v", err)
	}
	if _, err := svc.Get(ctx, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for empty id, got %v", err)
	}
}

func TestTransition_StaleVersionRejected(t *testing.T) {
	svc, pool, repo, _ := newTestService(t)
	env := createTwoSigner(t, svc)
	repo.bumpBehindLock = true

	_, err := svc.RecordDelivery(context.Background(), env.ID, 0)
	if !errors.Is(err, ErrConcurrentUpdate) {
		t.Fatalf("expected ErrConcurrentUpdate, got %v", err)
	}
	if pool.tx.committed {
		t.Fatal("stale write must not commit")
	}
}

func TestMetrics_CountsCommittedTransitions(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	svc.WithMetrics(m)
	ctx := context.Background()

	env := createTwoSigner(t, svc)
	_, _ = svc.RecordDelivery(ctx, env.ID, 0)
	_, _ = svc.RecordDelivery(ctx, env.ID, 0)

	if got := testutil.ToFloat64(m.transitions.WithLabelValues(EventSignerDelivered)); got != 1 {
		t.Fatalf("expected 1 delivery transition, got %v", got)
	}
	if got := testutil.ToFloat64(m.transitions.WithLabelValues(EventEnvelopeCreated)); got != 1 {
		t.Fatalf("expected 1 created transition, got %v", got)
	}
}

type fakeMinter struct{}

func (fakeMinter) Mint(envelopeID, email string, index int) (string, error) {
	return fmt.Sprintf("tok-%s-%d", envelopeID, index), nil
}

type fakeOutbox struct {
	topics   []string
	payloads []map[string]any
}

func (f *fakeOutbox) Enqueue(ctx context.Context, tx pgx.Tx, topic, key string, payload map[string]any) error {
	f.topics = append(f.topics, topic)
	f.payloads = append(f.payloads, payload)
	return nil
}

type fakeEvent struct {
	envelopeID string
	eventType  string
}

// fakeRepo keeps envelopes in memory and applies the same version guard as
// the Postgres repository.
type fakeRepo struct {
	envelopes      map[string]Envelope
	events         []fakeEvent
	bumpBehindLock bool
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{envelopes: make(map[string]Envelope)}
}

func (f *fakeRepo) Insert(ctx context.Context, tx pgx.Tx, env Envelope) (Envelope, error) {
	if _, ok := f.envelopes[env.ID]; ok {
		return Envelope{}, fmt.Errorf("envelope: duplicate id %s", env.ID)
	}
	env.Version = 1
	f.envelopes[env.ID] = env.Clone()
	return env, nil
}

func (f *fakeRepo) Get(ctx context.Context, tx pgx.Tx, id string) (Envelope, error) {
	env, ok := f.envelopes[id]
	if !ok {
		return Envelope{}, ErrNotFound
	}
	return env.Clone(), nil
}

func (f *fakeRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Envelope, error) {
	env, err := f.Get(ctx, tx, id)
	if err != nil {
		return Envelope{}, err
	}
	if f.bumpBehindLock {
		stored := f.envelopes[id]
		stored.Version++
		f.envelopes[id] = stored
	}
	return env, nil
}

func (f *fakeRepo) Save(ctx context.Context, tx pgx.Tx, env Envelope, expectedVersion int64) (Envelope, error) {
	stored, ok := f.envelopes[env.ID]
	if !ok || stored.Version != expectedVersion {
		return Envelope{}, ErrConcurrentUpdate
	}
	env.Version = expectedVersion + 1
	f.envelopes[env.ID] = env.Clone()
	return env, nil
}

func (f *fakeRepo) AppendEvent(ctx context.Context, tx pgx.Tx, envelopeID, eventType string, signerIndex *int, payload map[string]any) error {
	f.events = append(f.events, fakeEvent{envelopeID: envelopeID, eventType: eventType})
	return nil
}

func (f *fakeRepo) eventTypes(id string) []string {
	var out []string
	for _, ev := range f.events {
		if ev.envelopeID == id {
			out = append(out, ev.eventType)
		}
	}
	return out
}

type fakePool struct {
	tx *fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{}
	return f.tx, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	if !f.committed {
		f.rolled = true
	}
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}

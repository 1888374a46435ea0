package envelope

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TestEnvelopeLifecycle_Integration runs the service against a real PostgreSQL
// via DATABASE_URL with migrations already applied.
func TestEnvelopeLifecycle_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	if !tableExists(ctx, t, pool, "envelopes") || !tableExists(ctx, t, pool, "envelope_events") {
		t.Skip("database schema missing; apply migrations/0001_envelopes.sql first")
	}

	svc := NewService(pool, NewRepository(), stubMinter{}, "http://localhost:8080")

	suffix := time.Now().UnixNano()
	env, err := svc.Create(ctx, CreateParams{
		Recipients: []Recipient{
			{Email: fmt.Sprintf("a+%d@example.com", suffix), Name: "Ann"},
			{Email: fmt.Sprintf("b+%d@example.com", suffix)},
		},
		Files: []File{{Filename: "nda.pdf", StoredName: "nda.pdf", PublicURL: "/files/nda.pdf", Mimetype: "application/pdf"}},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		_, _ = pool.Exec(ctx2, `DELETE FROM envelopes WHERE id = $1`, env.ID)
	})

	// Concurrent completions for both signers must both land.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			name := fmt.Sprintf("signed-%d.pdf", idx)
			_, errs[idx] = svc.RecordCompletion(ctx, env.ID, idx, Artifact{StoredName: name, PublicURL: "/files/" + name})
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("completion %d: %v", i, err)
		}
	}

	got, err := svc.Get(ctx, env.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", got.Status)
	}
	for i, s := range got.Signers {
		if s.SignedPDF != fmt.Sprintf("signed-%d.pdf", i) || s.CompletedAt == nil {
			t.Fatalf("signer %d lost its completion: %+v", i, s)
		}
	}
	if got.Version != 3 {
		t.Fatalf("expected version 3, got %d", got.Version)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback(ctx)
	events, err := NewRepository().ListEvents(ctx, tx, env.ID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 timeline events, got %d", len(events))
	}

	if _, err := svc.Get(ctx, "not-a-uuid"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for malformed id, got %v", err)
	}
}

type stubMinter struct{}

func (stubMinter) Mint(envelopeID, email string, index int) (string, error) {
	return fmt.Sprintf("%s.%d", envelopeID, index), nil
}

func tableExists(ctx context.Context, t *testing.T, pool *pgxpool.Pool, name string) bool {
	t.Helper()
	var exists bool
	if err := pool.QueryRow(ctx, `SELECT to_regclass($1) IS NOT NULL`, "public."+name).Scan(&exists); err != nil {
		t.Fatalf("check table %s: %v", name, err)
	}
	return exists
}

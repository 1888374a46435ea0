package envelope

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Repository defines the data access required by the service. Every method
// runs inside the caller's transaction.
type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, env Envelope) (Envelope, error)
	Get(ctx context.Context, tx pgx.Tx, id string) (Envelope, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Envelope, error)
	Save(ctx context.Context, tx pgx.Tx, env Envelope, expectedVersion int64) (Envelope, error)
	AppendEvent(ctx context.Context, tx pgx.Tx, envelopeID, eventType string, signerIndex *int, payload map[string]any) error
}

// OutboxWriter enqueues lifecycle messages inside the transition transaction.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic, key string, payload map[string]any) error
}

// TokenMinter issues the capability token embedded in each signing link.
type TokenMinter interface {
	Mint(envelopeID, email string, index int) (string, error)
}

// CreateParams carries the normalized inputs for a new envelope.
type CreateParams struct {
	Recipients []Recipient
	Files      []File
}

type Service struct {
	pool        TxBeginner
	repo        Repository
	tokens      TokenMinter
	outbox      OutboxWriter
	metrics     *Metrics
	tracer      trace.Tracer
	baseURL     string
	idGenerator func() string
	now         func() time.Time
}

func NewService(pool TxBeginner, repo Repository, tokens TokenMinter, baseURL string) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	return &Service{
		pool:        pool,
		repo:        repo,
		tokens:      tokens,
		tracer:      otel.Tracer("signflow/envelope"),
		baseURL:     strings.TrimRight(baseURL, "/"),
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

func (s *Service) WithOutbox(w OutboxWriter) *Service {
	s.outbox = w
	return s
}

func (s *Service) WithMetrics(m *Metrics) *Service {
	s.metrics = m
	return s
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// SigningLink renders the public URL a signer opens with their token.
func (s *Service) SigningLink(token string) string {
	return s.baseURL + "/sign/" + token
}

// Create persists a new envelope with every signer in SENT and one signing
// link minted per signer. The envelope, its signers and files are written in
// a single transaction.
func (s *Service) Create(ctx context.Context, params CreateParams) (Envelope, error) {
	ctx, span := s.tracer.Start(ctx, "envelope.Create")
	defer span.End()

	if len(params.Recipients) == 0 {
		return Envelope{}, ErrNoRecipients
	}
	if len(params.Files) == 0 {
		return Envelope{}, ErrNoFiles
	}
	seen := make(map[string]struct{}, len(params.Recipients))
	for _, r := range params.Recipients {
		email := strings.ToLower(strings.TrimSpace(r.Email))
		if email == "" {
			return Envelope{}, ErrNoRecipients
		}
		if _, dup := seen[email]; dup {
			return Envelope{}, ValidationError(fmt.Sprintf("duplicate recipient %s", email))
		}
		seen[email] = struct{}{}
	}

	now := s.now().UTC()
	env := Envelope{
		ID:      s.idGenerator(),
		Status:  StatusSent,
		Signers: newSigners(params.Recipients, now),
		Files:   append([]File(nil), params.Files...),
	}
	for i := range env.Signers {
		tok, err := s.tokens.Mint(env.ID, env.Signers[i].Email, i)
		if err != nil {
			return Envelope{}, fmt.Errorf("envelope: mint token for signer %d: %w", i, err)
		}
		env.Signers[i].SigningURL = s.SigningLink(tok)
	}
	env.SigningURL = env.Signers[0].SigningURL

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Envelope{}, s.fail(span, fmt.Errorf("envelope: begin tx: %w", err))
	}
	defer tx.Rollback(ctx)

	created, err := s.repo.Insert(ctx, tx, env)
	if err != nil {
		return Envelope{}, s.fail(span, err)
	}

	emails := make([]string, len(created.Signers))
	for i, signer := range created.Signers {
		emails[i] = signer.Email
	}
	payload := map[string]any{
		"envelope_id":     created.ID,
		"document_status": created.Status,
		"signers":         emails,
		"files":           len(created.Files),
	}
	if err := s.record(ctx, tx, created.ID, EventEnvelopeCreated, OutboxTopicCreated, nil, payload); err != nil {
		return Envelope{}, s.fail(span, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Envelope{}, s.fail(span, fmt.Errorf("envelope: commit: %w", err))
	}

	span.SetAttributes(attribute.String("envelope.id", created.ID), attribute.Int("envelope.signers", len(created.Signers)))
	s.metrics.observe(EventEnvelopeCreated)
	return created, nil
}

// Get returns the current snapshot of an envelope.
func (s *Service) Get(ctx context.Context, id string) (Envelope, error) {
	if id == "" {
		return Envelope{}, ErrNotFound
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Envelope{}, fmt.Errorf("envelope: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	return s.repo.Get(ctx, tx, id)
}

// RecordDelivery advances a signer from SENT to DELIVERED. Repeated calls are
// no-ops that return the stored envelope unchanged.
func (s *Service) RecordDelivery(ctx context.Context, id string, signerIndex int) (Envelope, error) {
	return s.transition(ctx, "envelope.RecordDelivery", id, func(env *Envelope) (*change, error) {
		if err := checkIndex(*env, signerIndex); err != nil {
			return nil, err
		}
		if !applyDelivery(env, signerIndex, s.now().UTC()) {
			return nil, nil
		}
		return &change{
			event:       EventSignerDelivered,
			topic:       OutboxTopicDelivered,
			signerIndex: &signerIndex,
			payload: map[string]any{
				"signer_email": env.Signers[signerIndex].Email,
			},
		}, nil
	})
}

// RecordCompletion marks a signer COMPLETED and points the envelope at the
// newly stored artifact. completedAt is only stamped the first time.
func (s *Service) RecordCompletion(ctx context.Context, id string, signerIndex int, artifact Artifact) (Envelope, error) {
	if artifact.StoredName == "" {
		return Envelope{}, ErrMissingArtifact
	}
	return s.transition(ctx, "envelope.RecordCompletion", id, func(env *Envelope) (*change, error) {
		if err := checkIndex(*env, signerIndex); err != nil {
			return nil, err
		}
		if err := applyCompletion(env, signerIndex, artifact, s.now().UTC()); err != nil {
			return nil, err
		}
		return &change{
			event:       EventSignerCompleted,
			topic:       OutboxTopicCompleted,
			signerIndex: &signerIndex,
			payload: map[string]any{
				"signer_email": env.Signers[signerIndex].Email,
				"signed_pdf":   artifact.StoredName,
			},
		}, nil
	})
}

// Cancel voids the envelope and every signer, including completed ones.
func (s *Service) Cancel(ctx context.Context, id string) (Envelope, error) {
	return s.transition(ctx, "envelope.Cancel", id, func(env *Envelope) (*change, error) {
		if !applyCancel(env) {
			return nil, nil
		}
		return &change{
			event: EventEnvelopeVoided,
			topic: OutboxTopicVoided,
		}, nil
	})
}

type change struct {
	event       string
	topic       string
	signerIndex *int
	payload     map[string]any
}

// transition runs one read-modify-write against a locked envelope row. The
// version guard on Save rejects writes based on a stale read.
func (s *Service) transition(ctx context.Context, op, id string, fn func(env *Envelope) (*change, error)) (Envelope, error) {
	ctx, span := s.tracer.Start(ctx, op, trace.WithAttributes(attribute.String("envelope.id", id)))
	defer span.End()

	if id == "" {
		return Envelope{}, ErrNotFound
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Envelope{}, s.fail(span, fmt.Errorf("envelope: begin tx: %w", err))
	}
	defer tx.Rollback(ctx)

	current, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Envelope{}, s.fail(span, err)
	}

	next := current.Clone()
	ch, err := fn(&next)
	if err != nil {
		return Envelope{}, s.fail(span, err)
	}
	if ch == nil {
		span.SetAttributes(attribute.Bool("envelope.noop", true))
		return current, nil
	}

	saved, err := s.repo.Save(ctx, tx, next, current.Version)
	if err != nil {
		return Envelope{}, s.fail(span, err)
	}

	payload := ch.payload
	if payload == nil {
		payload = make(map[string]any, 3)
	}
	payload["envelope_id"] = saved.ID
	payload["document_status"] = saved.Status
	if ch.signerIndex != nil {
		payload["signer_index"] = *ch.signerIndex
	}
	if err := s.record(ctx, tx, saved.ID, ch.event, ch.topic, ch.signerIndex, payload); err != nil {
		return Envelope{}, s.fail(span, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Envelope{}, s.fail(span, fmt.Errorf("envelope: commit: %w", err))
	}

	span.SetAttributes(attribute.String("envelope.status", string(saved.Status)))
	s.metrics.observe(ch.event)
	return saved, nil
}

func (s *Service) record(ctx context.Context, tx pgx.Tx, envelopeID, event, topic string, signerIndex *int, payload map[string]any) error {
	if err := s.repo.AppendEvent(ctx, tx, envelopeID, event, signerIndex, payload); err != nil {
		return err
	}
	if s.outbox == nil {
		return nil
	}
	if err := s.outbox.Enqueue(ctx, tx, topic, envelopeID, payload); err != nil {
		return fmt.Errorf("envelope: enqueue outbox: %w", err)
	}
	return nil
}

func (s *Service) fail(span trace.Span, err error) error {
	var verr ValidationError
	if !errors.As(err, &verr) && !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrSignerNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func checkIndex(env Envelope, idx int) error {
	if idx < 0 || idx >= len(env.Signers) {
		return ErrSignerNotFound
	}
	return nil
}

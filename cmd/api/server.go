package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"signflow/blob"
	"signflow/docgen"
	"signflow/envelope"
	"signflow/httpx"
	"signflow/notify"
	"signflow/token"
)

type envelopeService interface {
	Create(ctx context.Context, params envelope.CreateParams) (envelope.Envelope, error)
	Get(ctx context.Context, id string) (envelope.Envelope, error)
	RecordDelivery(ctx context.Context, id string, signerIndex int) (envelope.Envelope, error)
	RecordCompletion(ctx context.Context, id string, signerIndex int, artifact envelope.Artifact) (envelope.Envelope, error)
	Cancel(ctx context.Context, id string) (envelope.Envelope, error)
}

type tokenVerifier interface {
	Verify(raw string) (token.Claims, error)
}

type blobStore interface {
	Store(ctx context.Context, content io.Reader, suggestedName, mimetype string) (blob.Object, error)
	ReceiveUpload(ctx context.Context, content io.Reader, filename, declaredType string, c blob.Constraints) (blob.Object, error)
	ServeFile(w http.ResponseWriter, r *http.Request, name string)
}

type documentGenerator interface {
	Entries() []docgen.Entry
	Generate(ids []string, fields docgen.Fields) ([]docgen.Document, error)
}

type signerNotifier interface {
	NotifySigners(ctx context.Context, env envelope.Envelope) notify.Report
}

// Server wires the envelope service to HTTP.
type Server struct {
	envelopes      envelopeService
	tokens         tokenVerifier
	blobs          blobStore
	docs           documentGenerator
	notifier       signerNotifier
	log            *slog.Logger
	maxUploadBytes int64
	ready          func(ctx context.Context) error
	metrics        *httpx.Metrics
	metricsHandler http.Handler

	pending sync.WaitGroup
}

// Routes builds the chi router with the ambient middleware stack.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.RequestID, httpx.AccessLog(s.logger()), middleware.Recoverer)
	if s.metrics != nil {
		r.Use(s.metrics.Middleware)
	}

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	if s.metricsHandler != nil {
		r.Handle("/metrics", s.metricsHandler)
	}

	r.Get("/templates", s.handleTemplates)
	r.Post("/envelopes", s.handleCreateEnvelope)
	r.Get("/envelopes/by-token/{token}", s.handleEnvelopeByToken)
	r.Post("/envelopes/{token}/complete", s.handleComplete)
	r.Post("/envelopes/{token}/cancel", s.handleCancel)
	r.Get("/sign/{token}", s.handleSigningPage)
	r.Get("/files/{name}", s.handleFile)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.logger().Warn("readiness_failed", slog.String("err", err.Error()))
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "not_ready", "dependencies unavailable")
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	s.blobs.ServeFile(w, r, chi.URLParam(r, "name"))
}

// notifyAsync fans out invitations after the response is decided. Send
// failures never reach the client.
func (s *Server) notifyAsync(ctx context.Context, env envelope.Envelope) {
	if s.notifier == nil {
		return
	}
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		s.notifier.NotifySigners(context.WithoutCancel(ctx), env)
	}()
}

// Drain waits for in-flight notifications or until ctx ends.
func (s *Server) Drain(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger().Warn("notification_drain_timeout")
	}
}

func (s *Server) logger() *slog.Logger {
	if s.log == nil {
		return slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return s.log
}

// writeServiceError maps domain errors onto the HTTP error envelope.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	var verr envelope.ValidationError
	switch {
	case errors.As(err, &verr):
		httpx.WriteError(w, r, http.StatusBadRequest, "validation_error", verr.Error())
	case errors.Is(err, token.ErrExpired):
		httpx.WriteError(w, r, http.StatusUnauthorized, "token_expired", "signing link has expired")
	case errors.Is(err, token.ErrMalformed):
		httpx.WriteError(w, r, http.StatusUnauthorized, "invalid_token", "signing link is invalid")
	case errors.Is(err, envelope.ErrNotFound):
		httpx.WriteError(w, r, http.StatusNotFound, "not_found", "envelope not found")
	case errors.Is(err, envelope.ErrSignerNotFound):
		httpx.WriteError(w, r, http.StatusBadRequest, "signer_not_found", "signer could not be resolved")
	case errors.Is(err, envelope.ErrEnvelopeVoided):
		httpx.WriteError(w, r, http.StatusConflict, "envelope_voided", "envelope has been voided")
	case errors.Is(err, envelope.ErrConcurrentUpdate):
		httpx.WriteError(w, r, http.StatusConflict, "conflict", "envelope changed concurrently, retry")
	case errors.Is(err, blob.ErrTooLarge):
		httpx.WriteError(w, r, http.StatusBadRequest, "file_too_large", "signed file exceeds the size limit")
	case errors.Is(err, blob.ErrUnsupportedType), errors.Is(err, blob.ErrEmpty):
		httpx.WriteError(w, r, http.StatusBadRequest, "invalid_file", "signed file must be a non-empty PDF")
	default:
		s.logger().ErrorContext(r.Context(), op+"_failed",
			slog.String("request_id", httpx.GetRequestID(r.Context())),
			slog.String("err", err.Error()),
		)
		httpx.WriteError(w, r, http.StatusInternalServerError, "internal", "internal error")
	}
}

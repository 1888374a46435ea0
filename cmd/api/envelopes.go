package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"signflow/blob"
	"signflow/docgen"
	"signflow/envelope"
	"signflow/httpx"
	"signflow/recipient"
	"signflow/token"
)

const (
	createBodyLimit = 1 << 20
	multipartMemory = 1 << 20
	signedMimetype  = "application/pdf"
	signedFileField = "file"
	timestampLayout = time.RFC3339
)

type createEnvelopeRequest struct {
	Templates  []string        `json:"templates"`
	Recipients json.RawMessage `json:"recipients"`
	Fields     docgen.Fields   `json:"fields"`
}

type signerResponse struct {
	Email       string  `json:"email"`
	Name        string  `json:"name,omitempty"`
	Status      string  `json:"status"`
	SigningURL  string  `json:"signingUrl,omitempty"`
	SignedURL   string  `json:"signedUrl,omitempty"`
	SentAt      *string `json:"sentAt,omitempty"`
	DeliveredAt *string `json:"deliveredAt,omitempty"`
	CompletedAt *string `json:"completedAt,omitempty"`
}

type fileResponse struct {
	Filename   string `json:"filename"`
	StoredName string `json:"storedName"`
	URL        string `json:"url"`
	Mimetype   string `json:"mimetype"`
}

type envelopeResponse struct {
	ID             string           `json:"id"`
	DocumentStatus string           `json:"documentStatus"`
	SigningURL     string           `json:"signingUrl,omitempty"`
	SignedURL      string           `json:"signedUrl,omitempty"`
	Signers        []signerResponse `json:"signers"`
	Files          []fileResponse   `json:"files"`
	CreatedAt      string           `json:"createdAt"`
	UpdatedAt      string           `json:"updatedAt"`
}

type tokenEnvelopeResponse struct {
	ID             string         `json:"id"`
	DocumentStatus string         `json:"documentStatus"`
	Signer         signerResponse `json:"signer"`
	SignerIndex    int            `json:"signerIndex"`
	SignedURL      string         `json:"signedUrl,omitempty"`
	Files          []fileResponse `json:"files"`
}

type templateResponse struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

func (s *Server) handleTemplates(w http.ResponseWriter, r *http.Request) {
	entries := s.docs.Entries()
	out := make([]templateResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, templateResponse{ID: e.ID, Title: e.Title})
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"templates": out})
}

func (s *Server) handleCreateEnvelope(w http.ResponseWriter, r *http.Request) {
	var req createEnvelopeRequest
	if err := httpx.ReadJSON(r, &req, createBodyLimit); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "invalid_json", "request body must be a JSON object")
		return
	}
	if len(req.Templates) == 0 {
		s.writeServiceError(w, r, "envelope_create", docgen.ErrNoTemplates)
		return
	}
	recipients := recipient.Parse(req.Recipients)
	if len(recipients) == 0 {
		s.writeServiceError(w, r, "envelope_create", envelope.ErrNoRecipients)
		return
	}

	docs, err := s.docs.Generate(req.Templates, req.Fields)
	if err != nil {
		s.writeServiceError(w, r, "document_generate", err)
		return
	}

	files := make([]envelope.File, 0, len(docs))
	for _, d := range docs {
		obj, err := s.blobs.Store(r.Context(), bytes.NewReader(d.Content), d.Filename, d.Mimetype)
		if err != nil {
			s.writeServiceError(w, r, "document_store", err)
			return
		}
		files = append(files, envelope.File{
			Filename:   d.Filename,
			StoredName: obj.StoredName,
			PublicURL:  obj.PublicURL,
			Mimetype:   obj.Mimetype,
		})
	}

	env, err := s.envelopes.Create(r.Context(), envelope.CreateParams{Recipients: recipients, Files: files})
	if err != nil {
		s.writeServiceError(w, r, "envelope_create", err)
		return
	}

	s.notifyAsync(r.Context(), env)
	httpx.WriteJSON(w, http.StatusCreated, toEnvelopeResponse(env, true))
}

func (s *Server) handleEnvelopeByToken(w http.ResponseWriter, r *http.Request) {
	env, idx, ok := s.resolve(w, r)
	if !ok {
		return
	}
	env, err := s.envelopes.RecordDelivery(r.Context(), env.ID, idx)
	if err != nil {
		s.writeServiceError(w, r, "envelope_deliver", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, tokenEnvelopeResponse{
		ID:             env.ID,
		DocumentStatus: string(env.Status),
		Signer:         toSignerResponse(env.Signers[idx], false),
		SignerIndex:    idx,
		SignedURL:      env.SignedURL,
		Files:          toFileResponses(env.Files),
	})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.verify(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes+multipartMemory)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeServiceError(w, r, "envelope_complete", blob.ErrTooLarge)
			return
		}
		if !errors.Is(err, http.ErrNotMultipart) {
			httpx.WriteError(w, r, http.StatusBadRequest, "invalid_form", "request must be multipart/form-data")
			return
		}
	}
	file, header, err := r.FormFile(signedFileField)
	if err != nil {
		s.writeServiceError(w, r, "envelope_complete", envelope.ErrMissingFile)
		return
	}
	defer func() { _ = file.Close() }()

	env, err := s.envelopes.Get(r.Context(), claims.EnvelopeID)
	if err != nil {
		s.writeServiceError(w, r, "envelope_complete", err)
		return
	}
	idx, err := envelope.ResolveSigner(env, claims.Index, claims.Email)
	if err != nil {
		s.writeServiceError(w, r, "envelope_complete", err)
		return
	}
	if env.Status == envelope.StatusVoided {
		s.writeServiceError(w, r, "envelope_complete", envelope.ErrEnvelopeVoided)
		return
	}

	obj, err := s.blobs.ReceiveUpload(r.Context(), file, header.Filename, header.Header.Get("Content-Type"), blob.Constraints{
		ContentType: signedMimetype,
		MaxBytes:    s.maxUploadBytes,
	})
	if err != nil {
		s.writeServiceError(w, r, "signed_file_store", err)
		return
	}

	env, err = s.envelopes.RecordCompletion(r.Context(), env.ID, idx, envelope.Artifact{
		StoredName: obj.StoredName,
		PublicURL:  obj.PublicURL,
	})
	if err != nil {
		// The upload is already on disk and no signer references it.
		s.logger().WarnContext(r.Context(), "signed_file_orphaned",
			slog.String("stored_name", obj.StoredName),
			slog.String("envelope_id", env.ID),
			slog.Int("signer_index", idx),
			slog.String("err", err.Error()),
		)
		s.writeServiceError(w, r, "envelope_complete", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toEnvelopeResponse(env, false))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	env, _, ok := s.resolve(w, r)
	if !ok {
		return
	}
	env, err := s.envelopes.Cancel(r.Context(), env.ID)
	if err != nil {
		s.writeServiceError(w, r, "envelope_cancel", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toEnvelopeResponse(env, false))
}

// verify authenticates the path token. State checks happen afterwards
// against the stored envelope.
func (s *Server) verify(w http.ResponseWriter, r *http.Request) (token.Claims, bool) {
	raw := chi.URLParam(r, "token")
	if raw == "" {
		httpx.WriteError(w, r, http.StatusUnauthorized, "invalid_token", "signing link is required")
		return token.Claims{}, false
	}
	claims, err := s.tokens.Verify(raw)
	if err != nil {
		s.writeServiceError(w, r, "token_verify", err)
		return token.Claims{}, false
	}
	return claims, true
}

func (s *Server) resolve(w http.ResponseWriter, r *http.Request) (envelope.Envelope, int, bool) {
	claims, ok := s.verify(w, r)
	if !ok {
		return envelope.Envelope{}, 0, false
	}
	env, err := s.envelopes.Get(r.Context(), claims.EnvelopeID)
	if err != nil {
		s.writeServiceError(w, r, "envelope_get", err)
		return envelope.Envelope{}, 0, false
	}
	idx, err := envelope.ResolveSigner(env, claims.Index, claims.Email)
	if err != nil {
		s.writeServiceError(w, r, "envelope_get", err)
		return envelope.Envelope{}, 0, false
	}
	return env, idx, true
}

// toEnvelopeResponse renders a snapshot. Signing links are only exposed to
// the creator; a signer must never see another signer's capability.
func toEnvelopeResponse(env envelope.Envelope, withLinks bool) envelopeResponse {
	out := envelopeResponse{
		ID:             env.ID,
		DocumentStatus: string(env.Status),
		SignedURL:      env.SignedURL,
		Signers:        make([]signerResponse, 0, len(env.Signers)),
		Files:          toFileResponses(env.Files),
		CreatedAt:      env.CreatedAt.UTC().Format(timestampLayout),
		UpdatedAt:      env.UpdatedAt.UTC().Format(timestampLayout),
	}
	if withLinks {
		out.SigningURL = env.SigningURL
	}
	for _, signer := range env.Signers {
		out.Signers = append(out.Signers, toSignerResponse(signer, withLinks))
	}
	return out
}

func toSignerResponse(s envelope.Signer, withLink bool) signerResponse {
	out := signerResponse{
		Email:       s.Email,
		Name:        s.Name,
		Status:      string(s.Status),
		SignedURL:   s.SignedURL,
		SentAt:      formatTime(s.SentAt),
		DeliveredAt: formatTime(s.DeliveredAt),
		CompletedAt: formatTime(s.CompletedAt),
	}
	if withLink {
		out.SigningURL = s.SigningURL
	}
	return out
}

func toFileResponses(files []envelope.File) []fileResponse {
	out := make([]fileResponse, 0, len(files))
	for _, f := range files {
		out = append(out, fileResponse{
			Filename:   f.Filename,
			StoredName: f.StoredName,
			URL:        f.PublicURL,
			Mimetype:   f.Mimetype,
		})
	}
	return out
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := t.UTC().Format(timestampLayout)
	return &v
}

package envelope

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PGRepository implements Repository over the envelopes, envelope_signers,
// envelope_files and envelope_events tables.
type PGRepository struct{}

func NewRepository() *PGRepository {
	return &PGRepository{}
}

// Insert writes the envelope row and all of its signers and files.
func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, env Envelope) (Envelope, error) {
	const insertSQL = `
INSERT INTO envelopes (id, document_status, signing_url)
VALUES ($1, $2, $3)
RETURNING version, created_at, updated_at
`
	if err := tx.QueryRow(ctx, insertSQL, env.ID, env.Status, env.SigningURL).
		Scan(&env.Version, &env.CreatedAt, &env.UpdatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Envelope{}, fmt.Errorf("envelope: duplicate id %s", env.ID)
		}
		return Envelope{}, fmt.Errorf("envelope: insert: %w", err)
	}

	const signerSQL = `
INSERT INTO envelope_signers (envelope_id, signer_index, email, name, status, signing_url, sent_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`
	for i, s := range env.Signers {
		if _, err := tx.Exec(ctx, signerSQL, env.ID, i, s.Email, s.Name, s.Status, s.SigningURL, s.SentAt); err != nil {
			return Envelope{}, fmt.Errorf("envelope: insert signer %d: %w", i, err)
		}
	}

	const fileSQL = `
INSERT INTO envelope_files (envelope_id, position, filename, stored_name, public_url, mimetype)
VALUES ($1, $2, $3, $4, $5, $6)
`
	for i, f := range env.Files {
		if _, err := tx.Exec(ctx, fileSQL, env.ID, i, f.Filename, f.StoredName, f.PublicURL, f.Mimetype); err != nil {
			return Envelope{}, fmt.Errorf("envelope: insert file %d: %w", i, err)
		}
	}

	return env, nil
}

func (r *PGRepository) Get(ctx context.Context, tx pgx.Tx, id string) (Envelope, error) {
	return r.load(ctx, tx, id, false)
}

// GetForUpdate loads the envelope while holding its row lock until the
// transaction ends, serializing concurrent transitions on the same envelope.
func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Envelope, error) {
	return r.load(ctx, tx, id, true)
}

func (r *PGRepository) load(ctx context.Context, tx pgx.Tx, id string, lock bool) (Envelope, error) {
	query := `
SELECT id::text, document_status, signing_url, signed_pdf, signed_url, version, created_at, updated_at
FROM envelopes
WHERE id = $1
`
	if lock {
		query += "FOR UPDATE"
	}

	var (
		env       Envelope
		signedPDF *string
		signedURL *string
	)
	err := tx.QueryRow(ctx, query, id).Scan(
		&env.ID,
		&env.Status,
		&env.SigningURL,
		&signedPDF,
		&signedURL,
		&env.Version,
		&env.CreatedAt,
		&env.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Envelope{}, ErrNotFound
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "22P02" {
			// malformed uuid
			return Envelope{}, ErrNotFound
		}
		return Envelope{}, fmt.Errorf("envelope: load: %w", err)
	}
	env.SignedPDF = deref(signedPDF)
	env.SignedURL = deref(signedURL)

	if env.Signers, err = r.loadSigners(ctx, tx, env.ID); err != nil {
		return Envelope{}, err
	}
	if env.Files, err = r.loadFiles(ctx, tx, env.ID); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func (r *PGRepository) loadSigners(ctx context.Context, tx pgx.Tx, id string) ([]Signer, error) {
	const query = `
SELECT email, name, status, signing_url, signed_pdf, signed_url, sent_at, delivered_at, completed_at
FROM envelope_signers
WHERE envelope_id = $1
ORDER BY signer_index ASC
`
	rows, err := tx.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("envelope: load signers: %w", err)
	}
	defer rows.Close()

	signers := make([]Signer, 0, 4)
	for rows.Next() {
		var (
			s         Signer
			signedPDF *string
			signedURL *string
		)
		if err := rows.Scan(&s.Email, &s.Name, &s.Status, &s.SigningURL, &signedPDF, &signedURL, &s.SentAt, &s.DeliveredAt, &s.CompletedAt); err != nil {
			return nil, fmt.Errorf("envelope: scan signer: %w", err)
		}
		s.SignedPDF = deref(signedPDF)
		s.SignedURL = deref(signedURL)
		signers = append(signers, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("envelope: iterate signers: %w", err)
	}
	return signers, nil
}

func (r *PGRepository) loadFiles(ctx context.Context, tx pgx.Tx, id string) ([]File, error) {
	const query = `
SELECT filename, stored_name, public_url, mimetype
FROM envelope_files
WHERE envelope_id = $1
ORDER BY position ASC
`
	rows, err := tx.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("envelope: load files: %w", err)
	}
	defer rows.Close()

	files := make([]File, 0, 2)
	for rows.Next() {
		var f File
		if err := rows.Scan(&f.Filename, &f.StoredName, &f.PublicURL, &f.Mimetype); err != nil {
			return nil, fmt.Errorf("envelope: scan file: %w", err)
		}
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("envelope: iterate files: %w", err)
	}
	return files, nil
}

// Save writes the aggregate status, artifact pointers and every signer row.
// The update only applies when the stored version still equals
// expectedVersion; signer timestamps keep their first value.
func (r *PGRepository) Save(ctx context.Context, tx pgx.Tx, env Envelope, expectedVersion int64) (Envelope, error) {
	const updateSQL = `
UPDATE envelopes
SET document_status = $3,
    signed_pdf = NULLIF($4, ''),
    signed_url = NULLIF($5, ''),
    version = version + 1,
    updated_at = now()
WHERE id = $1 AND version = $2
RETURNING version, updated_at
`
	err := tx.QueryRow(ctx, updateSQL, env.ID, expectedVersion, env.Status, env.SignedPDF, env.SignedURL).
		Scan(&env.Version, &env.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Envelope{}, ErrConcurrentUpdate
		}
		return Envelope{}, fmt.Errorf("envelope: update: %w", err)
	}

	const signerSQL = `
UPDATE envelope_signers
SET status = $3,
    signed_pdf = NULLIF($4, ''),
    signed_url = NULLIF($5, ''),
    sent_at = COALESCE(sent_at, $6),
    delivered_at = COALESCE(delivered_at, $7),
    completed_at = COALESCE(completed_at, $8)
WHERE envelope_id = $1 AND signer_index = $2
`
	for i, s := range env.Signers {
		tag, err := tx.Exec(ctx, signerSQL, env.ID, i, s.Status, s.SignedPDF, s.SignedURL, s.SentAt, s.DeliveredAt, s.CompletedAt)
		if err != nil {
			return Envelope{}, fmt.Errorf("envelope: update signer %d: %w", i, err)
		}
		if tag.RowsAffected() != 1 {
			return Envelope{}, fmt.Errorf("envelope: signer %d missing", i)
		}
	}

	return env, nil
}

// AppendEvent adds an entry to the envelope timeline.
func (r *PGRepository) AppendEvent(ctx context.Context, tx pgx.Tx, envelopeID, eventType string, signerIndex *int, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("envelope: marshal timeline payload: %w", err)
	}
	const insertSQL = `
INSERT INTO envelope_events (envelope_id, type, signer_index, payload)
VALUES ($1, $2, $3, $4::jsonb)
`
	if _, err := tx.Exec(ctx, insertSQL, envelopeID, eventType, signerIndex, body); err != nil {
		return fmt.Errorf("envelope: insert timeline event: %w", err)
	}
	return nil
}

// ListEvents returns the timeline of an envelope in insertion order.
func (r *PGRepository) ListEvents(ctx context.Context, tx pgx.Tx, envelopeID string) ([]TimelineEvent, error) {
	const query = `
SELECT id, envelope_id::text, type, signer_index, payload, created_at
FROM envelope_events
WHERE envelope_id = $1
ORDER BY id ASC
`
	rows, err := tx.Query(ctx, query, envelopeID)
	if err != nil {
		return nil, fmt.Errorf("envelope: list events: %w", err)
	}
	defer rows.Close()

	out := make([]TimelineEvent, 0, 8)
	for rows.Next() {
		var ev TimelineEvent
		if err := rows.Scan(&ev.ID, &ev.EnvelopeID, &ev.Type, &ev.SignerIndex, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("envelope: scan event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("envelope: iterate events: %w", err)
	}
	return out, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

package envelope

import "time"

// Status is shared by envelopes and signers.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusSent      Status = "SENT"
	StatusDelivered Status = "DELIVERED"
	StatusCompleted Status = "COMPLETED"
	StatusVoided    Status = "VOIDED"
)

// Envelope mirrors the envelopes table plus its embedded signers and files.
// Signers are addressed by their position; the slice length never changes
// after creation.
type Envelope struct {
	ID         string
	Status     Status
	Signers    []Signer
	Files      []File
	SigningURL string
	SignedPDF  string
	SignedURL  string
	Version    int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Signer is one recipient inside an envelope.
type Signer struct {
	Email       string
	Name        string
	Status      Status
	SigningURL  string
	SignedPDF   string
	SignedURL   string
	SentAt      *time.Time
	DeliveredAt *time.Time
	CompletedAt *time.Time
}

// File describes one generated original document.
type File struct {
	Filename   string
	StoredName string
	PublicURL  string
	Mimetype   string
}

// Recipient is a normalized signer address used as creation input.
type Recipient struct {
	Email string
	Name  string
}

// Artifact points at a signed document held by the blob store.
type Artifact struct {
	StoredName string
	PublicURL  string
}

// TimelineEvent captures an immutable business event for an envelope.
type TimelineEvent struct {
	ID          int64
	EnvelopeID  string
	Type        string
	SignerIndex *int
	Payload     []byte
	CreatedAt   time.Time
}

const (
	EventEnvelopeCreated = "ENVELOPE_CREATED"
	EventSignerDelivered = "SIGNER_DELIVERED"
	EventSignerCompleted = "SIGNER_COMPLETED"
	EventEnvelopeVoided  = "ENVELOPE_VOIDED"
)

const (
	// OutboxTopicCreated is published when a new envelope has been persisted.
	OutboxTopicCreated   = "envelope.created"
	OutboxTopicDelivered = "envelope.delivered"
	// OutboxTopicCompleted is published for every signer completion; the
	// payload carries the aggregate status so consumers can detect full execution.
	OutboxTopicCompleted = "envelope.completed"
	OutboxTopicVoided    = "envelope.voided"
)

// Clone returns a deep copy so callers can mutate signers without touching
// the original snapshot.
func (e Envelope) Clone() Envelope {
	out := e
	out.Signers = make([]Signer, len(e.Signers))
	for i, s := range e.Signers {
		out.Signers[i] = s.clone()
	}
	out.Files = append([]File(nil), e.Files...)
	return out
}

func (s Signer) clone() Signer {
	out := s
	out.SentAt = copyTime(s.SentAt)
	out.DeliveredAt = copyTime(s.DeliveredAt)
	out.CompletedAt = copyTime(s.CompletedAt)
	return out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

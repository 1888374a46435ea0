package envelope

import (
	"strings"
	"time"
)

// Recompute derives the envelope status from its signers. It is the only
// place the aggregate rules live and is called after every signer mutation.
func Recompute(signers []Signer) Status {
	if len(signers) == 0 {
		return StatusPending
	}

	allCompleted := true
	allDelivered := true
	for _, s := range signers {
		switch s.Status {
		case StatusVoided:
			return StatusVoided
		case StatusCompleted:
		case StatusDelivered:
			allCompleted = false
		default:
			allCompleted = false
			allDelivered = false
		}
	}

	switch {
	case allCompleted:
		return StatusCompleted
	case allDelivered:
		return StatusDelivered
	default:
		return StatusSent
	}
}

// rank orders the forward lifecycle. VOIDED sits outside the order.
func rank(s Status) int {
	switch s {
	case StatusPending:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusCompleted:
		return 3
	default:
		return -1
	}
}

// ResolveSigner picks the signer a token refers to. The index claimed by the
// token wins when it is in range and its email agrees; otherwise the email is
// looked up.
func ResolveSigner(env Envelope, claimedIndex int, claimedEmail string) (int, error) {
	email := strings.ToLower(strings.TrimSpace(claimedEmail))
	if claimedIndex >= 0 && claimedIndex < len(env.Signers) {
		if email == "" || env.Signers[claimedIndex].Email == email {
			return claimedIndex, nil
		}
	}
	if email != "" {
		for i, s := range env.Signers {
			if s.Email == email {
				return i, nil
			}
		}
	}
	return -1, ErrSignerNotFound
}

// applyDelivery moves a signer from SENT to DELIVERED. It reports whether
// anything changed; later states are left untouched.
func applyDelivery(env *Envelope, idx int, now time.Time) bool {
	s := &env.Signers[idx]
	if s.Status == StatusVoided || rank(s.Status) >= rank(StatusDelivered) {
		return false
	}
	s.Status = StatusDelivered
	if s.DeliveredAt == nil {
		t := now
		s.DeliveredAt = &t
	}
	env.Status = Recompute(env.Signers)
	return true
}

// applyCompletion marks a signer COMPLETED and records their artifact.
// Completing again overwrites only the signer's own artifact.
func applyCompletion(env *Envelope, idx int, artifact Artifact, now time.Time) error {
	if env.Status == StatusVoided {
		return ErrEnvelopeVoided
	}
	s := &env.Signers[idx]
	if s.Status == StatusVoided {
		return ErrEnvelopeVoided
	}
	s.Status = StatusCompleted
	if s.CompletedAt == nil {
		t := now
		s.CompletedAt = &t
	}
	s.SignedPDF = artifact.StoredName
	s.SignedURL = artifact.PublicURL
	env.SignedPDF = artifact.StoredName
	env.SignedURL = artifact.PublicURL
	env.Status = Recompute(env.Signers)
	return nil
}

// applyCancel voids every signer regardless of their state.
func applyCancel(env *Envelope) bool {
	changed := env.Status != StatusVoided
	for i := range env.Signers {
		if env.Signers[i].Status != StatusVoided {
			env.Signers[i].Status = StatusVoided
			changed = true
		}
	}
	env.Status = StatusVoided
	return changed
}

// newSigners builds the initial signer list for a fresh envelope.
func newSigners(recipients []Recipient, now time.Time) []Signer {
	out := make([]Signer, len(recipients))
	for i, r := range recipients {
		t := now
		out[i] = Signer{
			Email:  strings.ToLower(strings.TrimSpace(r.Email)),
			Name:   strings.TrimSpace(r.Name),
			Status: StatusSent,
			SentAt: &t,
		}
	}
	return out
}

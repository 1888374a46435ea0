package envelope

import "errors"

var (
	// ErrNotFound is returned when no envelope row exists for the identifier.
	ErrNotFound = errors.New("envelope: not found")
	// ErrSignerNotFound is returned when a signer index or email does not resolve.
	ErrSignerNotFound = errors.New("envelope: signer not found")
	// ErrEnvelopeVoided rejects completions on a cancelled envelope.
	ErrEnvelopeVoided = errors.New("envelope: envelope is voided")
	// ErrConcurrentUpdate signals the version guard rejected a write.
	ErrConcurrentUpdate = errors.New("envelope: concurrent update")
)

// ValidationError marks user-correctable input problems detected before any
// state is mutated.
type ValidationError string

func (e ValidationError) Error() string { return string(e) }

const (
	ErrNoRecipients    = ValidationError("no valid recipients")
	ErrNoFiles         = ValidationError("no files")
	ErrMissingFile     = ValidationError("signed file is required")
	ErrMissingArtifact = ValidationError("signed artifact reference is required")
)

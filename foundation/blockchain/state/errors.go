package state

import "errors"

// The error kinds surfaced by the public entry points. Everything except
// the checkpoint violation is recoverable: the innermost undo session has
// rolled back and the caller may continue with other input.
var (
	// ErrDuplicateTransaction reports a transaction already present in the
	// duplicate detection index.
	ErrDuplicateTransaction = errors.New("duplicate transaction")

	// ErrAuthority reports missing or insufficient signatures.
	ErrAuthority = errors.New("missing required authority")

	// ErrTaposCheck reports a transaction referencing unknown history.
	ErrTaposCheck = errors.New("transaction tapos reference mismatch")

	// ErrExpiration reports a transaction outside its expiration window.
	ErrExpiration = errors.New("transaction expiration out of window")

	// ErrCheckpointViolation reports a block contradicting a configured
	// checkpoint. Fatal: the node stops applying further blocks on that
	// fork.
	ErrCheckpointViolation = errors.New("checkpoint violation")

	// ErrTransactionTooLarge reports a transaction over the 1 MiB cap.
	ErrTransactionTooLarge = errors.New("transaction exceeds maximum transaction size")
)

package core

import "errors"

// Error taxonomy for the section-core node. Each sentinel corresponds to one
// of the categories in the error-handling design: transport, authority,
// protocol, resource, not-found and fatal. Callers use errors.Is against
// these sentinels; wrapped context is added with fmt.Errorf and %w.
var (
	// Transport — local retry with backoff, then a Communication dysfunction issue.
	ErrConnReset    = errors.New("section: connection reset")
	ErrSendFailed   = errors.New("section: send failed")
	ErrSendTimeout  = errors.New("section: send timed out")

	// Authority — drop message, never respond, log at warn.
	ErrBadSignature       = errors.New("section: bad signature")
	ErrStaleSectionKey    = errors.New("section: stale section key")
	ErrUnknownProofChain  = errors.New("section: unknown proof chain key")
	ErrUntrustedProofChain = errors.New("section: proof chain does not connect to local knowledge")
	ErrOutdatedSAP        = errors.New("section: sap older than local knowledge")

	// Protocol — drop the connection.
	ErrMalformedFrame  = errors.New("section: malformed frame")
	ErrUnknownVersion  = errors.New("section: unknown wire version")
	ErrImpossibleState = errors.New("section: impossible state transition")

	// Resource — back-pressure, never applied to infrastructure messages.
	ErrServiceBusy    = errors.New("section: service busy")
	ErrNotEnoughSpace = errors.New("section: not enough space")
	ErrQueueFull      = errors.New("section: queue full")

	// NotFound — distinguishable from transport failure so only the latter is retried.
	ErrChunkNotFound    = errors.New("section: chunk not found")
	ErrRegisterNotFound = errors.New("section: register not found")

	// Fatal — abort the process.
	ErrCorruptedState  = errors.New("section: corrupted persistent state")
	ErrGenesisBroken   = errors.New("section: genesis chain broken")
)

// IsNotFound reports whether err represents a NotFound-class error, the only
// class a client should treat as "try another adult" rather than "retry this one".
func IsNotFound(err error) bool {
	return errors.Is(err, ErrChunkNotFound) || errors.Is(err, ErrRegisterNotFound)
}

// IsFatal reports whether err must abort the node process (exit codes in §6).
func IsFatal(err error) bool {
	return errors.Is(err, ErrCorruptedState) || errors.Is(err, ErrGenesisBroken)
}

package broker

import "errors"

// Sentinel errors for the taxonomy in spec.md §7. Callers use errors.Is to
// map a failure onto the right WebSocket close reason instead of matching
// on ad hoc strings.
var (
	ErrNotFound           = errors.New("broker: session not found")
	ErrCredentialMismatch = errors.New("broker: credential mismatch")
	ErrExpired            = errors.New("broker: orphan grace expired")
	ErrCapacity           = errors.New("broker: bucket at capacity")
	ErrResumeRateLimited  = errors.New("broker: resume rate limited")
	ErrAlreadyAttached    = errors.New("broker: session already has an attached socket")
	ErrTakeoverInProgress = errors.New("broker: a takeover or resume is already in flight")
)

// Reason identifies why a session was terminated or a socket was closed.
// These map directly onto the status:disconnected/error reason strings in
// the wire protocol (spec.md §4.2, §7).
type Reason string

const (
	ReasonClientExit      Reason = "client_exit"
	ReasonContainerExit   Reason = "container_exit"
	ReasonIdleTimeout     Reason = "timeout"
	ReasonDurationTimeout Reason = "timeout"
	ReasonOrphanExpired   Reason = "timeout"
	ReasonShutdown        Reason = "shutdown"
	ReasonReplaced        Reason = "replaced"
	ReasonContainerGone   Reason = "container_gone"
)

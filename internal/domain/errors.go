package domain

import "fmt"

// The kernel's error taxonomy (spec section 7). These are kinds, not a
// closed set of concrete types: callers match with errors.As against the
// typed ones and errors.Is against the sentinels.

// DeliveryError is a kind-2 error: the crank commits normally and the
// result promise (if any) is rejected with an error CapData carrying this
// message, rather than the crank itself failing.
type DeliveryError struct {
	Reason string
}

func (e *DeliveryError) Error() string { return e.Reason }

func RevokedObjectError() *DeliveryError { return &DeliveryError{Reason: "revoked object"} }
func NoEndpointError() *DeliveryError    { return &DeliveryError{Reason: "no endpoint"} }

// WorkerError is a kind-3 error: thrown by user code during a delivery.
// The outgoing result promise rejects; the vat continues.
type WorkerError struct {
	Cause error
}

func (e *WorkerError) Error() string { return fmt.Sprintf("worker error: %v", e.Cause) }
func (e *WorkerError) Unwrap() error { return e.Cause }

// VatCrashError is a kind-4 error: the worker process died. The active
// crank's savepoint is rolled back and the vat is restarted.
type VatCrashError struct {
	VatID VatID
	Cause error
}

func (e *VatCrashError) Error() string {
	return fmt.Sprintf("vat %s crashed: %v", e.VatID, e.Cause)
}
func (e *VatCrashError) Unwrap() error { return e.Cause }

// InitializationError is a kind-5 error: thrown during module evaluation,
// buildRootObject, or the initial bootstrap delivery. Bubbles out of
// launchSubcluster.
type InitializationError struct {
	Cause error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("subcluster initialization failed: %v", e.Cause)
}
func (e *InitializationError) Unwrap() error { return e.Cause }

// RemoteError is a kind-6 error: network failure, malformed inbound frame.
type RemoteError struct {
	PeerID PeerID
	Reason string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error from %s: %s", e.PeerID, e.Reason)
}

// RemotePeerDisconnectedError is the synthetic rejection used for pending
// result promises when a remote peer connection is lost.
func RemotePeerDisconnectedError() *RemoteError {
	return &RemoteError{Reason: "remote peer disconnected"}
}

// InternalError is a kind-7 error: an invariant violation (e.g.
// recognizable < reachable). The crank aborts without committing and the
// error surfaces to the host.
type InternalError struct {
	Invariant string
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("internal error: invariant violated: %s", e.Invariant)
}

// VatTerminatedError is the synthetic rejection used for a decider vat's
// undelivered promises when that vat is terminated.
func VatTerminatedError() error { return fmt.Errorf("vat terminated") }

// PromiseCycleError is the synthetic rejection used when a promise is
// resolved to itself (directly or through a forward chain).
func PromiseCycleError() error { return fmt.Errorf("promise cycle detected") }

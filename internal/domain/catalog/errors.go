package catalog

import "errors"

// Error taxonomy for a sync run. The orchestrator's retry/escalate decision
// is driven off this set rather than inspecting concrete error types.
var (
	// ErrUpstreamUnavailable indicates the commerce backend could not be
	// reached or refused the request. Retryable.
	ErrUpstreamUnavailable = errors.New("upstream catalog unavailable")

	// ErrUpstreamMalformed indicates the commerce backend responded with a
	// payload that cannot be parsed into the expected shape. Never retried:
	// the same request will produce the same garbage.
	ErrUpstreamMalformed = errors.New("upstream response malformed")

	// ErrTargetUnavailable indicates a whole-batch transport or auth failure
	// against the messaging platform, distinct from per-record rejection.
	// Retryable with backoff.
	ErrTargetUnavailable = errors.New("target system unavailable")

	// ErrCheckpointUnavailable indicates the checkpoint store cannot be
	// reached. Fatal: progress cannot be trusted without it.
	ErrCheckpointUnavailable = errors.New("checkpoint store unavailable")

	// ErrRunAlreadyInProgress indicates another run holds the exclusive run
	// lock for this catalog pair.
	ErrRunAlreadyInProgress = errors.New("sync run already in progress")

	// ErrNoManifest indicates a resume was requested for a manifest handle
	// that does not exist.
	ErrNoManifest = errors.New("no manifest found")
)

// IsRetryable reports whether err belongs to the transient network class that
// is retried locally with bounded attempts before escalating.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUpstreamUnavailable) || errors.Is(err, ErrTargetUnavailable)
}

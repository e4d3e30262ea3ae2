package core

// RoutingKind labels which path a turn took through the dispatcher.
type RoutingKind string

const (
	// RoutingSingle means exactly one worker produced the reply.
	RoutingSingle RoutingKind = "single"
	// RoutingMulti means several workers contributed and the replies were
	// merged into one.
	RoutingMulti RoutingKind = "multi"
	// RoutingFallback means no capable worker was found and a canned reply
	// was returned.
	RoutingFallback RoutingKind = "fallback"
	// RoutingError means every selected worker failed.
	RoutingError RoutingKind = "error"
)

// Outcome metadata keys set by the dispatcher.
const (
	// MetaRecoveredSessionID is set when an unknown session id was
	// replaced by a freshly created session.
	MetaRecoveredSessionID = "recovered_session_id"
	// MetaCacheHit is "true" when the reply was replayed from the
	// similarity cache instead of executing workers.
	MetaCacheHit = "cache_hit"
)

// DispatchOutcome is the per-turn result handed back to the transport
// layer: the reply text plus routing telemetry. It is produced once per
// turn and not persisted by the pipeline.
type DispatchOutcome struct {
	// ReplyText is the user-facing reply. On fallback/error paths it is a
	// localized apology and never contains raw error strings.
	ReplyText string `json:"reply_text"`

	// ContributingWorkerIDs lists the workers whose output made it into
	// the reply, in candidate-rank order (not completion order).
	ContributingWorkerIDs []string `json:"contributing_worker_ids"`

	// RoutingKind labels the path taken.
	RoutingKind RoutingKind `json:"routing_kind"`

	// Judgment is the classification that drove the routing decision.
	Judgment Judgment `json:"judgment"`

	// PerWorkerErrors collects individual worker failures for server-side
	// observability.
	PerWorkerErrors []WorkerError `json:"-"`

	// Metadata carries auxiliary signals (see Meta* keys).
	Metadata map[string]string `json:"metadata,omitempty"`
}

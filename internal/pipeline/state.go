package pipeline

// State tracks where an alert is in its processing lifecycle.
type State string

const (
	// StateFetched means pulled from the signal source, not yet gated.
	StateFetched State = "fetched"

	// StateQueued means past the idempotency gate, waiting for a worker
	// slot or a retry delay.
	StateQueued State = "queued"

	// StateAnalyzing means a model call is in flight.
	StateAnalyzing State = "analyzing"

	// StateAnnotating means the note write-back is in flight.
	StateAnnotating State = "annotating"

	// StateDone means a success record was written.
	StateDone State = "done"

	// StateFailedTransient means the last attempt failed retryably; the
	// alert goes back to queued until attempts run out.
	StateFailedTransient State = "failed_transient"

	// StateFailedPermanent is terminal: retrying cannot help, or the
	// attempt budget is exhausted.
	StateFailedPermanent State = "failed_permanent"
)

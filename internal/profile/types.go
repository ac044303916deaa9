package profile

// Action describes what a Request asks the manager to do with a profile.
type Action string

const (
	ActionUpsert Action = "upsert"
	ActionRemove Action = "remove"
)

// Record is the persisted metadata for one profile. LocalFile and
// LocalBaseDir are opaque random relative paths assigned at creation and
// never reused; they are the only link between the record and its on-disk
// content.
type Record struct {
	ID                    int64  `json:"id"`
	Name                  string `json:"name"`
	Type                  string `json:"type"`
	Source                string `json:"source"`
	DisplaySource         string `json:"display_source,omitempty"`
	LocalFile             string `json:"local_file"`
	LocalBaseDir          string `json:"local_base_dir"`
	Checksum              string `json:"checksum,omitempty"`
	Active                bool   `json:"active"`
	LastUpdateMillis      int64  `json:"last_update_ms"`
	RefreshIntervalMillis int64  `json:"refresh_interval_ms"`
}

// Request is an immutable description of one desired operation on one
// profile. ProfileID 0 means "create a new profile". Nil optional fields
// mean "leave unchanged" when updating an existing profile. A Request is
// consumed by exactly one worker processing cycle.
type Request struct {
	ProfileID             int64   `json:"profile_id"`
	Action                Action  `json:"action"`
	Name                  *string `json:"name,omitempty"`
	Type                  *string `json:"type,omitempty"`
	Source                *string `json:"source,omitempty"`
	DisplaySource         *string `json:"display_source,omitempty"`
	RefreshIntervalMillis *int64  `json:"refresh_interval_ms,omitempty"`

	// Completion, when non-nil, receives an accepted signal followed by
	// exactly one terminal signal. Never persisted.
	Completion chan Signal `json:"-"`
}

// Key returns the dispatch key for the request.
func (r *Request) Key() int64 {
	return r.ProfileID
}

// SignalState is the progress state reported on a completion channel.
type SignalState string

const (
	SignalAccepted  SignalState = "accepted"
	SignalCompleted SignalState = "completed"
	SignalFailed    SignalState = "failed"
)

// Signal is one progress report for a Request.
type Signal struct {
	State   SignalState `json:"state"`
	Message string      `json:"message,omitempty"`
}

// Terminal reports whether the signal ends the request's lifecycle.
func (s Signal) Terminal() bool {
	return s.State == SignalCompleted || s.State == SignalFailed
}

// NewCompletion returns a channel sized for the full accepted+terminal
// signal sequence so notifying never blocks the worker.
func NewCompletion() chan Signal {
	return make(chan Signal, 2)
}

// Notify delivers a signal to the request's completion channel, if any.
// Delivery is best-effort: an unread full channel never wedges a worker.
func (r *Request) Notify(s Signal) {
	if r.Completion == nil {
		return
	}
	select {
	case r.Completion <- s:
	default:
	}
}

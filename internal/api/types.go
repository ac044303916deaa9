package api

import "github.com/mattjoyce/profiled/internal/profile"

// SubmitRequest is the JSON body for POST /profiles. A zero or absent id
// creates a new profile; a non-zero id updates the existing one. Absent
// optional fields leave the stored value unchanged on update.
type SubmitRequest struct {
	ProfileID             int64   `json:"profile_id,omitempty"`
	Name                  *string `json:"name,omitempty"`
	Type                  *string `json:"type,omitempty"`
	Source                *string `json:"source,omitempty"`
	DisplaySource         *string `json:"display_source,omitempty"`
	RefreshIntervalMillis *int64  `json:"refresh_interval_ms,omitempty"`
}

// SubmitResponse is returned on asynchronous request acceptance.
type SubmitResponse struct {
	ProfileID int64  `json:"profile_id,omitempty"`
	Status    string `json:"status"`
}

// SyncResponse is returned when the caller asked to wait for the outcome.
type SyncResponse struct {
	ProfileID  int64  `json:"profile_id,omitempty"`
	Status     string `json:"status"`
	Message    string `json:"message,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// ProfileListResponse is returned by GET /profiles.
type ProfileListResponse struct {
	Profiles []*profile.Record `json:"profiles"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Workers       int    `json:"workers"`
	QueueDepth    int    `json:"queue_depth"`
	Profiles      int    `json:"profiles"`
}

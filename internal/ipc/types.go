package ipc

import "time"

// StatusRequest fetches daemon status.
type StatusRequest struct{}

// StatusResponse represents the daemon's externally visible state.
type StatusResponse struct {
	Running         bool      `json:"running"`
	PID             int       `json:"pid"`
	DaemonState     string    `json:"daemon_state"`
	Message         string    `json:"message"`
	LastActivity    time.Time `json:"last_activity"`
	UptimeStart     time.Time `json:"uptime_start"`
	ProcessingCount uint64    `json:"processing_count"`
	RecentErrors    []string  `json:"recent_errors"`
	QueueDepth      int       `json:"queue_depth"`
	AwaitingAddress bool      `json:"awaiting_address"`
	StatusFile      string    `json:"status_file"`
	LedgerPath      string    `json:"ledger_path"`
}

// StopRequest asks the daemon process to shut down.
type StopRequest struct{}

// StopResponse indicates the shutdown was requested.
type StopResponse struct {
	Stopped bool `json:"stopped"`
}

// CleanupNowRequest forces an immediate cleanup pass.
type CleanupNowRequest struct{}

// CleanupNowResponse reports whether the pass ran.
type CleanupNowResponse struct {
	Triggered bool   `json:"triggered"`
	Message   string `json:"message"`
}

// LedgerEntry is the wire form of a scheduled deletion.
type LedgerEntry struct {
	RemoteRef  string    `json:"remote_ref"`
	Label      string    `json:"label"`
	UploadedAt time.Time `json:"uploaded_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Attempts   int       `json:"attempts"`
	Stuck      bool      `json:"stuck"`
	LastError  string    `json:"last_error"`
}

// LedgerListRequest lists scheduled deletions.
type LedgerListRequest struct{}

// LedgerListResponse contains the current ledger entries.
type LedgerListResponse struct {
	Entries []LedgerEntry `json:"entries"`
}

// RecipientRequest answers (or cancels) the pending recipient prompt.
type RecipientRequest struct {
	Address string `json:"address"`
	Cancel  bool   `json:"cancel"`
}

// RecipientResponse reports whether the prompt was resolved.
type RecipientResponse struct {
	Accepted bool   `json:"accepted"`
	Message  string `json:"message"`
}

package ipc

import "time"

// PingRequest checks daemon liveness and state database health.
type PingRequest struct{}

// PingResponse reports liveness.
type PingResponse struct {
	Alive   bool   `json:"alive"`
	Healthy bool   `json:"healthy"`
	Message string `json:"message"`
}

// StartRequest asks the daemon to start the worker loop.
type StartRequest struct{}

// StartResponse indicates whether the worker loop was started.
type StartResponse struct {
	Started bool   `json:"started"`
	Message string `json:"message"`
}

// StopRequest ends the worker loop.
type StopRequest struct{}

// StopResponse indicates stop result.
type StopResponse struct {
	Stopped bool `json:"stopped"`
}

// StopTaskRequest cancels one running task by id.
type StopTaskRequest struct {
	ID int64 `json:"id"`
}

// StopTaskResponse reports whether the task was found and stopped.
type StopTaskResponse struct {
	Stopped bool `json:"stopped"`
}

// StatusRequest fetches the daemon status snapshot.
type StatusRequest struct{}

// TaskInfo describes one running task.
type TaskInfo struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Action    string `json:"action,omitempty"`
	SessionID int64  `json:"session_id,omitempty"`
	LogPath   string `json:"log_path,omitempty"`
}

// StatusResponse is the combined daemon and worker status.
type StatusResponse struct {
	Running        bool       `json:"running"`
	Worker         string     `json:"worker"`
	CoordinatorURL string     `json:"coordinator_url"`
	PID            int        `json:"pid"`
	StartedAt      time.Time  `json:"started_at,omitzero"`
	LastError      string     `json:"last_error,omitempty"`
	LockPath       string     `json:"lock_path"`
	StateDBPath    string     `json:"state_db_path"`
	Tasks          []TaskInfo `json:"tasks"`
}

// LogTailRequest fetches log lines based on offset and follow semantics.
type LogTailRequest struct {
	Offset     int64 `json:"offset"`
	Limit      int   `json:"limit"`
	Follow     bool  `json:"follow"`
	WaitMillis int   `json:"wait_millis"`
}

// LogTailResponse returns log lines and the next offset.
type LogTailResponse struct {
	Lines  []string `json:"lines"`
	Offset int64    `json:"offset"`
}

package coordinator

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// TimeLayout is the timestamp format used inside session and event
// records.
const TimeLayout = "2006-01-02 15:04:05"

// FormatTime renders a timestamp the way the coordinator stores them.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(TimeLayout)
}

// ParseTime reads a coordinator timestamp; the zero time is returned for
// empty or malformed values.
func ParseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(TimeLayout, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC()
	}
	return time.Time{}
}

// RawRecord is the transfer-side sub-document of a session's extra
// envelope. Frames and Path are set once on the first transfer run and
// never overwritten; the aggregate counters only grow within a session.
type RawRecord struct {
	Frames            string `json:"frames,omitempty"`
	Path              string `json:"path,omitempty"`
	Movies            int    `json:"movies"`
	Size              int64  `json:"size"`
	SizeH             string `json:"sizeH,omitempty"`
	FirstFile         string `json:"first_file,omitempty"`
	FirstFileCreation string `json:"first_file_creation,omitempty"`
	LastFile          string `json:"last_file,omitempty"`
	LastFileCreation  string `json:"last_file_creation,omitempty"`
}

// OTFStatus tracks the processing-project lifecycle.
type OTFStatus string

const (
	OTFCreated  OTFStatus = "created"
	OTFLaunched OTFStatus = "launched"
	OTFRunning  OTFStatus = "running"
	OTFStopped  OTFStatus = "stopped"
	OTFFinished OTFStatus = "finished"
)

// CanTransition reports whether moving from the receiver to next is a
// legal lifecycle step. Stopped and finished are terminal.
func (s OTFStatus) CanTransition(next OTFStatus) bool {
	switch s {
	case "":
		return next == OTFCreated
	case OTFCreated:
		return next == OTFLaunched
	case OTFLaunched:
		return next == OTFRunning || next == OTFStopped || next == OTFFinished
	case OTFRunning:
		return next == OTFStopped || next == OTFFinished
	default:
		return false
	}
}

// Terminal reports whether the status admits no further transitions.
func (s OTFStatus) Terminal() bool {
	return s == OTFStopped || s == OTFFinished
}

// OTFRecord is the processing-side sub-document of a session's extra
// envelope.
type OTFRecord struct {
	Path        string    `json:"path,omitempty"`
	Status      OTFStatus `json:"status,omitempty"`
	Workflow    string    `json:"workflow,omitempty"`
	CryoloModel string    `json:"cryolo_model,omitempty"`
	Host        string    `json:"host,omitempty"`
}

// Extra is the worker-writable envelope on a session. The coordinator
// merges PATCHes per subkey, so writers must send only the sub-document
// they own.
type Extra struct {
	Raw *RawRecord `json:"raw,omitempty"`
	OTF *OTFRecord `json:"otf,omitempty"`
}

// Session is the coordinator's session record as seen by the worker.
type Session struct {
	ID          int64                      `json:"id"`
	Name        string                     `json:"name"`
	ResourceID  int64                      `json:"resource_id"`
	Status      string                     `json:"status"`
	Acquisition map[string]json.RawMessage `json:"acquisition"`
	Extra       Extra                      `json:"extra"`
}

// AcquisitionString returns an acquisition value rendered as a string;
// numbers keep their JSON representation.
func (s *Session) AcquisitionString(key string) string {
	raw, ok := s.Acquisition[key]
	if !ok {
		return ""
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str
	}
	return string(raw)
}

// Task is a coordinator work item claimed by this worker.
type Task struct {
	ID     int64                      `json:"id"`
	Name   string                     `json:"name"`
	Args   map[string]json.RawMessage `json:"args"`
	Status string                     `json:"status"`
	Worker string                     `json:"worker"`
}

// ArgString decodes a task argument as a string, tolerating bare JSON
// scalars.
func (t *Task) ArgString(key string) string {
	raw, ok := t.Args[key]
	if !ok {
		return ""
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str
	}
	return string(raw)
}

// ArgInt64 decodes a task argument as an integer, accepting both JSON
// numbers and numeric strings.
func (t *Task) ArgInt64(key string) (int64, bool) {
	raw, ok := t.Args[key]
	if !ok {
		return 0, false
	}
	var num int64
	if err := json.Unmarshal(raw, &num); err == nil {
		return num, true
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		if parsed, err := strconv.ParseInt(strings.TrimSpace(str), 10, 64); err == nil {
			return parsed, true
		}
	}
	return 0, false
}

// Event is one append-only task event. The latest event is the task's
// observable state; done=1 marks it terminal.
type Event map[string]any

// Done reports whether the event is terminal.
func (e Event) Done() bool {
	switch v := e["done"].(type) {
	case bool:
		return v
	case int:
		return v != 0
	case float64:
		return v != 0
	default:
		return false
	}
}

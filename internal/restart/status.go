package restart

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// State is the lifecycle of a restart request. It is parsed once at the
// JSON boundary; everything else switches on the constants.
type State int

const (
	StateUnknown State = iota
	StateIdle
	StatePending
	StateApproved
	StateExecuting
	StateCompleted
	StateRejected
)

var stateNames = map[State]string{
	StateUnknown:   "unknown",
	StateIdle:      "idle",
	StatePending:   "pending",
	StateApproved:  "approved",
	StateExecuting: "executing",
	StateCompleted: "completed",
	StateRejected:  "rejected",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// ParseState maps a wire value case-insensitively. Unrecognized values
// yield StateUnknown and false.
func ParseState(raw string) (State, bool) {
	v := strings.ToLower(strings.TrimSpace(raw))
	for state, name := range stateNames {
		if state != StateUnknown && name == v {
			return state, true
		}
	}
	return StateUnknown, false
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("status must be a string: %w", err)
	}
	*s, _ = ParseState(raw)
	return nil
}

// Rejection records one user turning a request down.
type Rejection struct {
	User      string `json:"user"`
	Timestamp int64  `json:"timestamp"`
}

// ActiveRestart describes a restart that is physically running on the
// server, independent of the request lifecycle.
type ActiveRestart struct {
	Requester   string `json:"requester"`
	Project     string `json:"project"`
	StartedAt   int64  `json:"started_at"`
	RequestedAt int64  `json:"requested_at"`
}

// Status is an immutable snapshot of the shared remote state. Timestamps are
// epoch seconds; zero means absent. State describes the current request and
// ActiveRestart the current execution. A request can be rejected while a
// previously approved restart keeps running.
type Status struct {
	Version       int64          `json:"version"`
	InProgress    bool           `json:"in_progress"`
	Requester     string         `json:"requester"`
	Project       string         `json:"project"`
	RequestedAt   int64          `json:"requested_at,omitempty"`
	WaitUntil     int64          `json:"wait_until,omitempty"`
	State         State          `json:"status"`
	Rejections    []Rejection    `json:"rejections"`
	ActiveRestart *ActiveRestart `json:"active_restart"`
	LastUpdate    int64          `json:"last_update"`
}

// IsBusy reports whether a request is pending, approved or executing.
func (s *Status) IsBusy() bool {
	switch s.State {
	case StatePending, StateApproved, StateExecuting:
		return true
	default:
		return false
	}
}

// HasActiveRestart reports whether a restart is physically running.
func (s *Status) HasActiveRestart() bool {
	return s.ActiveRestart != nil && s.ActiveRestart.StartedAt > 0
}

func (s *Status) IsRejectedButStillRestarting() bool {
	return s.State == StateRejected && s.HasActiveRestart()
}

func (s *Status) IsPendingOverActiveRestart() bool {
	return s.State == StatePending && s.HasActiveRestart()
}

// IsServerRestarting is true while the request executes or any restart runs.
func (s *Status) IsServerRestarting() bool {
	return s.State == StateExecuting || s.HasActiveRestart()
}

// TimeRemaining returns the seconds until WaitUntil, floored at zero.
func (s *Status) TimeRemaining(now time.Time) int64 {
	if s.WaitUntil <= 0 {
		return 0
	}
	return max(0, s.WaitUntil-now.Unix())
}

// ActiveRestartElapsedSeconds measures from the running restart's start,
// falling back to its request time. Floored at zero.
func (s *Status) ActiveRestartElapsedSeconds(now time.Time) int64 {
	if s.ActiveRestart == nil {
		return 0
	}
	start := s.ActiveRestart.StartedAt
	if start <= 0 {
		start = s.ActiveRestart.RequestedAt
	}
	if start <= 0 {
		return 0
	}
	return max(0, now.Unix()-start)
}

// LastRejection returns the most recent rejection, if any.
func (s *Status) LastRejection() (Rejection, bool) {
	if len(s.Rejections) == 0 {
		return Rejection{}, false
	}
	return s.Rejections[len(s.Rejections)-1], true
}

// HasChangedFrom is the change-detection rule: LastUpdate, State or
// HasActiveRestart differ. Version and rejections are ignored. Any snapshot
// has changed from nil.
func (s *Status) HasChangedFrom(prev *Status) bool {
	if prev == nil {
		return true
	}
	return s.LastUpdate != prev.LastUpdate ||
		s.State != prev.State ||
		s.HasActiveRestart() != prev.HasActiveRestart()
}

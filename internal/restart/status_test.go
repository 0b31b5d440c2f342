package restart

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, raw string) *Status {
	t.Helper()
	s, err := parseStatus(raw)
	require.NoError(t, err)
	return s
}

func TestParseState(t *testing.T) {
	for raw, want := range map[string]State{
		"idle":       StateIdle,
		"PENDING":    StatePending,
		" Approved ": StateApproved,
		"executing":  StateExecuting,
		"Completed":  StateCompleted,
		"rejected":   StateRejected,
	} {
		got, ok := ParseState(raw)
		assert.True(t, ok, raw)
		assert.Equal(t, want, got, raw)
	}

	got, ok := ParseState("exploding")
	assert.False(t, ok)
	assert.Equal(t, StateUnknown, got)
}

func TestStatus_JSONRoundTripKeepsWireNames(t *testing.T) {
	s := mustParse(t, `{"status":"EXECUTING","requester":"bob","active_restart":{"requester":"bob","project":"api","started_at":500,"requested_at":450},"extra":true}`)
	assert.Equal(t, StateExecuting, s.State)
	require.NotNil(t, s.ActiveRestart)
	assert.Equal(t, int64(500), s.ActiveRestart.StartedAt)

	b, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"status":"executing"`)
}

func TestParseStatus_Invalid(t *testing.T) {
	_, err := parseStatus(`{"requester":"alice"}`)
	assert.ErrorIs(t, err, ErrInvalidStatus)

	_, err = parseStatus(`{"status":""}`)
	assert.ErrorIs(t, err, ErrInvalidStatus)

	_, err = parseStatus(`{"status":`)
	assert.Error(t, err)

	_, err = parseStatus(`{"status":"idle","last_update":"soon"}`)
	assert.Error(t, err, "type mismatches fail the parse")
}

func TestStatus_HasChangedFrom(t *testing.T) {
	base := func() *Status {
		return &Status{
			Version:    3,
			State:      StatePending,
			LastUpdate: 1000,
			Rejections: []Rejection{{User: "a", Timestamp: 1}, {User: "b", Timestamp: 2}},
		}
	}

	testCases := []struct {
		name    string
		mutate  func(s *Status)
		changed bool
	}{
		{name: "identical", mutate: func(*Status) {}, changed: false},
		{name: "version only", mutate: func(s *Status) { s.Version = 4 }, changed: false},
		{name: "rejection order only", mutate: func(s *Status) {
			s.Rejections[0], s.Rejections[1] = s.Rejections[1], s.Rejections[0]
		}, changed: false},
		{name: "last update", mutate: func(s *Status) { s.LastUpdate = 1001 }, changed: true},
		{name: "state", mutate: func(s *Status) { s.State = StateExecuting }, changed: true},
		{name: "active restart appears", mutate: func(s *Status) {
			s.ActiveRestart = &ActiveRestart{StartedAt: 900}
		}, changed: true},
		{name: "active restart without start time", mutate: func(s *Status) {
			s.ActiveRestart = &ActiveRestart{RequestedAt: 900}
		}, changed: false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			next := base()
			tc.mutate(next)
			assert.Equal(t, tc.changed, next.HasChangedFrom(base()))
		})
	}

	assert.True(t, base().HasChangedFrom(nil))
}

func TestStatus_RequestAndExecutionAreOrthogonal(t *testing.T) {
	s := mustParse(t, `{"status":"rejected","active_restart":{"started_at":1700000000}}`)

	assert.True(t, s.IsRejectedButStillRestarting())
	assert.True(t, s.IsServerRestarting())
	assert.False(t, s.IsBusy())
	assert.False(t, s.IsPendingOverActiveRestart())
}

func TestStatus_PendingOverActiveRestart(t *testing.T) {
	first := mustParse(t, `{"status":"pending","active_restart":null}`)
	second := mustParse(t, `{"status":"pending","active_restart":{"started_at":500}}`)

	assert.False(t, first.IsPendingOverActiveRestart())
	assert.True(t, second.IsPendingOverActiveRestart())
	assert.True(t, second.HasChangedFrom(first))
}

func TestStatus_Predicates(t *testing.T) {
	for state, busy := range map[State]bool{
		StateIdle:      false,
		StatePending:   true,
		StateApproved:  true,
		StateExecuting: true,
		StateCompleted: false,
		StateRejected:  false,
	} {
		s := &Status{State: state}
		assert.Equal(t, busy, s.IsBusy(), state.String())
		assert.Equal(t, state == StateExecuting, s.IsServerRestarting(), state.String())
	}
}

func TestStatus_TimeRemaining(t *testing.T) {
	s := &Status{WaitUntil: 1030}
	assert.Equal(t, int64(15), s.TimeRemaining(time.Unix(1015, 0)))
	assert.Equal(t, int64(0), s.TimeRemaining(time.Unix(1031, 0)))
	assert.Equal(t, int64(0), (&Status{}).TimeRemaining(time.Unix(1015, 0)))
}

func TestStatus_ActiveRestartElapsedSeconds(t *testing.T) {
	now := time.Unix(1000, 0)

	assert.Equal(t, int64(0), (&Status{}).ActiveRestartElapsedSeconds(now))
	assert.Equal(t, int64(100), (&Status{ActiveRestart: &ActiveRestart{StartedAt: 900, RequestedAt: 800}}).ActiveRestartElapsedSeconds(now))
	assert.Equal(t, int64(200), (&Status{ActiveRestart: &ActiveRestart{RequestedAt: 800}}).ActiveRestartElapsedSeconds(now))
	assert.Equal(t, int64(0), (&Status{ActiveRestart: &ActiveRestart{StartedAt: 2000}}).ActiveRestartElapsedSeconds(now), "clock skew is floored")
}

func TestStatus_LastRejection(t *testing.T) {
	_, ok := (&Status{}).LastRejection()
	assert.False(t, ok)

	r, ok := (&Status{Rejections: []Rejection{{User: "a"}, {User: "b"}}}).LastRejection()
	require.True(t, ok)
	assert.Equal(t, "b", r.User)
}

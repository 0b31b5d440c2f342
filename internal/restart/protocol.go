package restart

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

const (
	opGet     = "get"
	opRequest = "request"
	opReject  = "reject"

	prefixError = "ERROR:"
	prefixOK    = "OK:"
)

// ErrInvalidStatus means a JSON response carried no usable status field.
var ErrInvalidStatus = errors.New("response has no status field")

// RemoteError is an ERROR: response from the restart script.
type RemoteError struct {
	Op      string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("restart %s: %s", e.Op, e.Message)
}

type responseKind int

const (
	responseEmpty responseKind = iota
	responseError
	responseOK
	responseJSON
	responseOther
)

// classify sorts trimmed stdout into the response grammar and returns the
// payload after any prefix.
func classify(stdout string) (responseKind, string) {
	out := strings.TrimSpace(stdout)
	switch {
	case out == "":
		return responseEmpty, ""
	case strings.HasPrefix(out, prefixError):
		return responseError, strings.TrimSpace(strings.TrimPrefix(out, prefixError))
	case strings.HasPrefix(out, prefixOK):
		return responseOK, strings.TrimSpace(strings.TrimPrefix(out, prefixOK))
	case strings.HasPrefix(out, "{"):
		return responseJSON, out
	default:
		return responseOther, out
	}
}

// command renders "<script> <user> <op> [arg]". The project argument is
// double quoted; callers sanitize it first.
func command(script, user, op string, args ...string) string {
	parts := []string{script, user, op}
	for _, a := range args {
		parts = append(parts, `"`+a+`"`)
	}
	return strings.Join(parts, " ")
}

// parseStatus decodes a JSON snapshot. Unknown fields are ignored; a missing
// status field makes the snapshot invalid.
func parseStatus(raw string) (*Status, error) {
	if !gjson.Valid(raw) {
		return nil, errors.New("malformed json")
	}
	if st := gjson.Get(raw, "status"); !st.Exists() || st.String() == "" {
		return nil, ErrInvalidStatus
	}

	var s Status
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &s, nil
}

package transport

import (
	"time"

	"github.com/avaropoint/pzone/internal/session"
)

// State is the state of one link.
type State string

const (
	StateNotConnected  State = "not_connected"
	StateConnecting    State = "connecting"
	StateAuthenticated State = "authenticated"
	StateUnauthorized  State = "unauthorized"
)

// Event reports a link state transition. Err is set for transitions caused
// by a failure.
type Event struct {
	Kind  session.Kind
	ID    string
	State State
	Err   error
	Time  time.Time
}

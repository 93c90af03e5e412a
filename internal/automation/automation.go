// Package automation runs the credential entry helper for a freshly started
// game client and keeps track of the helper processes so they can be killed
// when the account is stopped.
package automation

import (
	"context"
	"errors"
)

// Request is what a helper needs to log an account in.
type Request struct {
	AccountID string
	// PID of the launcher/game process the helper should drive; 0 if unknown.
	PID      int
	Email    string
	Password string
	// Options are platform specific knobs passed through from settings.
	Options map[string]string
}

// Handle is a running helper. The caller never waits for it.
type Handle interface {
	PID() int
	Kill() error
	// Done is closed once the helper has exited and been reaped.
	Done() <-chan struct{}
}

// Dispatcher starts helpers.
type Dispatcher interface {
	Dispatch(ctx context.Context, req Request) (Handle, error)
}

// ErrNotConfigured is returned when no helper command is set.
var ErrNotConfigured = errors.New("automation command not configured")

// Nop is a Dispatcher for setups without a helper.
type Nop struct{}

func (Nop) Dispatch(context.Context, Request) (Handle, error) { return nil, ErrNotConfigured }

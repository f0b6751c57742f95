package engine

import (
	"errors"
	"fmt"
)

var (
	ErrNotActive           = errors.New("session not active")
	ErrAlreadyActive       = errors.New("session already active")
	ErrVoiceSwapInProgress = errors.New("voice swap in progress")
	ErrClosed              = errors.New("controller closed")
	ErrUnknownTool         = errors.New("unknown tool")
	ErrToolInProgress      = errors.New("tool task in progress")
)

// FaultClass groups runtime faults by how they are handled.
type FaultClass string

const (
	// FaultTransport ends the session and is shown to the user.
	FaultTransport FaultClass = "transport"
	// FaultAdmission is a noise triggered response, discarded silently.
	FaultAdmission FaultClass = "admission"
	// FaultTool is a failed tool, reported to the model as an error payload.
	FaultTool FaultClass = "tool"
	// FaultWatchdog is a voice swap that never signalled completion.
	FaultWatchdog FaultClass = "watchdog"
)

type Fault struct {
	Class FaultClass
	Err   error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s fault: %v", f.Class, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// UserVisible reports whether the fault should surface as a hard failure.
func (f *Fault) UserVisible() bool {
	return f.Class == FaultTransport
}

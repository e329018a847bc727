package dialog

import "errors"

var (
	// Dialog errors
	ErrDialogTerminated = errors.New("dialog terminated")
	ErrInvalidState     = errors.New("invalid dialog state")
	ErrNoInvite         = errors.New("dialog has no INVITE request")

	// Header errors
	ErrInvalidHeader = errors.New("invalid header")
	ErrNoHeader      = errors.New("header not present")
)

package dispatcher

import "errors"

var (
	// ErrUnknownCommand is returned by Submit when no handler is registered
	// for the command.
	ErrUnknownCommand = errors.New("jobq dispatcher: unknown command")

	// ErrDuplicateHandler is returned by Register when a handler is already
	// registered for the command.
	ErrDuplicateHandler = errors.New("jobq dispatcher: duplicate handler")

	// ErrStarted is returned by Register and Start once the dispatcher is
	// started.
	ErrStarted = errors.New("jobq dispatcher: already started")

	// ErrClientOnly is returned by Start on client-only dispatchers.
	ErrClientOnly = errors.New("jobq dispatcher: client-only")

	// ErrInvalidRequest is returned by Submit when the request is missing
	// required fields.
	ErrInvalidRequest = errors.New("jobq dispatcher: invalid request")
)

package state

import "errors"

// Sentinel errors for the state package. Callers match with errors.Is.
var (
	// ErrNoSprint is returned when no sprint document exists.
	ErrNoSprint = errors.New("no sprint state found")

	// ErrActiveSprint is returned by Initialize when a running or halted
	// sprint already exists and Force was not set.
	ErrActiveSprint = errors.New("an active sprint already exists")

	// ErrSprintComplete is returned by Resume for a finished sprint.
	ErrSprintComplete = errors.New("sprint is already complete")

	// ErrSprintRunning is returned by Resume when the document still says
	// running. Either another controller is alive or a previous one was
	// killed mid-invocation; the operator must halt it explicitly.
	ErrSprintRunning = errors.New("sprint is marked running")

	// ErrMalformed is returned when the document has no front-matter block.
	ErrMalformed = errors.New("malformed sprint document")

	// ErrInvalidRange is returned when start_phase > end_phase.
	ErrInvalidRange = errors.New("invalid phase range")

	// ErrUnknownField is returned by ReadField for a key not in the front-matter.
	ErrUnknownField = errors.New("unknown front-matter field")
)

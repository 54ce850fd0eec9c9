package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrNoAssignment means matching has not been generated yet or the participant is not part of it.
	ErrNoAssignment = errors.New("no assignment for participant")
	// ErrPersistence wraps any failed begin, write or commit; nothing from the operation is visible.
	ErrPersistence        = errors.New("persistence failure")
	ErrEventEnded         = errors.New("event has ended")
	ErrRegenerationLocked = errors.New("matching cannot be regenerated while the event is live")
	ErrInvalidInput       = errors.New("invalid input")
)

func persistErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

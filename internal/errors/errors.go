package errors

import "errors"

// Domain errors.
var (
	// ErrJobSealed is returned when a mutation targets a sealed job.
	// Sealed jobs are immutable; callers must fail loudly rather than
	// silently dropping the write.
	ErrJobSealed = errors.New("job is sealed")

	ErrJobNotFound   = errors.New("job not found")
	ErrMediaNotFound = errors.New("media item not found")
)

// Queue/engine errors.
var (
	ErrUnknownActionType = errors.New("unknown queue action type")
	ErrQueueUnavailable  = errors.New("mutation queue unavailable")
)

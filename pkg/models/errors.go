package models

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced across package boundaries.
var (
	// ErrNoVideoStream indicates the source file carries no video stream.
	ErrNoVideoStream = errors.New("no video stream found")

	// ErrAlreadyFinished indicates a cancel request hit a job that is
	// already in a terminal state.
	ErrAlreadyFinished = errors.New("job already finished")

	// ErrJobNotFound indicates a job lookup miss.
	ErrJobNotFound = errors.New("job not found")

	// ErrVideoNotFound indicates a video lookup miss.
	ErrVideoNotFound = errors.New("video not found")

	// ErrSessionNotFound indicates a streaming session lookup miss or expiry.
	ErrSessionNotFound = errors.New("session not found")

	// ErrTooManySessions indicates the user hit their concurrent session cap.
	ErrTooManySessions = errors.New("too many concurrent sessions")
)

// InputError indicates a missing or undecodable source. Fatal, never retried.
type InputError struct {
	Input string
	Err   error
}

func (e *InputError) Error() string {
	return fmt.Sprintf("invalid input %s: %v", e.Input, e.Err)
}

func (e *InputError) Unwrap() error { return e.Err }

// EncodeError indicates a subprocess encode failure, carrying the tool's
// diagnostic output. Retried up to the job's attempt limit.
type EncodeError struct {
	Profile string
	Format  string
	Detail  string // tail of the encoder's stderr
	Err     error
}

func (e *EncodeError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("encode %s/%s failed: %v: %s", e.Profile, e.Format, e.Err, e.Detail)
	}
	return fmt.Sprintf("encode %s/%s failed: %v", e.Profile, e.Format, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// StorageError indicates an upload or download failure. Retried at the
// operation level.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// TokenError indicates a playback token that failed validation. Surfaced
// as an authorization failure, never retried.
type TokenError struct {
	Reason string
	Err    error
}

func (e *TokenError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid token: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid token: %s", e.Reason)
}

func (e *TokenError) Unwrap() error { return e.Err }

// IsRetryable reports whether a job-level failure should be routed through
// the retry policy. Input errors are fatal; everything else that reaches
// the job boundary is worth another attempt.
func IsRetryable(err error) bool {
	var inputErr *InputError
	if errors.As(err, &inputErr) {
		return false
	}
	if errors.Is(err, ErrNoVideoStream) {
		return false
	}
	return true
}

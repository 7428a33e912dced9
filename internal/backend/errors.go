package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Class partitions backend failures by how the engine should react.
type Class int

const (
	// ClassTransient failures are worth retrying: timeouts, connection
	// resets, 5xx responses.
	ClassTransient Class = iota
	// ClassRejected means the server understood the request and said
	// no. Retrying the same request will not help.
	ClassRejected
	// ClassConflict means the request raced with another client and
	// lost. The caller should refetch and reconcile.
	ClassConflict
	// ClassMalformed means the server's response could not be decoded.
	ClassMalformed
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")
	ErrRateLimited  = errors.New("rate limited")
)

// Error wraps a failure with its class and the operation that produced
// it.
type Error struct {
	Class Class
	Op    string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap classifies err under op. A nil err returns nil.
func Wrap(class Class, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: class, Op: op, Err: err}
}

// ClassOf reports the class of err. Network and context errors that
// escaped classification count as transient; anything else unknown is
// treated as rejected so the engine does not retry blindly.
func ClassOf(err error) Class {
	var be *Error
	if errors.As(err, &be) {
		return be.Class
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ClassTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	return ClassRejected
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return err != nil && ClassOf(err) == ClassTransient
}

// IsConflict reports whether err signals a lost race with another
// writer.
func IsConflict(err error) bool {
	return err != nil && ClassOf(err) == ClassConflict
}

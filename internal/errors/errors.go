// Package errors defines the error taxonomy surfaced by the messaging client.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for callers deciding how to surface it.
type Kind string

const (
	KindAuth       Kind = "auth"
	KindFetch      Kind = "fetch"
	KindWrite      Kind = "write"
	KindProfile    Kind = "profile"
	KindValidation Kind = "validation"
)

var (
	// ErrNotAuthenticated means no authenticated user is present.
	ErrNotAuthenticated = stderrors.New("not authenticated")
	// ErrEmptyContent means a message body was empty after trimming.
	ErrEmptyContent = stderrors.New("message content is empty")
	// ErrProfileNotFound means the profiles table has no row for a user.
	ErrProfileNotFound = stderrors.New("profile not found")
)

// Error is a classified error. Op names the failing operation.
type Error struct {
	Kind       Kind
	Op         string
	Err        error
	HTTPStatus int
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, status int, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err, HTTPStatus: status}
}

// Auth wraps err as an authentication failure. A nil err becomes ErrNotAuthenticated.
func Auth(op string, err error) *Error {
	if err == nil {
		err = ErrNotAuthenticated
	}
	return newError(KindAuth, http.StatusUnauthorized, op, err)
}

// Fetch wraps a read failure.
func Fetch(op string, err error) *Error {
	return newError(KindFetch, http.StatusBadGateway, op, err)
}

// Write wraps an insert/update/delete failure.
func Write(op string, err error) *Error {
	return newError(KindWrite, http.StatusBadGateway, op, err)
}

// ProfileResolution wraps a non-fatal profile lookup failure.
func ProfileResolution(userID string, err error) *Error {
	return newError(KindProfile, http.StatusOK, "resolve profile "+userID, err)
}

// Validation wraps a rejected input.
func Validation(op string, err error) *Error {
	return newError(KindValidation, http.StatusBadRequest, op, err)
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func IsAuth(err error) bool       { return KindOf(err) == KindAuth }
func IsFetch(err error) bool      { return KindOf(err) == KindFetch }
func IsWrite(err error) bool      { return KindOf(err) == KindWrite }
func IsValidation(err error) bool { return KindOf(err) == KindValidation }

// Is and As re-export the standard helpers so callers need one import.
func Is(err, target error) bool { return stderrors.Is(err, target) }
func As(err error, target any) bool { return stderrors.As(err, target) }

// Package services defines the business logic for matchmaking, the mailbox
// relay, chat, and presence. This file centralizes the service-level error
// taxonomy so that service methods return consistent values and callers can
// classify them with errors.Is / errors.As.
//
// Translation into user-facing messages or HTTP status codes is performed at
// the handler layer.
package services

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// Sentinels matched by the typed errors below.
var (
	// ErrValidation marks malformed or missing input. It is raised before the
	// store is touched.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound marks a referenced participant or match that does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStore marks an underlying persistence failure.
	ErrStore = errors.New("store failure")
)

// ValidationError describes a rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Is reports whether target is ErrValidation.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// NotFoundError names the missing entity.
type NotFoundError struct {
	Entity string // "participant" or "match"
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.ID)
}

// Is reports whether target is ErrNotFound.
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// StoreError wraps a persistence failure with the operation that hit it.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return e.Op + ": " + e.Err.Error() }

// Is reports whether target is ErrStore.
func (e *StoreError) Is(target error) bool { return target == ErrStore }

// Unwrap exposes the driver error.
func (e *StoreError) Unwrap() error { return e.Err }

func invalid(field, reason string) error { return &ValidationError{Field: field, Reason: reason} }

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

// RaceOutcome records a benign concurrent-selection result. It is logged and
// counted, never returned to callers.
type RaceOutcome struct {
	Identity  string
	Candidate string
	Detail    string
}

// MarshalZerologObject lets a RaceOutcome be attached with Object().
func (r RaceOutcome) MarshalZerologObject(e *zerolog.Event) {
	e.Str("identity", r.Identity).Str("candidate", r.Candidate).Str("detail", r.Detail)
}

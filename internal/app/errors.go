package app

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds. Every DomainError unwraps to exactly one of these, so callers
// can branch with errors.Is without caring about the HTTP mapping.
var (
	ErrNotFound        = errors.New("not found")
	ErrNotAuthorized   = errors.New("not authorized")
	ErrInvalidState    = errors.New("invalid state")
	ErrAlreadyExists   = errors.New("already exists")
	ErrInvalidArgument = errors.New("invalid argument")
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
	kind    error
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.kind
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func kindError(kind error, status int, code, message string) *DomainError {
	err := domainError(status, code, message, nil)
	err.kind = kind
	return err
}

func NotFound(what string) *DomainError {
	return kindError(ErrNotFound, http.StatusNotFound, "NOT_FOUND", what+" not found")
}

func NotAuthorized(message string) *DomainError {
	return kindError(ErrNotAuthorized, http.StatusForbidden, "NOT_AUTHORIZED", message)
}

func NotAParticipant() *DomainError {
	return kindError(ErrNotAuthorized, http.StatusForbidden, "NOT_A_PARTICIPANT", "You are not a participant of this conversation")
}

func NotOwner(what string) *DomainError {
	return kindError(ErrNotAuthorized, http.StatusForbidden, "NOT_OWNER", "Only the sender can modify this "+what)
}

func InvalidState(message string) *DomainError {
	return kindError(ErrInvalidState, http.StatusConflict, "INVALID_STATE", message)
}

func AlreadyExists(message string) *DomainError {
	return kindError(ErrAlreadyExists, http.StatusConflict, "ALREADY_EXISTS", message)
}

func AlreadyInvited() *DomainError {
	return kindError(ErrAlreadyExists, http.StatusConflict, "ALREADY_INVITED", "An invitation to this user is already pending")
}

func InvalidArgument(message string) *DomainError {
	return kindError(ErrInvalidArgument, http.StatusUnprocessableEntity, "VALIDATION_ERROR", message)
}

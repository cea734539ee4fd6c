// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
	"net/http"
)

// ValidationError is returned when a campaign submission is malformed.
// Nothing is persisted when it is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

func NewValidation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// PersistenceError wraps a store failure during campaign creation.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func NewPersistence(op string, err error) error {
	return &PersistenceError{Op: op, Err: err}
}

// TransportError is a single recipient's delivery failure. It is recorded
// against the campaign counters and never surfaced to API callers.
type TransportError struct {
	Recipient string
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("delivery to %s failed: %v", e.Recipient, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func NewTransport(recipient string, err error) error {
	return &TransportError{Recipient: recipient, Err: err}
}

// NotFoundError is returned for unknown campaign ids.
type NotFoundError struct {
	CampaignID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("campaign with ID %s not found", e.CampaignID)
}

func NewCampaignNotFound(id string) error {
	return &NotFoundError{CampaignID: id}
}

// HTTPStatus maps an error to the status code the API answers with.
func HTTPStatus(err error) int {
	var ve *ValidationError
	var nf *NotFoundError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.As(err, &nf):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// PublicMessage is the error text safe to return to API callers. Store and
// transport details stay in the logs.
func PublicMessage(err error) string {
	var pe *PersistenceError
	switch HTTPStatus(err) {
	case http.StatusBadRequest, http.StatusNotFound:
		return err.Error()
	}
	if errors.As(err, &pe) {
		return "failed to " + pe.Op
	}
	return "internal server error"
}
